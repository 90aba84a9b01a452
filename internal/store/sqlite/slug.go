// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlite

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var nonAlphanumericRE = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases name and collapses runs of non-alphanumeric
// characters into single hyphens. An empty result falls back to a random
// uuid rather than an empty slug.
func slugify(name string) string {
	s := strings.ToLower(name)
	s = nonAlphanumericRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return uuid.NewString()
	}
	return s
}

// maxSlugRetries bounds the cheap "append -2, -3, ..." collision loop
// before falling back to a guaranteed-unique suffix.
const maxSlugRetries = 5

// uniqueSlug returns a slug derived from base that exists returns false
// for. It first tries base, then base-2, base-3, ... up to
// maxSlugRetries, and finally appends a short random suffix, which is
// unique with overwhelming probability without an unbounded retry loop.
func uniqueSlug(base string, exists func(slug string) (bool, error)) (string, error) {
	candidate := slugify(base)
	taken, err := exists(candidate)
	if err != nil {
		return "", err
	}
	if !taken {
		return candidate, nil
	}

	for i := 2; i <= maxSlugRetries+1; i++ {
		candidate = slugify(base) + "-" + strconv.Itoa(i)
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}

	return slugify(base) + "-" + uuid.NewString()[:8], nil
}
