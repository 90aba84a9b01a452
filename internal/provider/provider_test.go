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

package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{ErrorNetwork, ErrorRateLimit, ErrorServer}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s must be retryable", k)
	}

	terminal := []ErrorKind{ErrorAuth, ErrorInvalidRequest, ErrorUnknown}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "%s must be terminal, not retryable", k)
	}
}

func TestErrorImplementsError(t *testing.T) {
	var err error = &Error{Kind: ErrorAuth, Message: "bad key"}
	assert.Equal(t, "bad key", err.Error())
}
