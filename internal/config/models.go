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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelCatalogEntry is one model GET /api/models advertises to clients, and
// the source of truth the provider adapter consults for its per-model
// context-window size (the engine's context-exhaustion check in turn reads
// that from the adapter).
type ModelCatalogEntry struct {
	ID            string `yaml:"id"`
	Provider      string `yaml:"provider"`
	Description   string `yaml:"description"`
	ContextWindow int    `yaml:"context_window"`
}

// modelCatalogFile is the on-disk shape: a bare list under a "models" key,
// parsed directly with yaml.v3 rather than through viper, since this is an
// operator-edited side file, not part of the server's own config tree.
type modelCatalogFile struct {
	Models []ModelCatalogEntry `yaml:"models"`
}

// DefaultModelCatalog is the built-in catalog used when no catalog file is
// configured, covering the models the Anthropic adapter is validated
// against.
func DefaultModelCatalog() []ModelCatalogEntry {
	return []ModelCatalogEntry{
		{ID: "claude-opus-4-20250514", Provider: "anthropic", Description: "Most capable, for hard reasoning and long tool-use chains", ContextWindow: 200000},
		{ID: "claude-sonnet-4-20250514", Provider: "anthropic", Description: "Balanced default for everyday agentic work", ContextWindow: 200000},
		{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", Description: "Fastest, for cheap high-volume sub-agent tasks", ContextWindow: 200000},
	}
}

// LoadModelCatalog reads a YAML model catalog from path, or returns
// DefaultModelCatalog if path is empty. A configured path that does not
// exist is an error: an operator who named a catalog file expects it to be
// read, not silently ignored.
func LoadModelCatalog(path string) ([]ModelCatalogEntry, error) {
	if path == "" {
		return DefaultModelCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read model catalog %s: %w", path, err)
	}

	var file modelCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse model catalog %s: %w", path, err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("config: model catalog %s declares no models", path)
	}
	for i, m := range file.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("config: model catalog %s: entry %d missing id", path, i)
		}
		if m.ContextWindow <= 0 {
			return nil, fmt.Errorf("config: model catalog %s: entry %q missing context_window", path, m.ID)
		}
	}
	return file.Models, nil
}

// ContextWindows projects a catalog into the id -> context-window map the
// provider adapter consults.
func ContextWindows(catalog []ModelCatalogEntry) map[string]int {
	out := make(map[string]int, len(catalog))
	for _, m := range catalog {
		out[m.ID] = m.ContextWindow
	}
	return out
}
