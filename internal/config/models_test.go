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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModelCatalogDefaultsWhenPathEmpty(t *testing.T) {
	catalog, err := LoadModelCatalog("")
	require.NoError(t, err)
	assert.Len(t, catalog, len(DefaultModelCatalog()))
}

func TestLoadModelCatalogParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	contents := `
models:
  - id: custom-model-1
    provider: anthropic
    description: a custom catalog entry
    context_window: 50000
  - id: custom-model-2
    provider: anthropic
    context_window: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	catalog, err := LoadModelCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog, 2)
	assert.Equal(t, "custom-model-1", catalog[0].ID)
	assert.Equal(t, 50000, catalog[0].ContextWindow)
	assert.Equal(t, "custom-model-2", catalog[1].ID)
	assert.Equal(t, 9000, catalog[1].ContextWindow)
}

func TestLoadModelCatalogRejectsMissingFile(t *testing.T) {
	_, err := LoadModelCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "a configured but missing catalog path must not be silently ignored")
}

func TestLoadModelCatalogRejectsEntryWithoutContextWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  - id: no-window\n"), 0o644))

	_, err := LoadModelCatalog(path)
	assert.Error(t, err)
}

func TestContextWindowsProjectsIDToSize(t *testing.T) {
	m := ContextWindows(DefaultModelCatalog())
	assert.Equal(t, 200000, m["claude-sonnet-4-20250514"])
}
