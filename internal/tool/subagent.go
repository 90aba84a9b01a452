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

package tool

// SpawnSubAgentToolName is the tool the executor does not run directly:
// the engine recognizes the name, parses SpawnSubAgentInput, and routes the
// call to the runtime manager's spawn fabric instead of a registered Tool.
const SpawnSubAgentToolName = "spawn-sub-agent"

// SubmitResultToolName and SubmitErrorToolName are the two tool calls a
// sub-agent conversation uses to report its terminal outcome to its parent.
// Like spawn-sub-agent, these are recognized by name and drive a state
// transition rather than running as a registered Tool.
const (
	SubmitResultToolName = "submit-result"
	SubmitErrorToolName  = "submit-error"
)

// SpawnTask is one child conversation to create.
type SpawnTask struct {
	Task string `json:"task"`
	Cwd  string `json:"cwd,omitempty"`
}

// SpawnSubAgentInput is the spawn-sub-agent tool's input shape.
type SpawnSubAgentInput struct {
	Tasks []SpawnTask `json:"tasks"`
}

// SpawnSubAgentDefinition is the Definition advertised to the provider for
// the spawn-sub-agent tool, even though it never reaches Registry.Execute.
func SpawnSubAgentDefinition() Definition {
	return Definition{
		Name:        SpawnSubAgentToolName,
		Description: "Spawn one or more independent sub-agent conversations to work on tasks in parallel. Each task becomes its own conversation and reports back via submit-result or submit-error.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tasks": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"task": map[string]any{"type": "string"},
							"cwd":  map[string]any{"type": "string"},
						},
						"required": []string{"task"},
					},
				},
			},
			"required": []string{"tasks"},
		},
	}
}

// SubmitResultDefinition is the Definition advertised to a sub-agent
// conversation for reporting success back to its parent.
func SubmitResultDefinition() Definition {
	return Definition{
		Name:        SubmitResultToolName,
		Description: "Report this task's successful result back to the parent conversation. This ends the sub-agent's turn.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result": map[string]any{"type": "string"},
			},
			"required": []string{"result"},
		},
	}
}

// SubmitErrorDefinition is the Definition advertised to a sub-agent
// conversation for reporting failure back to its parent.
func SubmitErrorDefinition() Definition {
	return Definition{
		Name:        SubmitErrorToolName,
		Description: "Report this task's failure back to the parent conversation. This ends the sub-agent's turn.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"error": map[string]any{"type": "string"},
			},
			"required": []string{"error"},
		},
	}
}
