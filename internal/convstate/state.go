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

// Package convstate defines the conversation state machine's tagged-union
// State and its JSON-on-disk shape: a blob keyed by a "type" discriminator
// field.
package convstate

import (
	"encoding/json"
	"fmt"
)

// Tag discriminates the State variant.
type Tag string

const (
	TagIdle               Tag = "idle"
	TagLlmRequesting      Tag = "llm_requesting"
	TagToolExecuting      Tag = "tool_executing"
	TagCancellingTool     Tag = "cancelling_tool"
	TagCancellingLlm      Tag = "cancelling_llm"
	TagAwaitingSubAgents  Tag = "awaiting_sub_agents"
	TagCancellingSubAgent Tag = "cancelling_sub_agents"
	TagAwaitingContinue   Tag = "awaiting_continuation"
	TagContextExhausted   Tag = "context_exhausted"
	TagError              Tag = "error"
)

// PendingTool is one tool-use awaiting or having completed execution
// within a ToolExecuting batch.
type PendingTool struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// CompletedTool is a tool-use's recorded outcome within a ToolExecuting or
// cancellation batch.
type CompletedTool struct {
	ID      string `json:"id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// SubAgentOutcome is one child conversation's terminal result, as reported
// via a SubAgentResult event.
type SubAgentOutcome struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

// ErrorKind mirrors provider.ErrorKind without importing that package
// (convstate must stay a leaf); the engine maps between the two.
type ErrorKind string

// State is the tagged-union conversation state. Tag selects the variant,
// and only the fields that variant uses are populated. Construct with the
// per-tag constructors (Idle, LlmRequesting, ToolExecuting, ...); the zero
// value is not a valid state.
type State struct {
	Tag Tag `json:"type"`

	// LlmRequesting
	Attempt int `json:"attempt,omitempty"`

	// ToolExecuting
	Current   *PendingTool    `json:"current,omitempty"`
	Pending   []PendingTool   `json:"pending,omitempty"`
	Completed []CompletedTool `json:"completed,omitempty"`

	// CancellingTool
	CancellingToolID string `json:"cancelling_tool_id,omitempty"`

	// AwaitingSubAgents / CancellingSubAgents
	PendingSubAgents   []string          `json:"pending_sub_agents,omitempty"`
	CompletedSubAgents []SubAgentOutcome `json:"completed_sub_agents,omitempty"`
	SpawnToolUseID     string            `json:"spawn_tool_use_id,omitempty"`

	// ContextExhausted
	Summary string `json:"summary,omitempty"`

	// Error
	Message string    `json:"message,omitempty"`
	Kind    ErrorKind `json:"kind,omitempty"`
}

// Idle returns the Idle state.
func Idle() State { return State{Tag: TagIdle} }

// LlmRequesting returns the LlmRequesting{attempt} state.
func LlmRequesting(attempt int) State {
	return State{Tag: TagLlmRequesting, Attempt: attempt}
}

// ToolExecuting returns the ToolExecuting{current, pending, completed} state.
func ToolExecuting(current PendingTool, pending []PendingTool, completed []CompletedTool) State {
	return State{Tag: TagToolExecuting, Current: &current, Pending: pending, Completed: completed}
}

// CancellingTool returns the CancellingTool{id} state. pending and
// completed carry the rest of the batch the cancellation interrupted, so
// the synthetic results persisted once ToolAborted arrives can cover every
// tool-use in the original agent message, not just the current one.
func CancellingTool(id string, pending []PendingTool, completed []CompletedTool) State {
	return State{Tag: TagCancellingTool, CancellingToolID: id, Pending: pending, Completed: completed}
}

// CancellingLlm returns the CancellingLlm state.
func CancellingLlm() State { return State{Tag: TagCancellingLlm} }

// AwaitingSubAgents returns the AwaitingSubAgents{pending, completed} state.
func AwaitingSubAgents(pending []string, completed []SubAgentOutcome, spawnToolUseID string) State {
	return State{Tag: TagAwaitingSubAgents, PendingSubAgents: pending, CompletedSubAgents: completed, SpawnToolUseID: spawnToolUseID}
}

// CancellingSubAgents returns the CancellingSubAgents state.
func CancellingSubAgents(pending []string, completed []SubAgentOutcome, spawnToolUseID string) State {
	return State{Tag: TagCancellingSubAgent, PendingSubAgents: pending, CompletedSubAgents: completed, SpawnToolUseID: spawnToolUseID}
}

// AwaitingContinuation returns the AwaitingContinuation state.
func AwaitingContinuation() State { return State{Tag: TagAwaitingContinue} }

// ContextExhausted returns the terminal ContextExhausted{summary} state.
func ContextExhausted(summary string) State {
	return State{Tag: TagContextExhausted, Summary: summary}
}

// ErrorState returns the recoverable Error{message, kind} state.
func ErrorState(message string, kind ErrorKind) State {
	return State{Tag: TagError, Message: message, Kind: kind}
}

// IsBusy reports whether a conversation in this state rejects new user
// messages with AgentBusy: any Cancelling* state, LlmRequesting,
// ToolExecuting, AwaitingSubAgents, AwaitingContinuation.
func (s State) IsBusy() bool {
	switch s.Tag {
	case TagLlmRequesting, TagToolExecuting, TagAwaitingSubAgents,
		TagAwaitingContinue, TagCancellingTool, TagCancellingLlm, TagCancellingSubAgent:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether this state never transitions on its own and
// rejects user messages outright (ContextExhausted).
func (s State) IsTerminal() bool {
	return s.Tag == TagContextExhausted
}

// AcceptsNewUserMessage reports whether a UserMessage event is legal here:
// Idle or Error.
func (s State) AcceptsNewUserMessage() bool {
	return s.Tag == TagIdle || s.Tag == TagError
}

// Validate checks internal shape consistency for the given Tag.
func (s State) Validate() error {
	switch s.Tag {
	case TagIdle, TagCancellingLlm, TagAwaitingContinue:
		return nil
	case TagLlmRequesting:
		if s.Attempt < 1 {
			return fmt.Errorf("convstate: llm_requesting requires attempt >= 1, got %d", s.Attempt)
		}
	case TagToolExecuting:
		if s.Current == nil {
			return fmt.Errorf("convstate: tool_executing requires current")
		}
	case TagCancellingTool:
		if s.CancellingToolID == "" {
			return fmt.Errorf("convstate: cancelling_tool requires cancelling_tool_id")
		}
	case TagAwaitingSubAgents, TagCancellingSubAgent:
		if len(s.PendingSubAgents) == 0 {
			return fmt.Errorf("convstate: %s requires at least one pending sub-agent", s.Tag)
		}
	case TagContextExhausted:
		// summary may legitimately be empty if the continuation call failed
	case TagError:
		if s.Message == "" {
			return fmt.Errorf("convstate: error requires message")
		}
	default:
		return fmt.Errorf("convstate: unknown tag %q", s.Tag)
	}
	return nil
}

// MarshalForStore encodes the state as the JSON blob persisted in the
// conversations.state column; the type field discriminates the variant.
func (s State) MarshalForStore() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalFromStore decodes a persisted state blob.
func UnmarshalFromStore(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("convstate: decode: %w", err)
	}
	return s, nil
}
