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

// Package engine is the conversation core: a pure transition function over
// Event and State, plus the executor that runs the Effects it produces and
// feeds their outcomes back in as further Events.
package engine

import (
	"time"

	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
)

// Event is anything that can drive a conversation's state forward.
type Event interface {
	isEvent()
}

// UserMessage is a new or duplicate user turn from the client. AlreadyExists
// is set by the caller after a message_exists lookup, keeping the
// idempotency check outside the pure transition.
type UserMessage struct {
	MessageID     string
	Text          string
	Images        []message.Image
	UserAgent     bool // true if sent by the human user, false for a synthetic sub-agent kickoff
	AlreadyExists bool
}

func (UserMessage) isEvent() {}

// UserCancel asks the current turn to stop.
type UserCancel struct{}

func (UserCancel) isEvent() {}

// LlmResponse is a completed provider call. MessageID is minted by the
// executor (the one impure, id-generating boundary) before the event is
// built, so transition itself stays a deterministic function of its input.
type LlmResponse struct {
	MessageID string
	Blocks    []message.Block
	EndTurn   bool
	Usage     message.Usage
}

func (LlmResponse) isEvent() {}

// LlmError is a failed provider call. RetryAfter, when nonzero, is a
// server-supplied override (e.g. a rate limit's Retry-After) that replaces
// the computed exponential-backoff delay for this attempt.
type LlmError struct {
	Message    string
	Kind       convstate.ErrorKind
	Retryable  bool
	Attempt    int
	RetryAfter time.Duration
}

func (LlmError) isEvent() {}

// LlmAborted reports that an in-flight LLM call's cancellation token fired.
type LlmAborted struct{}

func (LlmAborted) isEvent() {}

// RetryTimeout fires when a scheduled retry's delay elapses.
type RetryTimeout struct {
	Attempt int
}

func (RetryTimeout) isEvent() {}

// ToolComplete reports a finished tool invocation. MessageID is minted by
// the executor, as with LlmResponse.
type ToolComplete struct {
	MessageID string
	ToolUseID string
	Output    string
	IsError   bool
}

func (ToolComplete) isEvent() {}

// ToolAborted reports that the current tool's cancellation token fired.
// Only ever legal in CancellingTool: the executor never synthesizes this
// from output text.
type ToolAborted struct {
	ToolUseID string
}

func (ToolAborted) isEvent() {}

// SubAgentResult reports one child conversation's terminal outcome.
type SubAgentResult struct {
	AgentID string
	Success bool
	Result  string
}

func (SubAgentResult) isEvent() {}

// SpawnAgentsComplete is the executor's synthetic, immediate reply to a
// spawn-sub-agent tool call: rather than resuming the tool batch or calling
// the LLM again, the engine parks in AwaitingSubAgents keyed on Spawned.
type SpawnAgentsComplete struct {
	MessageID string
	ToolUseID string
	Result    string
	Spawned   []string
}

func (SpawnAgentsComplete) isEvent() {}

// ContinuationResponse is the tool-less summary call succeeding.
type ContinuationResponse struct {
	MessageID string
	Summary   string
}

func (ContinuationResponse) isEvent() {}

// ContinuationFailed is the tool-less summary call failing.
type ContinuationFailed struct {
	Error string
}

func (ContinuationFailed) isEvent() {}
