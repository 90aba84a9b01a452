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

package engine

import (
	"time"

	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
)

// Effect is one unit of I/O the executor must perform on behalf of a
// transition. transition never performs I/O itself; it only describes it.
type Effect interface {
	isEffect()
}

// PersistMessage appends one message to the conversation's log.
type PersistMessage struct {
	ID      string
	Content message.Content
	Kind    message.Kind
	Display message.DisplayMetadata
	Usage   *message.Usage
}

func (PersistMessage) isEffect() {}

// PersistToolResults batch-appends synthetic tool messages, used when a
// cancellation must commit several results in one atomic write so the log
// never shows an agent message with a dangling tool-use.
type PersistToolResults struct {
	Results []message.Message
}

func (PersistToolResults) isEffect() {}

// PersistState writes the conversation's new State.
type PersistState struct {
	State convstate.State
}

func (PersistState) isEffect() {}

// RequestLlm asks the executor to call the provider adapter. The tool set
// offered is derived by the executor from the current state and the
// sub-agent flag, not carried here.
type RequestLlm struct{}

func (RequestLlm) isEffect() {}

// ExecuteTool asks the executor to run one tool call.
type ExecuteTool struct {
	ToolUseID string
	Name      string
	Input     string
}

func (ExecuteTool) isEffect() {}

// AbortTool signals the current tool's cancellation token.
type AbortTool struct {
	ToolUseID string
}

func (AbortTool) isEffect() {}

// AbortLlm signals the current LLM call's cancellation token.
type AbortLlm struct{}

func (AbortLlm) isEffect() {}

// CancelSubAgents asks the manager to cancel the named child conversations.
type CancelSubAgents struct {
	IDs []string
}

func (CancelSubAgents) isEffect() {}

// NotifyParent reports this sub-agent's terminal outcome to its parent.
type NotifyParent struct {
	Success bool
	Result  string
}

func (NotifyParent) isEffect() {}

// PersistSubAgentResults enriches the display metadata of the spawn tool's
// result message with the accumulated outcomes of a completed spawn batch
// and re-broadcasts that message to clients. With SpawnToolID empty it does
// nothing; the outcomes message the follow-up LLM request reads is a
// separate PersistMessage.
type PersistSubAgentResults struct {
	Results     []convstate.SubAgentOutcome
	SpawnToolID string
}

func (PersistSubAgentResults) isEffect() {}

// ScheduleRetry arranges for a RetryTimeout{attempt} event after delay.
type ScheduleRetry struct {
	Delay   time.Duration
	Attempt int
}

func (ScheduleRetry) isEffect() {}

// NotifyClient fans a notification out to subscribed client streams.
type NotifyClient struct {
	Kind    NotifyKind
	Message *message.Message
	State   *convstate.State
	Error   string
}

// NotifyKind discriminates a NotifyClient payload.
type NotifyKind int

const (
	NotifyMessage NotifyKind = iota
	NotifyStateChange
	NotifyAgentDone
	NotifyError
	NotifyContextExhaustedKind
)

func (NotifyClient) isEffect() {}

// RequestContinuation asks the executor to issue the tool-less summary
// call. RejectedToolCalls lists the tool-use blocks from the over-budget
// response that will never receive a result. UsageTotal, ContextWindow, and
// Margin are the values that tripped the context-exhaustion check, carried
// here (rather than recomputed in the executor) so the executor can log
// them without either duplicating the margin arithmetic or Transition
// performing the I/O itself.
type RequestContinuation struct {
	RejectedToolCalls []message.ToolUseBlock
	UsageTotal        int
	ContextWindow     int
	Margin            int
}

func (RequestContinuation) isEffect() {}

// NotifyContextExhausted tells the executor to broadcast the terminal
// context-exhaustion notice.
type NotifyContextExhausted struct {
	Summary string
}

func (NotifyContextExhausted) isEffect() {}
