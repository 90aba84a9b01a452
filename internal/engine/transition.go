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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
	"github.com/relaycore/engine/internal/tool"
)

// MaxAttempts is the default number of LLM call attempts (including the
// first) before the engine gives up and surfaces Error. Context.MaxAttempts
// overrides it per conversation when set.
const MaxAttempts = 3

// retryBaseDelay and retryMaxDelay are the default exponential-backoff
// parameters, base*2^(attempt-1) capped at max. Context.RetryBaseDelay and
// Context.RetryMaxDelay override them per conversation when set.
const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// contextMargin is the default token reserve the engine protects when
// deciding whether a response has exhausted the model's context window.
// Context.ContextMargin overrides it per conversation when set, and
// RequestContinuation carries the values that triggered the check so the
// executor can log them.
const contextMargin = 4096

// Context is the side information transition needs beyond the event
// itself. It never changes as a result of a transition.
type Context struct {
	ConversationID string
	WorkingDir     string
	ModelID        string
	ContextWindow  int // 0 disables the exhaustion check
	IsSubAgent     bool

	// MaxAttempts, RetryBaseDelay, RetryMaxDelay, and ContextMargin are
	// operator-configurable knobs (internal/config.LLMConfig, threaded in
	// by internal/runtime.Manager); a zero value falls back to this
	// package's default constant above.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ContextMargin  int
}

func effectiveMaxAttempts(ctx Context) int {
	if ctx.MaxAttempts > 0 {
		return ctx.MaxAttempts
	}
	return MaxAttempts
}

func effectiveRetryDelays(ctx Context) (base, max time.Duration) {
	base, max = retryBaseDelay, retryMaxDelay
	if ctx.RetryBaseDelay > 0 {
		base = ctx.RetryBaseDelay
	}
	if ctx.RetryMaxDelay > 0 {
		max = ctx.RetryMaxDelay
	}
	return base, max
}

func effectiveContextMargin(ctx Context) int {
	if ctx.ContextMargin > 0 {
		return ctx.ContextMargin
	}
	return contextMargin
}

// ErrAgentBusy is returned (state unchanged) when a UserMessage arrives
// while the conversation is in any busy state.
var ErrAgentBusy = errors.New("engine: conversation is busy")

// ErrContextExhausted is returned (state unchanged) when a UserMessage
// arrives in the terminal ContextExhausted state.
var ErrContextExhausted = errors.New("engine: conversation context is exhausted")

// TransitionError reports an event that is illegal in the given state —
// a bug in the executor or a forged event, never a normal runtime path.
type TransitionError struct {
	State convstate.Tag
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("engine: event %T illegal in state %s", e.Event, e.State)
}

// Transition computes the next State and the Effects to run for one event.
// It is a pure function: given the same (state, ctx, event) it always
// returns the same result, and it performs no I/O. ErrAgentBusy and
// ErrContextExhausted are expected rejections, not engine bugs; any other
// error is a TransitionError.
func Transition(state convstate.State, ctx Context, event Event) (convstate.State, []Effect, error) {
	if um, ok := event.(UserMessage); ok {
		if state.IsTerminal() {
			return state, nil, ErrContextExhausted
		}
		if state.IsBusy() {
			return state, nil, ErrAgentBusy
		}
		return transitionUserMessage(state, um)
	}

	switch state.Tag {
	case convstate.TagLlmRequesting:
		return transitionLlmRequesting(state, ctx, event)
	case convstate.TagToolExecuting:
		return transitionToolExecuting(state, event)
	case convstate.TagCancellingTool:
		return transitionCancellingTool(state, event)
	case convstate.TagCancellingLlm:
		return transitionCancellingLlm(state, event)
	case convstate.TagAwaitingSubAgents:
		return transitionAwaitingSubAgents(state, event)
	case convstate.TagCancellingSubAgent:
		return transitionCancellingSubAgents(state, event)
	case convstate.TagAwaitingContinue:
		return transitionAwaitingContinuation(state, event)
	default:
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
}

func transitionUserMessage(state convstate.State, ev UserMessage) (convstate.State, []Effect, error) {
	if ev.AlreadyExists {
		return state, nil, nil
	}
	return convstate.LlmRequesting(1), []Effect{
		PersistMessage{
			ID:      ev.MessageID,
			Kind:    message.KindUser,
			Content: message.Content{User: &message.UserContent{Text: ev.Text, Images: ev.Images}},
		},
		PersistState{State: convstate.LlmRequesting(1)},
		RequestLlm{},
	}, nil
}

func transitionLlmRequesting(state convstate.State, ctx Context, event Event) (convstate.State, []Effect, error) {
	switch ev := event.(type) {
	case LlmResponse:
		return transitionLlmResponse(ctx, ev)

	case LlmError:
		if ev.Retryable && ev.Attempt < effectiveMaxAttempts(ctx) {
			next := ev.Attempt + 1
			base, max := effectiveRetryDelays(ctx)
			delay := backoffDelay(ev.Attempt, ev.RetryAfter, base, max)
			newState := convstate.LlmRequesting(next)
			return newState, []Effect{
				PersistState{State: newState},
				ScheduleRetry{Delay: delay, Attempt: next},
			}, nil
		}
		msg := ev.Message
		if !ev.Retryable {
			// fatal, no prefix
		} else {
			msg = fmt.Sprintf("after %d attempts: %s", ev.Attempt, ev.Message)
		}
		newState := convstate.ErrorState(msg, ev.Kind)
		return newState, []Effect{
			PersistState{State: newState},
			NotifyClient{Kind: NotifyError, Error: msg},
		}, nil

	case RetryTimeout:
		if ev.Attempt != state.Attempt {
			return state, nil, nil
		}
		return state, []Effect{RequestLlm{}}, nil

	case UserCancel:
		newState := convstate.CancellingLlm()
		return newState, []Effect{AbortLlm{}}, nil

	default:
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
}

func transitionLlmResponse(ctx Context, ev LlmResponse) (convstate.State, []Effect, error) {
	toolUses := (message.AgentContent{Blocks: ev.Blocks}).ToolUses()

	margin := effectiveContextMargin(ctx)
	if ctx.ContextWindow > 0 && ev.Usage.Total()+margin >= ctx.ContextWindow {
		newState := convstate.AwaitingContinuation()
		return newState, []Effect{
			PersistState{State: newState},
			RequestContinuation{
				RejectedToolCalls: toolUses,
				UsageTotal:        ev.Usage.Total(),
				ContextWindow:     ctx.ContextWindow,
				Margin:            margin,
			},
		}, nil
	}

	if ctx.IsSubAgent {
		if outcome, ok := subAgentOutcome(toolUses); ok {
			newState := convstate.Idle()
			return newState, []Effect{
				PersistMessage{ID: ev.MessageID, Kind: message.KindAgent, Content: message.Content{Agent: &message.AgentContent{Blocks: ev.Blocks}}, Usage: &ev.Usage},
				PersistState{State: newState},
				NotifyParent{Success: outcome.success, Result: outcome.result},
			}, nil
		}
	}

	if len(toolUses) == 0 {
		newState := convstate.Idle()
		return newState, []Effect{
			PersistMessage{ID: ev.MessageID, Kind: message.KindAgent, Content: message.Content{Agent: &message.AgentContent{Blocks: ev.Blocks}}, Usage: &ev.Usage},
			PersistState{State: newState},
			NotifyClient{Kind: NotifyAgentDone},
		}, nil
	}

	first := toolUses[0]
	rest := toolUses[1:]
	pending := make([]convstate.PendingTool, 0, len(rest))
	for _, t := range rest {
		pending = append(pending, convstate.PendingTool{ID: t.ID, Name: t.Name, Input: t.Input})
	}
	current := convstate.PendingTool{ID: first.ID, Name: first.Name, Input: first.Input}
	newState := convstate.ToolExecuting(current, pending, nil)

	return newState, []Effect{
		PersistMessage{ID: ev.MessageID, Kind: message.KindAgent, Content: message.Content{Agent: &message.AgentContent{Blocks: ev.Blocks}}, Usage: &ev.Usage},
		PersistState{State: newState},
		ExecuteTool{ToolUseID: first.ID, Name: first.Name, Input: first.Input},
	}, nil
}

type outcome struct {
	success bool
	result  string
}

// subAgentOutcome recognizes a submit-result/submit-error tool call among
// toolUses, the two tool names a sub-agent uses to end its own turn.
func subAgentOutcome(toolUses []message.ToolUseBlock) (outcome, bool) {
	for _, t := range toolUses {
		switch t.Name {
		case tool.SubmitResultToolName:
			return outcome{success: true, result: t.Input}, true
		case tool.SubmitErrorToolName:
			return outcome{success: false, result: t.Input}, true
		}
	}
	return outcome{}, false
}

// backoffDelay returns retryAfter if set (a server-supplied override),
// otherwise base*2^(attempt-1) capped at max.
func backoffDelay(attempt int, retryAfter, base, max time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

func transitionToolExecuting(state convstate.State, event Event) (convstate.State, []Effect, error) {
	switch ev := event.(type) {
	case ToolComplete:
		if state.Current == nil || state.Current.ID != ev.ToolUseID {
			return state, nil, &TransitionError{State: state.Tag, Event: event}
		}
		toolMsg := PersistMessage{
			ID:      ev.MessageID,
			Kind:    message.KindTool,
			Content: message.Content{Tool: &message.ToolContent{ToolUseID: ev.ToolUseID, Output: ev.Output, IsError: ev.IsError}},
		}
		completed := append(append([]convstate.CompletedTool{}, state.Completed...), convstate.CompletedTool{ID: ev.ToolUseID, Output: ev.Output, IsError: ev.IsError})

		if len(state.Pending) > 0 {
			next := state.Pending[0]
			rest := state.Pending[1:]
			newState := convstate.ToolExecuting(next, rest, completed)
			return newState, []Effect{
				toolMsg,
				PersistState{State: newState},
				ExecuteTool{ToolUseID: next.ID, Name: next.Name, Input: next.Input},
			}, nil
		}

		newState := convstate.LlmRequesting(1)
		return newState, []Effect{
			toolMsg,
			PersistState{State: newState},
			RequestLlm{},
		}, nil

	case SpawnAgentsComplete:
		if state.Current == nil || state.Current.ID != ev.ToolUseID {
			return state, nil, &TransitionError{State: state.Tag, Event: event}
		}
		toolMsg := PersistMessage{
			ID:      ev.MessageID,
			Kind:    message.KindTool,
			Content: message.Content{Tool: &message.ToolContent{ToolUseID: ev.ToolUseID, Output: ev.Result}},
		}
		newState := convstate.AwaitingSubAgents(ev.Spawned, nil, ev.ToolUseID)
		return newState, []Effect{
			toolMsg,
			PersistState{State: newState},
		}, nil

	case UserCancel:
		newState := convstate.CancellingTool(state.Current.ID, state.Pending, state.Completed)
		return newState, []Effect{AbortTool{ToolUseID: state.Current.ID}}, nil

	default:
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
}

func transitionCancellingTool(state convstate.State, event Event) (convstate.State, []Effect, error) {
	ev, ok := event.(ToolAborted)
	if !ok || ev.ToolUseID != state.CancellingToolID {
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}

	results := []message.Message{
		message.NewTool(syntheticCancelID(ev.ToolUseID), "", ev.ToolUseID, message.CancelledPayload, false),
	}
	for _, p := range state.Pending {
		results = append(results, message.NewTool(syntheticSkipID(p.ID), "", p.ID, message.SkippedPayload, false))
	}

	newState := convstate.Idle()
	return newState, []Effect{
		PersistToolResults{Results: results},
		PersistState{State: newState},
		NotifyClient{Kind: NotifyAgentDone},
	}, nil
}

// syntheticCancelID derives a stable, collision-free id for the synthetic
// tool message a cancellation inserts, without needing a random source —
// transition stays pure.
func syntheticCancelID(toolUseID string) string {
	return "synthetic-cancel-" + toolUseID
}

// syntheticSkipID is the analogous id for a pending tool skipped by a
// cancellation.
func syntheticSkipID(toolUseID string) string {
	return "synthetic-skip-" + toolUseID
}

func transitionCancellingLlm(state convstate.State, event Event) (convstate.State, []Effect, error) {
	if _, ok := event.(LlmAborted); !ok {
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
	newState := convstate.Idle()
	return newState, []Effect{
		PersistState{State: newState},
		NotifyClient{Kind: NotifyAgentDone},
	}, nil
}

func transitionAwaitingSubAgents(state convstate.State, event Event) (convstate.State, []Effect, error) {
	switch ev := event.(type) {
	case SubAgentResult:
		pending, removed := removeID(state.PendingSubAgents, ev.AgentID)
		if !removed {
			return state, nil, &TransitionError{State: state.Tag, Event: event}
		}
		completed := append(append([]convstate.SubAgentOutcome{}, state.CompletedSubAgents...),
			convstate.SubAgentOutcome{AgentID: ev.AgentID, Success: ev.Success, Result: ev.Result})

		if len(pending) > 0 {
			newState := convstate.AwaitingSubAgents(pending, completed, state.SpawnToolUseID)
			return newState, []Effect{PersistState{State: newState}}, nil
		}

		newState := convstate.LlmRequesting(1)
		return newState, []Effect{
			PersistMessage{
				ID:      "sub-agent-results-" + state.SpawnToolUseID,
				Kind:    message.KindUser,
				Content: message.Content{User: &message.UserContent{Text: aggregateOutcomes(completed)}},
			},
			PersistSubAgentResults{Results: completed, SpawnToolID: state.SpawnToolUseID},
			PersistState{State: newState},
			RequestLlm{},
		}, nil

	case UserCancel:
		newState := convstate.CancellingSubAgents(state.PendingSubAgents, state.CompletedSubAgents, state.SpawnToolUseID)
		return newState, []Effect{CancelSubAgents{IDs: state.PendingSubAgents}}, nil

	default:
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
}

// aggregateOutcomes renders a completed spawn batch as the message the
// follow-up model call reads: the ids, success flags, and result payloads
// of every child, in completion order. json.Marshal over a slice of
// structs is deterministic, so transition stays a pure function.
func aggregateOutcomes(results []convstate.SubAgentOutcome) string {
	payload := struct {
		SubAgentResults []convstate.SubAgentOutcome `json:"sub_agent_results"`
	}{SubAgentResults: results}
	b, err := json.Marshal(payload)
	if err != nil {
		return "sub-agent results unavailable"
	}
	return string(b)
}

func transitionCancellingSubAgents(state convstate.State, event Event) (convstate.State, []Effect, error) {
	ev, ok := event.(SubAgentResult)
	if !ok {
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
	pending, removed := removeID(state.PendingSubAgents, ev.AgentID)
	if !removed {
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
	completed := append(append([]convstate.SubAgentOutcome{}, state.CompletedSubAgents...),
		convstate.SubAgentOutcome{AgentID: ev.AgentID, Success: ev.Success, Result: ev.Result})

	if len(pending) > 0 {
		newState := convstate.CancellingSubAgents(pending, completed, state.SpawnToolUseID)
		return newState, []Effect{PersistState{State: newState}}, nil
	}

	newState := convstate.Idle()
	return newState, []Effect{
		PersistSubAgentResults{Results: completed, SpawnToolID: state.SpawnToolUseID},
		PersistState{State: newState},
		NotifyClient{Kind: NotifyAgentDone},
	}, nil
}

func transitionAwaitingContinuation(state convstate.State, event Event) (convstate.State, []Effect, error) {
	switch ev := event.(type) {
	case ContinuationResponse:
		newState := convstate.ContextExhausted(ev.Summary)
		return newState, []Effect{
			PersistMessage{ID: ev.MessageID, Kind: message.KindContinuation, Content: message.Content{Text: &message.TextContent{Text: ev.Summary}}},
			PersistState{State: newState},
			NotifyContextExhausted{Summary: ev.Summary},
		}, nil

	case ContinuationFailed:
		newState := convstate.ErrorState(ev.Error, convstate.ErrorKind("server_error"))
		return newState, []Effect{
			PersistState{State: newState},
			NotifyClient{Kind: NotifyError, Error: ev.Error},
		}, nil

	default:
		return state, nil, &TransitionError{State: state.Tag, Event: event}
	}
}

func removeID(ids []string, target string) ([]string, bool) {
	out := make([]string, 0, len(ids))
	removed := false
	for _, id := range ids {
		if id == target && !removed {
			removed = true
			continue
		}
		out = append(out, id)
	}
	return out, removed
}
