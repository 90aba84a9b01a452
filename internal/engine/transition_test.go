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
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
	"github.com/relaycore/engine/internal/tool"
)

var testCtx = Context{ConversationID: "c1", WorkingDir: "/tmp", ModelID: "m", ContextWindow: 200000}

func hasEffect[T Effect](effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

// Purity: identical inputs produce identical outputs.
func TestTransitionIsPure(t *testing.T) {
	ev := UserMessage{MessageID: "m1", Text: "hello"}
	s1, e1, err1 := Transition(convstate.Idle(), testCtx, ev)
	s2, e2, err2 := Transition(convstate.Idle(), testCtx, ev)

	if !reflect.DeepEqual(s1, s2) || err1 != err2 {
		t.Fatalf("non-deterministic transition: (%v,%v) vs (%v,%v)", s1, err1, s2, err2)
	}
	if len(e1) != len(e2) {
		t.Fatalf("effect count differs: %d vs %d", len(e1), len(e2))
	}
}

// A single turn with no tool calls: user message in, agent text out,
// back to Idle with an agent-done notification.
func TestSingleTurnNoTools(t *testing.T) {
	state, effects, err := Transition(convstate.Idle(), testCtx, UserMessage{MessageID: "m1", Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Tag != convstate.TagLlmRequesting || state.Attempt != 1 {
		t.Fatalf("got state %+v, want LlmRequesting{1}", state)
	}
	if !hasEffect[RequestLlm](effects) {
		t.Fatalf("expected RequestLlm effect, got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, LlmResponse{
		MessageID: "a1",
		Blocks:    []message.Block{message.TextBlock{Text: "hi"}},
		EndTurn:   true,
		Usage:     message.Usage{InputTokens: 5, OutputTokens: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Tag != convstate.TagIdle {
		t.Fatalf("got state %+v, want Idle", state)
	}
	var notify NotifyClient
	found := false
	for _, e := range effects {
		if n, ok := e.(NotifyClient); ok {
			notify = n
			found = true
		}
	}
	if !found || notify.Kind != NotifyAgentDone {
		t.Fatalf("expected NotifyClient(agent-done), got %+v", effects)
	}
}

// A multi-tool turn executes tool calls strictly in response order, one
// at a time, then loops back to the model.
func TestMultiToolTurnRunsSequentially(t *testing.T) {
	state, _, err := Transition(convstate.Idle(), testCtx, UserMessage{MessageID: "m1", Text: "list files"})
	if err != nil {
		t.Fatal(err)
	}

	state, effects, err := Transition(state, testCtx, LlmResponse{
		MessageID: "a1",
		Blocks: []message.Block{
			message.ToolUseBlock{ID: "t1", Name: "bash", Input: `{"command":"ls"}`},
			message.ToolUseBlock{ID: "t2", Name: "bash", Input: `{"command":"pwd"}`},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagToolExecuting || state.Current.ID != "t1" || len(state.Pending) != 1 || state.Pending[0].ID != "t2" {
		t.Fatalf("got state %+v, want ToolExecuting{t1,[t2],[]}", state)
	}
	var execFirst ExecuteTool
	for _, e := range effects {
		if ex, ok := e.(ExecuteTool); ok {
			execFirst = ex
		}
	}
	if execFirst.ToolUseID != "t1" {
		t.Fatalf("expected ExecuteTool(t1), got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, ToolComplete{MessageID: "tm1", ToolUseID: "t1", Output: "a\nb"})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagToolExecuting || state.Current.ID != "t2" || len(state.Pending) != 0 || len(state.Completed) != 1 {
		t.Fatalf("got state %+v, want ToolExecuting{t2,[],[t1]}", state)
	}
	if !hasEffect[ExecuteTool](effects) {
		t.Fatalf("expected ExecuteTool(t2), got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, ToolComplete{MessageID: "tm2", ToolUseID: "t2", Output: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagLlmRequesting || state.Attempt != 1 {
		t.Fatalf("got state %+v, want LlmRequesting{1}", state)
	}
	if !hasEffect[RequestLlm](effects) {
		t.Fatalf("expected RequestLlm, got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, LlmResponse{
		MessageID: "a2",
		Blocks:    []message.Block{message.TextBlock{Text: "done"}},
		EndTurn:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagIdle {
		t.Fatalf("got state %+v, want Idle", state)
	}
	if !hasEffect[NotifyClient](effects) {
		t.Fatalf("expected a NotifyClient effect, got %+v", effects)
	}
}

// Cancelling during the second tool of a batch yields Idle with a
// synthetic cancelled result and no pending tool left unaccounted for.
func TestCancelDuringSecondTool(t *testing.T) {
	state := convstate.ToolExecuting(
		convstate.PendingTool{ID: "t2", Name: "bash", Input: `{"command":"sleep 100"}`},
		nil,
		[]convstate.CompletedTool{{ID: "t1", Output: "a\nb"}},
	)

	state, effects, err := Transition(state, testCtx, UserCancel{})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagCancellingTool || state.CancellingToolID != "t2" {
		t.Fatalf("got state %+v, want CancellingTool{t2}", state)
	}
	if !hasEffect[AbortTool](effects) {
		t.Fatalf("expected AbortTool, got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, ToolAborted{ToolUseID: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagIdle {
		t.Fatalf("got state %+v, want Idle", state)
	}
	var batch PersistToolResults
	found := false
	for _, e := range effects {
		if p, ok := e.(PersistToolResults); ok {
			batch = p
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PersistToolResults, got %+v", effects)
	}
	if len(batch.Results) != 1 {
		t.Fatalf("expected exactly 1 synthetic result for the current tool (no pending left), got %d", len(batch.Results))
	}
	if batch.Results[0].Content.Tool.ToolUseID != "t2" || batch.Results[0].Content.Tool.Output != message.CancelledPayload {
		t.Fatalf("unexpected synthetic result: %+v", batch.Results[0])
	}
}

// Cancellation completeness: n pending tools plus the current one yields
// exactly n+1 synthetic messages in one atomic batch.
func TestCancellationCompletenessWithPending(t *testing.T) {
	state := convstate.ToolExecuting(
		convstate.PendingTool{ID: "c", Name: "bash"},
		[]convstate.PendingTool{{ID: "p1", Name: "bash"}, {ID: "p2", Name: "bash"}},
		nil,
	)
	state, _, err := Transition(state, testCtx, UserCancel{})
	if err != nil {
		t.Fatal(err)
	}
	_, effects, err := Transition(state, testCtx, ToolAborted{ToolUseID: "c"})
	if err != nil {
		t.Fatal(err)
	}
	var batch PersistToolResults
	for _, e := range effects {
		if p, ok := e.(PersistToolResults); ok {
			batch = p
		}
	}
	if len(batch.Results) != 3 {
		t.Fatalf("expected 3 synthetic results (1 current + 2 pending), got %d: %+v", len(batch.Results), batch.Results)
	}
	if batch.Results[0].Content.Tool.Output != message.CancelledPayload {
		t.Fatalf("current tool should carry the cancelled payload, got %q", batch.Results[0].Content.Tool.Output)
	}
	for _, r := range batch.Results[1:] {
		if r.Content.Tool.Output != message.SkippedPayload {
			t.Fatalf("pending tool should carry the skipped payload, got %q", r.Content.Tool.Output)
		}
	}
}

// Retry bound: retryable errors climb attempts until MaxAttempts,
// then the next failure (even retryable) goes to Error.
func TestRetryBound(t *testing.T) {
	state := convstate.LlmRequesting(1)
	for attempt := 1; attempt < MaxAttempts; attempt++ {
		next, effects, err := Transition(state, testCtx, LlmError{Kind: "network", Retryable: true, Attempt: attempt})
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", attempt, err)
		}
		if next.Tag != convstate.TagLlmRequesting || next.Attempt != attempt+1 {
			t.Fatalf("attempt %d: got %+v, want LlmRequesting{%d}", attempt, next, attempt+1)
		}
		if !hasEffect[ScheduleRetry](effects) {
			t.Fatalf("attempt %d: expected ScheduleRetry, got %+v", attempt, effects)
		}
		state = next
	}

	final, effects, err := Transition(state, testCtx, LlmError{Kind: "network", Retryable: true, Attempt: MaxAttempts})
	if err != nil {
		t.Fatal(err)
	}
	if final.Tag != convstate.TagError {
		t.Fatalf("got %+v, want Error after exhausting MaxAttempts", final)
	}
	if hasEffect[ScheduleRetry](effects) {
		t.Fatalf("should not schedule a retry past MaxAttempts, got %+v", effects)
	}

	// A non-retryable error at attempt 1 goes straight to Error.
	final, effects, err = Transition(convstate.LlmRequesting(1), testCtx, LlmError{Kind: "auth", Retryable: false, Attempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	if final.Tag != convstate.TagError {
		t.Fatalf("got %+v, want Error for a non-retryable failure", final)
	}
	if hasEffect[ScheduleRetry](effects) {
		t.Fatalf("non-retryable failure must not schedule a retry, got %+v", effects)
	}
}

// Any busy state rejects a new user message without changing state.
func TestBusyRejection(t *testing.T) {
	busyStates := []convstate.State{
		convstate.LlmRequesting(1),
		convstate.ToolExecuting(convstate.PendingTool{ID: "t"}, nil, nil),
		convstate.AwaitingSubAgents([]string{"child"}, nil, "spawn1"),
		convstate.AwaitingContinuation(),
		convstate.CancellingLlm(),
		convstate.CancellingTool("t", nil, nil),
		convstate.CancellingSubAgents([]string{"child"}, nil, "spawn1"),
	}
	for _, s := range busyStates {
		next, effects, err := Transition(s, testCtx, UserMessage{MessageID: "m-new", Text: "hi"})
		if !errors.Is(err, ErrAgentBusy) {
			t.Fatalf("state %s: got err %v, want ErrAgentBusy", s.Tag, err)
		}
		if effects != nil {
			t.Fatalf("state %s: expected no effects on rejection, got %+v", s.Tag, effects)
		}
		if !reflect.DeepEqual(next, s) {
			t.Fatalf("state %s: state must be unchanged on rejection, got %+v", s.Tag, next)
		}
	}
}

// Idempotent append, at the transition layer: a duplicate message id is a
// pure no-op.
func TestIdempotentUserMessage(t *testing.T) {
	state := convstate.Idle()
	next, effects, err := Transition(state, testCtx, UserMessage{MessageID: "m1", AlreadyExists: true})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(next, state) {
		t.Fatalf("got state %+v, want unchanged %+v", next, state)
	}
	if effects != nil {
		t.Fatalf("expected no effects for a duplicate message, got %+v", effects)
	}
}

// Error is recoverable: a later UserMessage returns to LlmRequesting{1}.
func TestErrorRecoversOnUserMessage(t *testing.T) {
	errState := convstate.ErrorState("boom", "network")
	next, _, err := Transition(errState, testCtx, UserMessage{MessageID: "m2", Text: "try again"})
	if err != nil {
		t.Fatal(err)
	}
	if next.Tag != convstate.TagLlmRequesting || next.Attempt != 1 {
		t.Fatalf("got %+v, want LlmRequesting{1}", next)
	}
}

// Context exhaustion is terminal: no user message leaves it.
func TestContextExhaustedRejectsUserMessage(t *testing.T) {
	state := convstate.ContextExhausted("summary text")
	next, effects, err := Transition(state, testCtx, UserMessage{MessageID: "m3", Text: "still here?"})
	if !errors.Is(err, ErrContextExhausted) {
		t.Fatalf("got err %v, want ErrContextExhausted", err)
	}
	if effects != nil || next.Tag != convstate.TagContextExhausted {
		t.Fatalf("state must remain ContextExhausted with no effects, got state=%+v effects=%+v", next, effects)
	}
}

// Context exhaustion trigger: a response whose usage plus margin meets or
// exceeds the window moves straight to AwaitingContinuation.
func TestContextExhaustionTrigger(t *testing.T) {
	ctx := Context{ConversationID: "c1", ContextWindow: 10000}
	state, effects, err := Transition(convstate.LlmRequesting(1), ctx, LlmResponse{
		MessageID: "a1",
		Blocks:    []message.Block{message.ToolUseBlock{ID: "t1", Name: "bash"}},
		Usage:     message.Usage{InputTokens: 9000, OutputTokens: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagAwaitingContinue {
		t.Fatalf("got %+v, want AwaitingContinuation", state)
	}
	var cont RequestContinuation
	found := false
	for _, e := range effects {
		if rc, ok := e.(RequestContinuation); ok {
			cont = rc
			found = true
		}
	}
	if !found || len(cont.RejectedToolCalls) != 1 || cont.RejectedToolCalls[0].ID != "t1" {
		t.Fatalf("expected RequestContinuation listing the rejected tool call, got %+v", effects)
	}

	final, _, err := Transition(state, ctx, ContinuationResponse{MessageID: "c1msg", Summary: "summary"})
	if err != nil {
		t.Fatal(err)
	}
	if final.Tag != convstate.TagContextExhausted || final.Summary != "summary" {
		t.Fatalf("got %+v, want ContextExhausted{summary}", final)
	}
}

// Sub-agent fan-out completes the spawn batch on the second
// SubAgentResult and carries both outcomes forward.
func TestSubAgentFanOutCompletesBatch(t *testing.T) {
	state := convstate.AwaitingSubAgents([]string{"childA", "childB"}, nil, "spawn-t1")

	state, effects, err := Transition(state, testCtx, SubAgentResult{AgentID: "childA", Success: true, Result: `{"ok":true}`})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagAwaitingSubAgents || len(state.PendingSubAgents) != 1 || state.PendingSubAgents[0] != "childB" {
		t.Fatalf("got %+v, want one pending sub-agent remaining", state)
	}
	if hasEffect[RequestLlm](effects) {
		t.Fatalf("should not call the LLM until every child reports, got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, SubAgentResult{AgentID: "childB", Success: false, Result: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagLlmRequesting || state.Attempt != 1 {
		t.Fatalf("got %+v, want LlmRequesting{1} once every child has reported", state)
	}
	var results PersistSubAgentResults
	found := false
	for _, e := range effects {
		if r, ok := e.(PersistSubAgentResults); ok {
			results = r
			found = true
		}
	}
	if !found || len(results.Results) != 2 || results.SpawnToolID != "spawn-t1" {
		t.Fatalf("expected PersistSubAgentResults with both outcomes, got %+v", effects)
	}

	// The follow-up model call reads the outcomes from an aggregated
	// message persisted before RequestLlm, keyed on the spawn tool-use id.
	var agg PersistMessage
	found = false
	for _, e := range effects {
		if p, ok := e.(PersistMessage); ok {
			agg = p
			found = true
		}
	}
	if !found || agg.ID != "sub-agent-results-spawn-t1" || agg.Kind != message.KindUser {
		t.Fatalf("expected an aggregated sub-agent-results message, got %+v", effects)
	}
	if agg.Content.User == nil || !strings.Contains(agg.Content.User.Text, "childB") || !strings.Contains(agg.Content.User.Text, "boom") {
		t.Fatalf("aggregated message should carry every child outcome, got %+v", agg.Content.User)
	}
	if !hasEffect[RequestLlm](effects) {
		t.Fatalf("expected RequestLlm once every child has reported, got %+v", effects)
	}
}

// A sub-agent conversation that calls submit-result ends its own turn in
// Idle and notifies its parent, rather than looping back to the LLM.
func TestSubAgentSubmitResultEndsTurn(t *testing.T) {
	ctx := Context{ConversationID: "child1", IsSubAgent: true, ContextWindow: 200000}
	state, effects, err := Transition(convstate.LlmRequesting(1), ctx, LlmResponse{
		MessageID: "a1",
		Blocks:    []message.Block{message.ToolUseBlock{ID: "t1", Name: tool.SubmitResultToolName, Input: `{"ok":true}`}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagIdle {
		t.Fatalf("got %+v, want Idle", state)
	}
	var notify NotifyParent
	found := false
	for _, e := range effects {
		if n, ok := e.(NotifyParent); ok {
			notify = n
			found = true
		}
	}
	if !found || !notify.Success {
		t.Fatalf("expected a successful NotifyParent, got %+v", effects)
	}
}

// Cancel during an LLM call: AbortLlm fires, and the subsequent LlmAborted
// returns the conversation to Idle without ever calling RequestLlm again.
func TestCancelDuringLlmRequest(t *testing.T) {
	state, effects, err := Transition(convstate.LlmRequesting(1), testCtx, UserCancel{})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagCancellingLlm {
		t.Fatalf("got %+v, want CancellingLlm", state)
	}
	if !hasEffect[AbortLlm](effects) {
		t.Fatalf("expected AbortLlm, got %+v", effects)
	}

	state, effects, err = Transition(state, testCtx, LlmAborted{})
	if err != nil {
		t.Fatal(err)
	}
	if state.Tag != convstate.TagIdle {
		t.Fatalf("got %+v, want Idle", state)
	}
	if hasEffect[RequestLlm](effects) {
		t.Fatalf("must not re-request the LLM after an abort, got %+v", effects)
	}
}

// RetryTimeout for a stale attempt (the engine already moved on) is a no-op.
func TestStaleRetryTimeoutIsNoop(t *testing.T) {
	state := convstate.LlmRequesting(2)
	next, effects, err := Transition(state, testCtx, RetryTimeout{Attempt: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(next, state) || effects != nil {
		t.Fatalf("stale RetryTimeout must be a pure no-op, got state=%+v effects=%+v", next, effects)
	}
}

// An illegal event in a given state surfaces TransitionError, not a panic.
func TestIllegalEventIsTransitionError(t *testing.T) {
	_, _, err := Transition(convstate.Idle(), testCtx, ToolComplete{ToolUseID: "t1"})
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("got err %v (%T), want *TransitionError", err, err)
	}
}
