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
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
	"github.com/relaycore/engine/internal/provider"
	"github.com/relaycore/engine/internal/pubsub"
	"github.com/relaycore/engine/internal/tool"
)

// Store is the slice of the persistence contract the executor needs. The
// concrete implementation lives in internal/store/sqlite.
type Store interface {
	AppendMessage(conversationID string, msg message.Message) (int64, error)
	AppendMessages(conversationID string, msgs []message.Message) error
	UpdateState(conversationID string, state convstate.State) error
	UpdateMessageDisplay(id string, display message.DisplayMetadata) error
	GetMessage(id string) (message.Message, error)
	GetMessages(conversationID string) ([]message.Message, error)
}

// ToolExecutor runs a named tool and advertises the registered tool set.
// *tool.Registry satisfies this.
type ToolExecutor interface {
	Definitions() []tool.Definition
	Execute(ctx tool.Context, name, input string) (tool.Output, error)
}

// Manager is the slice of the runtime manager's spawn/cancel fabric the
// executor talks to. Spawn mints child conversation ids and starts them
// asynchronously, returning the minted ids immediately so the engine can
// move into AwaitingSubAgents without waiting on any child.
type Manager interface {
	Spawn(parentID, toolUseID string, tasks []tool.SpawnTask) []string
	Cancel(ids []string)
}

// ClientNotification is the payload broadcast to subscribed client streams.
type ClientNotification struct {
	Kind    NotifyKind
	Message *message.Message
	State   *convstate.State
	Error   string
}

// submission pairs an Event with an optional reply channel. Events
// originating outside the supervisor (UserMessage, UserCancel) use reply to
// learn synchronously whether the event was accepted; events the executor
// generates for itself (LlmResponse, ToolComplete, ...) pass a nil reply.
type submission struct {
	event Event
	reply chan error
}

// Executor is the per-conversation supervisor: it owns the conversation's
// State exclusively, runs Transition for each Event, and executes the
// resulting Effects, spawning subordinate tasks for I/O so it stays
// responsive to UserCancel while an LLM call or tool is in flight.
type Executor struct {
	convCtx Context
	store   Store

	provider provider.Adapter
	tools    ToolExecutor

	// manager is nil when sub-agent spawning/cancelling is unavailable;
	// parentTx is non-nil iff convCtx.IsSubAgent.
	manager  Manager
	parentTx chan<- Event

	notifier *pubsub.Broker[ClientNotification]
	log      *zap.Logger

	events chan submission

	mu           sync.Mutex
	llmCancel    context.CancelFunc
	llmAborting  bool
	toolCancel   context.CancelFunc
	toolAborting bool

	subAgentInbox []SubAgentResult
}

// NewExecutor constructs an Executor. parentTx may be nil; it must be
// non-nil when convCtx.IsSubAgent is true.
func NewExecutor(convCtx Context, store Store, adapter provider.Adapter, tools ToolExecutor, mgr Manager, parentTx chan<- Event, notifier *pubsub.Broker[ClientNotification], log *zap.Logger) *Executor {
	return &Executor{
		convCtx:  convCtx,
		store:    store,
		provider: adapter,
		tools:    tools,
		manager:  mgr,
		parentTx: parentTx,
		notifier: notifier,
		log:      log,
		events:   make(chan submission, 64),
	}
}

// Submit enqueues an externally-sourced event and blocks until the
// supervisor has run Transition for it, returning any rejection
// (ErrAgentBusy, ErrContextExhausted) or nil on acceptance.
func (e *Executor) Submit(ev Event) error {
	reply := make(chan error, 1)
	e.events <- submission{event: ev, reply: reply}
	return <-reply
}

// post enqueues a self-generated event with no reply expected.
func (e *Executor) post(ev Event) {
	e.events <- submission{event: ev}
}

// Run is the supervisor loop. It blocks until ctx is cancelled. initial is
// the state produced by ClassifyResume (or Idle for a brand new
// conversation).
func (e *Executor) Run(ctx context.Context, initial convstate.State) {
	state := initial
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-e.events:
			if e.bufferIfNotReady(state, sub) {
				if sub.reply != nil {
					sub.reply <- nil
				}
				continue
			}

			newState, err := e.step(state, sub.event)
			if sub.reply != nil {
				sub.reply <- err
			}
			if err != nil {
				if e.log != nil {
					e.log.Debug("event rejected or illegal", zap.Error(err), zap.String("conversation_id", e.convCtx.ConversationID))
				}
				continue
			}
			state = newState
			state = e.drainSubAgentInbox(state)
		}
	}
}

// bufferIfNotReady holds a SubAgentResult that arrived before the parent
// entered AwaitingSubAgents/CancellingSubAgents, rather than letting it hit
// Transition and error out as illegal.
func (e *Executor) bufferIfNotReady(state convstate.State, sub submission) bool {
	sar, ok := sub.event.(SubAgentResult)
	if !ok {
		return false
	}
	if state.Tag == convstate.TagAwaitingSubAgents || state.Tag == convstate.TagCancellingSubAgent {
		return false
	}
	e.subAgentInbox = append(e.subAgentInbox, sar)
	return true
}

// drainSubAgentInbox replays any buffered SubAgentResult events whose agent
// id is pending in the current state, the instant that state is entered.
func (e *Executor) drainSubAgentInbox(state convstate.State) convstate.State {
	for {
		if state.Tag != convstate.TagAwaitingSubAgents && state.Tag != convstate.TagCancellingSubAgent {
			return state
		}
		idx := -1
		for i, buffered := range e.subAgentInbox {
			if containsID(state.PendingSubAgents, buffered.AgentID) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return state
		}
		ev := e.subAgentInbox[idx]
		e.subAgentInbox = append(e.subAgentInbox[:idx], e.subAgentInbox[idx+1:]...)
		newState, err := e.step(state, ev)
		if err != nil {
			return state
		}
		state = newState
	}
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// step runs Transition for one event and executes its effects. A
// persistence effect that fails aborts the rest of the batch and moves the
// conversation to Error: the in-memory state must never run ahead of a log
// that refused the write.
func (e *Executor) step(state convstate.State, ev Event) (convstate.State, error) {
	newState, effects, err := Transition(state, e.convCtx, ev)
	if err != nil {
		return state, err
	}
	for _, eff := range effects {
		if err := e.runEffect(newState, eff); err != nil {
			return e.failTurn(err), nil
		}
	}
	return newState, nil
}

// failTurn is the persistence-failure terminal path: the error state is
// written best-effort, subscribers are told, and the returned state
// replaces whatever the interrupted batch was building toward. A later
// UserMessage recovers from Error as usual.
func (e *Executor) failTurn(cause error) convstate.State {
	errState := convstate.ErrorState(cause.Error(), convstate.ErrorKind(provider.ErrorUnknown))
	if err := e.store.UpdateState(e.convCtx.ConversationID, errState); err != nil {
		e.logErr("persist_error_state", err)
	}
	e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindStateChange, Payload: ClientNotification{Kind: NotifyStateChange, State: &errState}})
	e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindError, Payload: ClientNotification{Kind: NotifyError, Error: cause.Error()}})
	return errState
}

// runEffect performs one effect. A non-nil return means a persistence
// write failed and the turn must stop; every other failure mode is
// reported through its own event or log line instead.
func (e *Executor) runEffect(state convstate.State, eff Effect) error {
	switch v := eff.(type) {
	case PersistMessage:
		msg := message.Message{ID: v.ID, ConversationID: e.convCtx.ConversationID, Kind: v.Kind, Content: v.Content, Display: v.Display, Usage: v.Usage}
		if _, err := e.store.AppendMessage(e.convCtx.ConversationID, msg); err != nil {
			e.logErr("append_message", err)
			return err
		}
		e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindMessage, Payload: ClientNotification{Kind: NotifyMessage, Message: &msg}})

	case PersistToolResults:
		results := make([]message.Message, len(v.Results))
		copy(results, v.Results)
		for i := range results {
			results[i].ConversationID = e.convCtx.ConversationID
		}
		if err := e.store.AppendMessages(e.convCtx.ConversationID, results); err != nil {
			e.logErr("append_tool_results", err)
			return err
		}
		for i := range results {
			e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindMessage, Payload: ClientNotification{Kind: NotifyMessage, Message: &results[i]}})
		}

	case PersistState:
		if err := e.store.UpdateState(e.convCtx.ConversationID, v.State); err != nil {
			e.logErr("update_state", err)
			return err
		}
		e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindStateChange, Payload: ClientNotification{Kind: NotifyStateChange, State: &v.State}})

	case RequestLlm:
		go e.doRequestLlm(state)

	case ExecuteTool:
		if tool.IsSpawnSubAgent(v.Name) {
			e.doSpawn(v)
			return nil
		}
		go e.doExecuteTool(v)

	case AbortTool:
		e.mu.Lock()
		e.toolAborting = true
		cancel := e.toolCancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case AbortLlm:
		e.mu.Lock()
		e.llmAborting = true
		cancel := e.llmCancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case CancelSubAgents:
		if e.manager != nil {
			e.manager.Cancel(v.IDs)
		}

	case NotifyParent:
		if e.parentTx != nil {
			select {
			case e.parentTx <- SubAgentResult{AgentID: e.convCtx.ConversationID, Success: v.Success, Result: v.Result}:
			default:
				e.logErr("notify_parent", errBlockedParent)
			}
		}

	case PersistSubAgentResults:
		if v.SpawnToolID != "" {
			// The spawn tool's result message was persisted under the
			// deterministic id spawnResultMessageID mints, so the enrichment
			// lands on the message that listed the spawned ids. The updated
			// row is re-broadcast so connected clients replace their copy.
			// Display metadata is presentational; a failed update is logged
			// rather than failing the turn.
			msgID := spawnResultMessageID(v.SpawnToolID)
			display := message.DisplayMetadata{"type": "subagent_summary", "results": v.Results}
			if err := e.store.UpdateMessageDisplay(msgID, display); err != nil {
				e.logErr("update_message_display", err)
				return nil
			}
			updated, err := e.store.GetMessage(msgID)
			if err != nil {
				e.logErr("reload_spawn_message", err)
				return nil
			}
			e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindMessage, Payload: ClientNotification{Kind: NotifyMessage, Message: &updated}})
		}

	case ScheduleRetry:
		go e.doScheduleRetry(v)

	case NotifyClient:
		e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: clientNotifyKind(v.Kind), Payload: ClientNotification{Kind: v.Kind, Message: v.Message, State: v.State, Error: v.Error}})

	case RequestContinuation:
		if e.log != nil {
			e.log.Info("context window margin exceeded, requesting continuation",
				zap.String("conversation_id", e.convCtx.ConversationID),
				zap.Int("usage_total", v.UsageTotal),
				zap.Int("context_window", v.ContextWindow),
				zap.Int("margin", v.Margin),
				zap.Int("rejected_tool_calls", len(v.RejectedToolCalls)))
		}
		go e.doRequestContinuation(v)

	case NotifyContextExhausted:
		e.notifier.Publish(pubsub.Message[ClientNotification]{Kind: pubsub.KindError, Payload: ClientNotification{Kind: NotifyContextExhaustedKind, Error: v.Summary}})
	}
	return nil
}

func clientNotifyKind(k NotifyKind) pubsub.Kind {
	switch k {
	case NotifyMessage:
		return pubsub.KindMessage
	case NotifyStateChange:
		return pubsub.KindStateChange
	case NotifyAgentDone:
		return pubsub.KindAgentDone
	default:
		return pubsub.KindError
	}
}

func (e *Executor) logErr(op string, err error) {
	if e.log != nil {
		e.log.Error("effect failed", zap.String("op", op), zap.String("conversation_id", e.convCtx.ConversationID), zap.Error(err))
	}
}

var errBlockedParent = &blockedParentError{}

type blockedParentError struct{}

func (*blockedParentError) Error() string { return "engine: parent event channel is full" }

// doRequestLlm builds a provider request from the conversation's message
// history and runs it, posting LlmResponse, LlmError, or LlmAborted back
// into the supervisor loop.
func (e *Executor) doRequestLlm(state convstate.State) {
	history, err := e.store.GetMessages(e.convCtx.ConversationID)
	if err != nil {
		e.post(LlmError{Message: err.Error(), Kind: convstate.ErrorKind(provider.ErrorUnknown), Retryable: false, Attempt: attemptOf(state)})
		return
	}

	req := e.buildRequest(history)

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.llmCancel = cancel
	e.llmAborting = false
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.llmCancel = nil
		e.mu.Unlock()
		cancel()
	}()

	resp, err := e.provider.Complete(ctx, req)

	e.mu.Lock()
	aborting := e.llmAborting
	e.mu.Unlock()

	if err != nil {
		if aborting {
			e.post(LlmAborted{})
			return
		}
		perr, ok := err.(*provider.Error)
		if !ok {
			e.post(LlmError{Message: err.Error(), Kind: convstate.ErrorKind(provider.ErrorUnknown), Retryable: false, Attempt: attemptOf(state)})
			return
		}
		e.post(LlmError{
			Message:    perr.Message,
			Kind:       convstate.ErrorKind(perr.Kind),
			Retryable:  perr.Kind.Retryable(),
			Attempt:    attemptOf(state),
			RetryAfter: perr.RetryAfter,
		})
		return
	}

	e.post(LlmResponse{MessageID: uuid.NewString(), Blocks: resp.Blocks, EndTurn: resp.EndTurn, Usage: resp.Usage})
}

func attemptOf(state convstate.State) int {
	if state.Attempt > 0 {
		return state.Attempt
	}
	return 1
}

// buildRequest flattens persisted message history into the neutral
// provider request shape. Tool results are carried on the user role, per
// the provider contract's design decisions. The offered tool set is
// whatever the registry holds, plus the name-special-cased tools for this
// conversation's role: spawn-sub-agent for a top-level conversation,
// submit-result/submit-error for a sub-agent.
func (e *Executor) buildRequest(history []message.Message) provider.Request {
	req := provider.Request{}
	for _, m := range history {
		switch m.Kind {
		case message.KindUser:
			if m.Content.User == nil {
				continue
			}
			blocks := []message.Block{message.TextBlock{Text: m.Content.User.Text}}
			for _, img := range m.Content.User.Images {
				blocks = append(blocks, message.ImageBlock{Image: img})
			}
			req.Messages = append(req.Messages, provider.RequestMessage{Role: provider.RoleUser, Blocks: blocks})
		case message.KindAgent:
			if m.Content.Agent == nil {
				continue
			}
			req.Messages = append(req.Messages, provider.RequestMessage{Role: provider.RoleAssistant, Blocks: m.Content.Agent.Blocks})
		case message.KindTool:
			if m.Content.Tool == nil {
				continue
			}
			req.Messages = append(req.Messages, provider.RequestMessage{Role: provider.RoleUser, Blocks: []message.Block{
				message.ToolResultBlock{ToolUseID: m.Content.Tool.ToolUseID, Content: m.Content.Tool.Output, IsError: m.Content.Tool.IsError},
			}})
		}
	}

	defs := e.tools.Definitions()
	if e.convCtx.IsSubAgent {
		defs = append(defs, tool.SubmitResultDefinition(), tool.SubmitErrorDefinition())
	} else {
		defs = append(defs, tool.SpawnSubAgentDefinition())
	}
	for _, d := range defs {
		req.Tools = append(req.Tools, toolDefToProvider(d))
	}

	return req
}

func toolDefToProvider(d tool.Definition) provider.ToolDefinition {
	return provider.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
}

// doExecuteTool runs an ordinary registered tool and posts ToolComplete, or
// ToolAborted if AbortTool fired while it ran.
func (e *Executor) doExecuteTool(v ExecuteTool) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.toolCancel = cancel
	e.toolAborting = false
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.toolCancel = nil
		e.mu.Unlock()
		cancel()
	}()

	out, err := e.tools.Execute(tool.Context{Cancel: ctx, ConversationID: e.convCtx.ConversationID, WorkingDir: e.convCtx.WorkingDir}, v.Name, v.Input)

	e.mu.Lock()
	aborting := e.toolAborting
	e.mu.Unlock()

	if aborting && ctx.Err() != nil {
		e.post(ToolAborted{ToolUseID: v.ToolUseID})
		return
	}

	if err != nil {
		e.post(ToolComplete{MessageID: uuid.NewString(), ToolUseID: v.ToolUseID, Output: err.Error(), IsError: true})
		return
	}

	e.post(ToolComplete{MessageID: uuid.NewString(), ToolUseID: v.ToolUseID, Output: out.Output, IsError: !out.Success})
}

// doSpawn runs the spawn-sub-agent special path: mint child ids through
// the manager and post the synthetic completion immediately, without
// waiting for any child to finish.
func (e *Executor) doSpawn(v ExecuteTool) {
	var in tool.SpawnSubAgentInput
	if err := json.Unmarshal([]byte(v.Input), &in); err != nil {
		e.post(ToolComplete{MessageID: uuid.NewString(), ToolUseID: v.ToolUseID, Output: "spawn-sub-agent: invalid input: " + err.Error(), IsError: true})
		return
	}
	if e.manager == nil || len(in.Tasks) == 0 {
		e.post(ToolComplete{MessageID: uuid.NewString(), ToolUseID: v.ToolUseID, Output: "spawn-sub-agent: no tasks or no manager available", IsError: true})
		return
	}
	ids := e.manager.Spawn(e.convCtx.ConversationID, v.ToolUseID, in.Tasks)
	e.post(SpawnAgentsComplete{MessageID: spawnResultMessageID(v.ToolUseID), ToolUseID: v.ToolUseID, Result: joinIDs(ids), Spawned: ids})
}

// spawnResultMessageID is the message id the spawn tool's result is
// persisted under. Deriving it from the tool-use id (rather than minting a
// random one) lets PersistSubAgentResults find the row again when the
// children's outcomes come back.
func spawnResultMessageID(toolUseID string) string {
	return toolUseID + "-result"
}

func joinIDs(ids []string) string {
	out := "spawned: "
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

func (e *Executor) doScheduleRetry(v ScheduleRetry) {
	<-time.After(v.Delay)
	e.post(RetryTimeout{Attempt: v.Attempt})
}

// continuationTokenBudget caps the summary's output so the wrap-up call
// cannot itself blow past the window it is escaping.
const continuationTokenBudget = 2000

// doRequestContinuation issues the tool-less summary call: a request with
// no tools and a system prompt asking the model to summarize open work.
// Tool calls from the over-budget response that will never run are named
// in the prompt so the summary can account for them.
func (e *Executor) doRequestContinuation(v RequestContinuation) {
	history, err := e.store.GetMessages(e.convCtx.ConversationID)
	if err != nil {
		e.post(ContinuationFailed{Error: err.Error()})
		return
	}
	req := e.buildRequest(history)
	req.Tools = nil
	req.System = []provider.SystemPrompt{{Text: "You are wrapping up a conversation that has reached its context limit. Provide a concise summary to help continue in a new conversation. Do not call any tools."}}
	req.Messages = append(req.Messages, provider.RequestMessage{Role: provider.RoleUser, Blocks: []message.Block{
		message.TextBlock{Text: continuationPrompt(v.RejectedToolCalls)},
	}})
	req.TokenBudget = continuationTokenBudget

	resp, err := e.provider.Complete(context.Background(), req)
	if err != nil {
		e.post(ContinuationFailed{Error: err.Error()})
		return
	}
	summary := ""
	for _, b := range (message.AgentContent{Blocks: resp.Blocks}).TextBlocks() {
		summary += b.Text
	}
	e.post(ContinuationResponse{MessageID: uuid.NewString(), Summary: summary})
}

// continuationPrompt is the final user turn of the summary request.
func continuationPrompt(rejected []message.ToolUseBlock) string {
	p := "Please summarize the state of the current task so it can be picked up in a new conversation."
	if len(rejected) > 0 {
		p += " The following tool calls were requested but will not be executed:"
		for _, t := range rejected {
			p += "\n- " + t.Name
		}
	}
	return p
}
