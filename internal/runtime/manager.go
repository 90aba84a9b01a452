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

// Package runtime is the process-wide conversation manager: it owns the
// map from conversation id to running engine.Executor, boots executors
// lazily on first use, and is the concrete engine.Manager the executor's
// spawn-sub-agent path talks to.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/engine/internal/conversation"
	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/engine"
	"github.com/relaycore/engine/internal/message"
	"github.com/relaycore/engine/internal/provider"
	"github.com/relaycore/engine/internal/pubsub"
	"github.com/relaycore/engine/internal/tool"
)

// Store is the persistence contract the manager needs, a superset of
// engine.Store covering conversation lifecycle and idempotency lookups.
// The concrete implementation lives in internal/store/sqlite.
type Store interface {
	CreateConversation(c conversation.Conversation) error
	GetConversation(id string) (conversation.Conversation, error)
	GetConversationBySlug(slug string) (conversation.Conversation, error)
	ListConversations(includeArchived bool) ([]conversation.Conversation, error)
	RenameConversation(id, slug string) error
	SetArchived(id string, archived bool) error
	DeleteConversation(id string) error

	UniqueSlug(name string) (string, error)
	UpdateState(conversationID string, state convstate.State) error
	AppendMessage(conversationID string, msg message.Message) (int64, error)
	AppendMessages(conversationID string, msgs []message.Message) error
	GetMessage(id string) (message.Message, error)
	GetMessages(conversationID string) ([]message.Message, error)
	GetMessagesAfter(conversationID string, afterSequence int64) ([]message.Message, error)
	MessageExists(id string) (bool, error)
	UpdateMessageDisplay(id string, display message.DisplayMetadata) error
	ResetAllToIdleAndRepair() error
}

// Config parameterizes a Manager's defaults for newly created conversations.
type Config struct {
	DefaultModel    string
	WorkingDirRoot  string
	SubAgentTimeout time.Duration // 0 disables the timeout sidecar
	NotifierBuffer  int

	// MaxAttempts, RetryBaseDelay, RetryMaxDelay, and ContextMargin are
	// threaded into every engine.Context this manager builds, overriding
	// the engine package's defaults. Zero values leave the engine default
	// in effect for that one field.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	ContextMargin  int
}

type handle struct {
	executor *engine.Executor
	notifier *pubsub.Broker[engine.ClientNotification]
	cancel   context.CancelFunc
	parentID string
}

// Manager is the runtime's single process-wide conversation supervisor.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*handle

	store    Store
	provider provider.Adapter
	tools    *tool.Registry
	log      *zap.Logger
	cfg      Config
}

// NewManager constructs a Manager. Call Boot once at process startup,
// before accepting traffic, to repair orphaned state from a prior crash.
func NewManager(store Store, adapter provider.Adapter, tools *tool.Registry, log *zap.Logger, cfg Config) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.NotifierBuffer <= 0 {
		cfg.NotifierBuffer = 64
	}
	return &Manager{
		handles:  make(map[string]*handle),
		store:    store,
		provider: adapter,
		tools:    tools,
		log:      log,
		cfg:      cfg,
	}
}

// Boot runs the store's boot-time orphan-tool-use repair. It must run
// before any executor starts, and commutes with engine.ClassifyResume:
// the repair resolves dangling tool-uses in the persisted log, while
// ClassifyResume (invoked lazily per conversation in getOrStart) decides
// which state a repaired conversation resumes into.
func (m *Manager) Boot() error {
	return m.store.ResetAllToIdleAndRepair()
}

// Submit routes an externally-sourced event (UserMessage, UserCancel) to
// the named conversation's executor, starting it first if necessary. A
// UserMessage whose id was already persisted is still accepted — the
// engine treats it as a no-op — so a transport retrying a request it
// never saw acknowledged can resend blindly.
func (m *Manager) Submit(ctx context.Context, conversationID string, ev engine.Event) error {
	if um, ok := ev.(engine.UserMessage); ok && !um.AlreadyExists && um.MessageID != "" {
		exists, err := m.store.MessageExists(um.MessageID)
		if err != nil {
			return fmt.Errorf("runtime: check message id %s: %w", um.MessageID, err)
		}
		um.AlreadyExists = exists
		ev = um
	}

	h, err := m.getOrStart(ctx, conversationID)
	if err != nil {
		return err
	}
	return h.executor.Submit(ev)
}

// Subscribe registers a client listener on the named conversation's
// notification stream, starting the executor first if necessary.
func (m *Manager) Subscribe(ctx context.Context, conversationID string) (<-chan pubsub.Message[engine.ClientNotification], func(), error) {
	h, err := m.getOrStart(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := h.notifier.Subscribe()
	return ch, unsub, nil
}

// CreateConversation inserts a new top-level conversation row and returns
// its id. title is slugified and de-duplicated against existing slugs; the
// conversation's executor is started lazily on first Submit.
func (m *Manager) CreateConversation(title, workingDir, model string, now int64) (string, error) {
	id := uuid.NewString()
	if model == "" {
		model = m.cfg.DefaultModel
	}
	slug, err := m.store.UniqueSlug(title)
	if err != nil {
		return "", fmt.Errorf("runtime: slug conversation: %w", err)
	}
	c := conversation.Conversation{
		ID:            id,
		Slug:          slug,
		WorkingDir:    workingDir,
		UserInitiated: true,
		Model:         model,
		State:         convstate.Idle(),
		CreatedAtUnix: now,
	}
	if err := m.store.CreateConversation(c); err != nil {
		return "", fmt.Errorf("runtime: create conversation: %w", err)
	}
	return id, nil
}

// getOrStart returns the running handle for conversationID, booting a
// fresh executor from persisted state (via engine.ClassifyResume) if this
// is the first reference since process start.
func (m *Manager) getOrStart(ctx context.Context, conversationID string) (*handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[conversationID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load conversation %s: %w", conversationID, err)
	}

	history, err := m.store.GetMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load history %s: %w", conversationID, err)
	}

	state := rec.State
	if state.Tag == convstate.TagIdle || state.Tag == "" {
		switch engine.ClassifyResume(history) {
		case engine.ResumeLlmRequesting:
			state = convstate.LlmRequesting(1)
		default:
			state = convstate.Idle()
		}
	}

	contextWindow := m.provider.ContextWindow(rec.Model)
	convCtx := engine.Context{
		ConversationID: conversationID,
		WorkingDir:     rec.WorkingDir,
		ModelID:        rec.Model,
		ContextWindow:  contextWindow,
		IsSubAgent:     rec.IsSubAgent(),
		MaxAttempts:    m.cfg.MaxAttempts,
		RetryBaseDelay: m.cfg.RetryBaseDelay,
		RetryMaxDelay:  m.cfg.RetryMaxDelay,
		ContextMargin:  m.cfg.ContextMargin,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[conversationID]; ok {
		return h, nil // lost the race
	}

	runCtx, cancel := context.WithCancel(context.Background())
	notifier := pubsub.NewBroker[engine.ClientNotification](m.cfg.NotifierBuffer)

	var parentTx chan<- engine.Event
	if rec.IsSubAgent() {
		parentTx = m.parentEventChannel(rec.ParentConversation)
	}

	ex := engine.NewExecutor(convCtx, m.store, m.provider, m.tools, m, parentTx, notifier, m.log)
	h := &handle{executor: ex, notifier: notifier, cancel: cancel, parentID: rec.ParentConversation}
	m.handles[conversationID] = h

	go ex.Run(runCtx, state)
	if state.Tag == convstate.TagLlmRequesting {
		// a crash-resumed turn needs its RequestLlm effect re-armed; Run's
		// first iteration has no event to react to, so nudge it directly.
		go func() { _ = ex.Submit(engine.RetryTimeout{Attempt: state.Attempt}) }()
	}

	return h, nil
}

// parentEventChannel returns a channel the executor can post SubAgentResult
// on; a background goroutine forwards every value to the parent's Submit.
func (m *Manager) parentEventChannel(parentID string) chan<- engine.Event {
	ch := make(chan engine.Event, 4)
	go func() {
		for ev := range ch {
			if err := m.Submit(context.Background(), parentID, ev); err != nil {
				m.log.Warn("failed to deliver sub-agent result to parent",
					zap.String("parent_id", parentID), zap.Error(err))
			}
		}
	}()
	return ch
}

// Spawn implements engine.Manager: it mints one child conversation per
// task, starts each one with a synthetic user message, and returns the
// minted ids immediately so the parent can move into AwaitingSubAgents
// without waiting on any child to finish. Task fan-out (row creation plus
// the kick-off Submit, each independent per task) runs concurrently via
// errgroup rather than serializing on each child's store round-trip; a
// task that fails to create or start is dropped rather than failing the
// whole batch, since the remaining siblings are still independently
// useful to the parent.
func (m *Manager) Spawn(parentID, spawnToolUseID string, tasks []tool.SpawnTask) []string {
	minted := make([]string, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			childID := m.spawnOne(parentID, t)
			minted[i] = childID
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, 0, len(tasks))
	for _, id := range minted {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// spawnOne creates and starts a single sub-agent conversation, returning
// its id, or "" if creation or kick-off failed.
func (m *Manager) spawnOne(parentID string, t tool.SpawnTask) string {
	childID := uuid.NewString()
	c := conversation.Conversation{
		ID:                 childID,
		Slug:               childID,
		WorkingDir:         t.Cwd,
		ParentConversation: parentID,
		Model:              m.cfg.DefaultModel,
		State:              convstate.Idle(),
		CreatedAtUnix:      time.Now().Unix(),
	}
	if err := m.store.CreateConversation(c); err != nil {
		m.log.Error("failed to create sub-agent conversation", zap.Error(err))
		return ""
	}

	if err := m.Submit(context.Background(), childID, engine.UserMessage{
		MessageID: uuid.NewString(),
		Text:      t.Task,
		UserAgent: false,
	}); err != nil {
		m.log.Error("failed to start sub-agent", zap.String("child_id", childID), zap.Error(err))
		return ""
	}

	if m.cfg.SubAgentTimeout > 0 {
		go m.watchTimeout(childID, m.cfg.SubAgentTimeout)
	}
	return childID
}

// watchTimeout sends UserCancel to a spawned child if it hasn't reached a
// terminal outcome within timeout.
func (m *Manager) watchTimeout(childID string, timeout time.Duration) {
	<-time.After(timeout)
	m.mu.Lock()
	_, running := m.handles[childID]
	m.mu.Unlock()
	if !running {
		return
	}
	if err := m.Submit(context.Background(), childID, engine.UserCancel{}); err != nil {
		m.log.Debug("sub-agent timeout cancel rejected (already finished)",
			zap.String("child_id", childID), zap.Error(err))
	}
}

// Cancel implements engine.Manager: it asks each named child to stop. A
// child with no running handle is reported as a failed outcome directly
// to its spawning parent, since it will never emit SubAgentResult itself.
func (m *Manager) Cancel(ids []string) {
	for _, id := range ids {
		m.mu.Lock()
		h, ok := m.handles[id]
		m.mu.Unlock()
		if !ok {
			m.reportMissingChild(id)
			continue
		}
		if err := h.executor.Submit(engine.UserCancel{}); err != nil {
			m.log.Debug("cancel rejected, sub-agent likely already terminal",
				zap.String("child_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) reportMissingChild(childID string) {
	rec, err := m.store.GetConversation(childID)
	if err != nil || rec.ParentConversation == "" {
		return
	}
	_ = m.Submit(context.Background(), rec.ParentConversation, engine.SubAgentResult{
		AgentID: childID,
		Success: false,
		Result:  "sub-agent is no longer running",
	})
}

// Shutdown stops every running executor. It does not wait for in-flight
// effects to settle; a subsequent Boot's repair pass is what makes that
// safe.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.cancel()
	}
	m.handles = make(map[string]*handle)
}
