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

package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/engine/internal/conversation"
	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/engine"
	"github.com/relaycore/engine/internal/message"
	"github.com/relaycore/engine/internal/provider"
	"github.com/relaycore/engine/internal/tool"
)

// fakeStore is an in-memory stand-in for the sqlite-backed Store, just
// enough of one to drive the manager's lazy-boot and slug logic in tests.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]conversation.Conversation
	messages      map[string][]message.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]conversation.Conversation),
		messages:      make(map[string][]message.Message),
	}
}

func (f *fakeStore) CreateConversation(c conversation.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[c.ID] = c
	return nil
}

func (f *fakeStore) GetConversation(id string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("not found: %s", id)
	}
	return c, nil
}

func (f *fakeStore) GetConversationBySlug(slug string) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.Slug == slug {
			return c, nil
		}
	}
	return conversation.Conversation{}, fmt.Errorf("not found: %s", slug)
}

func (f *fakeStore) ListConversations(includeArchived bool) ([]conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []conversation.Conversation
	for _, c := range f.conversations {
		if !includeArchived && c.Archived {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) RenameConversation(id, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	c.Slug = slug
	f.conversations[id] = c
	return nil
}

func (f *fakeStore) SetArchived(id string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	c.Archived = archived
	f.conversations[id] = c
	return nil
}

func (f *fakeStore) DeleteConversation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) UniqueSlug(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := name
	if base == "" {
		base = "conversation"
	}
	candidate := base
	for n := 2; ; n++ {
		taken := false
		for _, c := range f.conversations {
			if c.Slug == candidate {
				taken = true
				break
			}
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

func (f *fakeStore) UpdateState(conversationID string, state convstate.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return fmt.Errorf("not found: %s", conversationID)
	}
	c.State = state
	f.conversations[conversationID] = c
	return nil
}

func (f *fakeStore) AppendMessage(conversationID string, msg message.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.messages[conversationID]) + 1)
	msg.Sequence = seq
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return seq, nil
}

func (f *fakeStore) AppendMessages(conversationID string, msgs []message.Message) error {
	for _, m := range msgs {
		if _, err := f.AppendMessage(conversationID, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) GetMessages(conversationID string) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.Message, len(f.messages[conversationID]))
	copy(out, f.messages[conversationID])
	return out, nil
}

func (f *fakeStore) GetMessagesAfter(conversationID string, afterSequence int64) ([]message.Message, error) {
	all, _ := f.GetMessages(conversationID)
	var out []message.Message
	for _, m := range all {
		if m.Sequence > afterSequence {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMessage(id string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == id {
				return m, nil
			}
		}
	}
	return message.Message{}, fmt.Errorf("message not found: %s", id)
}

func (f *fakeStore) MessageExists(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msgs := range f.messages {
		for _, m := range msgs {
			if m.ID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateMessageDisplay(id string, display message.DisplayMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cid, msgs := range f.messages {
		for i, m := range msgs {
			if m.ID == id {
				msgs[i].Display = display
				f.messages[cid] = msgs
				return nil
			}
		}
	}
	return fmt.Errorf("message not found: %s", id)
}

func (f *fakeStore) ResetAllToIdleAndRepair() error { return nil }

// appendFailingStore refuses every message append, simulating a full disk
// or a corrupted database mid-turn.
type appendFailingStore struct {
	*fakeStore
}

func (f *appendFailingStore) AppendMessage(conversationID string, msg message.Message) (int64, error) {
	return 0, fmt.Errorf("sqlite: disk I/O error")
}

func (f *appendFailingStore) AppendMessages(conversationID string, msgs []message.Message) error {
	return fmt.Errorf("sqlite: disk I/O error")
}

// textAdapter always replies with a single text block and ends the turn
// immediately, so an executor under test reaches Idle without ever needing
// a tool or a second round trip.
type textAdapter struct {
	reply string
}

func (a textAdapter) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{
		Blocks:  []message.Block{message.TextBlock{Text: a.reply}},
		EndTurn: true,
		Usage:   message.Usage{InputTokens: 1, OutputTokens: 1},
	}, nil
}

func (a textAdapter) ContextWindow(model string) int { return 200000 }

// countingAdapter records how many completion calls reached it.
type countingAdapter struct {
	mu    sync.Mutex
	calls int
}

func (a *countingAdapter) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return provider.Response{Blocks: []message.Block{message.TextBlock{Text: "ok"}}, EndTurn: true}, nil
}

func (a *countingAdapter) ContextWindow(model string) int { return 200000 }

func (a *countingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func testManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	mgr := NewManager(store, textAdapter{reply: "hello"}, tool.NewRegistry(), zap.NewNop(), Config{
		DefaultModel:   "test-model",
		WorkingDirRoot: "/tmp",
	})
	return mgr, store
}

func TestCreateConversationDedupesSlug(t *testing.T) {
	mgr, _ := testManager(t)

	id1, err := mgr.CreateConversation("My Chat", "/tmp/a", "", 100)
	require.NoError(t, err)
	id2, err := mgr.CreateConversation("My Chat", "/tmp/b", "", 101)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2, "expected distinct conversation ids")

	c1, err := mgr.store.GetConversation(id1)
	require.NoError(t, err)
	c2, err := mgr.store.GetConversation(id2)
	require.NoError(t, err)
	assert.NotEqual(t, c1.Slug, c2.Slug, "expected deduped slugs")
	assert.Equal(t, "test-model", c2.Model, "expected the manager's default model")
}

func TestSubmitStartsExecutorAndReachesIdle(t *testing.T) {
	mgr, store := testManager(t)
	id, err := mgr.CreateConversation("chat", "/tmp", "", 100)
	require.NoError(t, err)

	ch, unsub, err := mgr.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, mgr.Submit(context.Background(), id, engine.UserMessage{MessageID: "m1", Text: "hi"}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-ch:
			rec, err := store.GetConversation(id)
			require.NoError(t, err)
			if rec.State.Tag == convstate.TagIdle {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for conversation to return to idle")
		}
	}
}

// TestSubmitDuplicateMessageIDIsIdempotent re-sends a user message the
// store already holds: the second Submit is accepted (the transport can
// retry blindly) but no second copy of the message is persisted and no
// second turn starts.
func TestSubmitDuplicateMessageIDIsIdempotent(t *testing.T) {
	mgr, store := testManager(t)
	id, err := mgr.CreateConversation("chat", "/tmp", "", 100)
	require.NoError(t, err)

	require.NoError(t, mgr.Submit(context.Background(), id, engine.UserMessage{MessageID: "m1", Text: "hi"}))

	// Wait for the turn to finish so the duplicate lands in an accepting
	// state rather than being rejected as busy.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := store.GetConversation(id)
		require.NoError(t, err)
		if rec.State.Tag == convstate.TagIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first turn to finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	before, _ := store.GetMessages(id)

	require.NoError(t, mgr.Submit(context.Background(), id, engine.UserMessage{MessageID: "m1", Text: "hi"}),
		"duplicate submit must be accepted")

	after, _ := store.GetMessages(id)
	assert.Len(t, after, len(before), "duplicate submit must not change the log")
}

// A persistence failure mid-turn lands the conversation in Error and
// abandons the rest of the effect batch: the provider is never called for
// a turn whose user message could not be written.
func TestPersistFailureMovesConversationToError(t *testing.T) {
	store := &appendFailingStore{fakeStore: newFakeStore()}
	adapter := &countingAdapter{}
	mgr := NewManager(store, adapter, tool.NewRegistry(), zap.NewNop(), Config{DefaultModel: "test-model"})

	id, err := mgr.CreateConversation("chat", "/tmp", "", 100)
	require.NoError(t, err)

	// Submit blocks until the event's effects have run, so the failed
	// append has already moved the conversation to Error when it returns.
	require.NoError(t, mgr.Submit(context.Background(), id, engine.UserMessage{MessageID: "m1", Text: "hi"}))

	rec, err := store.GetConversation(id)
	require.NoError(t, err)
	assert.Equal(t, convstate.TagError, rec.State.Tag, "a failed persist must terminate the turn in Error")

	assert.Zero(t, adapter.count(), "the provider must not be called after a failed persist")

	msgs, err := store.GetMessages(id)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing may land in the log after the failed write")
}

func TestCancelReportsMissingChildToParent(t *testing.T) {
	mgr, store := testManager(t)
	parentID, err := mgr.CreateConversation("parent", "/tmp", "", 100)
	require.NoError(t, err)
	// A child conversation row exists, but its executor was never started
	// (e.g. the process restarted between spawn and resume), so Cancel must
	// synthesize a failed SubAgentResult back to the parent rather than
	// submitting to a handle that doesn't exist.
	childID := "child-1"
	require.NoError(t, store.CreateConversation(conversation.Conversation{
		ID:                 childID,
		Slug:               childID,
		ParentConversation: parentID,
		Model:              "test-model",
		State:              convstate.Idle(),
	}))

	// Put the parent into a state that accepts a SubAgentResult so Cancel's
	// synthetic delivery isn't dropped as illegal.
	require.NoError(t, store.UpdateState(parentID, convstate.AwaitingSubAgents([]string{childID}, nil, "spawn1")))

	ch, unsub, err := mgr.Subscribe(context.Background(), parentID)
	require.NoError(t, err)
	defer unsub()

	mgr.Cancel([]string{childID})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-ch:
			rec, err := store.GetConversation(parentID)
			require.NoError(t, err)
			if rec.State.Tag != convstate.TagAwaitingSubAgents {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the parent to process the missing-child result")
		}
	}
}

// TestSpawnFansOutConcurrentlyAndPreservesOrder drives Manager.Spawn (the
// spawn-sub-agent special path) with several tasks and
// checks that every task mints a distinct, running child conversation and
// that the returned ids line up with the input task order despite the
// fan-out running each task's creation concurrently via errgroup.
func TestSpawnFansOutConcurrentlyAndPreservesOrder(t *testing.T) {
	mgr, store := testManager(t)
	parentID, err := mgr.CreateConversation("parent", "/tmp", "", 100)
	require.NoError(t, err)

	tasks := []tool.SpawnTask{
		{Task: "task A", Cwd: "/tmp/a"},
		{Task: "task B", Cwd: "/tmp/b"},
		{Task: "task C", Cwd: "/tmp/c"},
	}
	ids := mgr.Spawn(parentID, "spawn1", tasks)

	require.Len(t, ids, len(tasks))
	seen := make(map[string]bool)
	for i, id := range ids {
		require.NotEmpty(t, id, "task %d: empty id", i)
		require.False(t, seen[id], "task %d: duplicate id %s", i, id)
		seen[id] = true

		child, err := store.GetConversation(id)
		require.NoError(t, err, "task %d: child %s not created", i, id)
		assert.Equal(t, parentID, child.ParentConversation, "task %d", i)
		assert.Equal(t, tasks[i].Cwd, child.WorkingDir, "task %d: spawn order not preserved", i)

		msgs, err := store.GetMessages(id)
		require.NoError(t, err)
		require.NotEmpty(t, msgs, "task %d: expected a kick-off user message for child %s", i, id)
		require.NotNil(t, msgs[0].Content.User, "task %d", i)
		assert.Equal(t, tasks[i].Task, msgs[0].Content.User.Text, "task %d", i)
	}
}
