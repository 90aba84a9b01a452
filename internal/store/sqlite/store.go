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

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaycore/engine/internal/conversation"
	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
)

// Store is the SQLite-backed implementation of runtime.Store: conversation
// rows and their message logs, in one database opened in WAL mode.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and brings its
// schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path+"?_fk=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	migrator, err := NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.MigrateUp(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation row. Slug collisions are
// the caller's responsibility to avoid (via uniqueSlug); this insert fails
// on the column's UNIQUE constraint otherwise.
func (s *Store) CreateConversation(c conversation.Conversation) error {
	stateBlob, err := encodeState(c.State)
	if err != nil {
		return err
	}

	var parentConversation any
	if c.ParentConversation != "" {
		parentConversation = c.ParentConversation
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations
			(id, slug, working_dir, parent_conversation, user_initiated, model, state, archived, created_at, updated_at, state_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Slug, c.WorkingDir, parentConversation, c.UserInitiated, c.Model, stateBlob, c.Archived,
		c.CreatedAtUnix, c.CreatedAtUnix, c.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation row by id, with LastUsage derived
// from the most recent agent message in its log.
func (s *Store) GetConversation(id string) (conversation.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, slug, working_dir, COALESCE(parent_conversation, ''), user_initiated, model, state, archived, created_at, updated_at, state_updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return conversation.Conversation{}, err
	}

	usage, err := s.lastUsage(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.LastUsage = usage
	return c, nil
}

// GetConversationBySlug loads a conversation row by its unique slug.
func (s *Store) GetConversationBySlug(slug string) (conversation.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, slug, working_dir, COALESCE(parent_conversation, ''), user_initiated, model, state, archived, created_at, updated_at, state_updated_at
		FROM conversations WHERE slug = ?`, slug)
	c, err := scanConversation(row)
	if err != nil {
		return conversation.Conversation{}, err
	}
	usage, err := s.lastUsage(c.ID)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.LastUsage = usage
	return c, nil
}

// SlugExists reports whether slug is already taken, for uniqueSlug's
// collision loop.
func (s *Store) SlugExists(slug string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE slug = ?`, slug).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: check slug: %w", err)
	}
	return n > 0, nil
}

// UniqueSlug derives a URL-safe, collision-free slug from a human-supplied
// name (e.g. the first line of a new conversation's opening message).
func (s *Store) UniqueSlug(name string) (string, error) {
	return uniqueSlug(name, s.SlugExists)
}

// ListConversations returns every top-level (non-sub-agent) conversation,
// optionally including archived ones, newest first.
func (s *Store) ListConversations(includeArchived bool) ([]conversation.Conversation, error) {
	query := `
		SELECT id, slug, working_dir, COALESCE(parent_conversation, ''), user_initiated, model, state, archived, created_at, updated_at, state_updated_at
		FROM conversations
		WHERE parent_conversation IS NULL`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RenameConversation updates a conversation's slug.
func (s *Store) RenameConversation(id, slug string) error {
	res, err := s.db.Exec(`UPDATE conversations SET slug = ? WHERE id = ?`, slug, id)
	if err != nil {
		return fmt.Errorf("sqlite: rename conversation: %w", err)
	}
	return requireRowsAffected(res, "conversation", id)
}

// SetArchived flips a conversation's archived flag.
func (s *Store) SetArchived(id string, archived bool) error {
	res, err := s.db.Exec(`UPDATE conversations SET archived = ? WHERE id = ?`, archived, id)
	if err != nil {
		return fmt.Errorf("sqlite: set archived: %w", err)
	}
	return requireRowsAffected(res, "conversation", id)
}

// DeleteConversation removes a conversation and, via ON DELETE CASCADE,
// its messages and any sub-agent conversations it spawned.
func (s *Store) DeleteConversation(id string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	return requireRowsAffected(res, "conversation", id)
}

// UpdateState persists the conversation's current state and bumps its
// state_updated_at / updated_at timestamps.
func (s *Store) UpdateState(conversationID string, state convstate.State) error {
	blob, err := encodeState(state)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE conversations
		SET state = ?, state_updated_at = strftime('%s', 'now'), updated_at = strftime('%s', 'now')
		WHERE id = ?`, blob, conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: update state: %w", err)
	}
	return requireRowsAffected(res, "conversation", conversationID)
}

// AppendMessage inserts msg under the next free sequence number for its
// conversation, assigned within the same transaction the row is inserted
// in to avoid a race with a concurrent append.
func (s *Store) AppendMessage(conversationID string, msg message.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := nextSequence(tx, conversationID)
	if err != nil {
		return 0, err
	}
	if err := insertMessage(tx, conversationID, seq, msg); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return seq, nil
}

// AppendMessages inserts a batch of messages atomically, each taking the
// next free sequence number in order. Used for tool-result batches where
// every result must land (or none do).
func (s *Store) AppendMessages(conversationID string, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seq, err := nextSequence(tx, conversationID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := insertMessage(tx, conversationID, seq, msg); err != nil {
			return err
		}
		seq++
	}
	return tx.Commit()
}

// GetMessages returns every message in a conversation, sequence-ordered.
func (s *Store) GetMessages(conversationID string) ([]message.Message, error) {
	return s.queryMessages(`
		SELECT id, conversation_id, sequence, kind, content, display, usage, created_at
		FROM messages WHERE conversation_id = ? ORDER BY sequence ASC`, conversationID)
}

// GetMessagesAfter returns messages with sequence strictly greater than
// afterSequence, for incremental client resync.
func (s *Store) GetMessagesAfter(conversationID string, afterSequence int64) ([]message.Message, error) {
	return s.queryMessages(`
		SELECT id, conversation_id, sequence, kind, content, display, usage, created_at
		FROM messages WHERE conversation_id = ? AND sequence > ? ORDER BY sequence ASC`, conversationID, afterSequence)
}

// GetMessage loads a single message by its globally-unique id.
func (s *Store) GetMessage(id string) (message.Message, error) {
	msgs, err := s.queryMessages(`
		SELECT id, conversation_id, sequence, kind, content, display, usage, created_at
		FROM messages WHERE id = ?`, id)
	if err != nil {
		return message.Message{}, err
	}
	if len(msgs) == 0 {
		return message.Message{}, fmt.Errorf("sqlite: message %s not found", id)
	}
	return msgs[0], nil
}

// MessageExists reports whether a message with this id has already been
// persisted, the idempotency check runtime.Manager.Submit runs before
// forwarding a UserMessage event to the executor.
func (s *Store) MessageExists(id string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: check message exists: %w", err)
	}
	return n > 0, nil
}

// UpdateMessageDisplay overwrites a message's display metadata, the one
// sanctioned mutation of an otherwise-immutable row: enriching a
// spawn-sub-agent tool message with its children's outcomes as they land.
func (s *Store) UpdateMessageDisplay(id string, display message.DisplayMetadata) error {
	var blob []byte
	if display != nil {
		var err error
		blob, err = json.Marshal(display)
		if err != nil {
			return fmt.Errorf("sqlite: encode display: %w", err)
		}
	}
	res, err := s.db.Exec(`UPDATE messages SET display = ? WHERE id = ?`, blob, id)
	if err != nil {
		return fmt.Errorf("sqlite: update message display: %w", err)
	}
	return requireRowsAffected(res, "message", id)
}

// ResetAllToIdleAndRepair runs the boot-time repair pass: every
// conversation left in a non-terminal, non-idle state by a prior crash is
// reset to Idle, and any tool-use block with no matching tool result gets
// a synthetic "interrupted" result so the next provider request sees a
// consistent history. engine.ClassifyResume then decides, per
// conversation, whether Idle is really where it should resume.
func (s *Store) ResetAllToIdleAndRepair() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin repair: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`SELECT id, state FROM conversations`)
	if err != nil {
		return fmt.Errorf("sqlite: repair scan: %w", err)
	}
	var ids, resetIDs []string
	for rows.Next() {
		var id string
		var stateBlob []byte
		if err := rows.Scan(&id, &stateBlob); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: repair scan row: %w", err)
		}
		ids = append(ids, id)
		state, err := convstate.UnmarshalFromStore(stateBlob)
		if err != nil {
			rows.Close()
			return err
		}
		if state.Tag != convstate.TagIdle && !state.IsTerminal() {
			resetIDs = append(resetIDs, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// Orphans are repaired for every conversation, not only the ones whose
	// state is being reset: the repair and the state rewrite are
	// independent halves of making the log consistent.
	for _, id := range ids {
		if err := repairOrphanToolUses(tx, id); err != nil {
			return fmt.Errorf("sqlite: repair orphan tool uses for %s: %w", id, err)
		}
	}

	idleBlob, err := encodeState(convstate.Idle())
	if err != nil {
		return err
	}
	for _, id := range resetIDs {
		if _, err := tx.Exec(`UPDATE conversations SET state = ?, state_updated_at = strftime('%s', 'now') WHERE id = ?`, idleBlob, id); err != nil {
			return fmt.Errorf("sqlite: repair reset state for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// repairOrphanToolUses walks every agent message in conversationID and, for
// each tool-use block lacking a corresponding Tool-kind message anywhere
// later in the log, appends a synthetic interrupted result so provider
// history stays valid.
func repairOrphanToolUses(tx *sql.Tx, conversationID string) error {
	rows, err := tx.Query(`
		SELECT kind, content FROM messages
		WHERE conversation_id = ? AND kind IN (?, ?)
		ORDER BY sequence ASC`, conversationID, message.KindAgent, message.KindTool)
	if err != nil {
		return err
	}

	var toolUses []message.ToolUseBlock
	answered := make(map[string]bool)
	for rows.Next() {
		var kind message.Kind
		var blob []byte
		if err := rows.Scan(&kind, &blob); err != nil {
			rows.Close()
			return err
		}
		var c message.Content
		if err := json.Unmarshal(blob, &c); err != nil {
			rows.Close()
			return fmt.Errorf("decode message content: %w", err)
		}
		switch {
		case kind == message.KindAgent && c.Agent != nil:
			toolUses = append(toolUses, c.Agent.ToolUses()...)
		case kind == message.KindTool && c.Tool != nil:
			answered[c.Tool.ToolUseID] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	seq, err := nextSequence(tx, conversationID)
	if err != nil {
		return err
	}
	for _, use := range toolUses {
		if answered[use.ID] {
			continue
		}
		synthetic := message.NewTool("synthetic-repair-"+use.ID, conversationID, use.ID, message.OrphanInterruptedPayload, true)
		if err := insertMessage(tx, conversationID, seq, synthetic); err != nil {
			return err
		}
		seq++
	}
	return nil
}

// LastSequence returns the highest sequence number in a conversation's
// log, or 0 for an empty log. The external event-stream surface sends it
// in its initial subscription payload so a client can reconcile missed
// broadcasts by re-fetching messages after it.
func (s *Store) LastSequence(conversationID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(sequence) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("sqlite: read last sequence: %w", err)
	}
	return max.Int64, nil
}

// lastUsage returns the Usage attached to the most recent agent message in
// conversationID, or the zero value if none carries one.
func (s *Store) lastUsage(conversationID string) (conversation.Usage, error) {
	row := s.db.QueryRow(`
		SELECT usage FROM messages
		WHERE conversation_id = ? AND kind = ? AND usage IS NOT NULL
		ORDER BY sequence DESC LIMIT 1`, conversationID, message.KindAgent)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return conversation.Usage{}, nil
		}
		return conversation.Usage{}, fmt.Errorf("sqlite: load last usage: %w", err)
	}

	var usage message.Usage
	if err := json.Unmarshal(blob, &usage); err != nil {
		return conversation.Usage{}, fmt.Errorf("sqlite: decode usage: %w", err)
	}
	return conversation.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}, nil
}

// nextSequence returns the next free sequence number for conversationID
// within tx, so the caller's insert races with nothing else in the same
// transaction.
func nextSequence(tx *sql.Tx, conversationID string) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(sequence) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("sqlite: read max sequence: %w", err)
	}
	return max.Int64 + 1, nil
}

func insertMessage(tx *sql.Tx, conversationID string, seq int64, msg message.Message) error {
	contentBlob, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("sqlite: encode content: %w", err)
	}

	var displayBlob []byte
	if msg.Display != nil {
		displayBlob, err = json.Marshal(msg.Display)
		if err != nil {
			return fmt.Errorf("sqlite: encode display: %w", err)
		}
	}

	var usageBlob []byte
	if msg.Usage != nil {
		usageBlob, err = json.Marshal(msg.Usage)
		if err != nil {
			return fmt.Errorf("sqlite: encode usage: %w", err)
		}
	}

	// created_at is stamped by the database, not the caller, to keep
	// ordering monotonic even if a message's Go-side timestamp is stale.
	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, sequence, kind, content, display, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))`,
		msg.ID, conversationID, seq, msg.Kind, contentBlob, displayBlob, usageBlob,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var c conversation.Conversation
	var stateBlob []byte
	var userInitiated, archived bool

	err := row.Scan(&c.ID, &c.Slug, &c.WorkingDir, &c.ParentConversation, &userInitiated, &c.Model,
		&stateBlob, &archived, &c.CreatedAtUnix, &c.UpdatedAtUnix, &c.StateUpdatedAtUnix)
	if err == sql.ErrNoRows {
		return conversation.Conversation{}, fmt.Errorf("sqlite: conversation not found")
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("sqlite: scan conversation: %w", err)
	}

	state, err := convstate.UnmarshalFromStore(stateBlob)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.UserInitiated = userInitiated
	c.Archived = archived
	c.State = state
	return c, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]message.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query messages: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (message.Message, error) {
	var msg message.Message
	var contentBlob []byte
	var displayBlob, usageBlob sql.NullString

	err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sequence, &msg.Kind, &contentBlob, &displayBlob, &usageBlob, &msg.CreatedAtUnix)
	if err != nil {
		return message.Message{}, fmt.Errorf("sqlite: scan message: %w", err)
	}

	if err := json.Unmarshal(contentBlob, &msg.Content); err != nil {
		return message.Message{}, fmt.Errorf("sqlite: decode content: %w", err)
	}
	if displayBlob.Valid && displayBlob.String != "" {
		if err := json.Unmarshal([]byte(displayBlob.String), &msg.Display); err != nil {
			return message.Message{}, fmt.Errorf("sqlite: decode display: %w", err)
		}
	}
	if usageBlob.Valid && usageBlob.String != "" {
		var usage message.Usage
		if err := json.Unmarshal([]byte(usageBlob.String), &usage); err != nil {
			return message.Message{}, fmt.Errorf("sqlite: decode usage: %w", err)
		}
		msg.Usage = &usage
	}
	return msg, nil
}

func encodeState(state convstate.State) ([]byte, error) {
	blob, err := state.MarshalForStore()
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode state: %w", err)
	}
	return blob, nil
}

func requireRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %s not found", entity, id)
	}
	return nil
}
