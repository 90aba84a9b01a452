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

// Package transport documents the wire contract an external HTTP/SSE
// surface exchanges with the runtime manager: JSON request/response bodies
// for the conversation REST endpoints, and the SSE event envelope each
// conversation stream emits. No listener, router, or codec lives here — the
// actual network termination is an external collaborator; this package only
// gives that collaborator plain Go types to marshal.
package transport

import (
	"github.com/relaycore/engine/internal/conversation"
	"github.com/relaycore/engine/internal/convstate"
	"github.com/relaycore/engine/internal/message"
)

// ConversationSummary is one row of GET /api/conversations (and
// /api/conversations/archived): enough to render a conversation list
// without fetching its full message log.
type ConversationSummary struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	WorkingDir   string `json:"working_dir"`
	Model        string `json:"model"`
	Archived     bool   `json:"archived"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	StateType    string `json:"state_type"`
	AgentWorking bool   `json:"agent_working"`
}

// NewConversationSummary projects a conversation record into its list-view
// wire shape.
func NewConversationSummary(c conversation.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		Slug:         c.Slug,
		WorkingDir:   c.WorkingDir,
		Model:        c.Model,
		Archived:     c.Archived,
		CreatedAt:    c.CreatedAtUnix,
		UpdatedAt:    c.UpdatedAtUnix,
		StateType:    string(c.State.Tag),
		AgentWorking: c.State.IsBusy(),
	}
}

// ListConversationsResponse is the body of GET /api/conversations and
// GET /api/conversations/archived.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// NewConversationRequest is the body of POST /api/conversations/new.
type NewConversationRequest struct {
	Cwd       string          `json:"cwd"`
	Model     string          `json:"model,omitempty"`
	Text      string          `json:"text"`
	MessageID string          `json:"message_id"`
	Images    []message.Image `json:"images,omitempty"`
}

// NewConversationResponse is the body returned by POST /api/conversations/new.
type NewConversationResponse struct {
	Conversation ConversationSummary `json:"conversation"`
}

// ConversationDetail is the body of GET /api/conversations/:id: the full
// record plus its message log and the two derived fields a client needs to
// render without re-deriving engine internals.
type ConversationDetail struct {
	Conversation      ConversationSummary `json:"conversation"`
	Messages          []message.Message   `json:"messages"`
	AgentWorking      bool                `json:"agent_working"`
	ContextWindowSize int                 `json:"context_window_size"`
}

// ChatRequest is the body of POST /api/conversations/:id/chat.
type ChatRequest struct {
	Text      string          `json:"text"`
	MessageID string          `json:"message_id"`
	Images    []message.Image `json:"images,omitempty"`
	UserAgent bool            `json:"user_agent,omitempty"`
}

// ChatResponse is the body returned by POST /api/conversations/:id/chat.
// Queued is always true, whether or not MessageID was a duplicate: the
// idempotency check happens inside the engine, not at this boundary.
type ChatResponse struct {
	Queued bool `json:"queued"`
}

// RenameRequest is the body of POST /api/conversations/:id/rename.
type RenameRequest struct {
	Slug string `json:"slug"`
}

// ModelInfo is one entry of GET /api/models.
type ModelInfo struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	Description   string `json:"description"`
	ContextWindow int    `json:"context_window"`
}

// ListModelsResponse is the body returned by GET /api/models.
type ListModelsResponse struct {
	Models       []ModelInfo `json:"models"`
	DefaultModel string      `json:"default_model"`
}

// ModelCatalogEntry mirrors the shape internal/config loads a model catalog
// into; declared here (rather than importing internal/config) to keep this
// package's dependency surface limited to wire shapes.
type ModelCatalogEntry struct {
	ID            string
	Provider      string
	Description   string
	ContextWindow int
}

// NewListModelsResponse projects a model catalog into the GET /api/models
// wire shape.
func NewListModelsResponse(catalog []ModelCatalogEntry, defaultModel string) ListModelsResponse {
	models := make([]ModelInfo, len(catalog))
	for i, m := range catalog {
		models[i] = ModelInfo{
			ID:            m.ID,
			Provider:      m.Provider,
			Description:   m.Description,
			ContextWindow: m.ContextWindow,
		}
	}
	return ListModelsResponse{Models: models, DefaultModel: defaultModel}
}

// ErrorResponse is the JSON body accompanying a non-2xx HTTP response, and
// the SSE "error" event's payload.
type ErrorResponse struct {
	Message string `json:"message"`
}

// EventType discriminates an SSE frame's "type" field.
type EventType string

const (
	EventInit        EventType = "init"
	EventMessage     EventType = "message"
	EventStateChange EventType = "state_change"
	EventAgentDone   EventType = "agent_done"
	EventError       EventType = "error"
)

// Event is one frame on a conversation's SSE stream. Exactly one of the
// typed payload fields is populated, selected by Type.
type Event struct {
	Type EventType `json:"type"`

	Init    *InitPayload     `json:"init,omitempty"`
	Message *message.Message `json:"message,omitempty"`
	State   *convstate.State `json:"state,omitempty"`
	Error   *ErrorResponse   `json:"error,omitempty"`
}

// InitPayload is the first frame sent on subscription: a full snapshot so
// the client can render before any further event arrives, plus the
// sequence number it should reconcile missed events against.
type InitPayload struct {
	Conversation   ConversationSummary `json:"conversation"`
	Messages       []message.Message   `json:"messages"`
	AgentWorking   bool                `json:"agent_working"`
	LastSequenceID int64               `json:"last_sequence_id"`
}

// NewMessageEvent wraps a persisted message as a "message" SSE frame.
func NewMessageEvent(m message.Message) Event {
	return Event{Type: EventMessage, Message: &m}
}

// NewStateChangeEvent wraps a state transition as a "state_change" SSE
// frame. The state's own "type" field (see convstate.State) discriminates
// the variant; this frame's outer Type is always state_change.
func NewStateChangeEvent(s convstate.State) Event {
	return Event{Type: EventStateChange, State: &s}
}

// NewAgentDoneEvent marks the terminal frame of a turn.
func NewAgentDoneEvent() Event {
	return Event{Type: EventAgentDone}
}

// NewErrorEvent wraps a human-readable failure as an "error" SSE frame.
func NewErrorEvent(msg string) Event {
	return Event{Type: EventError, Error: &ErrorResponse{Message: msg}}
}

// NewInitEvent wraps a conversation snapshot as the first frame of a new
// subscription.
func NewInitEvent(c conversation.Conversation, messages []message.Message, lastSequenceID int64) Event {
	return Event{
		Type: EventInit,
		Init: &InitPayload{
			Conversation:   NewConversationSummary(c),
			Messages:       messages,
			AgentWorking:   c.State.IsBusy(),
			LastSequenceID: lastSequenceID,
		},
	}
}

// KeepAliveIntervalSeconds is how often a subscribed SSE stream must emit
// a keep-alive comment to hold intermediary proxies open.
const KeepAliveIntervalSeconds = 15
