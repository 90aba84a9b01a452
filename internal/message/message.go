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

// Package message defines the immutable message model shared by the
// persistence store, the conversation engine, and the provider adapter.
package message

import (
	"encoding/json"
	"fmt"
)

// Kind tags the shape of a Message's Content.
type Kind string

const (
	KindUser         Kind = "user"
	KindAgent        Kind = "agent"
	KindTool         Kind = "tool"
	KindSystem       Kind = "system"
	KindError        Kind = "error"
	KindContinuation Kind = "continuation"
)

// Usage is the token-usage record optionally attached to a message.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheCreateInput int `json:"cache_create_input_tokens,omitempty"`
	CacheReadInput   int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns the input+output tokens counted against the context window.
// Cache tokens are billing detail, not context-window pressure.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Image is a base64-encoded image attachment.
type Image struct {
	Data      string `json:"data"`
	MediaType string `json:"media_type"`
}

// Block is one element of an agent message's content sequence.
type Block interface {
	isBlock()
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) isBlock() {}

// ImageBlock is an inline image, dropped by adapters without vision
// support.
type ImageBlock struct {
	Image Image `json:"image"`
}

func (ImageBlock) isBlock() {}

// ToolUseBlock is a model-initiated tool invocation. ID is the
// provider-opaque correlation key used end-to-end — the core never
// synthesizes one.
type ToolUseBlock struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"` // raw JSON
}

func (ToolUseBlock) isBlock() {}

// ToolResultBlock carries a tool result inline in an agent-role content
// sequence (used only when reconstructing provider requests; persisted
// tool outputs live in their own Tool-kind Message, see ToolContent).
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResultBlock) isBlock() {}

// Content is the per-Kind payload shape. Exactly one of the typed fields is
// populated, selected by the owning Message's Kind.
type Content struct {
	User  *UserContent  `json:"user,omitempty"`
	Agent *AgentContent `json:"agent,omitempty"`
	Tool  *ToolContent  `json:"tool,omitempty"`
	Text  *TextContent  `json:"text,omitempty"` // system / error / continuation
}

// UserContent is the content shape for Kind == user.
type UserContent struct {
	Text   string  `json:"text"`
	Images []Image `json:"images,omitempty"`
}

// AgentContent is the content shape for Kind == agent: an ordered sequence
// of content blocks.
type AgentContent struct {
	Blocks []Block `json:"blocks"`
}

// blockEnvelope is the on-disk shape of one Block: a "type" discriminator
// alongside the union of every block kind's fields, mirroring how
// convstate tags its State variants.
type blockEnvelope struct {
	Type string `json:"type"`

	Text      string `json:"text,omitempty"`
	Image     *Image `json:"image,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// MarshalJSON encodes each block with its type discriminator.
func (a AgentContent) MarshalJSON() ([]byte, error) {
	envelopes := make([]blockEnvelope, 0, len(a.Blocks))
	for _, b := range a.Blocks {
		switch v := b.(type) {
		case TextBlock:
			envelopes = append(envelopes, blockEnvelope{Type: "text", Text: v.Text})
		case ImageBlock:
			img := v.Image
			envelopes = append(envelopes, blockEnvelope{Type: "image", Image: &img})
		case ToolUseBlock:
			envelopes = append(envelopes, blockEnvelope{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultBlock:
			envelopes = append(envelopes, blockEnvelope{Type: "tool_result", ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError})
		default:
			return nil, fmt.Errorf("message: unknown block type %T", b)
		}
	}
	return json.Marshal(struct {
		Blocks []blockEnvelope `json:"blocks"`
	}{Blocks: envelopes})
}

// UnmarshalJSON decodes each block's type discriminator back into its
// concrete Block implementation.
func (a *AgentContent) UnmarshalJSON(data []byte) error {
	var wire struct {
		Blocks []blockEnvelope `json:"blocks"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	blocks := make([]Block, 0, len(wire.Blocks))
	for _, e := range wire.Blocks {
		switch e.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: e.Text})
		case "image":
			if e.Image != nil {
				blocks = append(blocks, ImageBlock{Image: *e.Image})
			}
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{ID: e.ID, Name: e.Name, Input: e.Input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{ToolUseID: e.ToolUseID, Content: e.Content, IsError: e.IsError})
		default:
			return fmt.Errorf("message: unknown block type %q", e.Type)
		}
	}
	a.Blocks = blocks
	return nil
}

// TextBlocks returns only the text blocks, in order.
func (a AgentContent) TextBlocks() []TextBlock {
	var out []TextBlock
	for _, b := range a.Blocks {
		if t, ok := b.(TextBlock); ok {
			out = append(out, t)
		}
	}
	return out
}

// ToolUses returns only the tool-use blocks, in order.
func (a AgentContent) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range a.Blocks {
		if t, ok := b.(ToolUseBlock); ok {
			out = append(out, t)
		}
	}
	return out
}

// HasText reports whether the content contains at least one text block.
// The recovery classifier turns on this: an agent message with text
// already committed a visible response.
func (a AgentContent) HasText() bool {
	for _, b := range a.Blocks {
		if _, ok := b.(TextBlock); ok {
			return true
		}
	}
	return false
}

// ToolContent is the content shape for Kind == tool: a reference to the
// tool-use id it answers.
type ToolContent struct {
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error"`
}

// TextContent is the content shape for Kind in {system, error, continuation}.
type TextContent struct {
	Text string `json:"text"`
}

// DisplayMetadata is optional, narrowly-mutable display data. The only
// sanctioned mutation path for an otherwise-immutable Message is enriching
// a spawn-sub-agent tool message with its children's outcomes.
type DisplayMetadata map[string]any

// Message is one immutable (except DisplayMetadata) row in a conversation's
// log. Sequence is assigned by the store at insertion and is never supplied
// by the caller.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Sequence       int64           `json:"sequence"`
	Kind           Kind            `json:"kind"`
	Content        Content         `json:"content"`
	Display        DisplayMetadata `json:"display,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	CreatedAtUnix  int64           `json:"created_at"`
}

// NewUser builds a user-kind message. id is the client- or server-chosen
// idempotency key.
func NewUser(id, conversationID, text string, images []Image) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Kind:           KindUser,
		Content:        Content{User: &UserContent{Text: text, Images: images}},
	}
}

// NewAgent builds an agent-kind message from an ordered block sequence.
func NewAgent(id, conversationID string, blocks []Block, usage *Usage) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Kind:           KindAgent,
		Content:        Content{Agent: &AgentContent{Blocks: blocks}},
		Usage:          usage,
	}
}

// NewTool builds a tool-kind message answering toolUseID.
func NewTool(id, conversationID, toolUseID, output string, isError bool) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Kind:           KindTool,
		Content:        Content{Tool: &ToolContent{ToolUseID: toolUseID, Output: output, IsError: isError}},
	}
}

// NewText builds a system/error/continuation-kind message.
func NewText(id, conversationID string, kind Kind, text string) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Kind:           kind,
		Content:        Content{Text: &TextContent{Text: text}},
	}
}

// OrphanInterruptedPayload is the fixed synthetic payload the boot-time
// repair attaches to a tool-use block with no matching result.
const OrphanInterruptedPayload = "interrupted by server restart"

// CancelledPayload is the synthetic text for the tool that was in flight
// when a cancellation landed.
const CancelledPayload = "cancelled by user"

// SkippedPayload is the synthetic text for tools that never started because
// a cancellation preempted them.
const SkippedPayload = "skipped due to cancellation"
