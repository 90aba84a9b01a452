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

// Package conversation holds the durable Conversation record: a "row plus
// Merge for partial updates" shape generalized to carry the
// parent-conversation link and sub-agent flag a conversation needs.
package conversation

import "github.com/relaycore/engine/internal/convstate"

// Conversation is one durable conversation row.
type Conversation struct {
	ID                 string
	Slug               string
	WorkingDir         string
	ParentConversation string // empty if this is not a sub-agent
	UserInitiated      bool
	Model              string
	State              convstate.State
	Archived           bool
	CreatedAtUnix      int64
	UpdatedAtUnix      int64
	StateUpdatedAtUnix int64

	// LastUsage is the usage of the most recent agent message. It is not
	// itself part of the persisted conversation row; the store derives it
	// from the message log on load. The engine's context-exhaustion check
	// does not read it: it uses the usage carried by each LlmResponse.
	LastUsage Usage
}

// Usage mirrors message.Usage without importing it, to keep this package's
// dependency surface to convstate only; the engine reconciles the two.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the combined input+output token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// IsSubAgent reports whether this conversation was spawned by another.
func (c Conversation) IsSubAgent() bool {
	return c.ParentConversation != ""
}

// Merge returns a copy of c with non-zero fields from update applied.
func (c Conversation) Merge(update Conversation) Conversation {
	result := c
	if update.Slug != "" {
		result.Slug = update.Slug
	}
	if update.Model != "" {
		result.Model = update.Model
	}
	if update.UpdatedAtUnix > 0 {
		result.UpdatedAtUnix = update.UpdatedAtUnix
	}
	return result
}
