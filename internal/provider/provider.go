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

// Package provider defines the neutral LLM request/response contract the
// engine speaks, independent of any vendor's wire format.
package provider

import (
	"context"
	"time"

	"github.com/relaycore/engine/internal/message"
)

// Role is the role of a message going to the model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolDefinition describes one tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// SystemPrompt is one system-prompt block, optionally cache-hinted.
type SystemPrompt struct {
	Text      string
	CacheHint bool
}

// RequestMessage is one turn in the request's message list.
type RequestMessage struct {
	Role   Role
	Blocks []message.Block
}

// Request is the neutral completion request.
type Request struct {
	System      []SystemPrompt
	Messages    []RequestMessage
	Tools       []ToolDefinition
	TokenBudget int // 0 means provider default
}

// Response is the neutral completion response.
type Response struct {
	Blocks  []message.Block
	EndTurn bool
	Usage   message.Usage
}

// ErrorKind classifies a provider failure for the engine's retry policy.
type ErrorKind string

const (
	ErrorAuth           ErrorKind = "auth"
	ErrorRateLimit      ErrorKind = "rate_limit"
	ErrorNetwork        ErrorKind = "network"
	ErrorInvalidRequest ErrorKind = "invalid_request"
	ErrorServer         ErrorKind = "server_error"
	ErrorUnknown        ErrorKind = "unknown"
)

// Retryable reports whether this kind should be retried locally by the
// engine: Network, RateLimit, ServerError.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorNetwork, ErrorRateLimit, ErrorServer:
		return true
	default:
		return false
	}
}

// Error is the tagged error surfaced by Complete.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // only meaningful for ErrorRateLimit
}

func (e *Error) Error() string {
	return e.Message
}

// Adapter is the single capability the engine depends on: complete(request)
// -> response | ProviderError.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)

	// ContextWindow returns the advertised context-window size (in tokens)
	// for the given model id, used by the engine's context-exhaustion check.
	ContextWindow(model string) int
}
