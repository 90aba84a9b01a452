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

// Package tool defines the tool contract the conversation engine executes
// against, and a registry of the concrete tools whose semantics the engine
// depends on directly: bash, spawn-sub-agent, submit-result, submit-error.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Output is the result of one tool invocation. Errors inside a tool are
// reported here, as Success: false, rather than as a Go error, so the model
// can read the failure and decide what to do next.
type Output struct {
	Success bool
	Output  string
	Display map[string]any
}

// Definition describes one tool's name, prompt, and input schema to the
// provider adapter.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// BrowserSessions is the subset of the browser-session registry a tool
// needs. No browser tool ships in this package; the registry handle is
// threaded through Context for when one is wired in.
type BrowserSessions interface {
	Get(conversationID string) (any, bool)
}

// LLMRegistry lets a tool (e.g. a judge/summarizer helper tool) reach a
// configured provider adapter by name. No tool in this package uses it
// today; it is part of the per-call context contract so one can.
type LLMRegistry interface {
	Get(name string) (any, bool)
}

// Context is the per-invocation environment passed to Execute.
type Context struct {
	Cancel          context.Context
	ConversationID  string
	WorkingDir      string
	BrowserSessions BrowserSessions
	LLMRegistry     LLMRegistry
}

// Tool is one executable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx Context, input string) (Output, error)
}

// ErrUnknownTool is returned by Registry.Execute when no tool by that name
// is registered.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("tool: unknown tool %q", e.Name)
}

// Registry holds the tools available to a conversation's executor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces the tool under its own Definition().Name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Definitions returns every registered tool's Definition, name-sorted for
// a stable provider request, for inclusion alongside the engine's
// name-special-cased tools.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named tool, or returns ErrUnknownTool.
func (r *Registry) Execute(ctx Context, name, input string) (Output, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Output{}, &ErrUnknownTool{Name: name}
	}
	return t.Execute(ctx, input)
}

// IsSpawnSubAgent reports whether name is the tool the engine special-cases
// instead of routing through Execute: the executor hands the tasks to the
// runtime manager and posts a SpawnAgentsComplete (or a failed ToolComplete
// for bad input) rather than calling a registered Tool.
func IsSpawnSubAgent(name string) bool {
	return name == SpawnSubAgentToolName
}

// IsSubAgentOutcome reports whether name is one of the two tool calls a
// sub-agent uses to report its terminal result to its parent.
func IsSubAgentOutcome(name string) bool {
	return name == SubmitResultToolName || name == SubmitErrorToolName
}
