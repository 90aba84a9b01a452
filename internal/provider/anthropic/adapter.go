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

// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// neutral provider.Adapter contract. It speaks only the blocking
// Messages.New call: token-level streaming is not part of the contract the
// engine needs, since the engine consumes one complete turn at a time.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaycore/engine/internal/message"
	"github.com/relaycore/engine/internal/provider"
)

// fallbackContextWindows holds the advertised context-window size, in
// tokens, for every model this adapter has been validated against. It backs
// ContextWindow whenever Config.ContextWindows (normally populated from an
// operator-supplied model catalog, see internal/config.LoadModelCatalog)
// leaves a model id unset.
var fallbackContextWindows = map[string]int{
	"claude-opus-4-20250514":    200000,
	"claude-sonnet-4-20250514":  200000,
	"claude-3-5-haiku-20241022": 200000,
}

const defaultContextWindow = 200000

// Config is the construction-time configuration for Adapter.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the SDK default
	DefaultModel string
	MaxTokens    int // per-request output cap; 0 uses maxTokensDefault

	// Timeout bounds each underlying HTTP call the SDK client makes. 0
	// uses the SDK's own default HTTP client with no explicit timeout.
	Timeout time.Duration

	// ContextWindows overrides fallbackContextWindows per model id. Left
	// nil, the adapter relies on its built-in table only.
	ContextWindows map[string]int
}

const maxTokensDefault = 8192

// Adapter implements provider.Adapter against the Anthropic Messages API.
type Adapter struct {
	client         anthropic.Client
	defaultModel   string
	maxTokens      int
	contextWindows map[string]int
}

// New constructs an Adapter. It returns an error if no API key is given.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = maxTokensDefault
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	return &Adapter{
		client:         anthropic.NewClient(opts...),
		defaultModel:   model,
		maxTokens:      maxTokens,
		contextWindows: cfg.ContextWindows,
	}, nil
}

// ContextWindow returns the advertised context-window size for model: first
// consulting the catalog-derived override table, then the adapter's
// built-in table, then defaultContextWindow.
func (a *Adapter) ContextWindow(model string) int {
	if w, ok := a.contextWindows[model]; ok {
		return w
	}
	if w, ok := fallbackContextWindows[model]; ok {
		return w
	}
	return defaultContextWindow
}

// Complete sends req as a single, non-streaming Messages.New call and
// translates the response (or error) into the neutral contract.
func (a *Adapter) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	model := a.defaultModel

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return provider.Response{}, &provider.Error{Kind: provider.ErrorInvalidRequest, Message: err.Error()}
	}

	maxTokens := a.maxTokens
	if req.TokenBudget > 0 && req.TokenBudget < maxTokens {
		maxTokens = req.TokenBudget
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if len(req.System) > 0 {
		params.System = convertSystem(req.System)
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return provider.Response{}, &provider.Error{Kind: provider.ErrorInvalidRequest, Message: err.Error()}
		}
		params.Tools = tools
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Response{}, classifyError(err)
	}

	blocks, err := convertResponseBlocks(resp.Content)
	if err != nil {
		return provider.Response{}, &provider.Error{Kind: provider.ErrorUnknown, Message: err.Error()}
	}

	return provider.Response{
		Blocks:  blocks,
		EndTurn: resp.StopReason != anthropic.StopReasonToolUse,
		Usage: message.Usage{
			InputTokens:      int(resp.Usage.InputTokens),
			OutputTokens:     int(resp.Usage.OutputTokens),
			CacheCreateInput: int(resp.Usage.CacheCreationInputTokens),
			CacheReadInput:   int(resp.Usage.CacheReadInputTokens),
		},
	}, nil
}

func convertSystem(prompts []provider.SystemPrompt) []anthropic.TextBlockParam {
	out := make([]anthropic.TextBlockParam, 0, len(prompts))
	for _, p := range prompts {
		block := anthropic.TextBlockParam{Type: "text", Text: p.Text}
		if p.CacheHint {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		out = append(out, block)
	}
	return out
}

func convertTools(defs []provider.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		raw, err := json.Marshal(d.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal schema for %s: %w", d.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for %s: %w", d.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool union missing definition for %s", d.Name)
		}
		tool.OfTool.Description = anthropic.String(d.Description)
		out = append(out, tool)
	}
	return out, nil
}

// convertMessages turns the neutral request message list into Anthropic's
// alternating-role content-block form. A RequestMessage's Blocks may mix
// text, tool-use, tool-result, and image blocks; they are flattened into one
// content-block array per Anthropic message.
func convertMessages(msgs []provider.RequestMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var content []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch blk := b.(type) {
			case message.TextBlock:
				content = append(content, anthropic.NewTextBlock(blk.Text))
			case message.ToolUseBlock:
				var input any
				if blk.Input != "" {
					if err := json.Unmarshal([]byte(blk.Input), &input); err != nil {
						return nil, fmt.Errorf("anthropic: decode tool_use input for %s: %w", blk.ID, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(blk.ID, input, blk.Name))
			case message.ToolResultBlock:
				content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			case message.ImageBlock:
				content = append(content, anthropic.NewImageBlockBase64(blk.Image.MediaType, blk.Image.Data))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block type %T", b)
			}
		}

		if m.Role == provider.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

// convertResponseBlocks maps the SDK's response content-block union back to
// the neutral message.Block sequence. Unknown block variants (e.g. a future
// thinking block) are dropped rather than failing the turn.
func convertResponseBlocks(blocks []anthropic.ContentBlockUnion) ([]message.Block, error) {
	out := make([]message.Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, message.TextBlock{Text: b.Text})
		case "tool_use":
			input, err := json.Marshal(b.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: re-encode tool_use input for %s: %w", b.ID, err)
			}
			out = append(out, message.ToolUseBlock{ID: b.ID, Name: b.Name, Input: string(input)})
		}
	}
	return out, nil
}

// classifyError maps an Anthropic SDK error into the neutral provider.Error
// taxonomy the engine's retry policy reasons about.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		retryAfter := parseRetryAfter(apiErr.Response)
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &provider.Error{Kind: provider.ErrorAuth, Message: apiErr.Error()}
		case http.StatusTooManyRequests:
			return &provider.Error{Kind: provider.ErrorRateLimit, Message: apiErr.Error(), RetryAfter: retryAfter}
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return &provider.Error{Kind: provider.ErrorInvalidRequest, Message: apiErr.Error()}
		}
		if apiErr.StatusCode >= 500 {
			return &provider.Error{Kind: provider.ErrorServer, Message: apiErr.Error()}
		}
		return &provider.Error{Kind: provider.ErrorUnknown, Message: apiErr.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &provider.Error{Kind: provider.ErrorNetwork, Message: err.Error()}
	}

	return &provider.Error{Kind: provider.ErrorNetwork, Message: err.Error()}
}

// parseRetryAfter reads the Retry-After header from a rate-limited response.
// It returns 0 if the header is absent or unparseable, letting the engine
// fall back to its own exponential backoff.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
