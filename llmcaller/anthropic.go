package llmcaller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/owlthread/cie/ciecore"
)

// anthropicRequest is the Anthropic Messages API request body. Grounded on
// ai/providers/anthropic/client.go's request struct, trimmed to what the
// Caller contract needs (no tool calling — out of scope for CIE).
type anthropicRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Messages    []anthropicMsg `json:"messages"`
	System      string         `json:"system,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicCaller builds a Caller backed by the Anthropic Messages API,
// wrapped with the shared retry/cache/coalescing/rate-limiting machinery in
// BaseCaller. Grounded on ai/providers/anthropic/client.go's Client, adapted
// to the Caller contract and to go through a Transport instead of an
// *http.Client directly so it shares the otelhttp-instrumented transport
// with every other provider adapter.
func NewAnthropicCaller(transport Transport, cfg Config, scope string, logger ciecore.Logger) *BaseCaller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	raw := func(ctx context.Context, messages []Message, params Params) (*Response, error) {
		model := params.Model
		if model == "" {
			model = cfg.DefaultModel
		}
		maxTokens := params.MaxTokens
		if maxTokens == 0 {
			maxTokens = 4096
		}

		var systemPrompt string
		var msgs []anthropicMsg
		for _, m := range messages {
			if m.Role == RoleSystem {
				systemPrompt = m.Content
				continue
			}
			msgs = append(msgs, anthropicMsg{Role: string(m.Role), Content: m.Content})
		}

		body := anthropicRequest{
			Model:     model,
			MaxTokens: maxTokens,
			Messages:  msgs,
			System:    systemPrompt,
		}
		if params.Temperature > 0 {
			t := params.Temperature
			body.Temperature = &t
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal request: %w", err)
		}

		headers := map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": "2023-06-01",
		}

		tr, err := transport.PostJSON(ctx, cfg.BaseURL+"/v1/messages", headers, payload)
		if err != nil {
			return nil, ciecore.NewCIEError("anthropic.Generate", "network", fmt.Errorf("%w: %v", ciecore.ErrNetwork, err))
		}

		if tr.StatusCode != http.StatusOK {
			return nil, mapAnthropicError(tr.StatusCode, tr.Body)
		}

		var ar anthropicResponse
		if err := json.Unmarshal(tr.Body, &ar); err != nil {
			return nil, ciecore.NewCIEError("anthropic.Generate", "parse_error", fmt.Errorf("%w: %v", ciecore.ErrParseError, err))
		}

		var text string
		for _, block := range ar.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		return &Response{
			Content: text,
			Model:   ar.Model,
			Usage: Usage{
				PromptTokens:     ar.Usage.InputTokens,
				CompletionTokens: ar.Usage.OutputTokens,
				TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
			},
			Metadata: map[string]interface{}{"stop_reason": ar.StopReason},
		}, nil
	}

	return NewBaseCaller(raw, cfg, scope, logger)
}

func mapAnthropicError(status int, body []byte) error {
	var errResp anthropicErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch {
	case status == http.StatusTooManyRequests:
		return ciecore.NewCIEError("anthropic.Generate", "rate_limited", ciecore.ErrRateLimited)
	case status == http.StatusRequestTimeout:
		return ciecore.NewCIEError("anthropic.Generate", "timeout", ciecore.ErrTimeout)
	case status >= 500:
		return ciecore.NewCIEError("anthropic.Generate", "server_error", ciecore.ErrServer)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ciecore.NewCIEError("anthropic.Generate", "bad_request", fmt.Errorf("%w: %s", ciecore.ErrBadRequest, errResp.Error.Message))
	default:
		return ciecore.NewCIEError("anthropic.Generate", "upstream_unavailable", fmt.Errorf("%w: status %d: %s", ciecore.ErrUpstreamUnavailable, status, errResp.Error.Message))
	}
}
