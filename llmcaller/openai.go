package llmcaller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/owlthread/cie/ciecore"
)

// OpenAICompatConfig describes an OpenAI-style /v1/chat/completions backend.
// Grounded on ai/providers/openai/client.go's Client: the same provider code
// serves OpenAI itself, Groq, Together, OpenRouter, Ollama and any other
// server that speaks the same wire format.
type OpenAICompatConfig struct {
	AuthHeader      string // default "Authorization"
	AuthPrefix      string // default "Bearer "
	CompletionsPath string // default "/v1/chat/completions"
	ExtraHeaders    map[string]string
}

type openaiMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string      `json:"model"`
	Messages    []openaiMsg `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAICompatibleCaller builds a Caller for any server that implements
// the OpenAI chat-completions wire format. Grounded on
// ai/providers/openai/client.go's Client.GenerateResponse.
func NewOpenAICompatibleCaller(transport Transport, cfg Config, compat OpenAICompatConfig, scope string, logger ciecore.Logger) *BaseCaller {
	if compat.AuthHeader == "" {
		compat.AuthHeader = "Authorization"
	}
	if compat.AuthPrefix == "" {
		compat.AuthPrefix = "Bearer "
	}
	if compat.CompletionsPath == "" {
		compat.CompletionsPath = "/v1/chat/completions"
	}

	buildRequest := func(messages []Message, params Params, stream bool) (string, map[string]string, []byte, error) {
		model := params.Model
		if model == "" {
			model = cfg.DefaultModel
		}

		msgs := make([]openaiMsg, 0, len(messages))
		for _, m := range messages {
			msgs = append(msgs, openaiMsg{Role: string(m.Role), Content: m.Content})
		}

		body := openaiRequest{Model: model, Messages: msgs, Stream: stream}
		if params.Temperature > 0 {
			t := params.Temperature
			body.Temperature = &t
		}
		if params.MaxTokens > 0 {
			mt := params.MaxTokens
			body.MaxTokens = &mt
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return "", nil, nil, fmt.Errorf("openai: marshal request: %w", err)
		}

		headers := map[string]string{}
		if cfg.APIKey != "" {
			headers[compat.AuthHeader] = compat.AuthPrefix + cfg.APIKey
		}
		for k, v := range compat.ExtraHeaders {
			headers[k] = v
		}

		url := strings.TrimRight(cfg.BaseURL, "/") + compat.CompletionsPath
		return url, headers, payload, nil
	}

	raw := func(ctx context.Context, messages []Message, params Params) (*Response, error) {
		url, headers, payload, err := buildRequest(messages, params, false)
		if err != nil {
			return nil, err
		}

		tr, err := transport.PostJSON(ctx, url, headers, payload)
		if err != nil {
			return nil, ciecore.NewCIEError("openai.Generate", "network", fmt.Errorf("%w: %v", ciecore.ErrNetwork, err))
		}

		if tr.StatusCode != http.StatusOK {
			return nil, mapOpenAIError(tr.StatusCode, tr.Body)
		}

		var or openaiResponse
		if err := json.Unmarshal(tr.Body, &or); err != nil {
			return nil, ciecore.NewCIEError("openai.Generate", "parse_error", fmt.Errorf("%w: %v", ciecore.ErrParseError, err))
		}
		if len(or.Choices) == 0 {
			return nil, ciecore.NewCIEError("openai.Generate", "parse_error", fmt.Errorf("%w: no choices in response", ciecore.ErrParseError))
		}

		return &Response{
			Content: or.Choices[0].Message.Content,
			Model:   or.Model,
			Usage: Usage{
				PromptTokens:     or.Usage.PromptTokens,
				CompletionTokens: or.Usage.CompletionTokens,
				TotalTokens:      or.Usage.TotalTokens,
			},
			Metadata: map[string]interface{}{"finish_reason": or.Choices[0].FinishReason},
		}, nil
	}

	streamRaw := func(ctx context.Context, messages []Message, params Params) (<-chan StreamChunk, error) {
		url, headers, payload, err := buildRequest(messages, params, true)
		if err != nil {
			return nil, err
		}

		body, err := transport.PostJSONStream(ctx, url, headers, payload)
		if err != nil {
			return nil, ciecore.NewCIEError("openai.GenerateStream", "network", fmt.Errorf("%w: %v", ciecore.ErrNetwork, err))
		}

		chunks := make(chan StreamChunk)
		go func() {
			defer close(chunks)
			defer body.Close()

			scanner := bufio.NewScanner(body)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				data, ok := strings.CutPrefix(line, "data:")
				if !ok {
					continue
				}
				data = strings.TrimSpace(data)
				if data == "[DONE]" {
					select {
					case chunks <- StreamChunk{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				if data == "" {
					continue
				}

				var sc openaiStreamChunk
				if err := json.Unmarshal([]byte(data), &sc); err != nil {
					continue
				}
				if len(sc.Choices) == 0 || sc.Choices[0].Delta.Content == "" {
					continue
				}

				select {
				case chunks <- StreamChunk{Content: sc.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}()

		return chunks, nil
	}

	return NewBaseCaller(raw, cfg, scope, logger).WithStream(streamRaw)
}

func mapOpenAIError(status int, body []byte) error {
	var errResp openaiErrorResponse
	_ = json.Unmarshal(body, &errResp)

	switch {
	case status == http.StatusTooManyRequests:
		return ciecore.NewCIEError("openai.Generate", "rate_limited", ciecore.ErrRateLimited)
	case status == http.StatusRequestTimeout:
		return ciecore.NewCIEError("openai.Generate", "timeout", ciecore.ErrTimeout)
	case status >= 500:
		return ciecore.NewCIEError("openai.Generate", "server_error", ciecore.ErrServer)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ciecore.NewCIEError("openai.Generate", "bad_request", fmt.Errorf("%w: %s", ciecore.ErrBadRequest, errResp.Error.Message))
	default:
		return ciecore.NewCIEError("openai.Generate", "upstream_unavailable", fmt.Errorf("%w: status %d: %s", ciecore.ErrUpstreamUnavailable, status, errResp.Error.Message))
	}
}
