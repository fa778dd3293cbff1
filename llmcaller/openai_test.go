package llmcaller

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/owlthread/cie/ciecore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	resp       *TransportResponse
	err        error
	streamBody string
	streamErr  error
}

func (f *fakeTransport) PostJSON(ctx context.Context, url string, headers map[string]string, body []byte) (*TransportResponse, error) {
	return f.resp, f.err
}

func (f *fakeTransport) PostJSONStream(ctx context.Context, url string, headers map[string]string, body []byte) (io.ReadCloser, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return io.NopCloser(strings.NewReader(f.streamBody)), nil
}

func TestOpenAICompatibleCaller_Generate_ParsesResponse(t *testing.T) {
	transport := &fakeTransport{resp: &TransportResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"model":"gpt-test","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`),
	}}
	cfg := DefaultConfig()
	cfg.APIKey = "key"
	cfg.BaseURL = "https://example.invalid"

	caller := NewOpenAICompatibleCaller(transport, cfg, OpenAICompatConfig{}, "test", ciecore.NoOpLogger{})

	resp, err := caller.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}

func TestOpenAICompatibleCaller_Generate_MapsRateLimitError(t *testing.T) {
	transport := &fakeTransport{resp: &TransportResponse{StatusCode: http.StatusTooManyRequests, Body: []byte(`{}`)}}
	cfg := DefaultConfig()
	cfg.APIKey = "key"
	cfg.BaseURL = "https://example.invalid"

	caller := NewOpenAICompatibleCaller(transport, cfg, OpenAICompatConfig{}, "test", ciecore.NoOpLogger{})

	_, err := caller.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ciecore.ErrRateLimited)
}

func TestOpenAICompatibleCaller_GenerateStream_EmitsChunksThenDone(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	transport := &fakeTransport{streamBody: sse}
	cfg := DefaultConfig()
	cfg.APIKey = "key"
	cfg.BaseURL = "https://example.invalid"
	cfg.RequestsPerSecond = 0

	caller := NewOpenAICompatibleCaller(transport, cfg, OpenAICompatConfig{}, "test", ciecore.NoOpLogger{})

	chunks, err := caller.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Params{})
	require.NoError(t, err)

	var text strings.Builder
	var done bool
	for c := range chunks {
		if c.Done {
			done = true
			continue
		}
		text.WriteString(c.Content)
	}
	assert.True(t, done)
	assert.Equal(t, "hello", text.String())
}

func TestOpenAICompatibleCaller_GenerateStream_RejectsEmptyMessages(t *testing.T) {
	transport := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.APIKey = "key"

	caller := NewOpenAICompatibleCaller(transport, cfg, OpenAICompatConfig{}, "test", ciecore.NoOpLogger{})

	_, err := caller.GenerateStream(context.Background(), nil, Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ciecore.ErrBadRequest)
}
