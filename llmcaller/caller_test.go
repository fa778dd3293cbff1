package llmcaller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/owlthread/cie/ciecore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.DefaultModel = "test-model"
	cfg.BaseBackoffMs = 1
	return cfg
}

func TestBaseCaller_Generate_CachesIdenticalRequests(t *testing.T) {
	var calls int32
	raw := func(ctx context.Context, messages []Message, params Params) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		return &Response{Content: "hello", Model: params.Model}, nil
	}
	c := NewBaseCaller(raw, testConfig(), "test", nil)

	msgs := []Message{{Role: RoleUser, Content: "hi"}}
	resp1, err := c.Generate(context.Background(), msgs, Params{})
	require.NoError(t, err)
	resp2, err := c.Generate(context.Background(), msgs, Params{})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp1.Content)
	assert.Equal(t, "hello", resp2.Content)
	assert.Equal(t, true, resp2.Metadata["cache_hit"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBaseCaller_Generate_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	raw := func(ctx context.Context, messages []Message, params Params) (*Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Response{Content: "result"}, nil
	}
	c := NewBaseCaller(raw, testConfig(), "test", nil)
	msgs := []Message{{Role: RoleUser, Content: "same request"}}

	var wg sync.WaitGroup
	results := make([]*Response, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := c.Generate(context.Background(), msgs, Params{})
			require.NoError(t, err)
			results[idx] = resp
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "result", r.Content)
	}
}

func TestBaseCaller_Generate_RejectsEmptyMessages(t *testing.T) {
	c := NewBaseCaller(func(ctx context.Context, messages []Message, params Params) (*Response, error) {
		return &Response{}, nil
	}, testConfig(), "test", nil)

	_, err := c.Generate(context.Background(), nil, Params{})
	require.Error(t, err)
}

func TestBaseCaller_Generate_RetriesTransientFailures(t *testing.T) {
	var calls int32
	raw := func(ctx context.Context, messages []Message, params Params) (*Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, ciecore.ErrUpstreamUnavailable
		}
		return &Response{Content: "eventually ok"}, nil
	}
	c := NewBaseCaller(raw, testConfig(), "test", nil)
	resp, err := c.Generate(context.Background(), []Message{{Role: RoleUser, Content: "retry me"}}, Params{})
	require.NoError(t, err)
	assert.Equal(t, "eventually ok", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
