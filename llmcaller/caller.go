package llmcaller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/owlthread/cie/ciecache"
	"github.com/owlthread/cie/ciecore"
	"golang.org/x/time/rate"
)

// RawGenerate is a provider's bare network call — no retry, rate limiting,
// caching or coalescing. BaseCaller wraps one of these into a full Caller.
type RawGenerate func(ctx context.Context, messages []Message, params Params) (*Response, error)

// RawGenerateStream is a provider's bare streaming network call. Not every
// provider adapter supplies one; a BaseCaller built without a RawGenerateStream
// reports GenerateStream as unsupported rather than faking chunks.
type RawGenerateStream func(ctx context.Context, messages []Message, params Params) (<-chan StreamChunk, error)

// Config is the closed set of options from spec.md §4.3.
type Config struct {
	APIKey           string
	BaseURL          string
	DefaultModel     string
	MaxRetries       int
	BaseBackoffMs    int
	RequestTimeoutMs int
	CacheEnabled     bool
	CacheCapacity    int
	CacheTTLMs       int
	// RequestsPerSecond/Burst configure client-side rate limiting (domain
	// stack addition, SPEC_FULL.md §4.3). Zero RequestsPerSecond disables
	// limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the closed-set defaults spec.md §4.3 fixes.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseBackoffMs:    200,
		RequestTimeoutMs: 60000,
		CacheEnabled:     true,
		CacheCapacity:    1024,
		CacheTTLMs:       600000,
	}
}

// BaseCaller implements Caller around a RawGenerate: client-side rate
// limiting, retry with exponential backoff, response caching and inflight
// coalescing keyed on the canonicalized request.
type BaseCaller struct {
	raw       RawGenerate
	streamRaw RawGenerateStream
	cfg       Config
	retry     RetryConfig
	limiter   *rate.Limiter
	cache     *ciecache.Cache[*Response]
	coalesc   *ciecache.Coalescer[*Response]
	hasher    ciecore.Hasher
	logger    ciecore.Logger
	scope     string
}

// WithStream attaches a streaming raw generator, enabling GenerateStream.
// Provider adapters that speak SSE call this after NewBaseCaller; callers
// that never wire a RawGenerateStream get ErrInternal from GenerateStream.
func (c *BaseCaller) WithStream(fn RawGenerateStream) *BaseCaller {
	c.streamRaw = fn
	return c
}

// NewBaseCaller builds a BaseCaller. scope partitions the cache/coalescer
// from other callers sharing process-wide infrastructure (spec.md
// fingerprint_scope_key equivalent).
func NewBaseCaller(raw RawGenerate, cfg Config, scope string, logger ciecore.Logger) *BaseCaller {
	if logger == nil {
		logger = ciecore.NoOpLogger{}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	var cache *ciecache.Cache[*Response]
	if cfg.CacheEnabled {
		cache = ciecache.New[*Response](cfg.CacheCapacity, time.Duration(cfg.CacheTTLMs)*time.Millisecond, ciecache.WithLogger[*Response](logger), ciecache.WithScope[*Response](scope))
	}

	return &BaseCaller{
		raw:     raw,
		cfg:     cfg,
		retry:   RetryConfig{MaxRetries: cfg.MaxRetries, BaseBackoff: time.Duration(cfg.BaseBackoffMs) * time.Millisecond},
		limiter: limiter,
		cache:   cache,
		coalesc: ciecache.NewCoalescer[*Response](),
		hasher:  ciecore.NewCanonicalHasher(),
		logger:  logger,
		scope:   scope,
	}
}

// requestKey is the canonical serialization spec.md §3 fixes for
// fingerprinting: messages + model + temperature + max_tokens, sorted keys,
// no whitespace (handled by ciecore.CanonicalHasher).
type requestKey struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

func (c *BaseCaller) fingerprint(messages []Message, params Params) (ciecore.Fingerprint, error) {
	model := params.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	return c.hasher.Fingerprint(requestKey{
		Messages:    messages,
		Model:       model,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}, c.scope)
}

// Generate implements Caller. It is the entry point spec.md §4.3 describes:
// cache lookup, then coalesced, rate-limited, retried invocation of the
// underlying provider.
func (c *BaseCaller) Generate(ctx context.Context, messages []Message, params Params) (*Response, error) {
	if len(messages) == 0 {
		return nil, ciecore.NewCIEError("llmcaller.Generate", "bad_request", ciecore.ErrBadRequest)
	}
	if c.cfg.APIKey == "" {
		return nil, ciecore.NewCIEError("llmcaller.Generate", "config", ciecore.ErrConfig)
	}

	fp, err := c.fingerprint(messages, params)
	if err != nil {
		return nil, fmt.Errorf("llmcaller: fingerprint request: %w", err)
	}

	if c.cache != nil {
		if entry, ok := c.cache.Get(fp); ok {
			ciecore.EmitCounter("llm.request.cache_hits")
			cloned := *entry.Value
			if cloned.Metadata == nil {
				cloned.Metadata = map[string]interface{}{}
			}
			cloned.Metadata["cache_hit"] = true
			return &cloned, nil
		}
	}

	resp, _, err := c.coalesc.Join(ctx, fp, func(flightCtx context.Context) (*Response, error) {
		return c.doGenerate(flightCtx, messages, params)
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Put(fp, resp)
	}
	return resp, nil
}

func (c *BaseCaller) doGenerate(ctx context.Context, messages []Message, params Params) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ciecore.NewCIEError("llmcaller.Generate", "rate_limited", ciecore.ErrRateLimited)
		}
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.RequestTimeoutMs > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.RequestTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	var resp *Response
	attempts, err := retryWithBackoff(reqCtx, c.retry, func() error {
		var callErr error
		resp, callErr = c.raw(reqCtx, messages, params)
		return callErr
	})

	ciecore.EmitHistogram("llm.request.latency_ms", float64(time.Since(start).Milliseconds()))
	ciecore.EmitHistogram("llm.request.retries", float64(attempts-1))

	if err != nil {
		c.logger.Warn("llm request failed", map[string]interface{}{"attempts": attempts, "error": err.Error()})
		return nil, err
	}

	if resp.Metadata == nil {
		resp.Metadata = map[string]interface{}{}
	}
	resp.Metadata["attempts"] = attempts
	resp.Metadata["request_id"] = uuid.NewString()
	return resp, nil
}

// GenerateStream implements Caller. Streaming calls bypass the cache and
// coalescer entirely (spec.md §9 Open Question, resolved: streams are never
// cached) but still go through rate limiting.
func (c *BaseCaller) GenerateStream(ctx context.Context, messages []Message, params Params) (<-chan StreamChunk, error) {
	if len(messages) == 0 {
		return nil, ciecore.NewCIEError("llmcaller.GenerateStream", "bad_request", ciecore.ErrBadRequest)
	}
	if c.streamRaw == nil {
		return nil, ciecore.NewCIEError("llmcaller.GenerateStream", "internal", fmt.Errorf("streaming not wired for this provider: %w", ciecore.ErrInternal))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ciecore.NewCIEError("llmcaller.GenerateStream", "rate_limited", ciecore.ErrRateLimited)
		}
	}
	return c.streamRaw(ctx, messages, params)
}

var _ Caller = (*BaseCaller)(nil)
