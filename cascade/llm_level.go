package cascade

import (
	"context"
	"errors"
	"time"

	"github.com/owlthread/cie/ciecore"
	"github.com/owlthread/cie/llmcaller"
)

// PromptBuilder renders a Level's input (plus the running cascade context)
// into the chat messages and generation Params sent to the LLM Caller.
type PromptBuilder[I any] func(input I, ctx context.Context) ([]llmcaller.Message, llmcaller.Params)

// ResponseParser extracts a typed payload and confidence out of a raw LLM
// response. A non-nil error here always becomes FailureParseError — the
// request itself succeeded, but the model's answer could not be understood
// (spec.md §4.2).
type ResponseParser[P any] func(resp *llmcaller.Response) (P, float64, error)

// LLMLevel is the built-in Level adapter around an llmcaller.Caller
// (spec.md §4.2): render a prompt, call the model, parse the answer.
type LLMLevel[I any, P any] struct {
	id      string
	caller  llmcaller.Caller
	build   PromptBuilder[I]
	parse   ResponseParser[P]
	skip    SkipPredicate[I]
	timeout time.Duration
}

// LLMLevelOption configures an LLMLevel.
type LLMLevelOption[I any, P any] func(*LLMLevel[I, P])

// WithLLMSkip attaches a SkipPredicate.
func WithLLMSkip[I any, P any](skip SkipPredicate[I]) LLMLevelOption[I, P] {
	return func(l *LLMLevel[I, P]) { l.skip = skip }
}

// WithLLMTimeout gives the Engine a per-invocation deadline to enforce for
// this level (spec.md §4.2's TimeoutLevel contract).
func WithLLMTimeout[I any, P any](timeout time.Duration) LLMLevelOption[I, P] {
	return func(l *LLMLevel[I, P]) { l.timeout = timeout }
}

// NewLLMLevel constructs an LLMLevel of kind llm.
func NewLLMLevel[I any, P any](id string, caller llmcaller.Caller, build PromptBuilder[I], parse ResponseParser[P], opts ...LLMLevelOption[I, P]) *LLMLevel[I, P] {
	l := &LLMLevel[I, P]{id: id, caller: caller, build: build, parse: parse}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LLMLevel[I, P]) ID() string     { return l.id }
func (l *LLMLevel[I, P]) Kind() LevelKind { return KindLLM }

func (l *LLMLevel[I, P]) ShouldSkip(input I, ctx context.Context) bool {
	return l.skip != nil && l.skip(input, ctx)
}

func (l *LLMLevel[I, P]) Timeout() time.Duration { return l.timeout }

// Infer calls the LLM Caller and parses its response. A Caller error is
// returned as a Failure whose kind translateCallerError derives from the
// error's sentinel (network, server and rate-limit errors become
// FailureUpstreamUnavailable); a parse failure becomes FailureParseError
// (spec.md §4.2). Infer itself never returns a non-nil error.
func (l *LLMLevel[I, P]) Infer(ctx context.Context, input I) (Outcome[P], error) {
	messages, params := l.build(input, ctx)

	resp, err := l.caller.Generate(ctx, messages, params)
	if err != nil {
		return Fail[P](translateCallerError(err)), nil
	}

	payload, confidence, err := l.parse(resp)
	if err != nil {
		return Fail[P](NewFailure(FailureParseError, err)), nil
	}

	result := clampConfidence(Result[P]{
		Payload:    payload,
		Confidence: confidence,
		ProducedBy: l.id,
		LevelKind:  KindLLM,
		Metadata:   map[string]interface{}{},
	})
	return Ok(result), nil
}

// translateCallerError maps the LLM Caller's sentinel errors onto the
// cascade's own FailureKind taxonomy so the Engine's fallback policy logic
// (strict/best_effort/last_level_mandatory) never needs to know about
// llmcaller at all.
func translateCallerError(err error) *Failure {
	switch {
	case errors.Is(err, ciecore.ErrTimeout):
		return NewFailure(FailureTimeout, err)
	case errors.Is(err, ciecore.ErrInvalidInput):
		return NewFailure(FailureInvalidInput, err)
	case errors.Is(err, ciecore.ErrBadRequest):
		// A provider 4xx (bad API key, malformed request to that provider)
		// is the LLM level's own problem, not the cascade input's — it must
		// stay recoverable so the cascade can fall through to the next
		// level instead of aborting outright.
		return NewFailure(FailureInternal, err)
	case errors.Is(err, ciecore.ErrQuotaExhausted):
		return NewFailure(FailureQuotaExhausted, err)
	case errors.Is(err, ciecore.ErrNetwork), errors.Is(err, ciecore.ErrServer),
		errors.Is(err, ciecore.ErrRateLimited), errors.Is(err, ciecore.ErrUpstreamUnavailable):
		return NewFailure(FailureUpstreamUnavailable, err)
	default:
		return NewFailure(FailureInternal, err)
	}
}

var _ Level[any, any] = (*LLMLevel[any, any])(nil)
var _ SkippableLevel[any] = (*LLMLevel[any, any])(nil)
var _ TimeoutLevel = (*LLMLevel[any, any])(nil)
