package cascade

import (
	"context"
	"time"
)

// FailureKind classifies why a Level could not produce a Result
// (spec.md §4.2).
type FailureKind string

const (
	FailureUpstreamUnavailable FailureKind = "upstream_unavailable"
	FailureInvalidInput        FailureKind = "invalid_input"
	FailureTimeout             FailureKind = "timeout"
	FailureParseError          FailureKind = "parse_error"
	FailureQuotaExhausted      FailureKind = "quota_exhausted"
	FailureInternal            FailureKind = "internal"
)

// Failure is returned by a Level when it cannot produce a Result.
// Recoverable is always true except for FailureInvalidInput, which aborts
// the whole cascade (spec.md §4.2).
type Failure struct {
	Kind        FailureKind
	Recoverable bool
	Err         error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Kind) + ": " + f.Err.Error()
	}
	return string(f.Kind)
}

// NewFailure builds a Failure. Recoverability follows spec.md §4.2's rule:
// every kind is recoverable except invalid_input.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Recoverable: kind != FailureInvalidInput, Err: err}
}

// Outcome is what a single Level invocation produces: exactly one of Result
// (ok, ResultOK true), Skip (Skipped true and ResultOK false), or Failure.
type Outcome[P any] struct {
	Result  Result[P]
	ResultOK bool
	Skipped bool
	Failure *Failure
}

func Ok[P any](r Result[P]) Outcome[P] { return Outcome[P]{Result: r, ResultOK: true} }
func Skip[P any]() Outcome[P]          { return Outcome[P]{Skipped: true} }
func Fail[P any](f *Failure) Outcome[P] { return Outcome[P]{Failure: f} }

// SkipPredicate decides whether a Level should be bypassed for a given
// input/context pair without being invoked at all. A skipped level is
// invisible to fallback (spec.md §9 Open Question, resolved: skipped is
// not a failure).
type SkipPredicate[I any] func(input I, ctx context.Context) bool

// Level is a single inference stage (spec.md §4.2). Id must be stable and
// unique within an Engine; it is used for metrics and Result provenance.
type Level[I any, P any] interface {
	ID() string
	Kind() LevelKind
	Infer(ctx context.Context, input I) (Outcome[P], error)
}

// TimeoutLevel is implemented by Levels that want the Engine to enforce a
// per-invocation deadline; RuleLevel deliberately does not implement it
// (rules must be bounded-time, spec.md §4.2).
type TimeoutLevel interface {
	Timeout() time.Duration
}

// SkippableLevel is implemented by Levels configured with a SkipPredicate.
type SkippableLevel[I any] interface {
	ShouldSkip(input I, ctx context.Context) bool
}
