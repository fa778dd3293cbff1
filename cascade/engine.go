package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/owlthread/cie/ciecache"
	"github.com/owlthread/cie/ciecore"
)

// FallbackPolicy governs what the Engine returns when no Level meets the
// confidence threshold (spec.md §4.1).
type FallbackPolicy string

const (
	// PolicyStrict fails with AllLevelsFailed whenever no Level meets
	// threshold, even if lower-confidence Results exist — "strict" means
	// the Engine only ever returns a Result it actually trusts.
	PolicyStrict FallbackPolicy = "strict"
	// PolicyBestEffort returns the highest-confidence Result seen, even
	// below threshold; only fails if literally no Level produced one.
	PolicyBestEffort FallbackPolicy = "best_effort"
	// PolicyLastLevelMandatory forces an unconditional invocation of the
	// final registered Level when no earlier one met threshold.
	PolicyLastLevelMandatory FallbackPolicy = "last_level_mandatory"
)

// Option configures an Engine at construction.
type Option[I any, P any] func(*Engine[I, P])

// WithThreshold sets the confidence threshold in (0,1]. Default 0.7.
func WithThreshold[I any, P any](threshold float64) Option[I, P] {
	return func(e *Engine[I, P]) { e.threshold = threshold }
}

// WithFallbackPolicy sets the FallbackPolicy. Default PolicyBestEffort.
func WithFallbackPolicy[I any, P any](policy FallbackPolicy) Option[I, P] {
	return func(e *Engine[I, P]) { e.policy = policy }
}

// WithCache enables or configures the Engine's Result cache. Default
// enabled, capacity 512, ttl 300000ms.
func WithCache[I any, P any](enabled bool, capacity int, ttl time.Duration) Option[I, P] {
	return func(e *Engine[I, P]) {
		e.cacheEnabled = enabled
		e.cacheCapacity = capacity
		e.cacheTTL = ttl
	}
}

// WithOverallTimeout bounds a single Infer call end to end.
func WithOverallTimeout[I any, P any](timeout time.Duration) Option[I, P] {
	return func(e *Engine[I, P]) { e.overallTimeout = timeout }
}

// WithScopeKey partitions the Engine's cache from others sharing process
// infrastructure.
func WithScopeKey[I any, P any](scope string) Option[I, P] {
	return func(e *Engine[I, P]) { e.scopeKey = scope }
}

// WithLogger attaches a Logger. Default ciecore.NoOpLogger.
func WithLogger[I any, P any](logger ciecore.Logger) Option[I, P] {
	return func(e *Engine[I, P]) { e.logger = logger }
}

// WithTelemetry attaches a Telemetry. Default ciecore.NoOpTelemetry.
func WithTelemetry[I any, P any](telemetry ciecore.Telemetry) Option[I, P] {
	return func(e *Engine[I, P]) { e.telemetry = telemetry }
}

// WithHasher overrides the fingerprint Hasher. Default ciecore.CanonicalHasher.
func WithHasher[I any, P any](hasher ciecore.Hasher) Option[I, P] {
	return func(e *Engine[I, P]) { e.hasher = hasher }
}

// Engine is the Cascade Inference Engine (spec.md §4.1): an ordered list of
// Levels, an engine-scoped Cache, a Coalescer, a confidence threshold and a
// fallback policy.
type Engine[I any, P any] struct {
	mu     sync.Mutex
	levels []Level[I, P]
	ids    map[string]struct{}
	served bool

	threshold      float64
	policy         FallbackPolicy
	cacheEnabled   bool
	cacheCapacity  int
	cacheTTL       time.Duration
	overallTimeout time.Duration
	scopeKey       string

	logger    ciecore.Logger
	telemetry ciecore.Telemetry
	hasher    ciecore.Hasher

	cache   *ciecache.Cache[Result[P]]
	coalesc *ciecache.Coalescer[Result[P]]
}

// New constructs an Engine from an initial level set (may be empty — the
// NoLevelsConfigured check happens at first Infer, not here) and options.
func New[I any, P any](levels []Level[I, P], opts ...Option[I, P]) (*Engine[I, P], error) {
	e := &Engine[I, P]{
		ids:           make(map[string]struct{}),
		threshold:     0.7,
		policy:        PolicyBestEffort,
		cacheEnabled:  true,
		cacheCapacity: 512,
		cacheTTL:      300000 * time.Millisecond,
		logger:        ciecore.NoOpLogger{},
		telemetry:     ciecore.NoOpTelemetry{},
		hasher:        ciecore.NewCanonicalHasher(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.threshold <= 0 || e.threshold > 1 {
		return nil, ciecore.NewCIEError("cascade.New", "config", fmt.Errorf("%w: confidence_threshold must be in (0,1], got %f", ciecore.ErrConfig, e.threshold))
	}

	for _, l := range levels {
		if err := e.addLevel(l); err != nil {
			return nil, err
		}
	}

	if e.cacheEnabled {
		e.cache = ciecache.New[Result[P]](e.cacheCapacity, e.cacheTTL, ciecache.WithLogger[Result[P]](e.logger), ciecache.WithScope[Result[P]](e.scopeKey))
	}
	e.coalesc = ciecache.NewCoalescer[Result[P]]()

	return e, nil
}

// RegisterLevel appends a Level to the ordering. Fails with ConfigError if
// the id collides with one already registered or if the Engine has already
// served an Infer call (spec.md §4.1 — topology is immutable after first
// use; rebuild the Engine to change it).
func (e *Engine[I, P]) RegisterLevel(level Level[I, P]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLevel(level)
}

// addLevel must be called with mu held.
func (e *Engine[I, P]) addLevel(level Level[I, P]) error {
	if e.served {
		return ciecore.NewCIEError("cascade.RegisterLevel", "config", fmt.Errorf("%w: engine has already served a request", ciecore.ErrConfig))
	}
	if _, exists := e.ids[level.ID()]; exists {
		return ciecore.NewCIEError("cascade.RegisterLevel", "config", fmt.Errorf("%w: duplicate level id %q", ciecore.ErrConfig, level.ID()))
	}
	e.ids[level.ID()] = struct{}{}
	e.levels = append(e.levels, level)
	return nil
}

// Infer is the Engine's primary entry point (spec.md §4.1): cache lookup,
// coalesced cascade traversal, fallback policy, cache insert.
func (e *Engine[I, P]) Infer(ctx context.Context, input I) (Result[P], error) {
	emitInferCalls()

	e.mu.Lock()
	if len(e.levels) == 0 {
		e.mu.Unlock()
		return Result[P]{}, ciecore.NewCIEError("cascade.Infer", "no_levels_configured", ciecore.ErrNoLevelsConfigured)
	}
	e.served = true
	levels := make([]Level[I, P], len(e.levels))
	copy(levels, e.levels)
	e.mu.Unlock()

	if e.overallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.overallTimeout)
		defer cancel()
	}

	fp, err := e.hasher.Fingerprint(input, e.scopeKey)
	if err != nil {
		return Result[P]{}, fmt.Errorf("cascade: fingerprint input: %w", err)
	}

	if e.cache != nil {
		if entry, ok := e.cache.Get(fp); ok {
			emitInferCacheHits()
			return entry.Value.WithMetadata("cache_hit", true), nil
		}
	}

	result, err, joined := e.coalesc.Join(ctx, fp, func(flightCtx context.Context) (Result[P], error) {
		return e.runCascade(flightCtx, levels, input)
	})
	if joined {
		emitInferCoalescedJoins()
	}
	if err != nil {
		return Result[P]{}, err
	}

	if e.cache != nil {
		e.cache.Put(fp, result)
	}
	return result, nil
}

// runCascade walks levels in order, honoring skip predicates, per-level
// timeouts, short-circuiting on threshold and applying the fallback policy.
func (e *Engine[I, P]) runCascade(ctx context.Context, levels []Level[I, P], input I) (Result[P], error) {
	var bestSoFar *Result[P]
	var failedLevels []string
	shortCircuited := false
	var winner Result[P]

	for _, level := range levels {
		if skippable, ok := level.(SkippableLevel[I]); ok && skippable.ShouldSkip(input, ctx) {
			continue
		}

		result, failure, err := e.invokeLevel(ctx, level, input)
		if err != nil {
			return Result[P]{}, err
		}
		if failure != nil {
			failedLevels = append(failedLevels, level.ID())
			e.logger.WarnWithContext(ctx, "level failed", map[string]interface{}{"level_id": level.ID(), "kind": string(failure.Kind)})
			if !failure.Recoverable {
				return Result[P]{}, ciecore.NewCIEError("cascade.Infer", "invalid_input", fmt.Errorf("%w: level %q: %v", ciecore.ErrInvalidInput, level.ID(), failure.Err))
			}
			continue
		}
		if result == nil {
			continue // skipped outcome
		}

		clamped := clampConfidence(*result)
		if bestSoFar == nil || clamped.Confidence > bestSoFar.Confidence {
			bestSoFar = &clamped
		}
		if clamped.Confidence >= e.threshold {
			emitThresholdShortcut(level.ID())
			winner = clamped
			shortCircuited = true
			break
		}
	}

	if shortCircuited {
		return attachFailedLevels(winner, failedLevels), nil
	}

	switch e.policy {
	case PolicyLastLevelMandatory:
		if len(levels) == 0 {
			break
		}
		last := levels[len(levels)-1]
		result, failure, err := e.invokeLevel(ctx, last, input)
		if err != nil {
			return Result[P]{}, err
		}
		if failure == nil && result != nil {
			clamped := clampConfidence(*result)
			clamped = clamped.WithMetadata("last_level_mandatory", true)
			return attachFailedLevels(clamped, failedLevels), nil
		}
		if failure != nil {
			failedLevels = append(failedLevels, last.ID())
		}
		// fall through to best-effort-style resolution using whatever was
		// seen before the mandatory attempt.
		fallthrough
	case PolicyBestEffort:
		if bestSoFar != nil {
			return attachFailedLevels(*bestSoFar, failedLevels), nil
		}
	case PolicyStrict:
		// strict never settles for a below-threshold Result, regardless of
		// whether one exists.
	}

	return Result[P]{}, ciecore.NewCIEError("cascade.Infer", "all_levels_failed", fmt.Errorf("%w: failed levels: %v", ciecore.ErrAllLevelsFailed, failedLevels))
}

// invokeLevel applies the per-level timeout (if any) and translates a raw
// Level error (distinct from an Outcome.Failure) into a fatal cascade error.
func (e *Engine[I, P]) invokeLevel(ctx context.Context, level Level[I, P], input I) (*Result[P], *Failure, error) {
	levelCtx := ctx
	var cancel context.CancelFunc
	if tl, ok := level.(TimeoutLevel); ok && tl.Timeout() > 0 {
		levelCtx, cancel = context.WithTimeout(ctx, tl.Timeout())
		defer cancel()
	}

	_, span := e.telemetry.StartSpan(levelCtx, "cascade.level.infer")
	span.SetAttribute("level_id", level.ID())
	span.SetAttribute("kind", string(level.Kind()))
	defer span.End()

	start := time.Now()
	outcome, err := level.Infer(levelCtx, input)
	emitLevelLatency(level.ID(), float64(time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, ciecore.NewCIEError("cascade.Infer", "timeout", fmt.Errorf("%w: level %q", ciecore.ErrTimeout, level.ID()))
		}
		if errors.Is(err, context.Canceled) {
			return nil, nil, ciecore.NewCIEError("cascade.Infer", "cancelled", fmt.Errorf("%w: level %q", ciecore.ErrCancelled, level.ID()))
		}
		return nil, nil, err
	}

	switch {
	case outcome.ResultOK:
		span.SetAttribute("confidence", outcome.Result.Confidence)
		r := outcome.Result
		// Provenance is always the id the Level is registered under.
		r.ProducedBy = level.ID()
		return &r, nil, nil
	case outcome.Failure != nil:
		emitLevelFailure(level.ID(), outcome.Failure.Kind)
		return nil, outcome.Failure, nil
	default: // Skipped
		return nil, nil, nil
	}
}

func attachFailedLevels[P any](r Result[P], failed []string) Result[P] {
	if len(failed) == 0 {
		return r
	}
	return r.WithMetadata("failed_levels", append([]string{}, failed...))
}
