package cascade

import (
	"context"

	"github.com/owlthread/cie/ciecore"
)

// CompositeLevel fails over across several Levels of the same kind — usually
// the same LLMLevel pointed at different providers — trying each in turn
// until one returns a Result. It is presented to the Engine as a single
// Level, so fallback policy and metrics see one stage, not N.
//
// Grounded on the failover loop in ai's ChainClient.GenerateResponse: try
// providers in order, skip on a recoverable failure, stop and propagate on
// the first unrecoverable one.
type CompositeLevel[I any, P any] struct {
	id      string
	kind    LevelKind
	members []Level[I, P]
	logger  ciecore.Logger
}

// NewCompositeLevel builds a CompositeLevel. members must be non-empty; its
// Kind is the first member's Kind (members are expected to share one).
func NewCompositeLevel[I any, P any](id string, members []Level[I, P], logger ciecore.Logger) *CompositeLevel[I, P] {
	if logger == nil {
		logger = ciecore.NoOpLogger{}
	}
	kind := KindCustom
	if len(members) > 0 {
		kind = members[0].Kind()
	}
	return &CompositeLevel[I, P]{id: id, kind: kind, members: members, logger: logger}
}

func (c *CompositeLevel[I, P]) ID() string     { return c.id }
func (c *CompositeLevel[I, P]) Kind() LevelKind { return c.kind }

// Infer tries each member in order. A member's FailureInvalidInput aborts
// the whole composite immediately — the input itself is malformed, trying a
// different provider on it cannot help (mirrors spec.md §4.2's fail-fast
// rule for invalid_input). Any other Failure moves on to the next member;
// if every member fails, the last Failure encountered is returned.
func (c *CompositeLevel[I, P]) Infer(ctx context.Context, input I) (Outcome[P], error) {
	var lastOutcome Outcome[P]
	var triedIDs []string

	for _, member := range c.members {
		if skippable, ok := member.(SkippableLevel[I]); ok && skippable.ShouldSkip(input, ctx) {
			continue
		}

		memberCtx := ctx
		var cancel context.CancelFunc
		if tl, ok := member.(TimeoutLevel); ok && tl.Timeout() > 0 {
			memberCtx, cancel = context.WithTimeout(ctx, tl.Timeout())
		}

		outcome, err := member.Infer(memberCtx, input)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return Outcome[P]{}, err
		}

		triedIDs = append(triedIDs, member.ID())

		if outcome.ResultOK {
			result := outcome.Result.WithMetadata("composite_id", c.id)
			result = result.WithMetadata("composite_attempts", append([]string{}, triedIDs...))
			return Ok(result), nil
		}
		if outcome.Skipped {
			continue
		}
		if outcome.Failure != nil {
			c.logger.Debug("composite member failed, trying next", map[string]interface{}{
				"composite": c.id, "member": member.ID(), "failure_kind": string(outcome.Failure.Kind),
			})
			lastOutcome = outcome
			if outcome.Failure.Kind == FailureInvalidInput {
				return outcome, nil
			}
			continue
		}
	}

	if lastOutcome.Failure != nil {
		return lastOutcome, nil
	}
	return Skip[P](), nil
}

var _ Level[any, any] = (*CompositeLevel[any, any])(nil)
