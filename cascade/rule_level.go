package cascade

import "context"

// RuleFunc is a pure function computing a Result directly from input. Rules
// must be bounded-time: RuleLevel never applies a timeout (spec.md §4.2).
type RuleFunc[I any, P any] func(input I, ctx context.Context) (Result[P], error)

// RuleLevel wraps a pure function as a Level of KindRule. A RuleFunc error
// maps to FailureInternal — rules are expected to be total functions over
// well-formed input; an error here signals a bug, not a transient
// condition.
type RuleLevel[I any, P any] struct {
	id   string
	rule RuleFunc[I, P]
	skip SkipPredicate[I]
}

// NewRuleLevel constructs a RuleLevel. opts may set a SkipPredicate via
// WithRuleSkip.
func NewRuleLevel[I any, P any](id string, rule RuleFunc[I, P], opts ...RuleOption[I, P]) *RuleLevel[I, P] {
	l := &RuleLevel[I, P]{id: id, rule: rule}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RuleOption configures a RuleLevel.
type RuleOption[I any, P any] func(*RuleLevel[I, P])

// WithRuleSkip attaches a SkipPredicate to a RuleLevel.
func WithRuleSkip[I any, P any](skip SkipPredicate[I]) RuleOption[I, P] {
	return func(l *RuleLevel[I, P]) { l.skip = skip }
}

func (l *RuleLevel[I, P]) ID() string     { return l.id }
func (l *RuleLevel[I, P]) Kind() LevelKind { return KindRule }

func (l *RuleLevel[I, P]) ShouldSkip(input I, ctx context.Context) bool {
	return l.skip != nil && l.skip(input, ctx)
}

func (l *RuleLevel[I, P]) Infer(ctx context.Context, input I) (Outcome[P], error) {
	result, err := l.rule(input, ctx)
	if err != nil {
		return Fail[P](NewFailure(FailureInternal, err)), nil
	}
	result.ProducedBy = l.id
	result.LevelKind = KindRule
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	return Ok(result), nil
}

var _ Level[any, any] = (*RuleLevel[any, any])(nil)
var _ SkippableLevel[any] = (*RuleLevel[any, any])(nil)
