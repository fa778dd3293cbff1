package cascade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var assertErr = errors.New("upstream down")

// recordingLevel tracks invocation order and count for ordering/short-circuit
// invariant tests.
type recordingLevel struct {
	id         string
	confidence float64
	payload    string
	calls      int32
	invokedAt  func()
	failure    *Failure
	block      <-chan struct{}
}

func (l *recordingLevel) ID() string     { return l.id }
func (l *recordingLevel) Kind() LevelKind { return KindCustom }

func (l *recordingLevel) Infer(ctx context.Context, input string) (Outcome[string], error) {
	atomic.AddInt32(&l.calls, 1)
	if l.invokedAt != nil {
		l.invokedAt()
	}
	if l.block != nil {
		<-l.block
	}
	if l.failure != nil {
		return Fail[string](l.failure), nil
	}
	return Ok(Result[string]{Payload: l.payload, Confidence: l.confidence}), nil
}

func (l *recordingLevel) callCount() int { return int(atomic.LoadInt32(&l.calls)) }

func TestEngine_Infer_RuleHitsShortCircuitsLLM(t *testing.T) {
	// S1
	rule := &recordingLevel{id: "rule_1", confidence: 0.9, payload: "positive"}
	llm := &recordingLevel{id: "llm_1", confidence: 0.5, payload: "fallback"}

	e, err := New[string, string]([]Level[string, string]{rule, llm}, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	result, err := e.Infer(context.Background(), "今天心情很好")
	require.NoError(t, err)
	assert.Equal(t, "positive", result.Payload)
	assert.Equal(t, 0.9, result.Confidence)
	assert.Equal(t, "rule_1", result.ProducedBy)
	assert.Equal(t, 0, llm.callCount())
	assert.Equal(t, 1, rule.callCount())
}

func TestEngine_Infer_CascadesToSecondLevel(t *testing.T) {
	// S2
	rule := &recordingLevel{id: "rule_1", confidence: 0.4, payload: "neutral"}
	llm := &recordingLevel{id: "llm_1", confidence: 0.85, payload: "ambivalent"}

	e, err := New[string, string]([]Level[string, string]{rule, llm}, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	result, err := e.Infer(context.Background(), "还行吧")
	require.NoError(t, err)
	assert.Equal(t, "ambivalent", result.Payload)
	assert.Equal(t, 0.85, result.Confidence)
	assert.Equal(t, "llm_1", result.ProducedBy)
	assert.Equal(t, 1, rule.callCount())
	assert.Equal(t, 1, llm.callCount())
}

func TestEngine_Infer_ConcurrentCallsCoalesce(t *testing.T) {
	// S3
	block := make(chan struct{})
	llm := &recordingLevel{id: "llm_1", confidence: 0.9, payload: "result", block: block}

	e, err := New[string, string]([]Level[string, string]{llm}, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Result[string], 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, err := e.Infer(context.Background(), "x")
			require.NoError(t, err)
			results[idx] = r
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.Equal(t, 1, llm.callCount())
	for _, r := range results {
		assert.Equal(t, "result", r.Payload)
	}
}

func TestEngine_Infer_CacheHitSkipsLevels(t *testing.T) {
	// S4
	rule := &recordingLevel{id: "rule_1", confidence: 0.9, payload: "positive"}

	e, err := New[string, string]([]Level[string, string]{rule}, WithThreshold[string, string](0.7), WithCache[string, string](true, 16, time.Hour))
	require.NoError(t, err)

	first, err := e.Infer(context.Background(), "y")
	require.NoError(t, err)

	second, err := e.Infer(context.Background(), "y")
	require.NoError(t, err)

	assert.Equal(t, 1, rule.callCount())
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, true, second.Metadata["cache_hit"])
}

func TestEngine_Infer_BestEffortFallbackReturnsHighestConfidence(t *testing.T) {
	// S5
	l1 := &recordingLevel{id: "level_1", confidence: 0.3, payload: "a"}
	l2 := &recordingLevel{id: "level_2", confidence: 0.55, payload: "b"}

	e, err := New[string, string]([]Level[string, string]{l1, l2}, WithThreshold[string, string](0.7), WithFallbackPolicy[string, string](PolicyBestEffort))
	require.NoError(t, err)

	result, err := e.Infer(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 0.55, result.Confidence)
	assert.Equal(t, "level_2", result.ProducedBy)
}

func TestEngine_Infer_Invariant_OrderingStrictlyAscending(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(id string) func() {
		return func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	l1 := &recordingLevel{id: "l1", confidence: 0.1, payload: "a"}
	l1.invokedAt = record("l1")
	l2 := &recordingLevel{id: "l2", confidence: 0.2, payload: "b"}
	l2.invokedAt = record("l2")
	l3 := &recordingLevel{id: "l3", confidence: 0.95, payload: "c"}
	l3.invokedAt = record("l3")

	e, err := New[string, string]([]Level[string, string]{l1, l2, l3}, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	_, err = e.Infer(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2", "l3"}, order)
}

func TestEngine_Infer_Invariant_ShortCircuitStopsLaterLevels(t *testing.T) {
	l1 := &recordingLevel{id: "l1", confidence: 0.95, payload: "a"}
	l2 := &recordingLevel{id: "l2", confidence: 0.95, payload: "b"}

	e, err := New[string, string]([]Level[string, string]{l1, l2}, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	result, err := e.Infer(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "l1", result.ProducedBy)
	assert.Equal(t, 0, l2.callCount())
}

func TestEngine_Infer_Invariant_ClampsOutOfRangeConfidence(t *testing.T) {
	l1 := &recordingLevel{id: "l1", confidence: 1.5, payload: "a"}

	e, err := New[string, string]([]Level[string, string]{l1}, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	result, err := e.Infer(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, true, result.Metadata["confidence_clamped"])
}

func TestEngine_Infer_NoLevelsConfigured(t *testing.T) {
	e, err := New[string, string](nil, WithThreshold[string, string](0.7))
	require.NoError(t, err)

	_, err = e.Infer(context.Background(), "x")
	require.Error(t, err)
}

func TestEngine_RegisterLevel_DuplicateIDFails(t *testing.T) {
	l1 := &recordingLevel{id: "dup", confidence: 0.5, payload: "a"}
	l2 := &recordingLevel{id: "dup", confidence: 0.5, payload: "b"}

	_, err := New[string, string]([]Level[string, string]{l1, l2})
	require.Error(t, err)
}

func TestEngine_RegisterLevel_AfterServingFails(t *testing.T) {
	l1 := &recordingLevel{id: "l1", confidence: 0.9, payload: "a"}
	e, err := New[string, string]([]Level[string, string]{l1})
	require.NoError(t, err)

	_, err = e.Infer(context.Background(), "x")
	require.NoError(t, err)

	l2 := &recordingLevel{id: "l2", confidence: 0.9, payload: "b"}
	err = e.RegisterLevel(l2)
	require.Error(t, err)
}

func TestEngine_Infer_StrictPolicyFailsWithoutThresholdHit(t *testing.T) {
	l1 := &recordingLevel{id: "l1", confidence: 0.3, payload: "a"}

	e, err := New[string, string]([]Level[string, string]{l1}, WithThreshold[string, string](0.7), WithFallbackPolicy[string, string](PolicyStrict))
	require.NoError(t, err)

	_, err = e.Infer(context.Background(), "x")
	require.Error(t, err)
}

func TestEngine_Infer_LastLevelMandatoryForcesInvocation(t *testing.T) {
	l1 := &recordingLevel{id: "l1", confidence: 0.1, failure: NewFailure(FailureUpstreamUnavailable, assertErr)}
	l2 := &recordingLevel{id: "l2", confidence: 0.2, payload: "final"}

	e, err := New[string, string]([]Level[string, string]{l1, l2}, WithThreshold[string, string](0.9), WithFallbackPolicy[string, string](PolicyLastLevelMandatory))
	require.NoError(t, err)

	result, err := e.Infer(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "final", result.Payload)
	assert.Equal(t, "l2", result.ProducedBy)
	assert.Equal(t, 2, l2.callCount()) // invoked in normal pass, then forced again
}
