package cascade

import "github.com/owlthread/cie/ciecore"

// Metric names fixed for test assertions (spec.md §6). The cascade package
// emits exactly these, through the weakly-coupled
// ciecore.EmitCounter/EmitHistogram helpers; an Engine's ciecache.Cache
// additionally emits its own cie.cache.hits/misses/evictions counters.
const (
	metricInferCalls           = "cie.infer.calls"
	metricInferCacheHits       = "cie.infer.cache_hits"
	metricInferCoalescedJoins  = "cie.infer.coalesced_joins"
	metricInferThresholdShortcut = "cie.infer.threshold_shortcut"
	metricLevelLatencyMs       = "cie.level.latency_ms"
	metricLevelFailures        = "cie.level.failures"
)

func emitInferCalls() {
	ciecore.EmitCounter(metricInferCalls)
}

func emitInferCacheHits() {
	ciecore.EmitCounter(metricInferCacheHits)
}

func emitInferCoalescedJoins() {
	ciecore.EmitCounter(metricInferCoalescedJoins)
}

func emitThresholdShortcut(levelID string) {
	ciecore.EmitCounter(metricInferThresholdShortcut, "level_id", levelID)
}

func emitLevelLatency(levelID string, ms float64) {
	ciecore.EmitHistogram(metricLevelLatencyMs, ms, "level_id", levelID)
}

func emitLevelFailure(levelID string, kind FailureKind) {
	ciecore.EmitCounter(metricLevelFailures, "level_id", levelID, "kind", string(kind))
}
