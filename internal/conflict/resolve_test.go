package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/domain"
)

func TestResolve_LastWriteWins(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `{"x":1}`),
		OriginalTimestamp: 1000,
		IncomingValue:     mustValue(t, `{"x":2}`),
		IncomingTimestamp: 2000,
	}
	r := Resolve(domain.StrategyLastWriteWins, p, time.Now())
	assert.True(t, r.Value.Equal(mustValue(t, `{"x":2}`)))
	assert.Equal(t, 0.8, r.Confidence)
	assert.False(t, r.NeedsManualResolution)
}

func TestResolve_LastWriteWinsNewerExistingWins(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `{"x":1}`),
		OriginalTimestamp: 5000,
		IncomingValue:     mustValue(t, `{"x":2}`),
		IncomingTimestamp: 2000,
	}
	r := Resolve(domain.StrategyLastWriteWins, p, time.Now())
	assert.True(t, r.Value.Equal(mustValue(t, `{"x":1}`)))
}

func TestResolve_FirstWriteWinsOlderExistingWins(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `{"x":1}`),
		OriginalTimestamp: 1000,
		IncomingValue:     mustValue(t, `{"x":2}`),
		IncomingTimestamp: 2000,
	}
	r := Resolve(domain.StrategyFirstWriteWins, p, time.Now())
	assert.True(t, r.Value.Equal(mustValue(t, `{"x":1}`)))
	assert.Equal(t, 0.7, r.Confidence)
}

func TestResolve_FirstWriteWinsTieFavorsExisting(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `{"x":1}`),
		OriginalTimestamp: 1000,
		IncomingValue:     mustValue(t, `{"x":2}`),
		IncomingTimestamp: 1000,
	}
	r := Resolve(domain.StrategyFirstWriteWins, p, time.Now())
	assert.True(t, r.Value.Equal(mustValue(t, `{"x":1}`)))
}

func TestResolve_FirstWriteWinsNewerExistingLoses(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `{"x":1}`),
		OriginalTimestamp: 5000,
		IncomingValue:     mustValue(t, `{"x":2}`),
		IncomingTimestamp: 2000,
	}
	r := Resolve(domain.StrategyFirstWriteWins, p, time.Now())
	assert.True(t, r.Value.Equal(mustValue(t, `{"x":2}`)))
}

func TestResolve_MergeObjectsDeepMergesWithIncomingOverride(t *testing.T) {
	p := Pair{
		OriginalValue: mustValue(t, `{"a":1,"b":{"x":1,"y":2}}`),
		IncomingValue: mustValue(t, `{"b":{"y":9,"z":3},"c":4}`),
	}
	r := Resolve(domain.StrategyMerge, p, time.Now())

	obj, ok := r.Value.AsObject()
	require.True(t, ok)
	assert.EqualValues(t, 1, obj["a"])
	assert.EqualValues(t, 4, obj["c"])
	nested, ok := obj["b"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, nested["x"])
	assert.EqualValues(t, 9, nested["y"])
	assert.EqualValues(t, 3, nested["z"])
	assert.Equal(t, 0.6, r.Confidence)
}

func TestResolve_MergeArraysUnionPreservesFirstAppearanceOrder(t *testing.T) {
	p := Pair{
		OriginalValue: mustValue(t, `[1,2,3]`),
		IncomingValue: mustValue(t, `[3,4,5]`),
	}
	r := Resolve(domain.StrategyMerge, p, time.Now())

	arr, ok := r.Value.AsArray()
	require.True(t, ok)
	require.Len(t, arr, 5)
	assert.EqualValues(t, 1, arr[0])
	assert.EqualValues(t, 2, arr[1])
	assert.EqualValues(t, 3, arr[2])
	assert.EqualValues(t, 4, arr[3])
	assert.EqualValues(t, 5, arr[4])
	assert.Equal(t, 0.7, r.Confidence)
}

func TestResolve_MergeFallsBackToLastWriteWinsForScalars(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `1`),
		OriginalTimestamp: 1000,
		IncomingValue:     mustValue(t, `2`),
		IncomingTimestamp: 2000,
	}
	r := Resolve(domain.StrategyMerge, p, time.Now())
	assert.True(t, r.Value.Equal(mustValue(t, `2`)))
	assert.Equal(t, "merge fallback", r.Reason)
	assert.Equal(t, domain.StrategyMerge, r.Strategy)
}

func TestResolve_ManualReturnsEnvelopeAndNeedsResolution(t *testing.T) {
	p := Pair{
		OriginalValue:     mustValue(t, `{"x":1}`),
		OriginalTimestamp: 1000,
		IncomingValue:     mustValue(t, `{"x":2}`),
		IncomingTimestamp: 2000,
	}
	r := Resolve(domain.StrategyManual, p, time.Now())
	assert.True(t, r.NeedsManualResolution)
	assert.Equal(t, 0.0, r.Confidence)

	obj, ok := r.Value.AsObject()
	require.True(t, ok)
	assert.Contains(t, obj, "original")
	assert.Contains(t, obj, "incoming")
}

func TestResolve_AIAssistedRaisesConfidenceOverMerge(t *testing.T) {
	p := Pair{
		OriginalValue: mustValue(t, `{"a":1}`),
		IncomingValue: mustValue(t, `{"b":2}`),
	}
	r := Resolve(domain.StrategyAIAssisted, p, time.Now())
	assert.Equal(t, 0.8, r.Confidence) // merge object confidence 0.6 + 0.2
	assert.Equal(t, domain.StrategyAIAssisted, r.Strategy)
}

func TestResolve_AIAssistedArrayMergeConfidenceStaysUnderCap(t *testing.T) {
	p := Pair{
		OriginalValue: mustValue(t, `[1,2]`),
		IncomingValue: mustValue(t, `[2,3]`),
	}
	r := Resolve(domain.StrategyAIAssisted, p, time.Now())
	assert.InDelta(t, 0.9, r.Confidence, 0.001) // array merge confidence 0.7 + 0.2
}

func TestMergeMetadata_AddsMergedAtAndOverridesOnCollision(t *testing.T) {
	original := mustValue(t, `{"source":"a","tag":"old"}`)
	incoming := mustValue(t, `{"tag":"new"}`)

	merged := mergeMetadata(original, incoming, time.Now())
	obj, ok := merged.AsObject()
	require.True(t, ok)
	assert.Equal(t, "a", obj["source"])
	assert.Equal(t, "new", obj["tag"])
	assert.Contains(t, obj, "mergedAt")
}
