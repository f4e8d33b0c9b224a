package conflict

import (
	"encoding/json"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

// Pair is the two sides of a conflicting write, plus their metadata and
// wire timestamps, as resolve needs to compare and merge them.
type Pair struct {
	OriginalValue     jsonvalue.Value
	OriginalMetadata  jsonvalue.Value
	OriginalTimestamp int64
	IncomingValue     jsonvalue.Value
	IncomingMetadata  jsonvalue.Value
	IncomingTimestamp int64
	AIModel           string
}

// Resolve applies strategy to p and returns the resolution to store.
func Resolve(strategy domain.ResolutionStrategy, p Pair, now time.Time) domain.Resolution {
	switch strategy {
	case domain.StrategyFirstWriteWins:
		return resolveFirstWriteWins(p, now)
	case domain.StrategyMerge:
		return resolveMerge(p, now)
	case domain.StrategyManual:
		return resolveManual(p, now)
	case domain.StrategyAIAssisted:
		return resolveAIAssisted(p, now)
	default:
		return resolveLastWriteWins(p, now)
	}
}

func resolveLastWriteWins(p Pair, now time.Time) domain.Resolution {
	value := p.IncomingValue
	if p.OriginalTimestamp > p.IncomingTimestamp {
		value = p.OriginalValue
	}
	return domain.Resolution{
		Value:      value,
		Metadata:   mergeMetadata(p.OriginalMetadata, p.IncomingMetadata, now),
		Confidence: 0.8,
		Strategy:   domain.StrategyLastWriteWins,
		Reason:     "newer write wins; ties favor the incoming update",
	}
}

func resolveFirstWriteWins(p Pair, now time.Time) domain.Resolution {
	value := p.OriginalValue
	if p.OriginalTimestamp > p.IncomingTimestamp {
		value = p.IncomingValue
	}
	return domain.Resolution{
		Value:      value,
		Metadata:   mergeMetadata(p.OriginalMetadata, p.IncomingMetadata, now),
		Confidence: 0.7,
		Strategy:   domain.StrategyFirstWriteWins,
		Reason:     "older-or-equal existing value wins",
	}
}

func resolveMerge(p Pair, now time.Time) domain.Resolution {
	if obj1, ok1 := p.OriginalValue.AsObject(); ok1 {
		if obj2, ok2 := p.IncomingValue.AsObject(); ok2 {
			merged := deepMergeObjects(obj1, obj2)
			value, err := jsonvalue.FromAny(merged)
			if err == nil {
				return domain.Resolution{
					Value:      value,
					Metadata:   mergeMetadata(p.OriginalMetadata, p.IncomingMetadata, now),
					Confidence: 0.6,
					Strategy:   domain.StrategyMerge,
					Reason:     "recursive object merge, incoming overrides at collisions",
				}
			}
		}
	}

	if arr1, ok1 := p.OriginalValue.AsArray(); ok1 {
		if arr2, ok2 := p.IncomingValue.AsArray(); ok2 {
			union := arrayUnion(arr1, arr2)
			value, err := jsonvalue.FromAny(union)
			if err == nil {
				return domain.Resolution{
					Value:      value,
					Metadata:   mergeMetadata(p.OriginalMetadata, p.IncomingMetadata, now),
					Confidence: 0.7,
					Strategy:   domain.StrategyMerge,
					Reason:     "set-union preserving order of first appearance",
				}
			}
		}
	}

	fallback := resolveLastWriteWins(p, now)
	fallback.Strategy = domain.StrategyMerge
	fallback.Reason = "merge fallback"
	return fallback
}

func resolveManual(p Pair, now time.Time) domain.Resolution {
	envelope := map[string]interface{}{
		"original": map[string]interface{}{
			"value":     json.RawMessage(p.OriginalValue.Bytes()),
			"timestamp": p.OriginalTimestamp,
		},
		"incoming": map[string]interface{}{
			"value":     json.RawMessage(p.IncomingValue.Bytes()),
			"timestamp": p.IncomingTimestamp,
		},
	}
	value, _ := jsonvalue.FromAny(envelope)

	return domain.Resolution{
		Value:                 value,
		Metadata:              mergeMetadata(p.OriginalMetadata, p.IncomingMetadata, now),
		Confidence:            0,
		Strategy:              domain.StrategyManual,
		Reason:                "manual resolution required",
		NeedsManualResolution: true,
	}
}

func resolveAIAssisted(p Pair, now time.Time) domain.Resolution {
	base := resolveMerge(p, now)
	confidence := base.Confidence + 0.2
	if confidence > 0.95 {
		confidence = 0.95
	}
	return domain.Resolution{
		Value:      base.Value,
		Metadata:   base.Metadata,
		Confidence: confidence,
		Strategy:   domain.StrategyAIAssisted,
		Reason:     "ai-assisted resolution (merge with elevated confidence)",
	}
}

// mergeMetadata entry-wise merges existing and incoming metadata, with
// incoming entries overriding at collisions, adding a mergedAt timestamp.
func mergeMetadata(original, incoming jsonvalue.Value, now time.Time) jsonvalue.Value {
	merged := map[string]interface{}{}
	if obj, ok := original.AsObject(); ok {
		for k, v := range obj {
			merged[k] = v
		}
	}
	if obj, ok := incoming.AsObject(); ok {
		for k, v := range obj {
			merged[k] = v
		}
	}
	merged["mergedAt"] = now.UnixMilli()

	value, err := jsonvalue.FromAny(merged)
	if err != nil {
		return jsonvalue.Null
	}
	return value
}

// deepMergeObjects recursively merges b into a, b's values winning on
// collision unless both sides hold nested objects, in which case the merge
// recurses.
func deepMergeObjects(a, b map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, bv := range b {
		if av, ok := merged[k]; ok {
			aObj, aIsObj := av.(map[string]interface{})
			bObj, bIsObj := bv.(map[string]interface{})
			if aIsObj && bIsObj {
				merged[k] = deepMergeObjects(aObj, bObj)
				continue
			}
		}
		merged[k] = bv
	}
	return merged
}

// arrayUnion returns the union of a and b, preserving the order of first
// appearance and deduping by canonical JSON encoding.
func arrayUnion(a, b []interface{}) []interface{} {
	seen := make(map[string]bool, len(a)+len(b))
	union := make([]interface{}, 0, len(a)+len(b))

	for _, elems := range [][]interface{}{a, b} {
		for _, v := range elems {
			key, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			union = append(union, v)
		}
	}
	return union
}
