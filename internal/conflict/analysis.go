package conflict

import (
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// Analyze maps a detection outcome to a severity/strategy recommendation.
func Analyze(d domain.Detection) domain.Analysis {
	switch d.Type {
	case domain.ConflictVersionMismatch:
		return domain.Analysis{
			Severity:            domain.SeverityHigh,
			AutoResolvable:      true,
			RecommendedStrategy: domain.StrategyMerge,
			Metadata: map[string]interface{}{
				"expectedVersion": d.VersionDiff.Expected,
				"actualVersion":   d.VersionDiff.Actual,
			},
		}

	case domain.ConflictConcurrentUpdate:
		severity := domain.SeverityHigh
		if d.TimeDeltaMS < time.Second.Milliseconds() {
			severity = domain.SeverityCritical
		}
		return domain.Analysis{
			Severity:            severity,
			AutoResolvable:      true,
			RecommendedStrategy: domain.StrategyFirstWriteWins,
			Metadata: map[string]interface{}{
				"timeDeltaMs": d.TimeDeltaMS,
			},
		}

	case domain.ConflictSchemaChange:
		return domain.Analysis{
			Severity:            domain.SeverityCritical,
			AutoResolvable:      false,
			RecommendedStrategy: domain.StrategyManual,
		}

	default:
		return domain.Analysis{
			Severity:            domain.SeverityLow,
			AutoResolvable:      true,
			RecommendedStrategy: domain.StrategyLastWriteWins,
		}
	}
}
