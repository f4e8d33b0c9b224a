package domain

import (
	"time"

	"github.com/syncstorage/sync-engine/internal/jsonvalue"
)

// ConflictType classifies why a write collided with existing state.
type ConflictType string

const (
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictSchemaChange     ConflictType = "schema_change"
	ConflictDataCorruption   ConflictType = "data_corruption"
)

// ConflictStatus tracks a conflict record's resolution lifecycle.
type ConflictStatus string

const (
	ConflictStatusPending   ConflictStatus = "pending"
	ConflictStatusResolved  ConflictStatus = "resolved"
	ConflictStatusEscalated ConflictStatus = "escalated"
)

// ResolutionStrategy names one of the five supported resolution algorithms.
type ResolutionStrategy string

const (
	StrategyLastWriteWins  ResolutionStrategy = "last-write-wins"
	StrategyFirstWriteWins ResolutionStrategy = "first-write-wins"
	StrategyMerge          ResolutionStrategy = "merge"
	StrategyManual         ResolutionStrategy = "manual"
	StrategyAIAssisted     ResolutionStrategy = "ai-assisted"
)

// Severity is the conflict engine's analysis-time risk rating.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictRecord is the durable audit trail for one detected conflict.
type ConflictRecord struct {
	ID               string             `json:"id"`
	ItemID           string             `json:"itemId"`
	UserID           string             `json:"userId"`
	ConflictType     ConflictType       `json:"conflictType"`
	OriginalValue    jsonvalue.Value    `json:"originalValue"`
	ConflictingValue jsonvalue.Value    `json:"conflictingValue"`
	Strategy         ResolutionStrategy `json:"strategy"`
	ResolvedValue    *jsonvalue.Value   `json:"resolvedValue,omitempty"`
	Reason           string             `json:"reason"`
	Confidence       float64            `json:"confidence"`
	Status           ConflictStatus     `json:"status"`
	CreatedAt        time.Time          `json:"createdAt"`
	ResolvedAt       *time.Time         `json:"resolvedAt,omitempty"`
	AIModel          string             `json:"aiModel,omitempty"`
	HumanReviewed    bool               `json:"humanReviewed"`
}

// IsResolved reports whether the record has already reached a terminal
// resolved state; resolve-by-id is a no-op once this is true.
func (c *ConflictRecord) IsResolved() bool {
	return c.Status == ConflictStatusResolved
}

// DetectionInput is the data the conflict engine needs to classify a write.
type DetectionInput struct {
	UserID          string
	Key             string
	NewValue        jsonvalue.Value
	NewVersion      int64
	ExpectedVersion *int64
	InstanceID      string
	Current         *Item
	Now             time.Time
}

// Detection is the outcome of running detection rules against an input; Type
// is empty when no rule matched.
type Detection struct {
	Type        ConflictType `json:"type,omitempty"`
	VersionDiff *VersionDiff `json:"versionDiff,omitempty"`
	TimeDeltaMS int64        `json:"timeDeltaMs,omitempty"`
}

// VersionDiff describes a version_mismatch conflict's full diff.
type VersionDiff struct {
	Expected int64 `json:"expected"`
	Actual   int64 `json:"actual"`
}

// Analysis maps a Detection to severity/strategy recommendations.
type Analysis struct {
	Severity            Severity               `json:"severity"`
	AutoResolvable      bool                   `json:"autoResolvable"`
	RecommendedStrategy ResolutionStrategy     `json:"recommendedStrategy"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// Resolution is the output of applying a strategy to a conflicting pair.
type Resolution struct {
	Value                 jsonvalue.Value
	Metadata              jsonvalue.Value
	Confidence            float64
	Strategy              ResolutionStrategy
	Reason                string
	NeedsManualResolution bool
}

// ConflictStats summarizes conflicts grouped by (type, status) over a range.
type ConflictStats struct {
	Total              int64                  `json:"total"`
	Resolved           int64                  `json:"resolved"`
	AutoResolutionRate float64                `json:"autoResolutionRate"`
	ByType             map[ConflictType]int64 `json:"byType"`
}
