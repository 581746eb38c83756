package baseline

import "time"

// AnomalyKind identifies the class of a flagged deviation.
type AnomalyKind string

const (
	AnomalyPattern    AnomalyKind = "pattern"
	AnomalyTiming     AnomalyKind = "timing"
	AnomalyVolume     AnomalyKind = "volume"
	AnomalyResolution AnomalyKind = "resolution"
	AnomalySecurity   AnomalyKind = "security"
)

// Severity orders anomaly impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is an immutable record of one flagged deviation from baseline.
type Anomaly struct {
	Kind        AnomalyKind `json:"kind"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Timestamp   time.Time   `json:"timestamp"`
	SubjectID   string      `json:"subject_id"`
	Evidence    []string    `json:"evidence"`
}
