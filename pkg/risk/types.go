package risk

import (
	"time"

	"riskgate/pkg/baseline"
	"riskgate/pkg/behavior"
	"riskgate/pkg/telemetry"
)

// Level classifies a fused risk score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Factor is one weighted dimension of an assessment. Immutable once built.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"` // (0,1]
	Score       float64 `json:"score"`  // [0,1], higher = riskier
	Explanation string  `json:"explanation"`
}

// Assessment is the fused result of one scoring cycle.
type Assessment struct {
	ID              string    `json:"id"`
	SubjectID       string    `json:"subject_id"`
	Score           int       `json:"score"` // [0,100]
	Level           Level     `json:"level"`
	Factors         []Factor  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

// BehavioralMetrics carries behavioral signals into an assessment. Zero
// values mean the signal was not sampled.
type BehavioralMetrics struct {
	TypingConsistency    float64                `json:"typing_consistency"`
	MouseShape           behavior.MovementShape `json:"mouse_shape"`
	InteractionFrequency float64                `json:"interaction_frequency"`
	Confidence           float64                `json:"confidence"`
}

// Historical summarizes the subject's past authentication behavior.
type Historical struct {
	LastLoginTime    time.Time            `json:"last_login_time"`
	FailedAttempts   int                  `json:"failed_attempts"`
	SuccessfulLogins int                  `json:"successful_logins"`
	CommonLoginHours []int                `json:"common_login_hours"`
	KnownLocations   []telemetry.GeoPoint `json:"known_locations"`
}

// Context is the full input for one assessment. Optional fields may be nil;
// applicable factors with missing data degrade to a neutral score.
type Context struct {
	Timestamp       time.Time
	Location        *telemetry.GeoPoint
	Device          *telemetry.DeviceInfo
	Network         *telemetry.NetworkInfo
	NetworkQuality  *telemetry.NetworkQuality
	Behavioral      *BehavioralMetrics
	Historical      Historical
	RecentAnomalies []baseline.Anomaly
}
