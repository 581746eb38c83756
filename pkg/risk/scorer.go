// Package risk fuses weighted factor evaluations into a single normalized
// risk score with human-readable explanations and recommendations.
package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskgate/pkg/baseline"
	"riskgate/pkg/behavior"
	"riskgate/pkg/structlog"
)

// Factor names. Recommendations key off these.
const (
	FactorLocation   = "Location"
	FactorTime       = "Time Pattern"
	FactorDevice     = "Device Security"
	FactorBehavioral = "Behavioral Pattern"
	FactorHistorical = "Historical Pattern"
	FactorNetwork    = "Network Reputation"
)

// neutralScore is contributed by an applicable factor that has no data.
const neutralScore = 0.5

// Thresholds are the score-level boundaries. A score s maps to low when
// s < Low, medium when Low <= s < Medium, high when Medium <= s < High,
// critical otherwise.
type Thresholds struct {
	Low    int
	Medium int
	High   int
}

// Config holds factor weights and classification thresholds.
type Config struct {
	Weights          map[string]float64
	Thresholds       Thresholds
	ConcernThreshold float64 // per-factor score above which a recommendation fires
}

// DefaultConfig returns the standard weights and thresholds.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			FactorLocation:   0.25,
			FactorTime:       0.15,
			FactorDevice:     0.20,
			FactorBehavioral: 0.25,
			FactorHistorical: 0.15,
			FactorNetwork:    0.20,
		},
		Thresholds:       Thresholds{Low: 30, Medium: 60, High: 80},
		ConcernThreshold: 0.6,
	}
}

func (c Config) validate() error {
	for name, w := range c.Weights {
		if w <= 0 || w > 1 {
			return fmt.Errorf("risk: weight for %q must be in (0,1], got %v", name, w)
		}
	}
	t := c.Thresholds
	if t.Low <= 0 || t.Low >= t.Medium || t.Medium >= t.High || t.High >= 100 {
		return fmt.Errorf("risk: thresholds must satisfy 0 < low < medium < high < 100, got %+v", t)
	}
	if c.ConcernThreshold <= 0 || c.ConcernThreshold >= 1 {
		return fmt.Errorf("risk: concern threshold must be in (0,1), got %v", c.ConcernThreshold)
	}
	return nil
}

// Scorer evaluates risk contexts. Construction validates the configuration;
// assessment itself never fails.
type Scorer struct {
	cfg    Config
	logger *structlog.Logger
}

// NewScorer creates a scorer, failing fast on invalid configuration.
func NewScorer(cfg Config, logger *structlog.Logger) (*Scorer, error) {
	def := DefaultConfig()
	if cfg.Weights == nil {
		cfg.Weights = def.Weights
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.ConcernThreshold == 0 {
		cfg.ConcernThreshold = def.ConcernThreshold
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = structlog.NewLogger("risk", structlog.LevelInfo, nil)
	}
	return &Scorer{cfg: cfg, logger: logger}, nil
}

func (s *Scorer) weight(name string) float64 {
	if w, ok := s.cfg.Weights[name]; ok {
		return w
	}
	return DefaultConfig().Weights[name]
}

// Assess fuses all applicable factors for the subject into one assessment.
// Inapplicable factors are omitted from both sums, not scored as zero.
func (s *Scorer) Assess(subjectID string, rc Context) Assessment {
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now()
	}

	var factors []Factor
	if rc.Location != nil {
		factors = append(factors, s.assessLocation(rc))
	}
	factors = append(factors, s.assessTime(rc))
	if rc.Device != nil {
		factors = append(factors, s.assessDevice(rc))
	}
	if rc.Behavioral != nil {
		factors = append(factors, s.assessBehavioral(rc))
	}
	factors = append(factors, s.assessHistorical(rc))
	if rc.Network != nil || rc.NetworkQuality != nil {
		factors = append(factors, s.assessNetwork(rc))
	}

	totalScore, totalWeight := 0.0, 0.0
	for _, f := range factors {
		totalScore += f.Score * f.Weight
		totalWeight += f.Weight
	}
	score := 0
	if totalWeight > 0 {
		score = int(math.Round(100 * totalScore / totalWeight))
	}
	level := s.classify(score)

	a := Assessment{
		ID:              uuid.NewString(),
		SubjectID:       subjectID,
		Score:           score,
		Level:           level,
		Factors:         factors,
		Recommendations: s.recommend(factors, level),
		Timestamp:       rc.Timestamp,
	}

	s.logger.Info("risk assessed", structlog.Fields{
		"subject_id": subjectID,
		"score":      score,
		"level":      string(level),
	})
	return a
}

func (s *Scorer) classify(score int) Level {
	t := s.cfg.Thresholds
	switch {
	case score >= t.High:
		return LevelCritical
	case score >= t.Medium:
		return LevelHigh
	case score >= t.Low:
		return LevelMedium
	default:
		return LevelLow
	}
}

// assessLocation maps geodesic distance to the nearest known location onto
// an increasing score ladder. Band boundaries are inclusive on the lower
// bound.
func (s *Scorer) assessLocation(rc Context) Factor {
	f := Factor{Name: FactorLocation, Weight: s.weight(FactorLocation)}
	if len(rc.Historical.KnownLocations) == 0 {
		f.Score = neutralScore
		f.Explanation = "no historical locations to compare against"
		return f
	}
	minDistance := math.Inf(1)
	for _, known := range rc.Historical.KnownLocations {
		if d := rc.Location.DistanceKm(known); d < minDistance {
			minDistance = d
		}
	}
	switch {
	case minDistance < 1:
		f.Score = 0.1
	case minDistance < 10:
		f.Score = 0.3
	case minDistance < 100:
		f.Score = 0.6
	case minDistance < 1000:
		f.Score = 0.8
	default:
		f.Score = 1.0
	}
	f.Explanation = fmt.Sprintf("login location is %.0fkm from nearest known location", minDistance)
	return f
}

func (s *Scorer) assessTime(rc Context) Factor {
	f := Factor{Name: FactorTime, Weight: s.weight(FactorTime)}
	if len(rc.Historical.CommonLoginHours) == 0 {
		f.Score = neutralScore
		f.Explanation = "no historical login time data available"
		return f
	}
	hour := rc.Timestamp.Hour()
	exact, adjacent := false, false
	for _, h := range rc.Historical.CommonLoginHours {
		if h == hour {
			exact = true
			break
		}
		if absInt(h-hour) <= 1 {
			adjacent = true
		}
	}
	switch {
	case exact:
		f.Score = 0.1
		f.Explanation = "login during common hours"
	case adjacent:
		f.Score = 0.3
		f.Explanation = "login near common hours"
	default:
		f.Score = 0.8
		f.Explanation = "login during unusual hours"
	}
	return f
}

// assessDevice adds fixed increments per inconsistency, capped at 1.0.
func (s *Scorer) assessDevice(rc Context) Factor {
	f := Factor{Name: FactorDevice, Weight: s.weight(FactorDevice)}
	d := rc.Device
	score := 0.0
	var concerns []string

	if !d.SecureContext {
		score += 0.3
		concerns = append(concerns, "non-secure context")
	}
	if d.HardwareConcurrency > 0 && d.HardwareConcurrency < 2 {
		score += 0.2
		concerns = append(concerns, "low hardware concurrency (possible VM)")
	}
	if d.DeviceMemoryGB > 0 && d.DeviceMemoryGB < 4 {
		score += 0.1
		concerns = append(concerns, "low device memory")
	}
	if reason, ok := platformInconsistency(d.Platform, d.OS); ok {
		score += 0.3
		concerns = append(concerns, reason)
	}
	if touchInconsistency(d.Platform, d.TouchSupport) {
		score += 0.3
		concerns = append(concerns, "touch support inconsistency")
	}

	f.Score = math.Min(1, score)
	if len(concerns) == 0 {
		f.Explanation = "no device security concerns"
	} else {
		f.Explanation = strings.Join(concerns, "; ")
	}
	return f
}

func (s *Scorer) assessBehavioral(rc Context) Factor {
	f := Factor{Name: FactorBehavioral, Weight: s.weight(FactorBehavioral)}
	b := rc.Behavioral
	score := 0.0
	var concerns []string

	if b.TypingConsistency > 0 && b.TypingConsistency < 0.6 {
		score += 0.3
		concerns = append(concerns, "inconsistent typing pattern")
	}
	if b.MouseShape == behavior.ShapeErratic {
		score += 0.2
		concerns = append(concerns, "erratic mouse movement")
	}
	if b.InteractionFrequency > 0 && b.InteractionFrequency < 0.3 {
		score += 0.2
		concerns = append(concerns, "low interaction frequency")
	}

	f.Score = math.Min(1, score)
	if len(concerns) == 0 {
		f.Explanation = "normal behavioral patterns"
	} else {
		f.Explanation = strings.Join(concerns, "; ")
	}
	return f
}

func (s *Scorer) assessHistorical(rc Context) Factor {
	f := Factor{Name: FactorHistorical, Weight: s.weight(FactorHistorical)}
	h := rc.Historical
	score := 0.0
	var concerns []string

	if h.FailedAttempts > 3 {
		score += 0.3
		concerns = append(concerns, fmt.Sprintf("%d recent failed attempts", h.FailedAttempts))
	}
	if !h.LastLoginTime.IsZero() && time.Since(h.LastLoginTime) > 168*time.Hour {
		score += 0.2
		concerns = append(concerns, "first login in over a week")
	}
	total := h.FailedAttempts + h.SuccessfulLogins
	if total > 0 {
		successRate := float64(h.SuccessfulLogins) / float64(total)
		if successRate < 0.7 {
			score += 0.2
			concerns = append(concerns, "low login success rate")
		}
	}
	for _, a := range rc.RecentAnomalies {
		switch a.Severity {
		case baseline.SeverityCritical:
			score += 0.3
			concerns = append(concerns, fmt.Sprintf("critical anomaly: %s", a.Description))
		case baseline.SeverityHigh:
			score += 0.2
			concerns = append(concerns, fmt.Sprintf("anomaly: %s", a.Description))
		}
	}

	f.Score = math.Min(1, score)
	if len(concerns) == 0 {
		f.Explanation = "normal historical patterns"
	} else {
		f.Explanation = strings.Join(concerns, "; ")
	}
	return f
}

func (s *Scorer) assessNetwork(rc Context) Factor {
	f := Factor{Name: FactorNetwork, Weight: s.weight(FactorNetwork)}
	score := 0.0
	var concerns []string

	if n := rc.Network; n != nil {
		if n.VPNDetected {
			score += 0.20
			concerns = append(concerns, "VPN detected")
		}
		if n.ProxyDetected {
			score += 0.15
			concerns = append(concerns, "proxy detected")
		}
		if n.TorDetected {
			score += 0.25
			concerns = append(concerns, "Tor network detected")
		}
		if n.DatacenterIP {
			score += 0.10
			concerns = append(concerns, "datacenter IP")
		}
		if n.ThreatIntel.MaliciousActivity {
			score += 0.30
			concerns = append(concerns, "reported malicious activity")
		}
	}
	if q := rc.NetworkQuality; q != nil {
		if q.AvgLatency > 500*time.Millisecond {
			score += 0.10
			concerns = append(concerns, "high network latency")
		} else if q.AvgLatency > 200*time.Millisecond {
			score += 0.05
		}
		if q.AvgPacketLoss > 15 {
			score += 0.10
			concerns = append(concerns, "significant packet loss")
		} else if q.AvgPacketLoss > 5 {
			score += 0.05
		}
	}

	f.Score = math.Min(1, score)
	if len(concerns) == 0 {
		f.Explanation = "no network reputation concerns"
	} else {
		f.Explanation = strings.Join(concerns, "; ")
	}
	return f
}

// recommend produces one string per concerning factor plus level-wide
// advisories, deduplicated in deterministic order.
func (s *Scorer) recommend(factors []Factor, level Level) []string {
	var recs []string
	if level == LevelCritical || level == LevelHigh {
		recs = append(recs,
			"Enable two-factor authentication",
			"Review recent account activity",
			"Update password",
		)
	}
	for _, f := range factors {
		if f.Score <= s.cfg.ConcernThreshold {
			continue
		}
		switch f.Name {
		case FactorLocation:
			recs = append(recs, "Verify your location through additional authentication")
		case FactorTime:
			recs = append(recs, "Login attempt outside normal hours - additional verification recommended")
		case FactorDevice:
			recs = append(recs, "Ensure your device and browser are up to date", "Use a secure connection")
		case FactorBehavioral:
			recs = append(recs, "Unusual behavior detected - additional verification may be required")
		case FactorHistorical:
			recs = append(recs, "Review and verify recent account activity")
		case FactorNetwork:
			recs = append(recs, "Use a trusted network connection for sensitive actions")
		}
	}
	return dedupe(recs)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func platformInconsistency(platform, os string) (string, bool) {
	p := strings.ToLower(platform)
	o := strings.ToLower(os)
	mismatch := (strings.Contains(p, "win") && !strings.Contains(o, "windows")) ||
		(strings.Contains(p, "mac") && !strings.Contains(o, "mac")) ||
		(strings.Contains(p, "linux") && !strings.Contains(o, "linux"))
	if mismatch {
		return "platform/OS mismatch", true
	}
	return "", false
}

func touchInconsistency(platform string, touchSupport bool) bool {
	isMobile := strings.Contains(strings.ToLower(platform), "mobile")
	return isMobile != touchSupport
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
