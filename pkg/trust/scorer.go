// Package trust scores device/session trustworthiness from recognition,
// recency, platform-security, and integrity checks. The score decides
// whether step-up verification is required.
package trust

import (
	"fmt"
	"sync"
	"time"

	"riskgate/pkg/structlog"
	"riskgate/pkg/telemetry"
)

// Level classifies residual risk for a trust evaluation.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Factors are the boolean trust dimensions of one evaluation.
type Factors struct {
	KnownDevice       bool  `json:"known_device"`
	RecentActivity    bool  `json:"recent_activity"`
	LocationMatch     bool  `json:"location_match"`
	PlatformSecurity  bool  `json:"platform_security"`
	TransportSecurity bool  `json:"transport_security"`
	NetworkSecurity   bool  `json:"network_security"`
	TimePatternMatch  bool  `json:"time_pattern_match"`
	DeviceIntegrity   bool  `json:"device_integrity"`
	RiskLevel         Level `json:"risk_level"`
}

// Metadata carries the session history behind a trust score.
type Metadata struct {
	LastLoginTime        time.Time `json:"last_login_time"`
	LoginCount           int       `json:"login_count"`
	FailedAttempts       int       `json:"failed_attempts"`
	UnusualActivityFlags []string  `json:"unusual_activity_flags"`
}

// Score is an immutable trust evaluation result.
type Score struct {
	SubjectID string    `json:"subject_id"`
	Score     int       `json:"score"` // [0,100]
	Factors   Factors   `json:"factors"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp time.Time `json:"timestamp"`
}

// Weights are the per-factor score contributions. They must sum to 100.
type Weights struct {
	KnownDevice       int
	RecentActivity    int
	LocationMatch     int
	PlatformSecurity  int
	TransportSecurity int
	NetworkSecurity   int
	TimePatternMatch  int
	DeviceIntegrity   int
}

// Config controls trust scoring.
type Config struct {
	Weights           Weights
	RecencyWindow     time.Duration // known-device recency bound
	LocationRadiusKm  float64       // location-match radius
	MaxTravelSpeedKmh float64       // impossible-travel threshold
	StepUpThreshold   int           // scores below this require step-up
	MinLoginSamples   int           // logins needed before time patterns apply
}

// DefaultConfig returns the standard trust configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			KnownDevice:       20,
			RecentActivity:    15,
			LocationMatch:     15,
			PlatformSecurity:  10,
			TransportSecurity: 10,
			NetworkSecurity:   10,
			TimePatternMatch:  10,
			DeviceIntegrity:   10,
		},
		RecencyWindow:     7 * 24 * time.Hour,
		LocationRadiusKm:  100,
		MaxTravelSpeedKmh: 500,
		StepUpThreshold:   60,
		MinLoginSamples:   5,
	}
}

func (c Config) validate() error {
	w := c.Weights
	sum := w.KnownDevice + w.RecentActivity + w.LocationMatch + w.PlatformSecurity +
		w.TransportSecurity + w.NetworkSecurity + w.TimePatternMatch + w.DeviceIntegrity
	if sum != 100 {
		return fmt.Errorf("trust: factor weights must sum to 100, got %d", sum)
	}
	for _, v := range []int{w.KnownDevice, w.RecentActivity, w.LocationMatch, w.PlatformSecurity,
		w.TransportSecurity, w.NetworkSecurity, w.TimePatternMatch, w.DeviceIntegrity} {
		if v <= 0 {
			return fmt.Errorf("trust: factor weights must be positive")
		}
	}
	if c.StepUpThreshold <= 0 || c.StepUpThreshold >= 100 {
		return fmt.Errorf("trust: step-up threshold must be in (0,100), got %d", c.StepUpThreshold)
	}
	return nil
}

// DeviceRecord is the stored registration of one device fingerprint.
type DeviceRecord struct {
	DeviceID   string
	Browser    string
	OS         string
	Label      string
	FirstSeen  time.Time
	LastSeen   time.Time
	LoginTimes []time.Time // last 10, oldest first
	LoginCount int
	Location   *telemetry.GeoPoint
}

// maxLoginTimes bounds the per-device login time history.
const maxLoginTimes = 10

// Input is the probe output for one trust evaluation.
type Input struct {
	DeviceID         string
	Device           *telemetry.DeviceInfo
	Location         *telemetry.GeoPoint
	Network          *telemetry.NetworkInfo
	PlatformSecure   bool // modern platform with required security features
	EmulatorDetected bool
	DebuggerDetected bool
	FailedAttempts   int
}

// Scorer evaluates device trust against a per-subject device registry.
type Scorer struct {
	cfg    Config
	logger *structlog.Logger

	mu      sync.RWMutex
	devices map[string]map[string]*DeviceRecord // subject id -> device id -> record
}

// NewScorer constructs a trust scorer, failing fast on invalid configuration.
func NewScorer(cfg Config, logger *structlog.Logger) (*Scorer, error) {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.RecencyWindow == 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.LocationRadiusKm == 0 {
		cfg.LocationRadiusKm = def.LocationRadiusKm
	}
	if cfg.MaxTravelSpeedKmh == 0 {
		cfg.MaxTravelSpeedKmh = def.MaxTravelSpeedKmh
	}
	if cfg.StepUpThreshold == 0 {
		cfg.StepUpThreshold = def.StepUpThreshold
	}
	if cfg.MinLoginSamples == 0 {
		cfg.MinLoginSamples = def.MinLoginSamples
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = structlog.NewLogger("trust", structlog.LevelInfo, nil)
	}
	return &Scorer{
		cfg:     cfg,
		logger:  logger,
		devices: make(map[string]map[string]*DeviceRecord),
	}, nil
}

// RegisterDevice records a device for a subject, updating last-seen and
// location on re-registration.
func (s *Scorer) RegisterDevice(subjectID string, rec DeviceRecord) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[subjectID]
	if byID == nil {
		byID = make(map[string]*DeviceRecord)
		s.devices[subjectID] = byID
	}
	existing, ok := byID[rec.DeviceID]
	if !ok {
		rec.FirstSeen = now
		rec.LastSeen = now
		cp := rec
		byID[rec.DeviceID] = &cp
		return
	}
	existing.LastSeen = now
	existing.Browser = rec.Browser
	existing.OS = rec.OS
	if rec.Location != nil {
		loc := *rec.Location
		existing.Location = &loc
	}
}

// RecordLogin appends a successful login to the device's history.
func (s *Scorer) RecordLogin(subjectID, deviceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[subjectID]
	if byID == nil {
		return
	}
	rec, ok := byID[deviceID]
	if !ok {
		return
	}
	rec.LoginTimes = append(rec.LoginTimes, at)
	if len(rec.LoginTimes) > maxLoginTimes {
		rec.LoginTimes = rec.LoginTimes[1:]
	}
	rec.LoginCount++
	rec.LastSeen = at
}

func (s *Scorer) lookup(subjectID, deviceID string) (DeviceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.devices[subjectID]
	if byID == nil {
		return DeviceRecord{}, false
	}
	rec, ok := byID[deviceID]
	if !ok {
		return DeviceRecord{}, false
	}
	cp := *rec
	cp.LoginTimes = append([]time.Time(nil), rec.LoginTimes...)
	if rec.Location != nil {
		loc := *rec.Location
		cp.Location = &loc
	}
	return cp, true
}

// Evaluate produces a trust score for the subject's current session.
func (s *Scorer) Evaluate(subjectID string, in Input) Score {
	now := time.Now()
	rec, known := s.lookup(subjectID, in.DeviceID)

	f := Factors{
		KnownDevice:      known,
		PlatformSecurity: in.PlatformSecure,
		DeviceIntegrity:  !in.EmulatorDetected && !in.DebuggerDetected,
	}
	if in.Device != nil {
		f.TransportSecurity = in.Device.SecureContext
	}
	if known {
		f.RecentActivity = now.Sub(rec.LastSeen) < s.cfg.RecencyWindow
	}
	f.NetworkSecurity = in.Network == nil ||
		(!in.Network.VPNDetected && !in.Network.ProxyDetected && !in.Network.TorDetected)

	rapidTravel := false
	if in.Location != nil && known && rec.Location != nil {
		distance := in.Location.DistanceKm(*rec.Location)
		f.LocationMatch = distance < s.cfg.LocationRadiusKm
		if elapsed := in.Location.Timestamp.Sub(rec.Location.Timestamp); elapsed > 0 {
			speed := distance / elapsed.Hours()
			rapidTravel = speed > s.cfg.MaxTravelSpeedKmh
		}
	}

	f.TimePatternMatch = s.timePatternMatch(rec, now, known)

	f.RiskLevel = s.riskLevel(f, rapidTravel, in)

	score := 0
	w := s.cfg.Weights
	for _, fw := range []struct {
		ok     bool
		weight int
	}{
		{f.KnownDevice, w.KnownDevice},
		{f.RecentActivity, w.RecentActivity},
		{f.LocationMatch, w.LocationMatch},
		{f.PlatformSecurity, w.PlatformSecurity},
		{f.TransportSecurity, w.TransportSecurity},
		{f.NetworkSecurity, w.NetworkSecurity},
		{f.TimePatternMatch, w.TimePatternMatch},
		{f.DeviceIntegrity, w.DeviceIntegrity},
	} {
		if fw.ok {
			score += fw.weight
		}
	}

	meta := Metadata{
		LastLoginTime:        rec.LastSeen,
		LoginCount:           rec.LoginCount,
		FailedAttempts:       in.FailedAttempts,
		UnusualActivityFlags: activityFlags(f, rapidTravel, in),
	}

	ts := Score{
		SubjectID: subjectID,
		Score:     score,
		Factors:   f,
		Metadata:  meta,
		Timestamp: now,
	}
	s.logger.Info("trust evaluated", structlog.Fields{
		"subject_id": subjectID,
		"score":      score,
		"risk_level": string(f.RiskLevel),
	})
	return ts
}

// timePatternMatch checks the current hour against the device's usual login
// hours. Devices with sparse history always match.
func (s *Scorer) timePatternMatch(rec DeviceRecord, now time.Time, known bool) bool {
	if !known || len(rec.LoginTimes) < s.cfg.MinLoginSamples {
		return true
	}
	hour := now.Hour()
	for _, t := range rec.LoginTimes {
		if t.Hour() == hour {
			return true
		}
	}
	return false
}

func (s *Scorer) riskLevel(f Factors, rapidTravel bool, in Input) Level {
	points := 0
	if !f.KnownDevice {
		points += 2
	}
	if !f.LocationMatch {
		points += 2
	}
	if !f.TimePatternMatch {
		points++
	}
	if rapidTravel {
		points += 3
	}
	if in.FailedAttempts > 3 {
		points += 3
	}
	if in.Network != nil && in.Network.VPNDetected {
		points++
	}
	switch {
	case points >= 6:
		return LevelHigh
	case points >= 3:
		return LevelMedium
	default:
		return LevelLow
	}
}

func activityFlags(f Factors, rapidTravel bool, in Input) []string {
	var flags []string
	if !f.KnownDevice {
		flags = append(flags, "New device detected")
	}
	if !f.LocationMatch {
		flags = append(flags, "Unusual location")
	}
	if !f.TimePatternMatch {
		flags = append(flags, "Unusual login time")
	}
	if rapidTravel {
		flags = append(flags, "Rapid location change")
	}
	if in.FailedAttempts > 3 {
		flags = append(flags, "Multiple failed attempts")
	}
	if in.Network != nil && in.Network.VPNDetected {
		flags = append(flags, "VPN detected")
	}
	if !f.DeviceIntegrity {
		flags = append(flags, "Device integrity check failed")
	}
	return flags
}

// RequireStepUp reports whether the score falls below the step-up threshold.
func (s *Scorer) RequireStepUp(score Score) bool {
	return score.Score < s.cfg.StepUpThreshold
}

// KnownDevices returns copies of the subject's registered devices.
func (s *Scorer) KnownDevices(subjectID string) []DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.devices[subjectID]
	out := make([]DeviceRecord, 0, len(byID))
	for _, rec := range byID {
		cp := *rec
		cp.LoginTimes = append([]time.Time(nil), rec.LoginTimes...)
		if rec.Location != nil {
			loc := *rec.Location
			cp.Location = &loc
		}
		out = append(out, cp)
	}
	return out
}
