package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgate/pkg/telemetry"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(Config{}, nil)
	require.NoError(t, err)
	return s
}

func secureInput(deviceID string) Input {
	return Input{
		DeviceID:       deviceID,
		Device:         &telemetry.DeviceInfo{SecureContext: true},
		PlatformSecure: true,
	}
}

func TestNewScorerRejectsBadWeights(t *testing.T) {
	_, err := NewScorer(Config{Weights: Weights{
		KnownDevice: 50, RecentActivity: 10, LocationMatch: 10, PlatformSecurity: 10,
		TransportSecurity: 10, NetworkSecurity: 5, TimePatternMatch: 4, DeviceIntegrity: 2,
	}}, nil)
	require.Error(t, err, "weights summing to 101 must be rejected")
}

func TestEvaluateUnknownDevice(t *testing.T) {
	s := newTestScorer(t)
	score := s.Evaluate("u1", secureInput("d1"))

	assert.False(t, score.Factors.KnownDevice)
	assert.False(t, score.Factors.RecentActivity)
	assert.True(t, score.Factors.PlatformSecurity)
	assert.True(t, score.Factors.TransportSecurity)
	assert.True(t, score.Factors.NetworkSecurity, "no network info implies no network concern")
	assert.True(t, score.Factors.DeviceIntegrity)
	assert.Contains(t, score.Metadata.UnusualActivityFlags, "New device detected")
	// known 0 + recent 0 + location 0 + platform 10 + transport 10 + network 10 + time 10 + integrity 10
	assert.Equal(t, 50, score.Score)
}

func TestEvaluateRegisteredDeviceScoresHigher(t *testing.T) {
	s := newTestScorer(t)
	loc := telemetry.GeoPoint{Lat: 40.7, Lng: -74.0, Timestamp: time.Now().Add(-time.Hour)}
	s.RegisterDevice("u1", DeviceRecord{DeviceID: "d1", Location: &loc})

	in := secureInput("d1")
	near := telemetry.GeoPoint{Lat: 40.71, Lng: -74.01, Timestamp: time.Now()}
	in.Location = &near
	score := s.Evaluate("u1", in)

	assert.True(t, score.Factors.KnownDevice)
	assert.True(t, score.Factors.RecentActivity)
	assert.True(t, score.Factors.LocationMatch)
	assert.Equal(t, 100, score.Score)
	assert.Equal(t, LevelLow, score.Factors.RiskLevel)
	assert.False(t, s.RequireStepUp(score))
}

func TestImpossibleTravelRaisesRisk(t *testing.T) {
	s := newTestScorer(t)
	nyc := telemetry.GeoPoint{Lat: 40.7128, Lng: -74.0060, Timestamp: time.Now().Add(-time.Hour)}
	s.RegisterDevice("u1", DeviceRecord{DeviceID: "d1", Location: &nyc})

	in := secureInput("d1")
	london := telemetry.GeoPoint{Lat: 51.5074, Lng: -0.1278, Timestamp: time.Now()}
	in.Location = &london
	score := s.Evaluate("u1", in)

	// ~5570km in one hour, far above the travel-speed cap.
	assert.False(t, score.Factors.LocationMatch)
	assert.Contains(t, score.Metadata.UnusualActivityFlags, "Rapid location change")
	// location mismatch 2 + rapid change 3
	assert.Equal(t, LevelMedium, score.Factors.RiskLevel)
}

func TestHighRiskAccumulation(t *testing.T) {
	s := newTestScorer(t)
	in := secureInput("never-seen")
	in.Network = &telemetry.NetworkInfo{VPNDetected: true}
	in.FailedAttempts = 5
	score := s.Evaluate("u1", in)

	// unknown 2 + location 2 + failed 3 + vpn 1 = 8
	assert.Equal(t, LevelHigh, score.Factors.RiskLevel)
	assert.True(t, s.RequireStepUp(score))
}

func TestIntegrityProbeFailure(t *testing.T) {
	s := newTestScorer(t)
	in := secureInput("d1")
	in.EmulatorDetected = true
	score := s.Evaluate("u1", in)

	assert.False(t, score.Factors.DeviceIntegrity)
	assert.Contains(t, score.Metadata.UnusualActivityFlags, "Device integrity check failed")
}

func TestStaleDeviceLosesRecency(t *testing.T) {
	s := newTestScorer(t)
	s.RegisterDevice("u1", DeviceRecord{DeviceID: "d1"})

	// Age the record past the recency window via a direct login far in the past.
	s.RecordLogin("u1", "d1", time.Now().Add(-30*24*time.Hour))

	score := s.Evaluate("u1", secureInput("d1"))
	assert.True(t, score.Factors.KnownDevice)
	assert.False(t, score.Factors.RecentActivity)
}

func TestTimePatternNeedsSamples(t *testing.T) {
	s := newTestScorer(t)
	s.RegisterDevice("u1", DeviceRecord{DeviceID: "d1"})

	// Sparse history always matches.
	score := s.Evaluate("u1", secureInput("d1"))
	assert.True(t, score.Factors.TimePatternMatch)

	// Five logins at an hour far from now.
	offHour := time.Now().Add(-12 * time.Hour)
	for i := 0; i < 5; i++ {
		s.RecordLogin("u1", "d1", offHour)
	}
	score = s.Evaluate("u1", secureInput("d1"))
	assert.False(t, score.Factors.TimePatternMatch)
}

func TestRecordLoginBoundsHistory(t *testing.T) {
	s := newTestScorer(t)
	s.RegisterDevice("u1", DeviceRecord{DeviceID: "d1"})
	for i := 0; i < 25; i++ {
		s.RecordLogin("u1", "d1", time.Now())
	}
	devices := s.KnownDevices("u1")
	require.Len(t, devices, 1)
	assert.Len(t, devices[0].LoginTimes, maxLoginTimes)
	assert.Equal(t, 25, devices[0].LoginCount)
}

func TestKnownDevicesReturnsCopies(t *testing.T) {
	s := newTestScorer(t)
	loc := telemetry.GeoPoint{Lat: 1, Lng: 2}
	s.RegisterDevice("u1", DeviceRecord{DeviceID: "d1", Location: &loc})

	devices := s.KnownDevices("u1")
	require.Len(t, devices, 1)
	devices[0].Location.Lat = 99

	again := s.KnownDevices("u1")
	assert.Equal(t, 1.0, again[0].Location.Lat, "caller mutation must not leak")
}
