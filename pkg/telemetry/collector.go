// Package telemetry turns raw environmental and behavioral probe output into
// typed, timestamped snapshots consumed by the scorers.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"riskgate/pkg/structlog"
)

// ErrUnavailable indicates a signal source could not be reached. Callers
// degrade the affected factor to a neutral contribution instead of aborting.
var ErrUnavailable = errors.New("telemetry: provider unavailable")

// GeoProvider resolves the current geolocation of a session.
type GeoProvider interface {
	Locate(ctx context.Context, subjectID string) (*GeoPoint, error)
}

// IPReputationProvider looks up network reputation for an address.
type IPReputationProvider interface {
	Lookup(ctx context.Context, ip string) (*NetworkInfo, error)
}

// Config controls collector behavior.
type Config struct {
	ProviderTimeout time.Duration // bound on each network-bound provider call
	MaxMetrics      int           // rolling connection-metric window per subject
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 3 * time.Second,
		MaxMetrics:      100,
	}
}

// Snapshot is the collector output for one gathering cycle.
type Snapshot struct {
	SubjectID string
	Samples   []Sample
}

// CollectRequest carries the probe output supplied by the caller plus the
// address to enrich via reputation lookup.
type CollectRequest struct {
	SubjectID  string
	Device     *DeviceInfo
	IP         string
	Keystrokes []KeystrokeEvent
	Pointer    []PointerEvent
}

// Collector gathers device, network, and interaction-timing samples.
// Stateless per call except for the bounded connection-quality window.
type Collector struct {
	cfg    Config
	geo    GeoProvider
	rep    IPReputationProvider
	logger *structlog.Logger

	mu      sync.Mutex
	connLog map[string][]ConnectionMetrics
}

// NewCollector creates a collector. geo and rep may be nil; the matching
// samples are then simply absent from snapshots.
func NewCollector(cfg Config, geo GeoProvider, rep IPReputationProvider, logger *structlog.Logger) *Collector {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultConfig().ProviderTimeout
	}
	if cfg.MaxMetrics <= 0 {
		cfg.MaxMetrics = DefaultConfig().MaxMetrics
	}
	if logger == nil {
		logger = structlog.NewLogger("telemetry", structlog.LevelInfo, nil)
	}
	return &Collector{
		cfg:     cfg,
		geo:     geo,
		rep:     rep,
		logger:  logger,
		connLog: make(map[string][]ConnectionMetrics),
	}
}

// Collect produces a snapshot from the supplied probe output. Network-bound
// providers are bounded by the configured timeout; on failure the matching
// sample is omitted and collection continues.
func (c *Collector) Collect(ctx context.Context, req CollectRequest) Snapshot {
	now := time.Now()
	snap := Snapshot{SubjectID: req.SubjectID}

	if req.Device != nil {
		d := *req.Device
		snap.Samples = append(snap.Samples, Sample{Timestamp: now, Kind: KindDevice, Device: &d})
	}
	if len(req.Keystrokes) > 0 {
		ks := make([]KeystrokeEvent, len(req.Keystrokes))
		copy(ks, req.Keystrokes)
		snap.Samples = append(snap.Samples, Sample{Timestamp: now, Kind: KindKeystroke, Keystrokes: ks})
	}
	if len(req.Pointer) > 0 {
		pe := make([]PointerEvent, len(req.Pointer))
		copy(pe, req.Pointer)
		snap.Samples = append(snap.Samples, Sample{Timestamp: now, Kind: KindPointer, Pointer: pe})
	}

	if c.geo != nil {
		if loc, err := c.locate(ctx, req.SubjectID); err == nil && loc != nil {
			snap.Samples = append(snap.Samples, Sample{Timestamp: now, Kind: KindLocation, Location: loc})
		} else if err != nil {
			c.logger.Warn("geolocation unavailable", structlog.Fields{"subject_id": req.SubjectID, "error": err.Error()})
		}
	}
	if c.rep != nil && req.IP != "" {
		if ni, err := c.lookupReputation(ctx, req.IP); err == nil && ni != nil {
			snap.Samples = append(snap.Samples, Sample{Timestamp: now, Kind: KindNetwork, Network: ni})
		} else if err != nil {
			c.logger.Warn("reputation lookup unavailable", structlog.Fields{"ip": req.IP, "error": err.Error()})
		}
	}

	return snap
}

func (c *Collector) locate(ctx context.Context, subjectID string) (*GeoPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	loc, err := c.geo.Locate(ctx, subjectID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return loc, nil
}

func (c *Collector) lookupReputation(ctx context.Context, ip string) (*NetworkInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProviderTimeout)
	defer cancel()
	ni, err := c.rep.Lookup(ctx, ip)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return ni, nil
}

// RecordConnection appends one connection-quality measurement to the
// subject's rolling window.
func (c *Collector) RecordConnection(subjectID string, m ConnectionMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.connLog[subjectID]
	window = append(window, m)
	if len(window) > c.cfg.MaxMetrics {
		window = window[len(window)-c.cfg.MaxMetrics:]
	}
	c.connLog[subjectID] = window
}

// Quality summarizes the subject's recent connection metrics.
func (c *Collector) Quality(subjectID string) NetworkQuality {
	c.mu.Lock()
	window := c.connLog[subjectID]
	metrics := make([]ConnectionMetrics, len(window))
	copy(metrics, window)
	c.mu.Unlock()

	if len(metrics) == 0 {
		return NetworkQuality{Quality: QualityGood}
	}

	var latSum time.Duration
	var lossSum float64
	for _, m := range metrics {
		latSum += m.Latency
		lossSum += m.PacketLossPct
	}
	q := NetworkQuality{
		AvgLatency:    latSum / time.Duration(len(metrics)),
		AvgPacketLoss: lossSum / float64(len(metrics)),
	}
	switch {
	case q.AvgLatency > 500*time.Millisecond || q.AvgPacketLoss > 15:
		q.Quality = QualityPoor
	case q.AvgLatency > 200*time.Millisecond || q.AvgPacketLoss > 5:
		q.Quality = QualityFair
	default:
		q.Quality = QualityGood
	}
	return q
}

// Forget drops the subject's connection window. Called on logout.
func (c *Collector) Forget(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.connLog, subjectID)
}
