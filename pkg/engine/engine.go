// Package engine wires the collectors, models, and scorers into a single
// assessment pipeline with per-subject background monitors.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"riskgate/pkg/attempt"
	"riskgate/pkg/baseline"
	"riskgate/pkg/behavior"
	"riskgate/pkg/history"
	"riskgate/pkg/risk"
	"riskgate/pkg/structlog"
	"riskgate/pkg/telemetry"
	"riskgate/pkg/trust"
)

// Prometheus metrics
var (
	egAssessments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "riskgate", Subsystem: "engine", Name: "assessments_total", Help: "Completed risk assessments by level."},
		[]string{"level"},
	)
	egAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "riskgate", Subsystem: "engine", Name: "anomalies_total", Help: "Anomalies raised by the baseline model."},
		[]string{"kind", "severity"},
	)
	egAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "riskgate", Subsystem: "engine", Name: "attempts_total", Help: "Verification attempts by outcome."},
		[]string{"outcome"},
	)
	egLockouts = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "riskgate", Subsystem: "engine", Name: "lockouts_total", Help: "Progressive lockouts applied."},
	)
	egRiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "riskgate", Subsystem: "engine", Name: "risk_score", Help: "Distribution of assessment scores.", Buckets: prometheus.LinearBuckets(0, 10, 11)},
	)
	egActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "riskgate", Subsystem: "engine", Name: "active_sessions", Help: "Subjects with a live monitor."},
	)
)

func init() {
	_ = prometheus.Register(egAssessments)
	_ = prometheus.Register(egAnomalies)
	_ = prometheus.Register(egAttempts)
	_ = prometheus.Register(egLockouts)
	_ = prometheus.Register(egRiskScore)
	_ = prometheus.Register(egActiveSessions)
}

// ErrClosed is returned once the engine has been shut down.
var ErrClosed = errors.New("engine: closed")

// Archiver persists assessments durably. Optional.
type Archiver interface {
	Save(ctx context.Context, a risk.Assessment) error
}

// ArchiveReader loads archived assessments. Archivers that implement it
// serve history reads once the in-memory retention has been emptied.
type ArchiveReader interface {
	RecentForSubject(ctx context.Context, subjectID string, limit int) ([]risk.Assessment, error)
}

// Config controls engine behavior.
type Config struct {
	MonitorInterval time.Duration // periodic reassessment cadence
	ArchiveTimeout  time.Duration // bound on archive writes
	VerifyThreshold float64       // behavioral match score required to verify
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		MonitorInterval: time.Minute,
		ArchiveTimeout:  5 * time.Second,
		VerifyThreshold: 0.7,
	}
}

// Deps are the engine's collaborators. Collector, Behavior, Baseline,
// Scorer, Trust, Guard, and History are required; Archive may be nil.
type Deps struct {
	Collector *telemetry.Collector
	Behavior  *behavior.Store
	Baseline  *baseline.Model
	Scorer    *risk.Scorer
	Trust     *trust.Scorer
	Guard     *attempt.Guard
	History   *history.Store
	Archive   Archiver
}

// session is the live state for one subject under assessment.
type session struct {
	subjectID string
	kick      chan struct{} // coalesced reassessment requests
	stop      chan struct{}

	// assessMu serializes scoring and history append for the subject so
	// entries land in timestamp order even with the monitor and HTTP
	// callers assessing concurrently.
	assessMu sync.Mutex

	mu         sync.Mutex
	device     *telemetry.DeviceInfo
	network    *telemetry.NetworkInfo
	location   *telemetry.GeoPoint
	behavioral *risk.BehavioralMetrics
	historical risk.Historical
}

// Engine is the assessment orchestrator.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *structlog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New constructs an engine, failing fast on missing collaborators.
func New(cfg Config, deps Deps, logger *structlog.Logger) (*Engine, error) {
	def := DefaultConfig()
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = def.ArchiveTimeout
	}
	if cfg.VerifyThreshold <= 0 || cfg.VerifyThreshold > 1 {
		cfg.VerifyThreshold = def.VerifyThreshold
	}
	if deps.Collector == nil || deps.Behavior == nil || deps.Baseline == nil ||
		deps.Scorer == nil || deps.Trust == nil || deps.Guard == nil || deps.History == nil {
		return nil, fmt.Errorf("engine: missing required dependency")
	}
	if logger == nil {
		logger = structlog.NewLogger("engine", structlog.LevelInfo, nil)
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*session),
	}, nil
}

// sessionFor returns the live session, starting a monitor on first use.
func (e *Engine) sessionFor(subjectID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	sess, ok := e.sessions[subjectID]
	if ok {
		return sess, nil
	}
	sess = &session{
		subjectID: subjectID,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	e.sessions[subjectID] = sess
	egActiveSessions.Inc()
	e.wg.Add(1)
	go e.monitor(sess)
	return sess, nil
}

// monitor re-assesses the subject on the configured cadence and on demand.
// Multiple pending requests collapse into a single pass.
func (e *Engine) monitor(sess *session) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
		case <-sess.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ArchiveTimeout)
		if _, err := e.Assess(ctx, sess.subjectID); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Error("background assessment failed", structlog.Fields{
				"subject_id": sess.subjectID,
				"error":      err.Error(),
			})
		}
		cancel()
	}
}

// requestAssessment schedules a background pass without blocking.
func (e *Engine) requestAssessment(sess *session) {
	select {
	case sess.kick <- struct{}{}:
	default:
	}
}

// SubmitTelemetry ingests probe output for a subject: it enriches via the
// collector, feeds the behavioral profile, and schedules a reassessment.
func (e *Engine) SubmitTelemetry(ctx context.Context, req telemetry.CollectRequest) (telemetry.Snapshot, error) {
	sess, err := e.sessionFor(req.SubjectID)
	if err != nil {
		return telemetry.Snapshot{}, err
	}

	snap := e.deps.Collector.Collect(ctx, req)

	var confidence float64
	if len(req.Keystrokes) > 0 || len(req.Pointer) > 0 {
		confidence = e.deps.Behavior.Update(req.SubjectID, req.Keystrokes, req.Pointer, req.Device)
	}

	sess.mu.Lock()
	for _, s := range snap.Samples {
		switch s.Kind {
		case telemetry.KindDevice:
			sess.device = s.Device
		case telemetry.KindNetwork:
			sess.network = s.Network
		case telemetry.KindLocation:
			sess.location = s.Location
		}
	}
	if profile, ok := e.deps.Behavior.Profile(req.SubjectID); ok {
		bm := behavioralMetrics(profile, confidence)
		sess.behavioral = &bm
	}
	sess.mu.Unlock()

	e.requestAssessment(sess)
	return snap, nil
}

// behavioralMetrics summarizes the stored profile for risk scoring.
func behavioralMetrics(p behavior.Profile, confidence float64) risk.BehavioralMetrics {
	bm := risk.BehavioralMetrics{Confidence: p.ConfidenceScore}
	if confidence > 0 {
		bm.Confidence = confidence
	}
	if n := len(p.TypingPatterns); n > 0 {
		latest := p.TypingPatterns[n-1]
		bm.TypingConsistency = latest.Consistency
		bm.InteractionFrequency = float64(len(latest.HoldTimes))
	}
	if n := len(p.MousePatterns); n > 0 {
		bm.MouseShape = p.MousePatterns[n-1].Shape
	}
	return bm
}

// RecordConnection adds one connection-quality measurement to the
// subject's rolling window.
func (e *Engine) RecordConnection(subjectID string, m telemetry.ConnectionMetrics) {
	e.deps.Collector.RecordConnection(subjectID, m)
}

// ObserveSignal feeds one signal event through the baseline model and
// returns any anomalies it raised.
func (e *Engine) ObserveSignal(subjectID, category string, signatures []string, latency time.Duration) ([]baseline.Anomaly, error) {
	sess, err := e.sessionFor(subjectID)
	if err != nil {
		return nil, err
	}
	anomalies := e.deps.Baseline.Observe(subjectID, category, signatures, latency)
	for _, a := range anomalies {
		egAnomalies.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	}
	if len(anomalies) > 0 {
		e.requestAssessment(sess)
	}
	return anomalies, nil
}

// RecordAttempt registers a verification attempt. Failures feed the
// lockout guard and the baseline failure tracker; successes clear the
// guard state and update login history.
func (e *Engine) RecordAttempt(ctx context.Context, subjectID, category string, success bool) error {
	sess, err := e.sessionFor(subjectID)
	if err != nil {
		return err
	}

	if a := e.deps.Baseline.RecordOutcome(subjectID, category, success); a != nil {
		egAnomalies.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	}

	err = e.deps.Guard.RecordAttempt(ctx, subjectID, success)
	var blocked *attempt.BlockedError
	switch {
	case errors.As(err, &blocked):
		egAttempts.WithLabelValues("blocked").Inc()
		egLockouts.Inc()
	case err != nil:
		return err
	case success:
		egAttempts.WithLabelValues("success").Inc()
	default:
		egAttempts.WithLabelValues("failure").Inc()
	}

	now := time.Now()
	var dev *telemetry.DeviceInfo
	var loc *telemetry.GeoPoint
	sess.mu.Lock()
	if success {
		sess.historical.SuccessfulLogins++
		sess.historical.LastLoginTime = now
		sess.historical.FailedAttempts = 0
		sess.historical.CommonLoginHours = appendHour(sess.historical.CommonLoginHours, now.Hour())
		if sess.location != nil {
			l := *sess.location
			sess.historical.KnownLocations = append(sess.historical.KnownLocations, l)
			loc = &l
		}
		if sess.device != nil {
			d := *sess.device
			dev = &d
		}
	} else {
		sess.historical.FailedAttempts++
	}
	sess.mu.Unlock()

	// A successful login registers the session device so trust evaluations
	// can recognize it next time.
	if dev != nil {
		id := deviceFingerprint(dev)
		e.deps.Trust.RegisterDevice(subjectID, trust.DeviceRecord{
			DeviceID: id,
			Browser:  dev.Browser,
			OS:       dev.OS,
			Location: loc,
		})
		e.deps.Trust.RecordLogin(subjectID, id, now)
	}

	e.requestAssessment(sess)
	return err
}

// deviceFingerprint derives a stable registry key from the declared device
// characteristics.
func deviceFingerprint(d *telemetry.DeviceInfo) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		d.Platform, d.OS, d.Browser, d.ScreenResolution, d.Timezone,
	}, "|")))
	return hex.EncodeToString(sum[:8])
}

func appendHour(hours []int, h int) []int {
	for _, v := range hours {
		if v == h {
			return hours
		}
	}
	return append(hours, h)
}

// Assess runs a full risk assessment from the subject's current session
// state, records it in history, and archives it when an archive is wired.
func (e *Engine) Assess(ctx context.Context, subjectID string) (risk.Assessment, error) {
	sess, err := e.sessionFor(subjectID)
	if err != nil {
		return risk.Assessment{}, err
	}

	sess.assessMu.Lock()

	sess.mu.Lock()
	rc := risk.Context{
		Timestamp:  time.Now(),
		Location:   sess.location,
		Device:     sess.device,
		Network:    sess.network,
		Behavioral: sess.behavioral,
		Historical: sess.historical,
	}
	sess.mu.Unlock()

	// Attach quality only when connection metrics were actually recorded,
	// so the network factor stays inapplicable for bare sessions.
	if q := e.deps.Collector.Quality(subjectID); q.AvgLatency > 0 || q.AvgPacketLoss > 0 {
		rc.NetworkQuality = &q
	}
	rc.RecentAnomalies = e.deps.Baseline.Anomalies(subjectID)

	asmt := e.deps.Scorer.Assess(subjectID, rc)
	e.deps.History.Append(asmt)
	sess.assessMu.Unlock()
	egAssessments.WithLabelValues(string(asmt.Level)).Inc()
	egRiskScore.Observe(float64(asmt.Score))

	if e.deps.Archive != nil {
		actx, cancel := context.WithTimeout(ctx, e.cfg.ArchiveTimeout)
		if err := e.deps.Archive.Save(actx, asmt); err != nil {
			e.logger.Warn("assessment archive failed", structlog.Fields{
				"subject_id": subjectID,
				"error":      err.Error(),
			})
		}
		cancel()
	}

	return asmt, nil
}

// Trust evaluates device trust, folding in the session's failed-attempt
// count when the caller left it unset.
func (e *Engine) Trust(subjectID string, in trust.Input) (trust.Score, error) {
	sess, err := e.sessionFor(subjectID)
	if err != nil {
		return trust.Score{}, err
	}
	sess.mu.Lock()
	if in.FailedAttempts == 0 {
		in.FailedAttempts = sess.historical.FailedAttempts
	}
	if in.Device == nil {
		in.Device = sess.device
	}
	if in.DeviceID == "" && in.Device != nil {
		in.DeviceID = deviceFingerprint(in.Device)
	}
	if in.Network == nil {
		in.Network = sess.network
	}
	if in.Location == nil {
		in.Location = sess.location
	}
	sess.mu.Unlock()
	return e.deps.Trust.Evaluate(subjectID, in), nil
}

// RequiredComplexity returns the challenge level for the subject's next
// verification.
func (e *Engine) RequiredComplexity(ctx context.Context, subjectID string) (attempt.Complexity, error) {
	return e.deps.Guard.RequiredComplexity(ctx, subjectID)
}

// VerifyBehavior matches a fresh telemetry batch against the subject's
// stored behavioral profile.
func (e *Engine) VerifyBehavior(subjectID string, keystrokes []telemetry.KeystrokeEvent, pointer []telemetry.PointerEvent) (float64, bool, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, false, ErrClosed
	}
	score := e.deps.Behavior.Verify(subjectID, keystrokes, pointer)
	return score, score >= e.cfg.VerifyThreshold, nil
}

// History returns the subject's recent assessments, oldest first. When the
// in-memory retention is empty it falls back to the archive, if the wired
// archive supports reads.
func (e *Engine) History(ctx context.Context, subjectID string, n int) []risk.Assessment {
	got := e.deps.History.Recent(subjectID, n)
	if len(got) > 0 {
		return got
	}
	reader, ok := e.deps.Archive.(ArchiveReader)
	if !ok {
		return got
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.ArchiveTimeout)
	defer cancel()
	archived, err := reader.RecentForSubject(rctx, subjectID, n)
	if err != nil {
		e.logger.Warn("archive history read failed", structlog.Fields{
			"subject_id": subjectID,
			"error":      err.Error(),
		})
		return got
	}
	return archived
}

// Summary aggregates the subject's retained assessment history.
func (e *Engine) Summary(subjectID string) history.Aggregate {
	return e.deps.History.Summary(subjectID)
}

// Anomalies returns the subject's retained baseline anomalies.
func (e *Engine) Anomalies(subjectID string) []baseline.Anomaly {
	return e.deps.Baseline.Anomalies(subjectID)
}

// Logout ends the subject's session: the behavioral profile and live
// session state are cleared. Lockout state is deliberately retained so a
// logout cannot shortcut a penalty.
func (e *Engine) Logout(subjectID string) {
	e.mu.Lock()
	sess, ok := e.sessions[subjectID]
	if ok {
		delete(e.sessions, subjectID)
	}
	e.mu.Unlock()
	if ok {
		close(sess.stop)
		egActiveSessions.Dec()
	}
	e.deps.Behavior.Reset(subjectID)
	e.deps.Collector.Forget(subjectID)
	e.logger.Info("session ended", structlog.Fields{"subject_id": subjectID})
}

// ResetSubject wipes all state for a subject, including lockout and
// baseline history. Operator use only.
func (e *Engine) ResetSubject(ctx context.Context, subjectID string) error {
	e.Logout(subjectID)
	e.deps.Baseline.Forget(subjectID)
	e.deps.History.Clear(subjectID)
	if err := e.deps.Guard.Reset(ctx, subjectID); err != nil {
		return err
	}
	e.logger.SecurityEvent("subject state reset", structlog.Fields{"subject_id": subjectID})
	return nil
}

// Close stops all monitors and the baseline sweeper.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, sess := range sessions {
		close(sess.stop)
		egActiveSessions.Dec()
	}
	e.wg.Wait()
	e.deps.Baseline.Close()
}
