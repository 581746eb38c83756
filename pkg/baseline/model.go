// Package baseline learns per-subject statistical profiles of normal
// behavior and flags deviations as anomalies.
package baseline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"riskgate/pkg/structlog"
)

// Config holds the detection thresholds and retention policy.
type Config struct {
	LearningPeriod time.Duration // entries older than this are swept
	SweepInterval  time.Duration // cadence of the background sweep
	TimingSigma    float64       // stddevs above mean latency to flag
	VolumeFactor   float64       // fractional growth over hourly mean to flag
	RarityFreq     float64       // relative frequency below which a signature is rare
	RarityRatio    float64       // fraction of rare signatures in a batch to flag
	FailureDelta   float64       // EMA rise that flags a failure-rate anomaly
	MaxAnomalies   int           // retained anomalies per subject, newest kept
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		LearningPeriod: 7 * 24 * time.Hour,
		SweepInterval:  time.Hour,
		TimingSigma:    3,
		VolumeFactor:   2,
		RarityFreq:     0.3,
		RarityRatio:    0.3,
		FailureDelta:   0.2,
		MaxAnomalies:   1000,
	}
}

func (c Config) validate() error {
	if c.LearningPeriod <= 0 {
		return fmt.Errorf("baseline: learning period must be positive, got %v", c.LearningPeriod)
	}
	if c.TimingSigma <= 0 || c.VolumeFactor <= 0 {
		return fmt.Errorf("baseline: sigma thresholds must be positive")
	}
	if c.RarityFreq <= 0 || c.RarityFreq > 1 || c.RarityRatio <= 0 || c.RarityRatio > 1 {
		return fmt.Errorf("baseline: rarity thresholds must be in (0,1]")
	}
	if c.FailureDelta <= 0 {
		return fmt.Errorf("baseline: failure delta must be positive")
	}
	if c.MaxAnomalies <= 0 {
		return fmt.Errorf("baseline: max anomalies must be positive")
	}
	return nil
}

// subjectBaseline is the learned profile for one subject. Guarded by its
// own mutex so that subjects never contend with each other.
type subjectBaseline struct {
	mu sync.Mutex

	hourly    [24]int64 // query volume histogram
	firstSeen time.Time
	lastSeen  time.Time

	// Running latency statistics (Welford).
	latCount int64
	latMean  float64
	latM2    float64

	// Signature value -> observation count.
	signatures map[string]int64
	sigTotal   int64

	// Query category -> observation count.
	categories map[string]int64

	// Per-category failure-rate EMA in [0,1].
	failureEMA map[string]float64

	anomalies []Anomaly
}

// Model maintains rolling baselines per subject and evaluates incoming
// samples against them.
type Model struct {
	cfg    Config
	logger *structlog.Logger

	mu       sync.RWMutex
	subjects map[string]*subjectBaseline

	stop chan struct{}
	done chan struct{}
}

// New constructs a model and starts its background sweep. Configuration
// errors are fatal per the fail-fast policy.
func New(cfg Config, logger *structlog.Logger) (*Model, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = structlog.NewLogger("baseline", structlog.LevelInfo, nil)
	}
	m := &Model{
		cfg:      cfg,
		logger:   logger,
		subjects: make(map[string]*subjectBaseline),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// Close stops the background sweep.
func (m *Model) Close() {
	close(m.stop)
	<-m.done
}

func (m *Model) subject(id string) *subjectBaseline {
	m.mu.RLock()
	sb, ok := m.subjects[id]
	m.mu.RUnlock()
	if ok {
		return sb
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok = m.subjects[id]; ok {
		return sb
	}
	sb = &subjectBaseline{
		signatures: make(map[string]int64),
		categories: make(map[string]int64),
		failureEMA: make(map[string]float64),
		firstSeen:  time.Now(),
	}
	m.subjects[id] = sb
	return sb
}

// Observe evaluates one sample against the subject's prior baseline, then
// merges it in. Evaluation strictly precedes the merge so a single sample
// cannot flag itself into the baseline. Samples for one subject are
// processed in call order.
func (m *Model) Observe(subjectID, category string, signatures []string, latency time.Duration) []Anomaly {
	sb := m.subject(subjectID)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	now := time.Now()
	var anomalies []Anomaly

	// --- evaluate against prior state ---

	if a := sb.evaluateTiming(m.cfg, subjectID, latency, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := sb.evaluateVolume(m.cfg, subjectID, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := sb.evaluateResolution(m.cfg, subjectID, signatures, now); a != nil {
		anomalies = append(anomalies, *a)
	}
	anomalies = append(anomalies, sb.evaluateSecurity(subjectID, signatures, now)...)

	// --- merge the observation ---

	sb.hourly[now.Hour()]++
	sb.lastSeen = now

	lat := float64(latency.Milliseconds())
	sb.latCount++
	delta := lat - sb.latMean
	sb.latMean += delta / float64(sb.latCount)
	sb.latM2 += delta * (lat - sb.latMean)

	for _, sig := range signatures {
		sb.signatures[sig]++
		sb.sigTotal++
	}
	sb.categories[category]++

	sb.retain(anomalies, m.cfg.MaxAnomalies)

	if len(anomalies) > 0 {
		m.logger.SecurityEvent("baseline anomalies detected", structlog.Fields{
			"subject_id": subjectID,
			"count":      len(anomalies),
		})
	}
	return anomalies
}

func (sb *subjectBaseline) evaluateTiming(cfg Config, subjectID string, latency time.Duration, now time.Time) *Anomaly {
	if sb.latCount < 5 {
		return nil // not enough history to call anything unusual
	}
	stddev := math.Sqrt(sb.latM2 / float64(sb.latCount))
	threshold := sb.latMean + cfg.TimingSigma*stddev
	lat := float64(latency.Milliseconds())
	if lat <= threshold {
		return nil
	}
	return &Anomaly{
		Kind:        AnomalyTiming,
		Severity:    SeverityMedium,
		Description: "unusual response time",
		Timestamp:   now,
		SubjectID:   subjectID,
		Evidence: []string{
			fmt.Sprintf("response time %.0fms", lat),
			fmt.Sprintf("baseline mean %.0fms, stddev %.0fms", sb.latMean, stddev),
		},
	}
}

func (sb *subjectBaseline) evaluateVolume(cfg Config, subjectID string, now time.Time) *Anomaly {
	days := now.Sub(sb.firstSeen).Hours() / 24
	if days < 1 {
		return nil // no historical average to compare against yet
	}
	current := float64(sb.hourly[now.Hour()])
	hourlyMean := current / days
	if current <= hourlyMean*(1+cfg.VolumeFactor) || current < 10 {
		return nil
	}
	return &Anomaly{
		Kind:        AnomalyVolume,
		Severity:    SeverityHigh,
		Description: "unusual query volume",
		Timestamp:   now,
		SubjectID:   subjectID,
		Evidence: []string{
			fmt.Sprintf("hour %02d count %.0f exceeds historical mean %.1f", now.Hour(), current, hourlyMean),
		},
	}
}

func (sb *subjectBaseline) evaluateResolution(cfg Config, subjectID string, signatures []string, now time.Time) *Anomaly {
	if len(signatures) == 0 || sb.sigTotal == 0 {
		return nil
	}
	rare := 0
	var rareValues []string
	for _, sig := range signatures {
		freq := float64(sb.signatures[sig]) / float64(sb.sigTotal)
		if freq < cfg.RarityFreq {
			rare++
			rareValues = append(rareValues, sig)
		}
	}
	if float64(rare)/float64(len(signatures)) <= cfg.RarityRatio {
		return nil
	}
	evidence := []string{fmt.Sprintf("%d of %d values below historical frequency threshold", rare, len(signatures))}
	evidence = append(evidence, rareValues...)
	return &Anomaly{
		Kind:        AnomalyResolution,
		Severity:    SeverityHigh,
		Description: "resolution pattern deviates from historical data",
		Timestamp:   now,
		SubjectID:   subjectID,
		Evidence:    evidence,
	}
}

// Content-based security heuristics: tunneling, amplification, and
// spoofing/poisoning indicators. All critical.
func (sb *subjectBaseline) evaluateSecurity(subjectID string, signatures []string, now time.Time) []Anomaly {
	var out []Anomaly

	var tunnelEvidence []string
	totalSize := 0
	for _, sig := range signatures {
		totalSize += len(sig)
		if len(sig) > 200 {
			tunnelEvidence = append(tunnelEvidence, fmt.Sprintf("oversized value (%d chars)", len(sig)))
		} else if shannonEntropy(sig) > 4.5 {
			tunnelEvidence = append(tunnelEvidence, "high entropy value (possible encoded payload)")
		}
	}
	if len(tunnelEvidence) > 0 {
		out = append(out, Anomaly{
			Kind:        AnomalySecurity,
			Severity:    SeverityCritical,
			Description: "possible tunneling",
			Timestamp:   now,
			SubjectID:   subjectID,
			Evidence:    tunnelEvidence,
		})
	}

	if totalSize > 512 {
		out = append(out, Anomaly{
			Kind:        AnomalySecurity,
			Severity:    SeverityCritical,
			Description: "possible amplification",
			Timestamp:   now,
			SubjectID:   subjectID,
			Evidence:    []string{fmt.Sprintf("aggregate response size %d bytes", totalSize)},
		})
	}

	// Unseen values where established history exists.
	if sb.sigTotal >= 10 {
		var unseen []string
		for _, sig := range signatures {
			if sb.signatures[sig] == 0 {
				unseen = append(unseen, sig)
			}
		}
		if len(unseen) > 0 {
			evidence := []string{"previously unseen values against established history"}
			evidence = append(evidence, unseen...)
			out = append(out, Anomaly{
				Kind:        AnomalySecurity,
				Severity:    SeverityCritical,
				Description: "possible spoofing or poisoning",
				Timestamp:   now,
				SubjectID:   subjectID,
				Evidence:    evidence,
			})
		}
	}

	return out
}

// RecordOutcome folds a success/failure outcome into the per-category
// failure-rate EMA and flags a pattern anomaly when the rate jumps by more
// than the configured delta.
func (m *Model) RecordOutcome(subjectID, category string, success bool) *Anomaly {
	sb := m.subject(subjectID)
	sb.mu.Lock()
	defer sb.mu.Unlock()

	prior := sb.failureEMA[category]
	sample := 0.0
	if !success {
		sample = 1.0
	}
	updated := (prior + sample) / 2
	sb.failureEMA[category] = updated

	if updated <= prior+m.cfg.FailureDelta || sample == 0 {
		return nil
	}
	a := Anomaly{
		Kind:        AnomalyPattern,
		Severity:    SeverityMedium,
		Description: "failure rate rising",
		Timestamp:   time.Now(),
		SubjectID:   subjectID,
		Evidence: []string{
			fmt.Sprintf("category %s failure EMA %.2f (was %.2f)", category, updated, prior),
		},
	}
	sb.retain([]Anomaly{a}, m.cfg.MaxAnomalies)
	return &a
}

func (sb *subjectBaseline) retain(anomalies []Anomaly, max int) {
	sb.anomalies = append(sb.anomalies, anomalies...)
	if len(sb.anomalies) > max {
		sb.anomalies = sb.anomalies[len(sb.anomalies)-max:]
	}
}

// Anomalies returns a copy of the subject's retained anomalies, oldest first.
func (m *Model) Anomalies(subjectID string) []Anomaly {
	m.mu.RLock()
	sb, ok := m.subjects[subjectID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]Anomaly, len(sb.anomalies))
	copy(out, sb.anomalies)
	return out
}

// Snapshot is a read copy of a subject baseline for dashboards.
type Snapshot struct {
	Hourly         [24]int64          `json:"hourly"`
	MeanLatencyMs  float64            `json:"mean_latency_ms"`
	LatencySamples int64              `json:"latency_samples"`
	Signatures     map[string]int64   `json:"signatures"`
	Categories     map[string]int64   `json:"categories"`
	FailureEMA     map[string]float64 `json:"failure_ema"`
	LastSeen       time.Time          `json:"last_seen"`
}

// SnapshotFor returns the subject's baseline as a copy, or false for
// cold-start subjects.
func (m *Model) SnapshotFor(subjectID string) (Snapshot, bool) {
	m.mu.RLock()
	sb, ok := m.subjects[subjectID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	snap := Snapshot{
		Hourly:         sb.hourly,
		MeanLatencyMs:  sb.latMean,
		LatencySamples: sb.latCount,
		Signatures:     make(map[string]int64, len(sb.signatures)),
		Categories:     make(map[string]int64, len(sb.categories)),
		FailureEMA:     make(map[string]float64, len(sb.failureEMA)),
		LastSeen:       sb.lastSeen,
	}
	for k, v := range sb.signatures {
		snap.Signatures[k] = v
	}
	for k, v := range sb.categories {
		snap.Categories[k] = v
	}
	for k, v := range sb.failureEMA {
		snap.FailureEMA[k] = v
	}
	return snap, true
}

// Forget drops the subject's baseline and anomalies entirely.
func (m *Model) Forget(subjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subjects, subjectID)
}

// sweepLoop ages out anomalies and idle baselines past the learning period.
// Runs independently of observation calls so idle subjects still expire.
func (m *Model) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Model) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.LearningPeriod)

	m.mu.Lock()
	ids := make([]string, 0, len(m.subjects))
	for id := range m.subjects {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.mu.RLock()
		sb, ok := m.subjects[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		sb.mu.Lock()
		kept := sb.anomalies[:0]
		for _, a := range sb.anomalies {
			if a.Timestamp.After(cutoff) {
				kept = append(kept, a)
			}
		}
		sb.anomalies = kept
		idle := !sb.lastSeen.IsZero() && sb.lastSeen.Before(cutoff)
		sb.mu.Unlock()

		if idle {
			m.mu.Lock()
			delete(m.subjects, id)
			m.mu.Unlock()
			m.logger.Info("baseline aged out", structlog.Fields{"subject_id": id})
		}
	}
}

// shannonEntropy returns bits per character of the value.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
