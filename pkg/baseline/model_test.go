package baseline

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// seed establishes a steady baseline of common signatures and latencies.
func seed(m *Model, subject string, n int) {
	for i := 0; i < n; i++ {
		m.Observe(subject, "lookup", []string{"10.0.0.1", "10.0.0.2"}, 20*time.Millisecond)
	}
}

func TestObserveColdStartIsQuiet(t *testing.T) {
	m := newTestModel(t)
	anomalies := m.Observe("u1", "lookup", []string{"10.0.0.1"}, 25*time.Millisecond)
	if len(anomalies) != 0 {
		t.Fatalf("first benign observation flagged: %+v", anomalies)
	}
}

func TestTimingAnomalyNeedsHistory(t *testing.T) {
	m := newTestModel(t)

	// Under five samples, even a huge spike is not called.
	for i := 0; i < 4; i++ {
		m.Observe("u1", "lookup", nil, 20*time.Millisecond)
	}
	if got := m.Observe("u1", "lookup", nil, 10*time.Second); hasKind(got, AnomalyTiming) {
		t.Fatalf("timing flagged without enough history")
	}

	for i := 0; i < 20; i++ {
		m.Observe("u1", "lookup", nil, 20*time.Millisecond)
	}
	got := m.Observe("u1", "lookup", nil, 10*time.Second)
	if !hasKind(got, AnomalyTiming) {
		t.Fatalf("latency spike over steady baseline not flagged: %+v", got)
	}
}

func TestIdenticalSequencesFlagIdentically(t *testing.T) {
	a := newTestModel(t)
	b := newTestModel(t)

	feed := func(m *Model) [][]Anomaly {
		var out [][]Anomaly
		seed(m, "u1", 12)
		for _, obs := range []struct {
			sigs    []string
			latency time.Duration
		}{
			{[]string{"10.0.0.1"}, 20 * time.Millisecond},
			{[]string{"203.0.113.99"}, 20 * time.Millisecond},
			{[]string{"10.0.0.2"}, 8 * time.Second},
		} {
			out = append(out, m.Observe("u1", "lookup", obs.sigs, obs.latency))
		}
		return out
	}

	gotA, gotB := feed(a), feed(b)
	for i := range gotA {
		if len(gotA[i]) != len(gotB[i]) {
			t.Fatalf("observation %d: %d vs %d anomalies", i, len(gotA[i]), len(gotB[i]))
		}
		for j := range gotA[i] {
			if gotA[i][j].Kind != gotB[i][j].Kind || gotA[i][j].Severity != gotB[i][j].Severity {
				t.Fatalf("observation %d anomaly %d differs: %+v vs %+v",
					i, j, gotA[i][j], gotB[i][j])
			}
		}
	}
}

func TestSampleCannotFlagItself(t *testing.T) {
	m := newTestModel(t)
	seed(m, "u1", 20)
	// The spike merges into the baseline only after evaluation, so the same
	// call that carries it must be judged against the prior mean.
	first := m.Observe("u1", "lookup", nil, 5*time.Second)
	if !hasKind(first, AnomalyTiming) {
		t.Fatalf("spike absorbed into its own baseline")
	}
}

func TestSpoofingUnseenValuesAgainstHistory(t *testing.T) {
	m := newTestModel(t)
	seed(m, "u1", 10) // 20 signature observations, well past the minimum
	got := m.Observe("u1", "lookup", []string{"203.0.113.99"}, 20*time.Millisecond)
	if !hasCritical(got, "spoofing") {
		t.Fatalf("unseen value against established history not critical: %+v", got)
	}
}

func TestSpoofingNotFlaggedWithoutHistory(t *testing.T) {
	m := newTestModel(t)
	m.Observe("u1", "lookup", []string{"10.0.0.1"}, 20*time.Millisecond)
	got := m.Observe("u1", "lookup", []string{"203.0.113.99"}, 20*time.Millisecond)
	if hasCritical(got, "spoofing") {
		t.Fatalf("spoofing flagged with almost no history")
	}
}

func TestTunnelingDetection(t *testing.T) {
	m := newTestModel(t)
	oversized := strings.Repeat("x", 250)
	got := m.Observe("u1", "lookup", []string{oversized}, 20*time.Millisecond)
	if !hasCritical(got, "tunneling") {
		t.Fatalf("oversized value not flagged: %+v", got)
	}

	// High-entropy base32-like payload under the size cap.
	encoded := "a1b2c3d4e5f6g7h8i9j0k1l2m3n4o5p6q7r8s9t0u1v2w3x4y5z6A7B8"
	got = m.Observe("u2", "lookup", []string{encoded}, 20*time.Millisecond)
	if !hasCritical(got, "tunneling") {
		t.Fatalf("high-entropy value not flagged: %+v", got)
	}
}

func TestAmplificationDetection(t *testing.T) {
	m := newTestModel(t)
	batch := make([]string, 6)
	for i := range batch {
		batch[i] = strings.Repeat("a", 100) + fmt.Sprint(i)
	}
	got := m.Observe("u1", "lookup", batch, 20*time.Millisecond)
	if !hasCritical(got, "amplification") {
		t.Fatalf("oversized aggregate not flagged: %+v", got)
	}
}

func TestRecordOutcomeFailureRateEMA(t *testing.T) {
	m := newTestModel(t)

	if a := m.RecordOutcome("u1", "login", true); a != nil {
		t.Fatalf("success flagged: %+v", a)
	}
	// First failure jumps the EMA from 0 to 0.5.
	a := m.RecordOutcome("u1", "login", false)
	if a == nil || a.Kind != AnomalyPattern {
		t.Fatalf("failure-rate jump not flagged: %+v", a)
	}
	// A success halves the EMA; no anomaly on improvement.
	if a := m.RecordOutcome("u1", "login", true); a != nil {
		t.Fatalf("recovering rate flagged: %+v", a)
	}
}

func TestAnomaliesReturnsCopies(t *testing.T) {
	m := newTestModel(t)
	seed(m, "u1", 10)
	m.Observe("u1", "lookup", []string{"203.0.113.99"}, 20*time.Millisecond)

	list := m.Anomalies("u1")
	if len(list) == 0 {
		t.Fatalf("expected retained anomalies")
	}
	list[0].Description = "mutated"
	if m.Anomalies("u1")[0].Description == "mutated" {
		t.Fatalf("caller mutation leaked into model")
	}
}

func TestSweepAgesOutIdleSubjects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearningPeriod = time.Millisecond
	m, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	m.Observe("u1", "lookup", []string{"10.0.0.1"}, 20*time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	m.sweep(time.Now())

	if _, ok := m.SnapshotFor("u1"); ok {
		t.Fatalf("idle subject survived sweep")
	}
}

func TestForget(t *testing.T) {
	m := newTestModel(t)
	seed(m, "u1", 5)
	m.Forget("u1")
	if _, ok := m.SnapshotFor("u1"); ok {
		t.Fatalf("subject survived Forget")
	}
}

func TestShannonEntropy(t *testing.T) {
	if e := shannonEntropy("aaaaaaaa"); e != 0 {
		t.Fatalf("uniform string entropy = %v, want 0", e)
	}
	if e := shannonEntropy("abcdefghijklmnopqrstuvwxyz0123456789"); e <= 4.5 {
		t.Fatalf("alphabet entropy = %v, want > 4.5", e)
	}
}

func hasKind(anomalies []Anomaly, kind AnomalyKind) bool {
	for _, a := range anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func hasCritical(anomalies []Anomaly, substr string) bool {
	for _, a := range anomalies {
		if a.Severity == SeverityCritical && strings.Contains(a.Description, substr) {
			return true
		}
	}
	return false
}
