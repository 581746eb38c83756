package behavior

import (
	"testing"

	"riskgate/pkg/telemetry"
)

func steadyPointer(n int) []telemetry.PointerEvent {
	events := make([]telemetry.PointerEvent, n)
	for i := range events {
		events[i] = telemetry.PointerEvent{X: float64(i * 5), Y: 0, Velocity: 100}
	}
	return events
}

func TestUpdateBuildsProfile(t *testing.T) {
	s := NewStore()
	conf := s.Update("u1", steadyKeystrokes(50), steadyPointer(20), nil)
	if conf <= 0 {
		t.Fatalf("confidence should be positive, got %v", conf)
	}
	p, ok := s.Profile("u1")
	if !ok {
		t.Fatalf("profile missing after update")
	}
	if len(p.TypingPatterns) != 1 || len(p.MousePatterns) != 1 {
		t.Fatalf("unexpected pattern counts: typing=%d mouse=%d", len(p.TypingPatterns), len(p.MousePatterns))
	}
}

func TestUpdateBoundsPatternHistory(t *testing.T) {
	s := NewStore()
	for i := 0; i < 15; i++ {
		s.Update("u1", steadyKeystrokes(12), steadyPointer(5), nil)
	}
	p, _ := s.Profile("u1")
	if len(p.TypingPatterns) != maxPatternsPerModality {
		t.Fatalf("typing history not bounded: %d", len(p.TypingPatterns))
	}
	if len(p.MousePatterns) != maxPatternsPerModality {
		t.Fatalf("mouse history not bounded: %d", len(p.MousePatterns))
	}
}

func TestVerifyMatchesOwnBehavior(t *testing.T) {
	s := NewStore()
	s.Update("u1", steadyKeystrokes(20), steadyPointer(20), nil)

	same := s.Verify("u1", steadyKeystrokes(20), steadyPointer(20))
	if same < 0.9 {
		t.Fatalf("identical behavior should verify high, got %v", same)
	}

	// much slower typist, much faster pointer
	other := make([]telemetry.KeystrokeEvent, 20)
	for i := range other {
		other[i] = telemetry.KeystrokeEvent{PressedAt: int64(i * 900), HoldTime: 400}
	}
	fast := make([]telemetry.PointerEvent, 20)
	for i := range fast {
		y := 0.0
		if i%2 == 1 {
			y = 80
		}
		fast[i] = telemetry.PointerEvent{X: float64(i * 3), Y: y, Velocity: 900}
	}
	diff := s.Verify("u1", other, fast)
	if diff >= same {
		t.Fatalf("different behavior should score below own: %v >= %v", diff, same)
	}
}

func TestVerifyUnknownSubject(t *testing.T) {
	s := NewStore()
	if got := s.Verify("nobody", steadyKeystrokes(20), nil); got != 0 {
		t.Fatalf("unknown subject should verify 0, got %v", got)
	}
}

func TestVerifyRejectsShortSample(t *testing.T) {
	s := NewStore()
	s.Update("u1", steadyKeystrokes(20), nil, nil)
	if got := s.Verify("u1", steadyKeystrokes(3), nil); got != 0 {
		t.Fatalf("short sample should not match typing, got %v", got)
	}
}

func TestResetClearsProfile(t *testing.T) {
	s := NewStore()
	s.Update("u1", steadyKeystrokes(20), nil, nil)
	s.Reset("u1")
	if _, ok := s.Profile("u1"); ok {
		t.Fatalf("profile should be gone after reset")
	}
}

func TestProfileReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Update("u1", steadyKeystrokes(20), nil, nil)
	p1, _ := s.Profile("u1")
	p1.TypingPatterns[0].AvgHoldTime = 9999
	p2, _ := s.Profile("u1")
	if p2.TypingPatterns[0].AvgHoldTime == 9999 {
		t.Fatalf("caller mutation leaked into store")
	}
}
