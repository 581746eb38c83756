package attempt

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives the guard's notion of now.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *fakeClock) {
	t.Helper()
	g, err := NewGuard(Config{}, NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	g.now = clock.Now
	return g, clock
}

func fail(t *testing.T, g *Guard, subject string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := g.RecordAttempt(context.Background(), subject, false)
		var blocked *BlockedError
		if err != nil && !errors.As(err, &blocked) {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
}

func TestLockoutAfterMaxAttempts(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := g.RecordAttempt(ctx, "u1", false); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	err := g.RecordAttempt(ctx, "u1", false)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("fifth failure should lock out, got %v", err)
	}
	if blocked.RetryAfter != 60*time.Second {
		t.Fatalf("first lockout = %v, want base*2 (5 total / 5 max -> exponent 1)", blocked.RetryAfter)
	}
}

func TestBlockedUntilBackoffExpires(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 5)

	// Attempts during the lockout are refused outright, success included.
	err := g.RecordAttempt(ctx, "u1", true)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("attempt during lockout should be refused, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := g.RecordAttempt(ctx, "u1", true); err != nil {
		t.Fatalf("attempt after lockout expiry: %v", err)
	}
}

func TestBackoffScalesWithLifetimeFailures(t *testing.T) {
	g, clock := newTestGuard(t)

	fail(t, g, "u1", 5)
	clock.Advance(2 * time.Minute)

	// Second round of failures doubles the wait again.
	fail(t, g, "u1", 4)
	err := g.RecordAttempt(context.Background(), "u1", false)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected second lockout, got %v", err)
	}
	if blocked.RetryAfter != 2*time.Minute {
		t.Fatalf("second lockout = %v, want base*2^2 (10 lifetime failures)", blocked.RetryAfter)
	}
}

func TestWindowSlidesWithAttempts(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()

	// Failures paced inside the window must keep accumulating even after
	// the first attempt falls outside it.
	var err error
	for i := 0; i < 5; i++ {
		err = g.RecordAttempt(ctx, "u1", false)
		clock.Advance(6 * time.Minute)
	}
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("fifth paced failure should lock out, got %v", err)
	}
}

func TestServedLockoutOpensFreshWindow(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 5)
	clock.Advance(2 * time.Minute)

	if err := g.RecordAttempt(ctx, "u1", false); err != nil {
		t.Fatalf("first failure after served lockout re-blocked: %v", err)
	}
	c, err := g.RequiredComplexity(ctx, "u1")
	if err != nil {
		t.Fatalf("RequiredComplexity: %v", err)
	}
	if c != ComplexityStandard {
		t.Fatalf("complexity after served lockout = %q, want standard", c)
	}
}

func TestBackoffExponentCap(t *testing.T) {
	g, _ := newTestGuard(t)
	if got := g.backoff(1000); got != 30*time.Second*(1<<6) {
		t.Fatalf("capped backoff = %v, want %v", got, 30*time.Second*(1<<6))
	}
}

func TestSuccessClearsWindowState(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 3)

	if err := g.RecordAttempt(ctx, "u1", true); err != nil {
		t.Fatalf("success: %v", err)
	}
	c, err := g.RequiredComplexity(ctx, "u1")
	if err != nil {
		t.Fatalf("RequiredComplexity: %v", err)
	}
	if c != ComplexityStandard {
		t.Fatalf("complexity after success = %q, want standard", c)
	}
}

func TestWindowExpiryResetsCount(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 4)

	clock.Advance(16 * time.Minute)
	// A fresh window starts counting from one.
	if err := g.RecordAttempt(ctx, "u1", false); err != nil {
		t.Fatalf("failure in fresh window locked out: %v", err)
	}
	c, _ := g.RequiredComplexity(ctx, "u1")
	if c != ComplexityStandard {
		t.Fatalf("complexity in fresh window = %q, want standard", c)
	}
}

func TestComplexityEscalation(t *testing.T) {
	ctx := context.Background()

	steps := []struct {
		failures int
		want     Complexity
	}{
		{0, ComplexityStandard},
		{2, ComplexityStandard},
		{3, ComplexityEnhanced},
		{4, ComplexityEnhanced},
		{5, ComplexityMaximum},
	}
	for _, step := range steps {
		g, _ := newTestGuard(t)
		fail(t, g, "u1", step.failures)
		c, err := g.RequiredComplexity(ctx, "u1")
		if err != nil {
			t.Fatalf("RequiredComplexity: %v", err)
		}
		if c != step.want {
			t.Fatalf("after %d failures complexity = %q, want %q", step.failures, c, step.want)
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 5)

	if err := g.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	ok, _, err := g.Blocked(ctx, "u1")
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if ok {
		t.Fatalf("still blocked after reset")
	}
}

func TestBlockedReportsRemaining(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 5)

	ok, remaining, err := g.Blocked(ctx, "u1")
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if !ok || remaining <= 0 {
		t.Fatalf("expected active lockout, got ok=%v remaining=%v", ok, remaining)
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()
	fail(t, g, "u1", 5)

	if err := g.RecordAttempt(ctx, "u2", false); err != nil {
		t.Fatalf("unrelated subject affected: %v", err)
	}
}
