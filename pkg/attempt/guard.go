// Package attempt tracks verification attempts per subject and enforces
// progressive lockout with escalating challenge complexity.
package attempt

import (
	"context"
	"fmt"
	"time"

	"riskgate/pkg/structlog"
)

// Complexity is the challenge level required for the next verification.
type Complexity string

const (
	ComplexityStandard Complexity = "standard"
	ComplexityEnhanced Complexity = "enhanced"
	ComplexityMaximum  Complexity = "maximum"
)

// State is the persisted attempt record for one subject. The counting
// window slides with LastAttemptTime: it expires only once the subject
// has been quiet for a full window.
type State struct {
	Count           int       `json:"count"` // failures in the current window
	Total           int       `json:"total"` // lifetime failures since last success
	WindowStart     time.Time `json:"window_start"`
	LastAttemptTime time.Time `json:"last_attempt_time"`
	BlockedUntil    time.Time `json:"blocked_until"`
}

// Store persists attempt state. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, subjectID string) (State, bool, error)
	Put(ctx context.Context, subjectID string, st State) error
	Delete(ctx context.Context, subjectID string) error
}

// BlockedError reports that a subject is locked out.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("attempt: blocked, retry after %s", e.RetryAfter.Round(time.Second))
}

// Config controls lockout behavior.
type Config struct {
	MaxAttempts        int           // failures per window before lockout
	Window             time.Duration // counting window
	BaseBackoff        time.Duration // first lockout duration
	MaxBackoffExponent int           // cap on the doubling exponent
	EnhancedThreshold  int           // failures in window requiring enhanced checks
	MaximumThreshold   int           // failures in window requiring maximum checks
}

// DefaultConfig returns the standard guard configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        5,
		Window:             15 * time.Minute,
		BaseBackoff:        30 * time.Second,
		MaxBackoffExponent: 6,
		EnhancedThreshold:  3,
		MaximumThreshold:   5,
	}
}

func (c Config) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("attempt: max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.Window <= 0 || c.BaseBackoff <= 0 {
		return fmt.Errorf("attempt: window and base backoff must be positive")
	}
	if c.MaxBackoffExponent < 0 {
		return fmt.Errorf("attempt: max backoff exponent must be non-negative")
	}
	if c.EnhancedThreshold <= 0 || c.MaximumThreshold < c.EnhancedThreshold {
		return fmt.Errorf("attempt: complexity thresholds must satisfy 0 < enhanced <= maximum")
	}
	return nil
}

// Guard enforces attempt limits against a backing store.
type Guard struct {
	cfg    Config
	store  Store
	logger *structlog.Logger
	now    func() time.Time
}

// NewGuard constructs a guard, failing fast on invalid configuration.
func NewGuard(cfg Config, store Store, logger *structlog.Logger) (*Guard, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoffExponent == 0 {
		cfg.MaxBackoffExponent = def.MaxBackoffExponent
	}
	if cfg.EnhancedThreshold == 0 {
		cfg.EnhancedThreshold = def.EnhancedThreshold
	}
	if cfg.MaximumThreshold == 0 {
		cfg.MaximumThreshold = def.MaximumThreshold
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = structlog.NewLogger("attempt", structlog.LevelInfo, nil)
	}
	return &Guard{cfg: cfg, store: store, logger: logger, now: time.Now}, nil
}

// RecordAttempt registers a verification attempt. A failed attempt while
// blocked, or one that crosses the window limit, returns *BlockedError
// with the remaining lockout. A successful attempt clears the state.
func (g *Guard) RecordAttempt(ctx context.Context, subjectID string, success bool) error {
	now := g.now()
	st, found, err := g.store.Get(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("attempt: load state: %w", err)
	}

	if found && now.Before(st.BlockedUntil) {
		return &BlockedError{RetryAfter: st.BlockedUntil.Sub(now)}
	}

	if success {
		if found {
			if err := g.store.Delete(ctx, subjectID); err != nil {
				return fmt.Errorf("attempt: clear state: %w", err)
			}
		}
		return nil
	}

	// The window slides with the last attempt, and a served lockout opens
	// a fresh one. The lifetime total carries over either way, so the next
	// backoff keeps escalating.
	if !found || now.Sub(st.LastAttemptTime) > g.cfg.Window || !st.BlockedUntil.IsZero() {
		st = State{WindowStart: now, Total: st.Total}
	}
	st.Count++
	st.Total++
	st.LastAttemptTime = now

	var blockErr *BlockedError
	if st.Count >= g.cfg.MaxAttempts {
		backoff := g.backoff(st.Total)
		st.BlockedUntil = now.Add(backoff)
		blockErr = &BlockedError{RetryAfter: backoff}
		g.logger.SecurityEvent("subject locked out", structlog.Fields{
			"subject_id": subjectID,
			"attempts":   st.Total,
			"backoff":    backoff.String(),
		})
	}

	if err := g.store.Put(ctx, subjectID, st); err != nil {
		return fmt.Errorf("attempt: save state: %w", err)
	}
	if blockErr != nil {
		return blockErr
	}
	return nil
}

// backoff doubles with every full batch of failures, capped at the
// configured exponent. Lifetime failures feed the exponent so repeat
// offenders wait longer across lockouts.
func (g *Guard) backoff(totalAttempts int) time.Duration {
	exp := totalAttempts / g.cfg.MaxAttempts
	if exp > g.cfg.MaxBackoffExponent {
		exp = g.cfg.MaxBackoffExponent
	}
	return g.cfg.BaseBackoff * (1 << exp)
}

// RequiredComplexity returns the challenge level for the subject's next
// verification based on failures in the current window.
func (g *Guard) RequiredComplexity(ctx context.Context, subjectID string) (Complexity, error) {
	now := g.now()
	st, found, err := g.store.Get(ctx, subjectID)
	if err != nil {
		return ComplexityStandard, fmt.Errorf("attempt: load state: %w", err)
	}
	if !found || now.Sub(st.LastAttemptTime) > g.cfg.Window {
		return ComplexityStandard, nil
	}
	switch {
	case st.Count >= g.cfg.MaximumThreshold:
		return ComplexityMaximum, nil
	case st.Count >= g.cfg.EnhancedThreshold:
		return ComplexityEnhanced, nil
	default:
		return ComplexityStandard, nil
	}
}

// Blocked reports whether the subject is currently locked out and, if so,
// the remaining wait.
func (g *Guard) Blocked(ctx context.Context, subjectID string) (bool, time.Duration, error) {
	now := g.now()
	st, found, err := g.store.Get(ctx, subjectID)
	if err != nil {
		return false, 0, fmt.Errorf("attempt: load state: %w", err)
	}
	if !found || !now.Before(st.BlockedUntil) {
		return false, 0, nil
	}
	return true, st.BlockedUntil.Sub(now), nil
}

// Reset clears all attempt state for a subject. Intended for operator use;
// a subject logging out does not clear lockout.
func (g *Guard) Reset(ctx context.Context, subjectID string) error {
	if err := g.store.Delete(ctx, subjectID); err != nil {
		return fmt.Errorf("attempt: reset: %w", err)
	}
	return nil
}
