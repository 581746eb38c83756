package behavior

import (
	"math"
	"sync"
	"time"

	"riskgate/pkg/telemetry"
)

// minTypingSamples is the minimum keystroke count for a typing batch to
// contribute to confidence and verification.
const minTypingSamples = 10

// maxPatternsPerModality bounds per-subject history; oldest entries are
// evicted first by insertion order.
const maxPatternsPerModality = 10

// Profile is the rolling behavioral profile of one subject. Returned to
// callers only as a copy.
type Profile struct {
	SubjectID       string                 `json:"subject_id"`
	TypingPatterns  []TypingPattern        `json:"typing_patterns"` // insertion order, oldest first
	TypingTimes     []time.Time            `json:"typing_times"`
	MousePatterns   []MousePattern         `json:"mouse_patterns"`
	Device          *telemetry.DeviceInfo  `json:"device,omitempty"`
	ConfidenceScore float64                `json:"confidence_score"` // [0,1]
	UpdatedAt       time.Time              `json:"updated_at"`
}

type profileEntry struct {
	mu      sync.Mutex
	profile Profile
}

// Store owns all behavioral profiles, keyed by subject id. Safe for
// concurrent use; per-subject operations do not contend across subjects.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*profileEntry
}

// NewStore creates an empty profile store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]*profileEntry)}
}

func (s *Store) entry(subjectID string) *profileEntry {
	s.mu.RLock()
	e, ok := s.profiles[subjectID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.profiles[subjectID]; ok {
		return e
	}
	e = &profileEntry{profile: Profile{SubjectID: subjectID}}
	s.profiles[subjectID] = e
	return e
}

// Update folds one telemetry batch into the subject's profile, creating it
// on first observation, and returns the new confidence score.
func (s *Store) Update(subjectID string, keystrokes []telemetry.KeystrokeEvent, pointer []telemetry.PointerEvent, device *telemetry.DeviceInfo) float64 {
	e := s.entry(subjectID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	p := &e.profile

	var tp *TypingPattern
	if len(keystrokes) > 0 {
		t := AnalyzeTyping(keystrokes)
		tp = &t
		p.TypingPatterns = append(p.TypingPatterns, t)
		p.TypingTimes = append(p.TypingTimes, now)
		if len(p.TypingPatterns) > maxPatternsPerModality {
			p.TypingPatterns = p.TypingPatterns[1:]
			p.TypingTimes = p.TypingTimes[1:]
		}
	}

	var mp *MousePattern
	if len(pointer) > 0 {
		m := AnalyzeMouse(pointer)
		mp = &m
		p.MousePatterns = append(p.MousePatterns, m)
		if len(p.MousePatterns) > maxPatternsPerModality {
			p.MousePatterns = p.MousePatterns[1:]
		}
	}

	if device != nil {
		d := *device
		p.Device = &d
	}

	p.ConfidenceScore = confidenceScore(tp, mp)
	p.UpdatedAt = now
	return p.ConfidenceScore
}

// confidenceScore fuses the latest batch into a [0,1] confidence.
func confidenceScore(tp *TypingPattern, mp *MousePattern) float64 {
	const (
		wTyping     = 0.4
		wMouse      = 0.3
		wComplexity = 0.3
	)
	score := 0.0

	if tp != nil && len(tp.HoldTimes) >= minTypingSamples {
		score += tp.Consistency * wTyping
	}

	if mp != nil {
		mouseScore := 1.0
		switch mp.Shape {
		case ShapeErratic:
			mouseScore = 0.3
		case ShapeCurved:
			mouseScore = 0.7
		}
		score += mouseScore * wMouse
	}

	var keyCount, moveCount int
	if tp != nil {
		keyCount = len(tp.HoldTimes)
	}
	if mp != nil {
		moveCount = len(mp.Movements)
	}
	complexity := (float64(keyCount)/50 + float64(moveCount)/100) / 2
	score += math.Min(1, complexity) * wComplexity

	return math.Min(1, score)
}

// Verify compares a fresh batch against the subject's stored patterns and
// returns a [0,1] match score. Unknown subjects score 0.
func (s *Store) Verify(subjectID string, keystrokes []telemetry.KeystrokeEvent, pointer []telemetry.PointerEvent) float64 {
	s.mu.RLock()
	e, ok := s.profiles[subjectID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	stored := e.profile
	typing := make([]TypingPattern, len(stored.TypingPatterns))
	copy(typing, stored.TypingPatterns)
	mouse := make([]MousePattern, len(stored.MousePatterns))
	copy(mouse, stored.MousePatterns)
	e.mu.Unlock()

	current := AnalyzeTyping(keystrokes)
	currentMouse := AnalyzeMouse(pointer)

	typingMatch := matchTyping(current, typing)
	mouseMatch := matchMouse(currentMouse, mouse)

	// Typing is the more reliable modality.
	return typingMatch*0.7 + mouseMatch*0.3
}

func matchTyping(current TypingPattern, stored []TypingPattern) float64 {
	if len(stored) == 0 || len(current.HoldTimes) < minTypingSamples {
		return 0
	}
	best := 0.0
	for _, p := range stored {
		if p.AvgHoldTime == 0 {
			continue
		}
		holdDiff := math.Abs(current.AvgHoldTime-p.AvgHoldTime) / p.AvgHoldTime
		flightDiff := 0.0
		if p.AvgFlightTime > 0 {
			flightDiff = math.Abs(current.AvgFlightTime-p.AvgFlightTime) / p.AvgFlightTime
		}
		consistencyDiff := math.Abs(current.Consistency - p.Consistency)
		score := 1 - (holdDiff*0.4 + flightDiff*0.4 + consistencyDiff*0.2)
		if score > best {
			best = score
		}
	}
	return clamp01(best)
}

func matchMouse(current MousePattern, stored []MousePattern) float64 {
	if len(stored) == 0 {
		return 0
	}
	best := 0.0
	for _, p := range stored {
		if p.AvgVelocity == 0 {
			continue
		}
		velocityDiff := math.Abs(current.AvgVelocity-p.AvgVelocity) / p.AvgVelocity
		patternMatch := 0.0
		if current.Shape == p.Shape {
			patternMatch = 1.0
		}
		score := 1 - (velocityDiff*0.7 + (1-patternMatch)*0.3)
		if score > best {
			best = score
		}
	}
	return clamp01(best)
}

// Profile returns a copy of the subject's profile, or false if none exists.
func (s *Store) Profile(subjectID string) (Profile, bool) {
	s.mu.RLock()
	e, ok := s.profiles[subjectID]
	s.mu.RUnlock()
	if !ok {
		return Profile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyProfile(e.profile), true
}

// Confidence returns the subject's current confidence score, or false if the
// subject has no profile yet.
func (s *Store) Confidence(subjectID string) (float64, bool) {
	p, ok := s.Profile(subjectID)
	if !ok {
		return 0, false
	}
	return p.ConfidenceScore, true
}

// Reset drops the subject's profile. Called on logout.
func (s *Store) Reset(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, subjectID)
}

func copyProfile(p Profile) Profile {
	cp := p
	cp.TypingPatterns = make([]TypingPattern, len(p.TypingPatterns))
	copy(cp.TypingPatterns, p.TypingPatterns)
	cp.TypingTimes = make([]time.Time, len(p.TypingTimes))
	copy(cp.TypingTimes, p.TypingTimes)
	cp.MousePatterns = make([]MousePattern, len(p.MousePatterns))
	copy(cp.MousePatterns, p.MousePatterns)
	if p.Device != nil {
		d := *p.Device
		cp.Device = &d
	}
	return cp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
