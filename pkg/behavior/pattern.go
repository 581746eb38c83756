// Package behavior accumulates typing and pointer timing samples into rolling
// per-subject profiles and scores their self-consistency.
package behavior

import (
	"math"

	"riskgate/pkg/telemetry"
)

// MovementShape classifies pointer trajectories.
type MovementShape string

const (
	ShapeDirect  MovementShape = "direct"
	ShapeCurved  MovementShape = "curved"
	ShapeErratic MovementShape = "erratic"
)

// TypingPattern is the statistical summary of one keystroke batch.
type TypingPattern struct {
	HoldTimes     []float64 `json:"hold_times"`
	FlightTimes   []float64 `json:"flight_times"`
	AvgHoldTime   float64   `json:"avg_hold_time"`
	AvgFlightTime float64   `json:"avg_flight_time"`
	Variance      float64   `json:"variance"`
	Consistency   float64   `json:"consistency"` // [0,1], higher = steadier
}

// MousePattern is the statistical summary of one pointer batch.
type MousePattern struct {
	Movements   []telemetry.PointerEvent `json:"movements"`
	Clicks      []telemetry.PointerEvent `json:"clicks"`
	AvgVelocity float64                  `json:"avg_velocity"`
	Shape       MovementShape            `json:"shape"`
}

// maxConsistencyVariance is the variance at which consistency bottoms out.
const maxConsistencyVariance = 10000.0

// AnalyzeTyping reduces a keystroke batch to a TypingPattern.
func AnalyzeTyping(events []telemetry.KeystrokeEvent) TypingPattern {
	var holds, flights []float64
	for i, ev := range events {
		if ev.HoldTime > 0 {
			holds = append(holds, ev.HoldTime)
		}
		if i > 0 {
			prev := events[i-1]
			flight := float64(ev.PressedAt-prev.PressedAt) - prev.HoldTime
			if flight > 0 {
				flights = append(flights, flight)
			}
		}
	}

	p := TypingPattern{
		HoldTimes:     holds,
		FlightTimes:   flights,
		AvgHoldTime:   mean(holds),
		AvgFlightTime: mean(flights),
		Variance:      variance(holds),
	}
	p.Consistency = consistency(holds, flights)
	return p
}

// AnalyzeMouse reduces a pointer batch to a MousePattern.
func AnalyzeMouse(events []telemetry.PointerEvent) MousePattern {
	var moves, clicks []telemetry.PointerEvent
	var velocities []float64
	for _, ev := range events {
		switch ev.EventType {
		case "move", "":
			moves = append(moves, ev)
			if ev.Velocity > 0 {
				velocities = append(velocities, ev.Velocity)
			}
		default:
			clicks = append(clicks, ev)
		}
	}
	return MousePattern{
		Movements:   moves,
		Clicks:      clicks,
		AvgVelocity: mean(velocities),
		Shape:       movementShape(moves),
	}
}

// movementShape classifies a trajectory by the fraction of sharp direction
// changes between consecutive segments.
func movementShape(moves []telemetry.PointerEvent) MovementShape {
	if len(moves) < 3 {
		return ShapeDirect
	}
	angleChanges := 0
	totalSegments := 0
	for i := 2; i < len(moves); i++ {
		p1, p2, p3 := moves[i-2], moves[i-1], moves[i]
		a1 := math.Atan2(p2.Y-p1.Y, p2.X-p1.X)
		a2 := math.Atan2(p3.Y-p2.Y, p3.X-p2.X)
		if math.Abs(a2-a1) > math.Pi/4 {
			angleChanges++
		}
		totalSegments++
	}
	ratio := float64(angleChanges) / float64(totalSegments)
	switch {
	case ratio > 0.5:
		return ShapeErratic
	case ratio > 0.2:
		return ShapeCurved
	default:
		return ShapeDirect
	}
}

func consistency(holds, flights []float64) float64 {
	holdC := math.Max(0, 1-variance(holds)/maxConsistencyVariance)
	if len(flights) == 0 {
		return holdC
	}
	flightC := math.Max(0, 1-variance(flights)/maxConsistencyVariance)
	return (holdC + flightC) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return sum / float64(len(values))
}
