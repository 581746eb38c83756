package behavior

import (
	"math"
	"testing"

	"riskgate/pkg/telemetry"
)

func steadyKeystrokes(n int) []telemetry.KeystrokeEvent {
	events := make([]telemetry.KeystrokeEvent, n)
	for i := range events {
		events[i] = telemetry.KeystrokeEvent{
			Key:       "a",
			PressedAt: int64(i * 200),
			HoldTime:  100,
		}
	}
	return events
}

func TestAnalyzeTypingSteadyRhythm(t *testing.T) {
	p := AnalyzeTyping(steadyKeystrokes(12))
	if len(p.HoldTimes) != 12 {
		t.Fatalf("want 12 hold times, got %d", len(p.HoldTimes))
	}
	if p.AvgHoldTime != 100 {
		t.Fatalf("avg hold time = %v, want 100", p.AvgHoldTime)
	}
	// flight = inter-press gap minus hold: 200 - 100
	if p.AvgFlightTime != 100 {
		t.Fatalf("avg flight time = %v, want 100", p.AvgFlightTime)
	}
	if p.Consistency != 1 {
		t.Fatalf("zero-variance rhythm should be fully consistent, got %v", p.Consistency)
	}
}

func TestAnalyzeTypingErraticRhythm(t *testing.T) {
	events := []telemetry.KeystrokeEvent{
		{PressedAt: 0, HoldTime: 20},
		{PressedAt: 800, HoldTime: 350},
		{PressedAt: 900, HoldTime: 15},
		{PressedAt: 2500, HoldTime: 400},
		{PressedAt: 2600, HoldTime: 30},
	}
	p := AnalyzeTyping(events)
	if p.Consistency >= 0.9 {
		t.Fatalf("erratic rhythm should not look consistent: %v", p.Consistency)
	}
}

func TestAnalyzeTypingEmpty(t *testing.T) {
	p := AnalyzeTyping(nil)
	if p.AvgHoldTime != 0 || p.AvgFlightTime != 0 {
		t.Fatalf("empty batch should yield zero averages: %+v", p)
	}
}

func TestMovementShapeClassification(t *testing.T) {
	straight := make([]telemetry.PointerEvent, 10)
	for i := range straight {
		straight[i] = telemetry.PointerEvent{X: float64(i * 10), Y: 0, Velocity: 100}
	}
	if got := AnalyzeMouse(straight).Shape; got != ShapeDirect {
		t.Fatalf("straight line classified as %q", got)
	}

	// zig-zag flips direction on every segment
	zigzag := make([]telemetry.PointerEvent, 10)
	for i := range zigzag {
		y := 0.0
		if i%2 == 1 {
			y = 50
		}
		zigzag[i] = telemetry.PointerEvent{X: float64(i * 10), Y: y, Velocity: 100}
	}
	if got := AnalyzeMouse(zigzag).Shape; got != ShapeErratic {
		t.Fatalf("zig-zag classified as %q", got)
	}

	arc := make([]telemetry.PointerEvent, 12)
	for i := range arc {
		angle := float64(i) * math.Pi / 11
		arc[i] = telemetry.PointerEvent{X: 100 * math.Cos(angle), Y: 100 * math.Sin(angle), Velocity: 100}
	}
	shape := AnalyzeMouse(arc).Shape
	if shape == ShapeErratic {
		t.Fatalf("smooth arc classified as erratic")
	}
}

func TestAnalyzeMouseSeparatesClicks(t *testing.T) {
	events := []telemetry.PointerEvent{
		{X: 0, Y: 0, EventType: "move", Velocity: 80},
		{X: 10, Y: 0, EventType: "move", Velocity: 120},
		{X: 10, Y: 0, EventType: "click"},
	}
	p := AnalyzeMouse(events)
	if len(p.Movements) != 2 || len(p.Clicks) != 1 {
		t.Fatalf("moves=%d clicks=%d, want 2/1", len(p.Movements), len(p.Clicks))
	}
	if p.AvgVelocity != 100 {
		t.Fatalf("avg velocity = %v, want 100", p.AvgVelocity)
	}
}
