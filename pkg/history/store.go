// Package history keeps a bounded per-subject record of risk assessments
// and derives score trends from it.
package history

import (
	"math"
	"sync"

	"riskgate/pkg/risk"
)

// Trend describes how a subject's risk score is moving over recent
// assessments.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

const (
	// maxAssessments bounds the per-subject history.
	maxAssessments = 50
	// minTrendSamples is the fewest assessments a trend can be read from.
	minTrendSamples = 2
	// trendEpsilon is the slope magnitude below which the trend is stable.
	trendEpsilon = 0.1
)

// Aggregate summarizes a subject's recent assessments.
type Aggregate struct {
	SubjectID    string         `json:"subject_id"`
	Count        int            `json:"count"`
	MeanScore    float64        `json:"mean_score"`
	LatestScore  int            `json:"latest_score"`
	LevelCounts  map[string]int `json:"level_counts"`
	Trend        Trend          `json:"trend"`
}

// Store is an in-memory assessment history. Appends are serialized per
// subject; reads return copies.
type Store struct {
	mu       sync.RWMutex
	subjects map[string][]risk.Assessment
}

// NewStore returns an empty history store.
func NewStore() *Store {
	return &Store{subjects: make(map[string][]risk.Assessment)}
}

// Append records an assessment, evicting the oldest entry past the bound.
func (s *Store) Append(a risk.Assessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.subjects[a.SubjectID], a)
	if len(list) > maxAssessments {
		list = list[len(list)-maxAssessments:]
	}
	s.subjects[a.SubjectID] = list
}

// Recent returns up to n of the subject's latest assessments, oldest first.
// n <= 0 returns the full retained history.
func (s *Store) Recent(subjectID string, n int) []risk.Assessment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.subjects[subjectID]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]risk.Assessment, len(list))
	copy(out, list)
	return out
}

// Trend fits an ordinary least squares line over the retained scores.
// Falling scores are improving; slopes inside the epsilon band are stable.
func (s *Store) Trend(subjectID string) Trend {
	s.mu.RLock()
	list := s.subjects[subjectID]
	scores := make([]float64, len(list))
	for i, a := range list {
		scores[i] = float64(a.Score)
	}
	s.mu.RUnlock()

	if len(scores) < minTrendSamples {
		return TrendStable
	}
	slope := olsSlope(scores)
	switch {
	case math.Abs(slope) < trendEpsilon:
		return TrendStable
	case slope < 0:
		return TrendImproving
	default:
		return TrendWorsening
	}
}

// Summary aggregates the subject's retained history.
func (s *Store) Summary(subjectID string) Aggregate {
	s.mu.RLock()
	list := s.subjects[subjectID]
	agg := Aggregate{
		SubjectID:   subjectID,
		Count:       len(list),
		LevelCounts: make(map[string]int),
	}
	sum := 0
	for _, a := range list {
		sum += a.Score
		agg.LevelCounts[string(a.Level)]++
	}
	if len(list) > 0 {
		agg.MeanScore = float64(sum) / float64(len(list))
		agg.LatestScore = list[len(list)-1].Score
	}
	s.mu.RUnlock()

	agg.Trend = s.Trend(subjectID)
	return agg
}

// Clear drops a subject's history.
func (s *Store) Clear(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subjects, subjectID)
}

// olsSlope returns the least squares slope of ys against their indices.
func olsSlope(ys []float64) float64 {
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
