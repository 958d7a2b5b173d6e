package quizengine

import (
	"math"
	"sort"
	"strconv"
	"time"
)

// AnalyzerConfig controls knowledge gap analysis.
type AnalyzerConfig struct {
	// GapThreshold: proficiency below it marks a topic as a gap.
	GapThreshold float64

	// StrengthThreshold: proficiency at or above it marks a strength.
	StrengthThreshold float64

	// MinSessions is the sample size below which a topic is neither gap nor
	// strength; a single unlucky session proves nothing.
	MinSessions int

	// ConfidenceSessions is the sample size at which confidence saturates
	// at 1.0.
	ConfidenceSessions int

	// TargetProficiency anchors the study-time estimate: minutes scale with
	// the distance from current proficiency to this target.
	TargetProficiency float64

	// RecencyWindow is how far back a topic still earns recency weight.
	RecencyWindow time.Duration
}

// DefaultAnalyzerConfig returns the standard analysis tuning.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		GapThreshold:       0.6,
		StrengthThreshold:  0.85,
		MinSessions:        2,
		ConfidenceSessions: 5,
		TargetProficiency:  0.8,
		RecencyWindow:      30 * 24 * time.Hour,
	}
}

// GapAnalyzer derives gaps, strengths and study recommendations from mastery
// records. Output is recomputed on demand and never persisted.
type GapAnalyzer struct {
	cfg AnalyzerConfig
}

// NewGapAnalyzer creates a GapAnalyzer.
func NewGapAnalyzer(cfg AnalyzerConfig) *GapAnalyzer {
	return &GapAnalyzer{cfg: cfg}
}

// Analyze classifies each mastery record as gap, strength or neither, and
// ranks recommendations by severity × recency. Topics whose confidence falls
// below minConfidence are dropped from both lists. now anchors recency.
func (ga *GapAnalyzer) Analyze(learnerID string, masteries []TopicMastery, minConfidence float64, now time.Time) KnowledgeAnalysis {
	analysis := KnowledgeAnalysis{
		LearnerID:  learnerID,
		AnalyzedAt: now,
	}

	for _, m := range masteries {
		if m.Sessions < ga.cfg.MinSessions {
			continue
		}
		confidence := ga.confidence(m.Sessions)
		if confidence < minConfidence {
			continue
		}
		switch {
		case m.Proficiency < ga.cfg.GapThreshold:
			analysis.Gaps = append(analysis.Gaps, KnowledgeGap{
				Topic:       m.Topic,
				Proficiency: m.Proficiency,
				Severity:    ga.severity(m.Proficiency),
				Confidence:  confidence,
				Sessions:    m.Sessions,
			})
			analysis.Recommendations = append(analysis.Recommendations, ga.recommend(m, now))
		case m.Proficiency >= ga.cfg.StrengthThreshold:
			analysis.Strengths = append(analysis.Strengths, Strength{
				Topic:       m.Topic,
				Proficiency: m.Proficiency,
				Confidence:  confidence,
				Sessions:    m.Sessions,
			})
		}
	}

	sort.SliceStable(analysis.Gaps, func(i, j int) bool {
		return analysis.Gaps[i].Proficiency < analysis.Gaps[j].Proficiency
	})
	sort.SliceStable(analysis.Recommendations, func(i, j int) bool {
		a, b := analysis.Recommendations[i], analysis.Recommendations[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Topic < b.Topic
	})
	return analysis
}

// severity bands: low for [0.5,0.6), medium for [0.3,0.5), high below 0.3.
func (ga *GapAnalyzer) severity(proficiency float64) GapSeverity {
	switch {
	case proficiency >= 0.5:
		return SeverityLow
	case proficiency >= 0.3:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// confidence grows linearly with sample size, capped at 1.0.
func (ga *GapAnalyzer) confidence(sessions int) float64 {
	c := float64(sessions) / float64(ga.cfg.ConfidenceSessions)
	if c > 1 {
		c = 1
	}
	return c
}

func (ga *GapAnalyzer) recommend(m TopicMastery, now time.Time) StudyRecommendation {
	sev := ga.severity(m.Proficiency)
	deficit := ga.cfg.TargetProficiency - m.Proficiency
	if deficit < 0 {
		deficit = 0
	}

	difficulty := m.SuggestedDifficulty
	if !difficulty.Valid() {
		difficulty = Medium
	}

	return StudyRecommendation{
		Topic:            m.Topic,
		Difficulty:       difficulty,
		Reason:           "proficiency " + formatPercent(m.Proficiency) + " is below target, needs reinforcement",
		Priority:         severityWeight(sev) * ga.recencyWeight(m.LastReviewedAt, now),
		EstimatedMinutes: int(math.Max(10, math.Round(deficit*100))),
		Severity:         sev,
	}
}

// recencyWeight surfaces recently studied topics first: weight decays
// linearly from 1.0 to a floor of 0.1 over the recency window.
func (ga *GapAnalyzer) recencyWeight(lastReviewed time.Time, now time.Time) float64 {
	if lastReviewed.IsZero() {
		return 0.1
	}
	age := now.Sub(lastReviewed)
	if age < 0 {
		age = 0
	}
	w := 1 - float64(age)/float64(ga.cfg.RecencyWindow)
	if w < 0.1 {
		w = 0.1
	}
	return w
}

func severityWeight(s GapSeverity) float64 {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func formatPercent(f float64) string {
	return strconv.Itoa(int(math.Round(f*100))) + "%"
}
