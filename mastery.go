package quizengine

import "time"

// MasteryConfig controls the proficiency model and review scheduler.
type MasteryConfig struct {
	// Alpha is the exponential moving average weight of the latest session.
	Alpha float64

	// PassThreshold is the session accuracy at or above which the review
	// interval doubles; below it the interval halves.
	PassThreshold float64

	// MinInterval and MaxInterval bound the review interval. A learner's
	// first session on a topic starts at MinInterval.
	MinInterval time.Duration
	MaxInterval time.Duration

	// StepUpScore and StepDownScore drive the suggested next difficulty:
	// scoring at or above StepUpScore suggests harder material, at or below
	// StepDownScore easier material.
	StepUpScore   float64
	StepDownScore float64
}

// DefaultMasteryConfig returns the standard mastery tuning.
func DefaultMasteryConfig() MasteryConfig {
	return MasteryConfig{
		Alpha:         0.3,
		PassThreshold: 0.7,
		MinInterval:   24 * time.Hour,
		MaxInterval:   30 * 24 * time.Hour,
		StepUpScore:   0.85,
		StepDownScore: 0.6,
	}
}

// MasteryModel updates per-topic proficiency and spaced-repetition scheduling
// after each completed session. Updates are pure functions of (prior record,
// result), so replaying the same history always yields the same state.
type MasteryModel struct {
	cfg MasteryConfig
}

// NewMasteryModel creates a MasteryModel.
func NewMasteryModel(cfg MasteryConfig) *MasteryModel {
	return &MasteryModel{cfg: cfg}
}

// Apply folds a completed result into the learner's mastery for the topic.
// prev.Sessions == 0 marks a first-ever session: proficiency starts at the
// session accuracy and the review interval at the minimum. Afterwards
// proficiency follows the EMA and the interval doubles on a pass and halves
// on a fail, clamped to the configured bounds. Timestamps derive from the
// result's finish time, never the wall clock.
func (mm *MasteryModel) Apply(prev TopicMastery, result *QuizResult) TopicMastery {
	next := prev
	next.LearnerID = result.LearnerID
	next.Topic = result.Topic
	next.Sessions = prev.Sessions + 1
	next.LastReviewedAt = result.FinishedAt

	if prev.Sessions == 0 {
		next.Proficiency = result.Score
		next.ReviewInterval = mm.cfg.MinInterval
	} else {
		next.Proficiency = mm.cfg.Alpha*result.Score + (1-mm.cfg.Alpha)*prev.Proficiency
		if result.Score >= mm.cfg.PassThreshold {
			next.ReviewInterval = minDuration(prev.ReviewInterval*2, mm.cfg.MaxInterval)
		} else {
			next.ReviewInterval = maxDuration(prev.ReviewInterval/2, mm.cfg.MinInterval)
		}
	}
	next.NextReviewAt = result.FinishedAt.Add(next.ReviewInterval)
	next.Level = masteryLevel(next.Proficiency)
	next.SuggestedDifficulty = mm.suggestDifficulty(result)
	return next
}

// masteryLevel buckets proficiency into a coarse label.
func masteryLevel(p float64) MasteryLevel {
	switch {
	case p >= 0.85:
		return LevelExpert
	case p >= 0.7:
		return LevelProficient
	case p >= 0.4:
		return LevelLearning
	default:
		return LevelNovice
	}
}

// suggestDifficulty moves one step up or down from the session's difficulty
// based on the score, staying put in between.
func (mm *MasteryModel) suggestDifficulty(result *QuizResult) Difficulty {
	current := result.Difficulty
	if !current.Valid() {
		current = Medium
	}
	switch {
	case result.Score >= mm.cfg.StepUpScore:
		return stepUp(current)
	case result.Score <= mm.cfg.StepDownScore:
		return stepDown(current)
	default:
		return current
	}
}

func stepUp(d Difficulty) Difficulty {
	switch d {
	case Easy:
		return Medium
	default:
		return Hard
	}
}

func stepDown(d Difficulty) Difficulty {
	switch d {
	case Hard:
		return Medium
	default:
		return Easy
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
