package quizengine

import (
	"strconv"
	"time"
)

// QuestionType identifies the shape of a question and how its answer is scored.
type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	FillBlank      QuestionType = "fill_blank"
	ShortAnswer    QuestionType = "short_answer"
)

// Valid reports whether t is one of the supported question types.
func (t QuestionType) Valid() bool {
	switch t {
	case MultipleChoice, TrueFalse, FillBlank, ShortAnswer:
		return true
	}
	return false
}

// Difficulty is the target cognitive difficulty of a question or quiz.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
)

// Valid reports whether d is one of the supported difficulty levels.
func (d Difficulty) Valid() bool {
	switch d {
	case Easy, Medium, Hard:
		return true
	}
	return false
}

// Passage is a retrievable chunk of indexed document text. Passages are owned
// by the index and referenced by ID; the engine never mutates them.
type Passage struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Text       string   `json:"text"`
	TopicTags  []string `json:"topic_tags"`
	Position   int      `json:"position"`
	Score      float64  `json:"score,omitempty"` // retrieval relevance, set by the index
}

const passagesPerSection = 5

// Section identifies the document section a passage belongs to, used for
// retrieval deduplication so one section doesn't dominate a quiz.
func (p Passage) Section() string {
	return p.DocumentID + "#" + strconv.Itoa(p.Position/passagesPerSection)
}

// Question is a single validated quiz question. Immutable after validation.
type Question struct {
	ID              string       `json:"id"`
	Type            QuestionType `json:"type"`
	Prompt          string       `json:"prompt"`
	Options         []string     `json:"options,omitempty"` // multiple_choice only
	CorrectAnswer   string       `json:"correct_answer"`
	Explanation     string       `json:"explanation"`
	Difficulty      Difficulty   `json:"difficulty"`
	Topic           string       `json:"topic"`
	SourcePassageID string       `json:"source_passage_id"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Quiz is an ordered set of validated questions. Read-only after assembly.
type Quiz struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Topic      string     `json:"topic"`
	Difficulty Difficulty `json:"difficulty"`
	TimeLimit  int        `json:"time_limit,omitempty"` // minutes, 0 = none
	Questions  []Question `json:"questions"`
	Partial    bool       `json:"partial"` // fewer questions than requested
	CreatedAt  time.Time  `json:"created_at"`
}

// QuizCustomization describes a quiz generation request.
type QuizCustomization struct {
	Topic         string         `json:"topic"`
	Difficulty    Difficulty     `json:"difficulty,omitempty"`     // default medium
	NumQuestions  int            `json:"num_questions,omitempty"`  // default 10, bounded 1..50
	QuestionTypes []QuestionType `json:"question_types,omitempty"` // default {multiple_choice}
	TimeLimit     int            `json:"time_limit,omitempty"`     // minutes
}

// SessionState is the lifecycle state of a QuizSession.
type SessionState string

const (
	SessionCreated    SessionState = "created"
	SessionInProgress SessionState = "in_progress"
	SessionCompleted  SessionState = "completed"
	SessionAbandoned  SessionState = "abandoned"
)

// Terminal reports whether no further mutation of the session is allowed.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// Answer is a single submitted answer within a session. Resubmission for the
// same question overwrites the prior answer while the session is in progress.
type Answer struct {
	QuestionID  string    `json:"question_id"`
	Value       string    `json:"value"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// QuizSession tracks one learner's attempt at a quiz.
type QuizSession struct {
	ID        string       `json:"id"`
	QuizID    string       `json:"quiz_id"`
	LearnerID string       `json:"learner_id"`
	State     SessionState `json:"state"`
	Answers   []Answer     `json:"answers"` // submission order, one entry per question
	StartTime time.Time    `json:"start_time,omitempty"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// AnswerFor returns the recorded answer for a question, if any.
func (s *QuizSession) AnswerFor(questionID string) (Answer, bool) {
	for _, a := range s.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

// QuestionOutcome is per-question correctness inside a QuizResult.
type QuestionOutcome struct {
	QuestionID    string `json:"question_id"`
	Submitted     string `json:"submitted"`
	CorrectAnswer string `json:"correct_answer"`
	Correct       bool   `json:"correct"`
	Answered      bool   `json:"answered"`
}

// QuizResult is the immutable outcome of a completed session.
type QuizResult struct {
	SessionID  string            `json:"session_id"`
	QuizID     string            `json:"quiz_id"`
	LearnerID  string            `json:"learner_id"`
	Topic      string            `json:"topic"`
	Difficulty Difficulty        `json:"difficulty"`
	Score      float64           `json:"score"` // correct / total, in [0,1]
	Correct    int               `json:"correct"`
	Total      int               `json:"total"`
	Outcomes   []QuestionOutcome `json:"outcomes"`
	TimeSpent  time.Duration     `json:"time_spent"`
	FinishedAt time.Time         `json:"finished_at"`
}

// TopicMastery is the learner's per-topic proficiency and review schedule.
// One record per (learner, topic), superseded on every completed session.
type TopicMastery struct {
	LearnerID           string        `json:"learner_id"`
	Topic               string        `json:"topic"`
	Proficiency         float64       `json:"proficiency"` // [0,1]
	Level               MasteryLevel  `json:"level"`
	Sessions            int           `json:"sessions"`
	LastReviewedAt      time.Time     `json:"last_reviewed_at"`
	NextReviewAt        time.Time     `json:"next_review_at"`
	ReviewInterval      time.Duration `json:"review_interval"`
	SuggestedDifficulty Difficulty    `json:"suggested_difficulty"`
}

// MasteryLevel buckets proficiency into a coarse label for progress views.
type MasteryLevel string

const (
	LevelNovice     MasteryLevel = "novice"
	LevelLearning   MasteryLevel = "learning"
	LevelProficient MasteryLevel = "proficient"
	LevelExpert     MasteryLevel = "expert"
)

// GapSeverity classifies how far below the gap threshold a topic sits.
type GapSeverity string

const (
	SeverityLow    GapSeverity = "low"
	SeverityMedium GapSeverity = "medium"
	SeverityHigh   GapSeverity = "high"
)

// KnowledgeGap is a derived view: a topic with demonstrated low proficiency.
type KnowledgeGap struct {
	Topic       string      `json:"topic"`
	Proficiency float64     `json:"proficiency"`
	Severity    GapSeverity `json:"severity"`
	Confidence  float64     `json:"confidence"`
	Sessions    int         `json:"sessions"`
}

// Strength is a derived view: a topic with demonstrated high proficiency.
type Strength struct {
	Topic       string  `json:"topic"`
	Proficiency float64 `json:"proficiency"`
	Confidence  float64 `json:"confidence"`
	Sessions    int     `json:"sessions"`
}

// StudyRecommendation pairs a gap with a suggested next step.
type StudyRecommendation struct {
	Topic            string      `json:"topic"`
	Difficulty       Difficulty  `json:"difficulty"`
	Reason           string      `json:"reason"`
	Priority         float64     `json:"priority"` // sort key, higher first
	EstimatedMinutes int         `json:"estimated_minutes"`
	Severity         GapSeverity `json:"severity"`
}

// KnowledgeAnalysis is the full output of the gap analyzer.
type KnowledgeAnalysis struct {
	LearnerID       string                `json:"learner_id"`
	Gaps            []KnowledgeGap        `json:"gaps"`
	Strengths       []Strength            `json:"strengths"`
	Recommendations []StudyRecommendation `json:"recommendations"`
	AnalyzedAt      time.Time             `json:"analyzed_at"`
}

// LearningProgress is the learner's aggregate progress summary.
type LearningProgress struct {
	LearnerID      string         `json:"learner_id"`
	TotalSessions  int            `json:"total_sessions"`
	TotalQuestions int            `json:"total_questions"`
	CorrectAnswers int            `json:"correct_answers"`
	Accuracy       float64        `json:"accuracy"`      // correct / questions
	AverageScore   float64        `json:"average_score"` // mean session score
	// ImprovementRate is the trend of recent session scores, the slope of a
	// least-squares line over them in chronological order. Positive means
	// scores are rising.
	ImprovementRate float64        `json:"improvement_rate"`
	StreakDays      int            `json:"streak_days"`
	Topics          []TopicMastery `json:"topics"`
}
