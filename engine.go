package quizengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// EngineConfig bundles the tuning of every engine component.
type EngineConfig struct {
	Retriever   RetrieverConfig
	Synthesizer SynthesizerConfig
	Assembler   AssemblerConfig
	Mastery     MasteryConfig
	Analyzer    AnalyzerConfig

	// TraceDir, when set, writes a per-quiz generation trace file there.
	TraceDir string

	// SweepInterval is how often the background sweeper expires stale
	// sessions. Zero disables the sweeper.
	SweepInterval time.Duration
}

// DefaultEngineConfig returns the standard engine tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retriever:     DefaultRetrieverConfig(),
		Synthesizer:   DefaultSynthesizerConfig(),
		Assembler:     DefaultAssemblerConfig(),
		Mastery:       DefaultMasteryConfig(),
		Analyzer:      DefaultAnalyzerConfig(),
		SweepInterval: time.Minute,
	}
}

// Engine is the facade over quiz generation, session tracking, mastery and
// analytics. All mutating operations serialize per session and per
// (learner, topic) so concurrent calls cannot corrupt state.
type Engine struct {
	store    *Store
	index    PassageIndex
	client   *openai.Client
	sessions *SessionManager
	mastery  *MasteryModel
	analyzer *GapAnalyzer
	cfg      EngineConfig
	locks    *keyLock
	clock    Clock
	log      *zap.SugaredLogger
}

// NewEngine creates an Engine. client may be nil when quiz generation is not
// needed (analytics-only deployments).
func NewEngine(store *Store, index PassageIndex, client *openai.Client, cfg EngineConfig, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{
		store:    store,
		index:    index,
		client:   client,
		sessions: NewSessionManager(log),
		mastery:  NewMasteryModel(cfg.Mastery),
		analyzer: NewGapAnalyzer(cfg.Analyzer),
		cfg:      cfg,
		locks:    newKeyLock(),
		clock:    systemClock,
		log:      log,
	}
	return e
}

// SetClock overrides the engine's clock, for deterministic tests. Must be
// called before any operation.
func (e *Engine) SetClock(c Clock) {
	e.clock = c
	e.sessions.SetClock(c)
}

// GenerateQuiz assembles, persists and returns a quiz for the customization.
// Each call builds its own synthesis pipeline so concurrent generations
// don't share trace state.
func (e *Engine) GenerateQuiz(ctx context.Context, learnerID string, cust QuizCustomization) (*Quiz, error) {
	if e.client == nil {
		return nil, fmt.Errorf("quiz generation is not configured")
	}

	retriever := NewRetriever(e.index, e.store, e.cfg.Retriever, e.log)
	synth := NewSynthesizer(e.client, e.cfg.Synthesizer, e.log)
	synth.SetClock(e.clock)

	var trace *TraceLogger
	if e.cfg.TraceDir != "" {
		traceID := uuid.NewString()
		t, err := NewTraceLogger(e.cfg.TraceDir, traceID, cust)
		if err != nil {
			e.log.Warnw("trace logger unavailable, continuing without", "error", err)
		} else {
			trace = t
			synth.SetTrace(trace)
			defer trace.Close()
		}
	}

	assembler := NewAssembler(retriever, synth, e.cfg.Assembler, e.log)
	assembler.SetClock(e.clock)

	ctx, cancel := context.WithTimeout(ctx, assembleTimeout)
	defer cancel()

	quiz, err := assembler.Assemble(ctx, learnerID, cust)
	if err != nil {
		return nil, err
	}
	if trace != nil {
		trace.Logf("Assembled quiz %s with %d questions\n", quiz.ID, len(quiz.Questions))
	}

	if err := e.store.SaveQuiz(ctx, quiz); err != nil {
		return nil, err
	}
	e.log.Infow("quiz generated",
		"quiz_id", quiz.ID, "topic", quiz.Topic,
		"questions", len(quiz.Questions), "partial", quiz.Partial)
	return quiz, nil
}

// GetQuiz returns a stored quiz with its questions.
func (e *Engine) GetQuiz(ctx context.Context, quizID string) (*Quiz, error) {
	return e.store.GetQuiz(ctx, quizID)
}

// ListQuizzes returns stored quizzes newest first.
func (e *Engine) ListQuizzes(ctx context.Context, limit int) ([]Quiz, error) {
	return e.store.ListQuizzes(ctx, limit)
}

// StartSession creates and starts a session for a learner on a quiz. A
// learner can hold at most one active session per quiz; starting a second
// one is rejected.
func (e *Engine) StartSession(ctx context.Context, learnerID, quizID string) (*QuizSession, error) {
	unlock := e.locks.Lock("attempt:" + learnerID + ":" + quizID)
	defer unlock()

	if _, err := e.store.GetQuiz(ctx, quizID); err != nil {
		return nil, err
	}
	active, err := e.store.ActiveSession(ctx, learnerID, quizID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("learner %s already has active session %s for quiz %s", learnerID, active.ID, quizID)
	}

	sess := e.sessions.NewSession(quizID, learnerID)
	if err := e.sessions.Start(sess); err != nil {
		return nil, err
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	e.log.Infow("session started", "session_id", sess.ID, "quiz_id", quizID, "learner_id", learnerID)
	return sess, nil
}

// GetSession returns a stored session.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*QuizSession, error) {
	return e.store.GetSession(ctx, sessionID)
}

// SubmitAnswer records an answer in a session. When the submission completes
// the session (last question answered, or the deadline passed first), the
// result is returned and mastery is updated. A deadline-expired submission
// still returns StaleSessionError alongside the result.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID, questionID, value string) (*QuizResult, error) {
	unlock := e.locks.Lock("session:" + sessionID)
	defer unlock()

	sess, quiz, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result, submitErr := e.sessions.SubmitAnswer(sess, quiz, questionID, value)
	if submitErr != nil && result == nil {
		return nil, submitErr
	}

	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	if result != nil {
		if err := e.finalize(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, submitErr
}

// CompleteSession finishes a session and returns its result. Completing an
// already-completed session is idempotent: the stored result is returned
// unchanged.
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) (*QuizResult, error) {
	unlock := e.locks.Lock("session:" + sessionID)
	defer unlock()

	sess, quiz, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.State == SessionCompleted {
		result, err := e.store.GetResult(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if result == nil {
			// The result write failed after the state flip on a previous
			// attempt. Scoring is pure, so recompute it from the stored
			// answers and finish what the earlier call started.
			result = ScoreSession(sess, quiz)
			if err := e.finalize(ctx, result); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	result, err := e.sessions.Complete(sess, quiz)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := e.finalize(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AbandonSession exits a session without scoring. Mastery is untouched.
func (e *Engine) AbandonSession(ctx context.Context, sessionID string) error {
	unlock := e.locks.Lock("session:" + sessionID)
	defer unlock()

	sess, _, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.sessions.Abandon(sess); err != nil {
		return err
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	e.log.Infow("session abandoned", "session_id", sessionID)
	return nil
}

// GetProgress returns the learner's aggregate progress: totals across all
// completed sessions, the recent score trend, the daily streak and per-topic
// mastery.
func (e *Engine) GetProgress(ctx context.Context, learnerID string) (*LearningProgress, error) {
	results, err := e.store.ResultsForLearner(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	topics, err := e.store.MasteryForLearner(ctx, learnerID)
	if err != nil {
		return nil, err
	}

	progress := &LearningProgress{
		LearnerID: learnerID,
		Topics:    topics,
	}
	var scoreSum float64
	for _, r := range results {
		progress.TotalSessions++
		progress.TotalQuestions += r.Total
		progress.CorrectAnswers += r.Correct
		scoreSum += r.Score
	}
	if progress.TotalQuestions > 0 {
		progress.Accuracy = float64(progress.CorrectAnswers) / float64(progress.TotalQuestions)
	}
	if progress.TotalSessions > 0 {
		progress.AverageScore = scoreSum / float64(progress.TotalSessions)
	}
	progress.ImprovementRate = improvementRate(results)
	progress.StreakDays = streakDays(results, e.clock())
	return progress, nil
}

// improvementRate fits a least-squares line to the most recent session
// scores in chronological order and returns its slope. Fewer than two
// sessions have no trend.
func improvementRate(results []QuizResult) float64 {
	const window = 10

	n := len(results)
	if n < 2 {
		return 0
	}
	if n > window {
		// Results arrive newest first, so the window is a prefix.
		results = results[:window]
		n = window
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, r := range results {
		x := float64(n - 1 - i) // chronological position
		sumX += x
		sumY += r.Score
		sumXY += x * r.Score
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// AnalyzeKnowledgeGaps classifies the learner's topics into gaps and
// strengths and ranks study recommendations. minConfidence drops topics with
// too few sessions to judge; 0 keeps everything with the minimum sample.
func (e *Engine) AnalyzeKnowledgeGaps(ctx context.Context, learnerID string, minConfidence float64) (*KnowledgeAnalysis, error) {
	masteries, err := e.store.MasteryForLearner(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	analysis := e.analyzer.Analyze(learnerID, masteries, minConfidence, e.clock())
	return &analysis, nil
}

// GetRecommendations returns ranked study recommendations for the learner's
// knowledge gaps.
func (e *Engine) GetRecommendations(ctx context.Context, learnerID string, minConfidence float64) ([]StudyRecommendation, error) {
	analysis, err := e.AnalyzeKnowledgeGaps(ctx, learnerID, minConfidence)
	if err != nil {
		return nil, err
	}
	return analysis.Recommendations, nil
}

// ReviewQueue returns the learner's topics due for spaced-repetition review,
// soonest first.
func (e *Engine) ReviewQueue(ctx context.Context, learnerID string) ([]TopicMastery, error) {
	return e.store.TopicsDue(ctx, learnerID, e.clock())
}

// Sweep completes every open session that ran past its quiz deadline. Each
// swept session gets a result from the answers on record and a mastery
// update, exactly as if the learner had submitted late.
func (e *Engine) Sweep(ctx context.Context) error {
	open, err := e.store.OpenSessions(ctx)
	if err != nil {
		return err
	}
	for i := range open {
		sess := &open[i]
		if err := e.sweepOne(ctx, sess.ID); err != nil {
			e.log.Warnw("sweep failed", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) sweepOne(ctx context.Context, sessionID string) error {
	unlock := e.locks.Lock("session:" + sessionID)
	defer unlock()

	sess, quiz, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !e.sessions.Expired(sess, quiz) {
		return nil
	}

	result, err := e.sessions.Complete(sess, quiz)
	if err != nil {
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			// Raced with a learner submission that already closed it.
			return nil
		}
		return err
	}
	if err := e.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	e.log.Infow("stale session swept", "session_id", sessionID, "score", result.Score)
	return e.finalize(ctx, result)
}

// RunSweeper runs Sweep on the configured interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	if e.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.log.Warnw("sweep pass failed", "error", err)
			}
		}
	}
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (*QuizSession, *Quiz, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	quiz, err := e.store.GetQuiz(ctx, sess.QuizID)
	if err != nil {
		return nil, nil, err
	}
	return sess, quiz, nil
}

// finalize persists a result and folds it into the learner's topic mastery.
// The mastery read-modify-write serializes per (learner, topic).
func (e *Engine) finalize(ctx context.Context, result *QuizResult) error {
	if err := e.store.SaveResult(ctx, result); err != nil {
		return err
	}

	unlock := e.locks.Lock("mastery:" + result.LearnerID + ":" + result.Topic)
	defer unlock()

	prev, err := e.store.GetMastery(ctx, result.LearnerID, result.Topic)
	if err != nil {
		return err
	}
	if prev == nil {
		prev = &TopicMastery{LearnerID: result.LearnerID, Topic: result.Topic}
	}
	next := e.mastery.Apply(*prev, result)
	if err := e.store.SaveMastery(ctx, &next); err != nil {
		return err
	}
	e.log.Infow("mastery updated",
		"learner_id", result.LearnerID, "topic", result.Topic,
		"proficiency", next.Proficiency, "sessions", next.Sessions)
	return nil
}

// streakDays counts consecutive calendar days with at least one completed
// session, ending today or yesterday.
func streakDays(results []QuizResult, now time.Time) int {
	days := make(map[string]bool, len(results))
	for _, r := range results {
		days[r.FinishedAt.UTC().Format("2006-01-02")] = true
	}

	day := now.UTC()
	if !days[day.Format("2006-01-02")] {
		// A streak survives until the end of the following day.
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for days[day.Format("2006-01-02")] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}
