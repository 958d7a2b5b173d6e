package quizengine

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionManager implements the quiz session lifecycle:
//
//	created → in_progress → completed
//	              └───────→ abandoned
//
// The manager mutates sessions in memory; persistence and per-session
// serialization belong to the caller. The time limit is server-authoritative:
// the deadline is evaluated lazily on every mutating call rather than by a
// background timer.
type SessionManager struct {
	clock Clock
	log   *zap.SugaredLogger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(log *zap.SugaredLogger) *SessionManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SessionManager{clock: systemClock, log: log}
}

// SetClock overrides the manager's clock, for deterministic tests.
func (m *SessionManager) SetClock(c Clock) { m.clock = c }

// NewSession creates a session in the created state. The clock starts on the
// first answer or an explicit Start, not here.
func (m *SessionManager) NewSession(quizID, learnerID string) *QuizSession {
	return &QuizSession{
		ID:        uuid.NewString(),
		QuizID:    quizID,
		LearnerID: learnerID,
		State:     SessionCreated,
		CreatedAt: m.clock(),
	}
}

// Start moves a created session to in_progress and starts the clock.
// Starting an in_progress session is a no-op; terminal states reject.
func (m *SessionManager) Start(sess *QuizSession) error {
	switch sess.State {
	case SessionCreated:
		sess.State = SessionInProgress
		sess.StartTime = m.clock()
		return nil
	case SessionInProgress:
		return nil
	default:
		return &InvalidTransitionError{SessionID: sess.ID, State: sess.State, Op: "start"}
	}
}

// SubmitAnswer records an answer. The first submission on a created session
// starts it. Resubmission for the same question overwrites the prior answer
// (last write wins). Submitting the final unanswered question completes the
// session and returns its result; otherwise the result is nil.
//
// If the quiz's time limit elapsed before this call, the session is
// auto-completed with the answers recorded so far and StaleSessionError is
// returned alongside the result.
func (m *SessionManager) SubmitAnswer(sess *QuizSession, quiz *Quiz, questionID, answer string) (*QuizResult, error) {
	if sess.State.Terminal() {
		return nil, &InvalidTransitionError{SessionID: sess.ID, State: sess.State, Op: "submit answer to"}
	}
	if sess.State == SessionCreated {
		if err := m.Start(sess); err != nil {
			return nil, err
		}
	}

	if deadline, ok := m.deadline(sess, quiz); ok && m.clock().After(deadline) {
		result := m.complete(sess, quiz, deadline)
		return result, &StaleSessionError{SessionID: sess.ID, Deadline: deadline}
	}

	if _, ok := questionInQuiz(quiz, questionID); !ok {
		return nil, &InvalidTransitionError{SessionID: sess.ID, State: sess.State, Op: "answer unknown question in"}
	}

	now := m.clock()
	replaced := false
	for i := range sess.Answers {
		if sess.Answers[i].QuestionID == questionID {
			sess.Answers[i].Value = answer
			sess.Answers[i].SubmittedAt = now
			replaced = true
			break
		}
	}
	if !replaced {
		sess.Answers = append(sess.Answers, Answer{QuestionID: questionID, Value: answer, SubmittedAt: now})
	}

	if len(sess.Answers) == len(quiz.Questions) {
		return m.complete(sess, quiz, now), nil
	}
	return nil, nil
}

// Complete finishes an in_progress session and computes its result exactly
// once. Completing a created session (no answers yet) is rejected; completing
// a session past its deadline succeeds, scored with the answers on record.
// Already-completed sessions must be served the cached result by the caller.
func (m *SessionManager) Complete(sess *QuizSession, quiz *Quiz) (*QuizResult, error) {
	if sess.State != SessionInProgress {
		return nil, &InvalidTransitionError{SessionID: sess.ID, State: sess.State, Op: "complete"}
	}
	end := m.clock()
	if deadline, ok := m.deadline(sess, quiz); ok && end.After(deadline) {
		end = deadline
	}
	return m.complete(sess, quiz, end), nil
}

// Abandon exits an in_progress session without scoring. Terminal and
// irreversible; never produces a result and never touches mastery.
func (m *SessionManager) Abandon(sess *QuizSession) error {
	if sess.State != SessionInProgress {
		return &InvalidTransitionError{SessionID: sess.ID, State: sess.State, Op: "abandon"}
	}
	sess.State = SessionAbandoned
	sess.EndTime = m.clock()
	return nil
}

// Expired reports whether an in_progress session ran past its deadline.
func (m *SessionManager) Expired(sess *QuizSession, quiz *Quiz) bool {
	if sess.State != SessionInProgress {
		return false
	}
	deadline, ok := m.deadline(sess, quiz)
	return ok && m.clock().After(deadline)
}

func (m *SessionManager) deadline(sess *QuizSession, quiz *Quiz) (time.Time, bool) {
	if quiz.TimeLimit <= 0 || sess.StartTime.IsZero() {
		return time.Time{}, false
	}
	return sess.StartTime.Add(time.Duration(quiz.TimeLimit) * time.Minute), true
}

func (m *SessionManager) complete(sess *QuizSession, quiz *Quiz, end time.Time) *QuizResult {
	sess.State = SessionCompleted
	sess.EndTime = end

	result := ScoreSession(sess, quiz)
	m.log.Infow("session completed",
		"session_id", sess.ID, "quiz_id", quiz.ID,
		"score", result.Score, "correct", result.Correct, "total", result.Total)
	return result
}

// ScoreSession derives the result for a session against its quiz. Pure and
// deterministic: the same answers always produce the same result.
// short_answer and fill_blank match case-insensitively with collapsed
// whitespace; multiple_choice and true_false require an exact option match.
func ScoreSession(sess *QuizSession, quiz *Quiz) *QuizResult {
	outcomes := make([]QuestionOutcome, 0, len(quiz.Questions))
	correct := 0
	for _, q := range quiz.Questions {
		out := QuestionOutcome{QuestionID: q.ID, CorrectAnswer: q.CorrectAnswer}
		if ans, ok := sess.AnswerFor(q.ID); ok {
			out.Answered = true
			out.Submitted = ans.Value
			out.Correct = answerMatches(q, ans.Value)
		}
		if out.Correct {
			correct++
		}
		outcomes = append(outcomes, out)
	}

	total := len(quiz.Questions)
	score := 0.0
	if total > 0 {
		score = float64(correct) / float64(total)
	}

	var spent time.Duration
	if !sess.StartTime.IsZero() && !sess.EndTime.IsZero() {
		spent = sess.EndTime.Sub(sess.StartTime)
	}

	return &QuizResult{
		SessionID:  sess.ID,
		QuizID:     quiz.ID,
		LearnerID:  sess.LearnerID,
		Topic:      quiz.Topic,
		Difficulty: quiz.Difficulty,
		Score:      score,
		Correct:    correct,
		Total:      total,
		Outcomes:   outcomes,
		TimeSpent:  spent,
		FinishedAt: sess.EndTime,
	}
}

func answerMatches(q Question, submitted string) bool {
	switch q.Type {
	case ShortAnswer, FillBlank:
		return normalizeAnswer(submitted) == normalizeAnswer(q.CorrectAnswer)
	default:
		// Exact option text match for multiple choice and true/false.
		return submitted == q.CorrectAnswer
	}
}

func questionInQuiz(quiz *Quiz, questionID string) (Question, bool) {
	for _, q := range quiz.Questions {
		if q.ID == questionID {
			return q, true
		}
	}
	return Question{}, false
}
