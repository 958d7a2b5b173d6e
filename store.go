package quizengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed persistence layer for quizzes, sessions,
// results and mastery records.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and pings) a SQLite database at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTables creates the schema if it doesn't exist.
func (s *Store) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS quizzes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			topic TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			time_limit INTEGER NOT NULL DEFAULT 0,
			partial INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			quiz_id TEXT NOT NULL,
			question_num INTEGER NOT NULL,
			type TEXT NOT NULL,
			prompt TEXT NOT NULL,
			options TEXT NOT NULL,
			correct_answer TEXT NOT NULL,
			explanation TEXT,
			difficulty TEXT NOT NULL,
			topic TEXT NOT NULL,
			source_passage_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (quiz_id) REFERENCES quizzes(id)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			quiz_id TEXT NOT NULL,
			learner_id TEXT NOT NULL,
			state TEXT NOT NULL,
			answers TEXT NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (quiz_id) REFERENCES quizzes(id)
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			session_id TEXT PRIMARY KEY,
			quiz_id TEXT NOT NULL,
			learner_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			score REAL NOT NULL,
			correct INTEGER NOT NULL,
			total INTEGER NOT NULL,
			outcomes TEXT NOT NULL,
			time_spent_ns INTEGER NOT NULL,
			finished_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS mastery (
			learner_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			proficiency REAL NOT NULL,
			level TEXT NOT NULL,
			sessions INTEGER NOT NULL,
			last_reviewed_at DATETIME NOT NULL,
			next_review_at DATETIME NOT NULL,
			review_interval_ns INTEGER NOT NULL,
			suggested_difficulty TEXT NOT NULL,
			PRIMARY KEY (learner_id, topic)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_learner ON sessions(learner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_results_learner ON results(learner_id, finished_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute %s: %w", query, err)
		}
	}
	return nil
}

// SaveQuiz persists a quiz and its questions in one transaction.
func (s *Store) SaveQuiz(ctx context.Context, quiz *Quiz) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO quizzes (id, title, topic, difficulty, time_limit, partial, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		quiz.ID, quiz.Title, quiz.Topic, string(quiz.Difficulty), quiz.TimeLimit, boolToInt(quiz.Partial), quiz.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save quiz: %w", err)
	}

	for i, q := range quiz.Questions {
		optionsJSON, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("failed to marshal options: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (id, quiz_id, question_num, type, prompt, options, correct_answer, explanation, difficulty, topic, source_passage_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, quiz.ID, i+1, string(q.Type), q.Prompt, string(optionsJSON), q.CorrectAnswer, q.Explanation, string(q.Difficulty), q.Topic, q.SourcePassageID, q.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save question: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quiz: %w", err)
	}
	return nil
}

// GetQuiz retrieves a quiz and its questions by ID.
func (s *Store) GetQuiz(ctx context.Context, id string) (*Quiz, error) {
	var quiz Quiz
	var difficulty string
	var partial int
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, topic, difficulty, time_limit, partial, created_at FROM quizzes WHERE id = ?",
		id,
	).Scan(&quiz.ID, &quiz.Title, &quiz.Topic, &difficulty, &quiz.TimeLimit, &partial, &quiz.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("quiz not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get quiz: %w", err)
	}
	quiz.Difficulty = Difficulty(difficulty)
	quiz.Partial = partial != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, prompt, options, correct_answer, explanation, difficulty, topic, source_passage_id, created_at
		 FROM questions WHERE quiz_id = ? ORDER BY question_num`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q Question
		var qType, qDifficulty, optionsJSON string
		err := rows.Scan(&q.ID, &qType, &q.Prompt, &optionsJSON, &q.CorrectAnswer, &q.Explanation, &qDifficulty, &q.Topic, &q.SourcePassageID, &q.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		q.Type = QuestionType(qType)
		q.Difficulty = Difficulty(qDifficulty)
		if err := json.Unmarshal([]byte(optionsJSON), &q.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating questions: %w", err)
	}

	return &quiz, nil
}

// ListQuizzes returns quizzes newest first, optionally limited by count.
func (s *Store) ListQuizzes(ctx context.Context, limit int) ([]Quiz, error) {
	query := "SELECT id, title, topic, difficulty, time_limit, partial, created_at FROM quizzes ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list quizzes: %w", err)
	}
	defer rows.Close()

	var quizzes []Quiz
	for rows.Next() {
		var quiz Quiz
		var difficulty string
		var partial int
		err := rows.Scan(&quiz.ID, &quiz.Title, &quiz.Topic, &difficulty, &quiz.TimeLimit, &partial, &quiz.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quiz: %w", err)
		}
		quiz.Difficulty = Difficulty(difficulty)
		quiz.Partial = partial != 0
		quizzes = append(quizzes, quiz)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating quizzes: %w", err)
	}

	return quizzes, nil
}

// SaveSession inserts or replaces a session row. Answers are stored as a
// JSON array in submission order.
func (s *Store) SaveSession(ctx context.Context, session *QuizSession) error {
	answersJSON, err := json.Marshal(session.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, quiz_id, learner_id, state, answers, start_time, end_time, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.QuizID, session.LearnerID, string(session.State), string(answersJSON),
		nullableTime(session.StartTime), nullableTime(session.EndTime), session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*QuizSession, error) {
	var session QuizSession
	var state, answersJSON string
	var startTime, endTime sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, quiz_id, learner_id, state, answers, start_time, end_time, created_at FROM sessions WHERE id = ?",
		id,
	).Scan(&session.ID, &session.QuizID, &session.LearnerID, &state, &answersJSON, &startTime, &endTime, &session.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.State = SessionState(state)
	if err := json.Unmarshal([]byte(answersJSON), &session.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
	}
	if startTime.Valid {
		session.StartTime = startTime.Time
	}
	if endTime.Valid {
		session.EndTime = endTime.Time
	}
	return &session, nil
}

// ActiveSession returns the learner's non-terminal session for a quiz, or
// nil if there is none.
func (s *Store) ActiveSession(ctx context.Context, learnerID, quizID string) (*QuizSession, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM sessions WHERE learner_id = ? AND quiz_id = ? AND state IN (?, ?) ORDER BY created_at DESC LIMIT 1",
		learnerID, quizID, string(SessionCreated), string(SessionInProgress),
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// OpenSessions returns all non-terminal sessions, oldest first. Used by the
// stale session sweeper.
func (s *Store) OpenSessions(ctx context.Context) ([]QuizSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM sessions WHERE state IN (?, ?) ORDER BY created_at",
		string(SessionCreated), string(SessionInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating open sessions: %w", err)
	}

	var sessions []QuizSession
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

// SaveResult persists a completed session's result. Saving the same session
// twice keeps the first row.
func (s *Store) SaveResult(ctx context.Context, result *QuizResult) error {
	outcomesJSON, err := json.Marshal(result.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO results (session_id, quiz_id, learner_id, topic, difficulty, score, correct, total, outcomes, time_spent_ns, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.SessionID, result.QuizID, result.LearnerID, result.Topic, string(result.Difficulty),
		result.Score, result.Correct, result.Total, string(outcomesJSON), int64(result.TimeSpent), result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// GetResult retrieves the result for a session, or nil if none exists.
func (s *Store) GetResult(ctx context.Context, sessionID string) (*QuizResult, error) {
	var result QuizResult
	var difficulty, outcomesJSON string
	var timeSpent int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, quiz_id, learner_id, topic, difficulty, score, correct, total, outcomes, time_spent_ns, finished_at
		 FROM results WHERE session_id = ?`,
		sessionID,
	).Scan(&result.SessionID, &result.QuizID, &result.LearnerID, &result.Topic, &difficulty,
		&result.Score, &result.Correct, &result.Total, &outcomesJSON, &timeSpent, &result.FinishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	result.Difficulty = Difficulty(difficulty)
	result.TimeSpent = time.Duration(timeSpent)
	if err := json.Unmarshal([]byte(outcomesJSON), &result.Outcomes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
	}
	return &result, nil
}

// ResultsForLearner returns a learner's results newest first.
func (s *Store) ResultsForLearner(ctx context.Context, learnerID string) ([]QuizResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, quiz_id, learner_id, topic, difficulty, score, correct, total, outcomes, time_spent_ns, finished_at
		 FROM results WHERE learner_id = ? ORDER BY finished_at DESC`,
		learnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	defer rows.Close()

	var results []QuizResult
	for rows.Next() {
		var result QuizResult
		var difficulty, outcomesJSON string
		var timeSpent int64
		err := rows.Scan(&result.SessionID, &result.QuizID, &result.LearnerID, &result.Topic, &difficulty,
			&result.Score, &result.Correct, &result.Total, &outcomesJSON, &timeSpent, &result.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		result.Difficulty = Difficulty(difficulty)
		result.TimeSpent = time.Duration(timeSpent)
		if err := json.Unmarshal([]byte(outcomesJSON), &result.Outcomes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
		}
		results = append(results, result)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}

// SaveMastery inserts or replaces the learner's mastery record for a topic.
func (s *Store) SaveMastery(ctx context.Context, m *TopicMastery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO mastery (learner_id, topic, proficiency, level, sessions, last_reviewed_at, next_review_at, review_interval_ns, suggested_difficulty)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LearnerID, m.Topic, m.Proficiency, string(m.Level), m.Sessions, m.LastReviewedAt, m.NextReviewAt, int64(m.ReviewInterval), string(m.SuggestedDifficulty),
	)
	if err != nil {
		return fmt.Errorf("failed to save mastery: %w", err)
	}
	return nil
}

// GetMastery retrieves the mastery record for a learner and topic, or nil if
// the topic has never been studied.
func (s *Store) GetMastery(ctx context.Context, learnerID, topic string) (*TopicMastery, error) {
	var m TopicMastery
	var interval int64
	var level, difficulty string
	err := s.db.QueryRowContext(ctx,
		`SELECT learner_id, topic, proficiency, level, sessions, last_reviewed_at, next_review_at, review_interval_ns, suggested_difficulty
		 FROM mastery WHERE learner_id = ? AND topic = ?`,
		learnerID, topic,
	).Scan(&m.LearnerID, &m.Topic, &m.Proficiency, &level, &m.Sessions, &m.LastReviewedAt, &m.NextReviewAt, &interval, &difficulty)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mastery: %w", err)
	}
	m.ReviewInterval = time.Duration(interval)
	m.Level = MasteryLevel(level)
	m.SuggestedDifficulty = Difficulty(difficulty)
	return &m, nil
}

// MasteryForLearner returns all of a learner's mastery records.
func (s *Store) MasteryForLearner(ctx context.Context, learnerID string) ([]TopicMastery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT learner_id, topic, proficiency, level, sessions, last_reviewed_at, next_review_at, review_interval_ns, suggested_difficulty
		 FROM mastery WHERE learner_id = ? ORDER BY topic`,
		learnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get mastery records: %w", err)
	}
	defer rows.Close()

	var records []TopicMastery
	for rows.Next() {
		var m TopicMastery
		var interval int64
		var level, difficulty string
		err := rows.Scan(&m.LearnerID, &m.Topic, &m.Proficiency, &level, &m.Sessions, &m.LastReviewedAt, &m.NextReviewAt, &interval, &difficulty)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mastery: %w", err)
		}
		m.ReviewInterval = time.Duration(interval)
		m.Level = MasteryLevel(level)
		m.SuggestedDifficulty = Difficulty(difficulty)
		records = append(records, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mastery records: %w", err)
	}

	return records, nil
}

// TopicsDue returns mastery records whose next review time is at or before
// now, soonest first.
func (s *Store) TopicsDue(ctx context.Context, learnerID string, now time.Time) ([]TopicMastery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT learner_id, topic, proficiency, level, sessions, last_reviewed_at, next_review_at, review_interval_ns, suggested_difficulty
		 FROM mastery WHERE learner_id = ? AND next_review_at <= ? ORDER BY next_review_at`,
		learnerID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get due topics: %w", err)
	}
	defer rows.Close()

	var records []TopicMastery
	for rows.Next() {
		var m TopicMastery
		var interval int64
		var level, difficulty string
		err := rows.Scan(&m.LearnerID, &m.Topic, &m.Proficiency, &level, &m.Sessions, &m.LastReviewedAt, &m.NextReviewAt, &interval, &difficulty)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due topic: %w", err)
		}
		m.ReviewInterval = time.Duration(interval)
		m.Level = MasteryLevel(level)
		m.SuggestedDifficulty = Difficulty(difficulty)
		records = append(records, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due topics: %w", err)
	}

	return records, nil
}

// RecentPassageIDs returns the source passage IDs used by the learner's most
// recent quizzes on a topic, for retrieval cooldown.
func (s *Store) RecentPassageIDs(ctx context.Context, learnerID, topic string, quizzes int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT q.source_passage_id FROM questions q
		 WHERE q.quiz_id IN (
			SELECT r.quiz_id FROM results r
			WHERE r.learner_id = ? AND r.topic = ?
			ORDER BY r.finished_at DESC LIMIT ?
		 )`,
		learnerID, topic, quizzes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent passages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan passage id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating passage ids: %w", err)
	}

	return ids, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
