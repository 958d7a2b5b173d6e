package quizengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.CreateTables(); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
	return store
}

func storedQuiz(id string, createdAt time.Time) *Quiz {
	return &Quiz{
		ID:         id,
		Title:      "Raft Consensus Quiz",
		Topic:      "distributed systems",
		Difficulty: Medium,
		TimeLimit:  15,
		Questions: []Question{
			{
				ID:              id + "-q1",
				Type:            MultipleChoice,
				Prompt:          "Which algorithm elects a leader among replicas?",
				Options:         []string{"Raft", "Bloom filter", "Quicksort", "LRU"},
				CorrectAnswer:   "Raft",
				Explanation:     "Raft elects a single leader per term.",
				Difficulty:      Medium,
				Topic:           "distributed systems",
				SourcePassageID: "p1",
				CreatedAt:       createdAt,
			},
			{
				ID:              id + "-q2",
				Type:            TrueFalse,
				Prompt:          "A Raft follower can commit entries on its own.",
				CorrectAnswer:   "false",
				Explanation:     "Only the leader advances the commit index.",
				Difficulty:      Medium,
				Topic:           "distributed systems",
				SourcePassageID: "p2",
				CreatedAt:       createdAt,
			},
		},
		CreatedAt: createdAt,
	}
}

func TestSaveQuiz_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	quiz := storedQuiz("quiz1", now)
	if err := store.SaveQuiz(ctx, quiz); err != nil {
		t.Fatalf("failed to save quiz: %v", err)
	}

	got, err := store.GetQuiz(ctx, "quiz1")
	if err != nil {
		t.Fatalf("failed to get quiz: %v", err)
	}
	if got.Title != quiz.Title || got.Topic != quiz.Topic || got.Difficulty != Medium {
		t.Errorf("quiz fields = %q/%q/%q", got.Title, got.Topic, got.Difficulty)
	}
	if got.TimeLimit != 15 || got.Partial {
		t.Errorf("TimeLimit = %d, Partial = %v", got.TimeLimit, got.Partial)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
	if len(got.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(got.Questions))
	}
	// Question order follows assembly order.
	if got.Questions[0].ID != "quiz1-q1" || got.Questions[1].ID != "quiz1-q2" {
		t.Errorf("question order = %s, %s", got.Questions[0].ID, got.Questions[1].ID)
	}
	q1 := got.Questions[0]
	if q1.Type != MultipleChoice || q1.CorrectAnswer != "Raft" || len(q1.Options) != 4 {
		t.Errorf("q1 = %+v", q1)
	}
	if got.Questions[1].Options != nil && len(got.Questions[1].Options) != 0 {
		t.Errorf("true/false question has options: %v", got.Questions[1].Options)
	}
}

func TestGetQuiz_NotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetQuiz(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing quiz")
	}
}

func TestListQuizzes_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "middle", "new"} {
		quiz := storedQuiz(id, base.Add(time.Duration(i)*time.Hour))
		if err := store.SaveQuiz(ctx, quiz); err != nil {
			t.Fatalf("failed to save quiz %s: %v", id, err)
		}
	}

	quizzes, err := store.ListQuizzes(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list quizzes: %v", err)
	}
	if len(quizzes) != 3 {
		t.Fatalf("quizzes = %d, want 3", len(quizzes))
	}
	if quizzes[0].ID != "new" || quizzes[2].ID != "old" {
		t.Errorf("order = %s, %s, %s", quizzes[0].ID, quizzes[1].ID, quizzes[2].ID)
	}

	limited, err := store.ListQuizzes(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list quizzes with limit: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "new" {
		t.Errorf("limited = %d quizzes, first %s", len(limited), limited[0].ID)
	}
}

func TestSaveSession_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	session := &QuizSession{
		ID:        "s1",
		QuizID:    "quiz1",
		LearnerID: "l1",
		State:     SessionInProgress,
		Answers: []Answer{
			{QuestionID: "q1", Value: "Raft", SubmittedAt: now.Add(time.Minute)},
		},
		StartTime: now,
		CreatedAt: now,
	}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.State != SessionInProgress || got.LearnerID != "l1" {
		t.Errorf("session = %+v", got)
	}
	if len(got.Answers) != 1 || got.Answers[0].Value != "Raft" {
		t.Errorf("answers = %+v", got.Answers)
	}
	if !got.StartTime.Equal(now) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, now)
	}
	// EndTime was never set and stays zero through the nullable column.
	if !got.EndTime.IsZero() {
		t.Errorf("EndTime = %v, want zero", got.EndTime)
	}
}

func TestSaveSession_Replace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	session := &QuizSession{ID: "s1", QuizID: "quiz1", LearnerID: "l1", State: SessionCreated, CreatedAt: now}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	session.State = SessionCompleted
	session.StartTime = now
	session.EndTime = now.Add(10 * time.Minute)
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.State != SessionCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if !got.EndTime.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("EndTime = %v", got.EndTime)
	}
}

func TestActiveSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	active, err := store.ActiveSession(ctx, "l1", "quiz1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active session, got %+v", active)
	}

	session := &QuizSession{ID: "s1", QuizID: "quiz1", LearnerID: "l1", State: SessionInProgress, StartTime: now, CreatedAt: now}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	active, err = store.ActiveSession(ctx, "l1", "quiz1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active == nil || active.ID != "s1" {
		t.Fatalf("active = %+v, want s1", active)
	}

	// Other learners and other quizzes don't see it.
	if got, _ := store.ActiveSession(ctx, "l2", "quiz1"); got != nil {
		t.Error("session leaked to another learner")
	}
	if got, _ := store.ActiveSession(ctx, "l1", "quiz2"); got != nil {
		t.Error("session leaked to another quiz")
	}

	// Terminal sessions are not active.
	session.State = SessionAbandoned
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}
	active, err = store.ActiveSession(ctx, "l1", "quiz1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active != nil {
		t.Errorf("abandoned session reported active: %+v", active)
	}
}

func TestOpenSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sessions := []*QuizSession{
		{ID: "s1", QuizID: "quiz1", LearnerID: "l1", State: SessionInProgress, StartTime: now, CreatedAt: now},
		{ID: "s2", QuizID: "quiz2", LearnerID: "l2", State: SessionCreated, CreatedAt: now.Add(time.Minute)},
		{ID: "s3", QuizID: "quiz3", LearnerID: "l3", State: SessionCompleted, CreatedAt: now.Add(2 * time.Minute)},
	}
	for _, s := range sessions {
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("failed to save session %s: %v", s.ID, err)
		}
	}

	open, err := store.OpenSessions(ctx)
	if err != nil {
		t.Fatalf("failed to list open sessions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open sessions = %d, want 2", len(open))
	}
	if open[0].ID != "s1" || open[1].ID != "s2" {
		t.Errorf("order = %s, %s, want s1, s2", open[0].ID, open[1].ID)
	}
}

func TestSaveResult_FirstWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	result := &QuizResult{
		SessionID:  "s1",
		QuizID:     "quiz1",
		LearnerID:  "l1",
		Topic:      "distributed systems",
		Difficulty: Medium,
		Score:      0.75,
		Correct:    3,
		Total:      4,
		Outcomes: []QuestionOutcome{
			{QuestionID: "q1", Submitted: "Raft", CorrectAnswer: "Raft", Correct: true, Answered: true},
			{QuestionID: "q2", CorrectAnswer: "false", Answered: false},
		},
		TimeSpent:  7 * time.Minute,
		FinishedAt: now,
	}
	if err := store.SaveResult(ctx, result); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}

	// Replaying completion must not overwrite the first result.
	second := *result
	second.Score = 0.25
	second.Correct = 1
	if err := store.SaveResult(ctx, &second); err != nil {
		t.Fatalf("failed to save duplicate result: %v", err)
	}

	got, err := store.GetResult(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to get result: %v", err)
	}
	if got == nil {
		t.Fatal("expected result, got nil")
	}
	if got.Score != 0.75 || got.Correct != 3 {
		t.Errorf("score = %v correct = %d, first write should win", got.Score, got.Correct)
	}
	if got.TimeSpent != 7*time.Minute {
		t.Errorf("TimeSpent = %v, want 7m", got.TimeSpent)
	}
	if len(got.Outcomes) != 2 || !got.Outcomes[0].Correct || got.Outcomes[1].Answered {
		t.Errorf("outcomes = %+v", got.Outcomes)
	}
}

func TestGetResult_None(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetResult(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil result, got %+v", got)
	}
}

func TestResultsForLearner_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2", "s3"} {
		result := &QuizResult{
			SessionID: id, QuizID: "quiz-" + id, LearnerID: "l1",
			Topic: "raft", Difficulty: Medium, Score: 0.5, Correct: 1, Total: 2,
			Outcomes: []QuestionOutcome{}, FinishedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.SaveResult(ctx, result); err != nil {
			t.Fatalf("failed to save result %s: %v", id, err)
		}
	}
	other := &QuizResult{
		SessionID: "other", QuizID: "quiz-other", LearnerID: "l2",
		Topic: "raft", Difficulty: Medium, Outcomes: []QuestionOutcome{}, FinishedAt: base,
	}
	if err := store.SaveResult(ctx, other); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}

	results, err := store.ResultsForLearner(ctx, "l1")
	if err != nil {
		t.Fatalf("failed to get results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].SessionID != "s3" || results[2].SessionID != "s1" {
		t.Errorf("order = %s, %s, %s", results[0].SessionID, results[1].SessionID, results[2].SessionID)
	}
}

func TestMastery_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := store.GetMastery(ctx, "l1", "raft")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unstudied topic, got %+v", got)
	}

	m := &TopicMastery{
		LearnerID:           "l1",
		Topic:               "raft",
		Proficiency:         0.62,
		Level:               LevelLearning,
		Sessions:            3,
		LastReviewedAt:      now,
		NextReviewAt:        now.Add(48 * time.Hour),
		ReviewInterval:      48 * time.Hour,
		SuggestedDifficulty: Medium,
	}
	if err := store.SaveMastery(ctx, m); err != nil {
		t.Fatalf("failed to save mastery: %v", err)
	}

	got, err = store.GetMastery(ctx, "l1", "raft")
	if err != nil {
		t.Fatalf("failed to get mastery: %v", err)
	}
	if got.Proficiency != 0.62 || got.Level != LevelLearning || got.Sessions != 3 || got.SuggestedDifficulty != Medium {
		t.Errorf("mastery = %+v", got)
	}
	if got.ReviewInterval != 48*time.Hour {
		t.Errorf("ReviewInterval = %v, want 48h", got.ReviewInterval)
	}
	if !got.NextReviewAt.Equal(now.Add(48 * time.Hour)) {
		t.Errorf("NextReviewAt = %v", got.NextReviewAt)
	}

	// Saving again replaces the record rather than adding a second row.
	m.Proficiency = 0.7
	m.Sessions = 4
	if err := store.SaveMastery(ctx, m); err != nil {
		t.Fatalf("failed to update mastery: %v", err)
	}
	records, err := store.MasteryForLearner(ctx, "l1")
	if err != nil {
		t.Fatalf("failed to list mastery: %v", err)
	}
	if len(records) != 1 || records[0].Proficiency != 0.7 {
		t.Errorf("records = %+v", records)
	}
}

func TestTopicsDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	topics := []struct {
		topic string
		next  time.Time
	}{
		{"overdue", now.Add(-48 * time.Hour)},
		{"due-now", now},
		{"not-yet", now.Add(24 * time.Hour)},
	}
	for _, tc := range topics {
		m := &TopicMastery{
			LearnerID: "l1", Topic: tc.topic, Proficiency: 0.5, Sessions: 2,
			LastReviewedAt: now.Add(-72 * time.Hour), NextReviewAt: tc.next,
			ReviewInterval: 24 * time.Hour, SuggestedDifficulty: Easy,
		}
		if err := store.SaveMastery(ctx, m); err != nil {
			t.Fatalf("failed to save mastery for %s: %v", tc.topic, err)
		}
	}

	due, err := store.TopicsDue(ctx, "l1", now)
	if err != nil {
		t.Fatalf("failed to get due topics: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if due[0].Topic != "overdue" || due[1].Topic != "due-now" {
		t.Errorf("order = %s, %s", due[0].Topic, due[1].Topic)
	}
}

func TestRecentPassageIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Three finished quizzes on the same topic, each drawing on its own passages.
	passages := map[string][]string{
		"quizA": {"p1", "p2"},
		"quizB": {"p3"},
		"quizC": {"p4", "p5"},
	}
	for i, quizID := range []string{"quizA", "quizB", "quizC"} {
		created := base.Add(time.Duration(i) * time.Hour)
		quiz := &Quiz{ID: quizID, Title: quizID, Topic: "raft", Difficulty: Medium, CreatedAt: created}
		for j, pid := range passages[quizID] {
			quiz.Questions = append(quiz.Questions, Question{
				ID: quizID + "-q" + string(rune('1'+j)), Type: ShortAnswer,
				Prompt: "What coordinates replicated logs across servers?", CorrectAnswer: "Raft",
				Difficulty: Medium, Topic: "raft", SourcePassageID: pid, CreatedAt: created,
			})
		}
		if err := store.SaveQuiz(ctx, quiz); err != nil {
			t.Fatalf("failed to save quiz %s: %v", quizID, err)
		}
		result := &QuizResult{
			SessionID: quizID + "-s", QuizID: quizID, LearnerID: "l1", Topic: "raft",
			Difficulty: Medium, Score: 1, Correct: 1, Total: 1,
			Outcomes: []QuestionOutcome{}, FinishedAt: created.Add(30 * time.Minute),
		}
		if err := store.SaveResult(ctx, result); err != nil {
			t.Fatalf("failed to save result for %s: %v", quizID, err)
		}
	}

	// Last two quizzes are quizC and quizB.
	ids, err := store.RecentPassageIDs(ctx, "l1", "raft", 2)
	if err != nil {
		t.Fatalf("failed to get recent passages: %v", err)
	}
	got := map[string]bool{}
	for _, id := range ids {
		got[id] = true
	}
	for _, want := range []string{"p3", "p4", "p5"} {
		if !got[want] {
			t.Errorf("missing recent passage %s", want)
		}
	}
	if got["p1"] || got["p2"] {
		t.Errorf("passages from outside the window included: %v", ids)
	}

	// Other topics don't count against the window.
	ids, err = store.RecentPassageIDs(ctx, "l1", "paxos", 3)
	if err != nil {
		t.Fatalf("failed to get recent passages: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no passages for unstudied topic, got %v", ids)
	}
}
