package quizengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceLogger writes a per-assembly trace of every model interaction and
// validation decision to its own file, so a bad quiz can be reconstructed
// after the fact.
type TraceLogger struct {
	file   *os.File
	mu     sync.Mutex
	quizID string
}

// NewTraceLogger creates a trace file for one quiz assembly under dir.
func NewTraceLogger(dir, quizID string, cust QuizCustomization) (*TraceLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	file, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s.log", quizID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	t := &TraceLogger{file: file, quizID: quizID}
	t.Logf("=== Quiz Assembly Trace ===\n")
	t.Logf("Quiz ID: %s\n", quizID)
	t.Logf("Topic: %s\n", cust.Topic)
	t.Logf("Questions: %d\n", cust.NumQuestions)
	t.Logf("Difficulty: %s\n", cust.Difficulty)
	t.Logf("Types: %v\n", cust.QuestionTypes)
	t.Logf("Started: %s\n", time.Now().Format(time.RFC3339))
	t.Logf("========================\n\n")
	return t, nil
}

// Logf writes a formatted entry with a timestamp.
func (t *TraceLogger) Logf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")
	fmt.Fprintf(t.file, "[%s] %s", timestamp, fmt.Sprintf(format, args...))
	t.file.Sync()
}

// LogLLMRequest records an outgoing model prompt.
func (t *TraceLogger) LogLLMRequest(component, prompt string) {
	t.Logf("=== LLM REQUEST (%s) ===\n", component)
	t.Logf("Prompt:\n%s\n", prompt)
	t.Logf("=====================\n\n")
}

// LogLLMResponse records a model response payload.
func (t *TraceLogger) LogLLMResponse(component, response string) {
	t.Logf("=== LLM RESPONSE (%s) ===\n", component)
	t.Logf("Response:\n%s\n", response)
	t.Logf("======================\n\n")
}

// LogQuestionResult records the validation outcome for one question.
func (t *TraceLogger) LogQuestionResult(questionID, outcome, detail string) {
	t.Logf("Question %s: %s - %s\n", questionID, outcome, detail)
}

// Close finalizes and closes the trace file.
func (t *TraceLogger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		fmt.Fprintf(t.file, "[%s] === Assembly Complete: %s ===\n",
			time.Now().Format("15:04:05.000"), time.Now().Format(time.RFC3339))
		return t.file.Close()
	}
	return nil
}
