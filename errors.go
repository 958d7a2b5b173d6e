package quizengine

import (
	"fmt"
	"time"
)

// NoContentError indicates retrieval could not find enough passages for a
// topic. Retrying cannot manufacture new content, so callers must surface it.
type NoContentError struct {
	Topic string
	Found int
	Want  int
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("not enough content for topic %q: found %d passages, need %d", e.Topic, e.Found, e.Want)
}

// UngeneratableError indicates synthesis could not produce a valid question
// after its bounded attempts.
type UngeneratableError struct {
	Type     QuestionType
	Attempts int
	LastErr  error
}

func (e *UngeneratableError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("could not synthesize a valid %s question after %d attempts: %v", e.Type, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("could not synthesize a valid %s question after %d attempts", e.Type, e.Attempts)
}

func (e *UngeneratableError) Unwrap() error { return e.LastErr }

// PartialAssemblyError indicates a quiz ended up below the minimum acceptable
// fraction of requested questions. Above the fraction, a partial quiz is
// returned with Quiz.Partial set instead of this error.
type PartialAssemblyError struct {
	Topic     string
	Requested int
	Built     int
}

func (e *PartialAssemblyError) Error() string {
	return fmt.Sprintf("assembled only %d of %d questions for topic %q", e.Built, e.Requested, e.Topic)
}

// InvalidTransitionError indicates a session operation that is illegal in the
// session's current state. These are caller errors and are never retried.
type InvalidTransitionError struct {
	SessionID string
	State     SessionState
	Op        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s session %s in state %q", e.Op, e.SessionID, e.State)
}

// StaleSessionError indicates the session's time limit elapsed before the
// request arrived. The session has been auto-completed with the answers
// recorded so far.
type StaleSessionError struct {
	SessionID string
	Deadline  time.Time
}

func (e *StaleSessionError) Error() string {
	return fmt.Sprintf("session %s time limit elapsed at %s", e.SessionID, e.Deadline.Format(time.RFC3339))
}

// ValidationError describes why a synthesized question failed validation.
type ValidationError struct {
	Validator string // short identifier of the failing check
	Message   string
	Retryable bool // whether synthesis from another passage is likely to succeed
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validator %q: %s", e.Validator, e.Message)
}
