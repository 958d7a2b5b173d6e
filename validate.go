package quizengine

import "strings"

// ValidationInput carries the context a validator needs alongside the
// question itself: the source passage and the answer synonym set reported by
// the synthesis model (transient, never persisted).
type ValidationInput struct {
	Source         Passage
	AnswerSynonyms []string
}

// QuestionValidator checks a synthesized question against its source passage.
// Implementations are stateless and safe for concurrent use.
type QuestionValidator interface {
	// Name returns a short identifier for error messages and logging.
	Name() string

	// Validate returns nil if the question passes, or a ValidationError.
	Validate(q *Question, input ValidationInput) *ValidationError
}

// DefaultValidators returns the standard validator chain, run in order; the
// first failure stops the pipeline.
func DefaultValidators() []QuestionValidator {
	return []QuestionValidator{
		&StructuralValidator{},
		&GroundingValidator{},
		&DistractorValidator{},
	}
}

// StructuralValidator checks required fields and per-type shape.
type StructuralValidator struct{}

func (v *StructuralValidator) Name() string { return "structural" }

func (v *StructuralValidator) Validate(q *Question, _ ValidationInput) *ValidationError {
	fail := func(msg string) *ValidationError {
		return &ValidationError{Validator: v.Name(), Message: msg, Retryable: true}
	}
	if strings.TrimSpace(q.Prompt) == "" {
		return fail("prompt is empty")
	}
	if len(strings.Fields(q.Prompt)) < 4 {
		return fail("prompt too short to be a meaningful question")
	}
	if strings.TrimSpace(q.Explanation) == "" {
		return fail("explanation is empty")
	}
	if strings.TrimSpace(q.CorrectAnswer) == "" {
		return fail("correct_answer is empty")
	}
	if !q.Difficulty.Valid() {
		return fail("difficulty must be easy, medium or hard")
	}
	switch q.Type {
	case MultipleChoice:
		if len(q.Options) != 4 {
			return fail("multiple_choice requires exactly 4 options")
		}
		if !containsString(q.Options, q.CorrectAnswer) {
			return fail("correct_answer must be one of the options")
		}
	case TrueFalse:
		a := strings.ToLower(strings.TrimSpace(q.CorrectAnswer))
		if a != "true" && a != "false" {
			return fail(`true_false answer must be "true" or "false"`)
		}
		if len(q.Options) != 0 {
			return fail("true_false must not carry options")
		}
	case FillBlank:
		if !strings.Contains(q.Prompt, "____") {
			return fail("fill_blank prompt must contain a ____ blank")
		}
		if len(q.Options) != 0 {
			return fail("fill_blank must not carry options")
		}
	case ShortAnswer:
		if len(q.Options) != 0 {
			return fail("short_answer must not carry options")
		}
	default:
		return fail("unknown question type")
	}
	return nil
}

// GroundingValidator rejects questions whose answer cannot be located in the
// source passage. This is the syntactic hallucination guard: the correct
// answer, or a member of its synonym set, must appear in the passage text,
// and true/false statements must share content words with the passage.
type GroundingValidator struct{}

func (v *GroundingValidator) Name() string { return "grounding" }

func (v *GroundingValidator) Validate(q *Question, input ValidationInput) *ValidationError {
	if q.Type == TrueFalse {
		if contentWordOverlap(q.Prompt, input.Source.Text) < 2 {
			return &ValidationError{
				Validator: v.Name(),
				Message:   "statement shares too few content words with the passage",
				Retryable: true,
			}
		}
		return nil
	}

	text := normalizeAnswer(input.Source.Text)
	candidates := append([]string{q.CorrectAnswer}, input.AnswerSynonyms...)
	for _, c := range candidates {
		c = normalizeAnswer(c)
		if c != "" && strings.Contains(text, c) {
			return nil
		}
	}
	return &ValidationError{
		Validator: v.Name(),
		Message:   "correct_answer (and its synonyms) do not appear in the source passage",
		Retryable: true,
	}
}

// contentWordOverlap counts distinct words longer than four characters that
// appear in both texts.
func contentWordOverlap(a, b string) int {
	inB := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(b)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 4 {
			inB[w] = true
		}
	}
	seen := make(map[string]bool)
	count := 0
	for _, w := range strings.Fields(strings.ToLower(a)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 4 && inB[w] && !seen[w] {
			seen[w] = true
			count++
		}
	}
	return count
}

// DistractorValidator enforces the multiple-choice option invariants:
// 4 distinct options, exactly one correct, no answer leakage in the prompt.
type DistractorValidator struct{}

func (v *DistractorValidator) Name() string { return "distractors" }

func (v *DistractorValidator) Validate(q *Question, _ ValidationInput) *ValidationError {
	if q.Type != MultipleChoice {
		return nil
	}
	fail := func(msg string) *ValidationError {
		return &ValidationError{Validator: v.Name(), Message: msg, Retryable: true}
	}
	seen := make(map[string]bool, len(q.Options))
	correct := 0
	for _, opt := range q.Options {
		norm := normalizeAnswer(opt)
		if norm == "" {
			return fail("empty option")
		}
		if seen[norm] {
			return fail("duplicate options")
		}
		seen[norm] = true
		if norm == normalizeAnswer(q.CorrectAnswer) {
			correct++
		}
	}
	if correct != 1 {
		return fail("exactly one option must match the correct answer")
	}
	if strings.Contains(normalizeAnswer(q.Prompt), normalizeAnswer(q.CorrectAnswer)) {
		return fail("correct answer appears in the prompt")
	}
	return nil
}

// normalizeAnswer lowercases and collapses whitespace, the same normalization
// scoring uses for short_answer and fill_blank matching.
func normalizeAnswer(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if normalizeAnswer(v) == normalizeAnswer(s) {
			return true
		}
	}
	return false
}

// Inference depth labels reported by the synthesis model for a question.
const (
	reasoningLookup    = "lookup"
	reasoningInference = "single_inference"
	reasoningMultiStep = "multi_step"
)

// ClassifyDifficulty combines the passage's lexical complexity with the
// question's inference depth: direct lookup reads easy, a single inference
// medium, multi-step reasoning hard, with dense source text bumping the
// result up one band.
func ClassifyDifficulty(passageText, reasoning string) Difficulty {
	score := 0
	switch reasoning {
	case reasoningInference:
		score = 1
	case reasoningMultiStep:
		score = 2
	}
	if lexicalComplexity(passageText) >= 0.5 {
		score++
	}
	switch {
	case score <= 0:
		return Easy
	case score == 1:
		return Medium
	default:
		return Hard
	}
}

// lexicalComplexity scores text in [0,1] from mean word length and sentence
// length. Around 0.5 corresponds to typical technical prose.
func lexicalComplexity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	var chars int
	for _, w := range words {
		chars += len(strings.Trim(w, ".,;:!?\"'()"))
	}
	meanWordLen := float64(chars) / float64(len(words))

	sentences := strings.Count(text, ".") + strings.Count(text, "?") + strings.Count(text, "!")
	if sentences == 0 {
		sentences = 1
	}
	meanSentenceLen := float64(len(words)) / float64(sentences)

	// Word length 4..8 and sentence length 8..28 map onto [0,1].
	wl := (meanWordLen - 4) / 4
	sl := (meanSentenceLen - 8) / 20
	return 0.6*clamp01(wl) + 0.4*clamp01(sl)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
