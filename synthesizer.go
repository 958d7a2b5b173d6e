package quizengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// chatClient is the slice of the OpenAI client the synthesizer uses, so tests
// can inject a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// SynthesizerConfig controls question synthesis.
type SynthesizerConfig struct {
	// Model is the chat model used for synthesis.
	Model string

	// Temperature controls output randomness.
	Temperature float32

	// MaxAttempts bounds how many passages SynthesizeAny tries before
	// surfacing UngeneratableError.
	MaxAttempts int

	// Validators run in order on every synthesized question.
	Validators []QuestionValidator
}

// DefaultSynthesizerConfig returns the standard synthesis tuning.
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		Model:       openai.GPT4o,
		Temperature: 0.7,
		MaxAttempts: 3,
		Validators:  DefaultValidators(),
	}
}

// Synthesizer turns a passage into a validated question of a requested type
// using the chat model, with the validator chain as the acceptance gate.
type Synthesizer struct {
	client chatClient
	cfg    SynthesizerConfig
	clock  Clock
	log    *zap.SugaredLogger
	trace  *TraceLogger
}

// NewSynthesizer creates a Synthesizer around an OpenAI-compatible client.
func NewSynthesizer(client chatClient, cfg SynthesizerConfig, log *zap.SugaredLogger) *Synthesizer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	if len(cfg.Validators) == 0 {
		cfg.Validators = DefaultValidators()
	}
	return &Synthesizer{client: client, cfg: cfg, clock: systemClock, log: log}
}

// SetTrace attaches a per-assembly generation trace file.
func (s *Synthesizer) SetTrace(trace *TraceLogger) { s.trace = trace }

// SetClock overrides the synthesizer's clock, for deterministic tests.
func (s *Synthesizer) SetClock(c Clock) { s.clock = c }

// rawQuestion is the model's tool-call payload before validation.
type rawQuestion struct {
	Prompt         string   `json:"prompt"`
	Options        []string `json:"options"`
	CorrectAnswer  string   `json:"correct_answer"`
	AnswerSynonyms []string `json:"answer_synonyms"`
	Explanation    string   `json:"explanation"`
	Reasoning      string   `json:"reasoning"`
}

// Synthesize generates one question of the given type from the passage. The
// returned question carries the difficulty the classifier assigned, which may
// differ from the requested hint; callers decide whether that is acceptable.
// Validation failures come back as *ValidationError.
func (s *Synthesizer) Synthesize(ctx context.Context, passage Passage, qtype QuestionType, difficulty Difficulty) (*Question, error) {
	if !qtype.Valid() {
		return nil, fmt.Errorf("unsupported question type: %s", qtype)
	}

	prompt := buildSynthesisPrompt(passage, qtype, difficulty)
	if s.trace != nil {
		s.trace.LogLLMRequest("Synthesizer", prompt)
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert quiz question writer. Every question must be answerable from the provided passage alone, and the correct answer text must be quoted verbatim from the passage.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Tools: []openai.Tool{
			{
				Type:     openai.ToolTypeFunction,
				Function: &submitQuestionFn,
			},
		},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: "submit_question"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize question: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}
	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		return nil, fmt.Errorf("no tool calls in response")
	}
	toolCall := choice.Message.ToolCalls[0]
	if toolCall.Function.Name != "submit_question" {
		return nil, fmt.Errorf("unexpected tool call: %s", toolCall.Function.Name)
	}
	if s.trace != nil {
		s.trace.LogLLMResponse("Synthesizer", toolCall.Function.Arguments)
	}

	var raw rawQuestion
	if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
	}

	topic := passage.DocumentID
	if len(passage.TopicTags) > 0 {
		topic = passage.TopicTags[0]
	}

	q := &Question{
		ID:              uuid.NewString(),
		Type:            qtype,
		Prompt:          raw.Prompt,
		CorrectAnswer:   raw.CorrectAnswer,
		Explanation:     raw.Explanation,
		Difficulty:      ClassifyDifficulty(passage.Text, raw.Reasoning),
		Topic:           topic,
		SourcePassageID: passage.ID,
		CreatedAt:       s.clock(),
	}
	switch qtype {
	case MultipleChoice:
		q.Options = raw.Options
	case TrueFalse:
		q.CorrectAnswer = strings.ToLower(strings.TrimSpace(raw.CorrectAnswer))
	}

	input := ValidationInput{Source: passage, AnswerSynonyms: raw.AnswerSynonyms}
	for _, v := range s.cfg.Validators {
		if verr := v.Validate(q, input); verr != nil {
			if s.trace != nil {
				s.trace.LogQuestionResult(q.ID, "rejected", verr.Error())
			}
			return nil, verr
		}
	}
	if s.trace != nil {
		s.trace.LogQuestionResult(q.ID, "accepted", string(q.Difficulty))
	}
	return q, nil
}

// SynthesizeAny tries one passage after another, up to the configured attempt
// bound, and returns the first valid question whose classified difficulty
// matches the requested one. Non-retryable validation failures stop early;
// exhaustion surfaces UngeneratableError. Callers that accept neighboring
// difficulties call again with the fallback level.
func (s *Synthesizer) SynthesizeAny(ctx context.Context, passages []Passage, qtype QuestionType, difficulty Difficulty) (*Question, error) {
	attempts := s.cfg.MaxAttempts
	if len(passages) < attempts {
		attempts = len(passages)
	}
	if attempts == 0 {
		return nil, &UngeneratableError{Type: qtype, Attempts: 0}
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		q, err := s.Synthesize(ctx, passages[i], qtype, difficulty)
		if err == nil && q.Difficulty == difficulty {
			return q, nil
		}
		if err == nil {
			lastErr = &ValidationError{
				Validator: "difficulty",
				Message:   fmt.Sprintf("classified %s, requested %s", q.Difficulty, difficulty),
				Retryable: true,
			}
			continue
		}
		lastErr = err
		var verr *ValidationError
		if errors.As(err, &verr) && !verr.Retryable {
			break
		}
		s.log.Debugw("synthesis attempt failed",
			"type", qtype, "passage", passages[i].ID, "attempt", i+1, "error", err)
	}
	return nil, &UngeneratableError{Type: qtype, Attempts: attempts, LastErr: lastErr}
}

var submitQuestionFn = openai.FunctionDefinition{
	Name:        "submit_question",
	Description: "Submit the generated quiz question",
	Parameters: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The question text. Fill-in-the-blank prompts use ____ for the blank.",
			},
			"options": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Exactly 4 answer options, multiple choice only. Empty otherwise.",
			},
			"correct_answer": map[string]interface{}{
				"type":        "string",
				"description": "The correct answer, quoted verbatim from the passage where possible. For true/false: \"true\" or \"false\".",
			},
			"answer_synonyms": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Alternative phrasings of the correct answer that appear in the passage.",
			},
			"explanation": map[string]interface{}{
				"type":        "string",
				"description": "Why the answer is correct, citing the passage.",
			},
			"reasoning": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"lookup", "single_inference", "multi_step"},
				"description": "How the answer is reached: direct lookup, one inference step, or multiple steps.",
			},
		},
		"required": []string{"prompt", "correct_answer", "explanation", "reasoning"},
	},
}

func buildSynthesisPrompt(passage Passage, qtype QuestionType, difficulty Difficulty) string {
	var sb strings.Builder

	difficultyGoals := map[Difficulty]string{
		Easy:   "basic recall of facts stated directly in the passage",
		Medium: "comprehension requiring one inference step",
		Hard:   "analysis requiring multiple reasoning steps over the passage",
	}

	sb.WriteString(fmt.Sprintf("Create one %s question testing %s.\n\n", qtype, difficultyGoals[difficulty]))
	sb.WriteString("Passage:\n")
	sb.WriteString(truncate(passage.Text, 1500))
	sb.WriteString("\n\n")

	sb.WriteString("Requirements:\n")
	sb.WriteString("- The question must be answerable from the passage alone\n")
	sb.WriteString("- The correct answer text must appear in the passage\n")
	switch qtype {
	case MultipleChoice:
		sb.WriteString("- Provide exactly 4 options: 1 correct and 3 distractors\n")
		sb.WriteString("- Distractors must be the same kind of thing as the answer, plausible but verifiably wrong per the passage\n")
		sb.WriteString("- All 4 options must be distinct\n")
		sb.WriteString("- Do not let the answer appear in the question text\n")
	case TrueFalse:
		sb.WriteString("- Write a statement that is definitively true or false per the passage\n")
		sb.WriteString("- Avoid trivial or trick statements\n")
		sb.WriteString("- correct_answer is \"true\" or \"false\"\n")
	case FillBlank:
		sb.WriteString("- Take an important sentence from the passage and replace one key term with ____\n")
		sb.WriteString("- The missing term must have a unique correct answer\n")
	case ShortAnswer:
		sb.WriteString("- Ask for a short factual answer of a few words, not an essay\n")
		sb.WriteString("- The expected answer must be a phrase from the passage\n")
	}
	sb.WriteString("- Explain why the answer is correct, citing the passage\n")
	sb.WriteString("- Report in \"reasoning\" whether answering needs a direct lookup, a single inference, or multiple steps\n")
	sb.WriteString("- Use the submit_question tool to return the question\n")

	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
