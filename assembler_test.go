package quizengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

const tfPayload = `{
	"prompt": "Raft separates leader election from log replication.",
	"correct_answer": "true",
	"explanation": "The passage states this separation directly.",
	"reasoning": "lookup"
}`

// typeAwareChat answers with a payload matching the question type the prompt
// asks for. failTypes simulates a model that cannot produce certain types.
type typeAwareChat struct {
	mu        sync.Mutex
	calls     int
	failTypes map[QuestionType]bool
}

func (c *typeAwareChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	user := req.Messages[len(req.Messages)-1].Content
	payload := mcPayload
	switch {
	case strings.Contains(user, string(TrueFalse)):
		if c.failTypes[TrueFalse] {
			return openai.ChatCompletionResponse{}, fmt.Errorf("refused")
		}
		payload = tfPayload
	default:
		if c.failTypes[MultipleChoice] {
			return openai.ChatCompletionResponse{}, fmt.Errorf("refused")
		}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					ToolCalls: []openai.ToolCall{
						{
							Type:     openai.ToolTypeFunction,
							Function: openai.FunctionCall{Name: "submit_question", Arguments: payload},
						},
					},
				},
			},
		},
	}, nil
}

// wideIndex serves a large passage pool and ignores the limit, so slot
// exclusion never starves a test.
type wideIndex struct {
	passages []Passage
}

func (w *wideIndex) Search(_ context.Context, _ string, _ string, _ int) ([]Passage, error) {
	return w.passages, nil
}

func newWideIndex(n int) *wideIndex {
	w := &wideIndex{}
	for i := 0; i < n; i++ {
		w.passages = append(w.passages, Passage{
			ID:         fmt.Sprintf("p%d", i),
			DocumentID: "doc",
			Position:   i * passagesPerSection, // one section each
			Text:       raftPassage,
			TopicTags:  []string{"raft"},
		})
	}
	return w
}

func newTestAssembler(chat chatClient, index PassageIndex) *Assembler {
	retriever := NewRetriever(index, nil, DefaultRetrieverConfig(), nil)
	synth := NewSynthesizer(chat, DefaultSynthesizerConfig(), nil)
	return NewAssembler(retriever, synth, DefaultAssemblerConfig(), nil)
}

func TestAssemble_MixedTypes(t *testing.T) {
	a := newTestAssembler(&typeAwareChat{}, newWideIndex(60))

	quiz, err := a.Assemble(context.Background(), "l1", QuizCustomization{
		Topic:         "raft",
		NumQuestions:  10,
		QuestionTypes: []QuestionType{MultipleChoice, TrueFalse},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quiz.Questions) != 10 {
		t.Fatalf("questions = %d, want 10", len(quiz.Questions))
	}
	if quiz.Partial {
		t.Error("fully assembled quiz must not read partial")
	}

	counts := map[QuestionType]int{}
	for _, q := range quiz.Questions {
		counts[q.Type]++
	}
	if counts[MultipleChoice] != 5 || counts[TrueFalse] != 5 {
		t.Errorf("type split = %v, want 5/5", counts)
	}
	if quiz.Topic != "raft" || quiz.ID == "" || quiz.Title == "" {
		t.Errorf("quiz metadata incomplete: %+v", quiz)
	}
}

func TestAssemble_Defaults(t *testing.T) {
	a := newTestAssembler(&typeAwareChat{}, newWideIndex(60))

	quiz, err := a.Assemble(context.Background(), "l1", QuizCustomization{Topic: "raft"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quiz.Questions) != 10 {
		t.Errorf("questions = %d, want the default 10", len(quiz.Questions))
	}
	if quiz.Difficulty != Medium {
		t.Errorf("difficulty = %s, want the default medium", quiz.Difficulty)
	}
	for _, q := range quiz.Questions {
		if q.Type != MultipleChoice {
			t.Errorf("type = %s, want the default multiple_choice", q.Type)
		}
	}
}

func TestAssemble_PartialWhenOneTypeFails(t *testing.T) {
	chat := &typeAwareChat{failTypes: map[QuestionType]bool{TrueFalse: true}}
	a := newTestAssembler(chat, newWideIndex(60))

	quiz, err := a.Assemble(context.Background(), "l1", QuizCustomization{
		Topic:         "raft",
		NumQuestions:  10,
		QuestionTypes: []QuestionType{MultipleChoice, TrueFalse},
	})
	if err != nil {
		t.Fatalf("expected partial quiz, got error: %v", err)
	}
	if !quiz.Partial {
		t.Error("quiz missing half its questions must read partial")
	}
	if len(quiz.Questions) != 5 {
		t.Errorf("questions = %d, want the 5 multiple_choice slots", len(quiz.Questions))
	}
	for _, q := range quiz.Questions {
		if q.Type == TrueFalse {
			t.Error("no true_false question should have been built")
		}
	}
}

func TestAssemble_FailsBelowMinFraction(t *testing.T) {
	chat := &typeAwareChat{failTypes: map[QuestionType]bool{MultipleChoice: true, TrueFalse: true}}
	a := newTestAssembler(chat, newWideIndex(60))

	_, err := a.Assemble(context.Background(), "l1", QuizCustomization{
		Topic:        "raft",
		NumQuestions: 10,
	})
	var partial *PartialAssemblyError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialAssemblyError, got %v", err)
	}
	if partial.Requested != 10 || partial.Built != 0 {
		t.Errorf("partial = %d/%d, want 0/10", partial.Built, partial.Requested)
	}
}

func TestAssemble_NoContentAbortsWholeQuiz(t *testing.T) {
	a := newTestAssembler(&typeAwareChat{}, &fakeIndex{})

	_, err := a.Assemble(context.Background(), "l1", QuizCustomization{Topic: "raft", NumQuestions: 4})
	var nce *NoContentError
	if !errors.As(err, &nce) {
		t.Fatalf("expected NoContentError, got %v", err)
	}
}

func TestAssemble_ExhaustedPoolReturnsPartial(t *testing.T) {
	// Nine passages feed three slots at three reservations each, so the
	// fourth slot retrieves nothing. That slot stays empty; the quiz still
	// ships because three of four clears the minimum fraction.
	retriever := NewRetriever(newWideIndex(9), nil, DefaultRetrieverConfig(), nil)
	synth := NewSynthesizer(&typeAwareChat{}, DefaultSynthesizerConfig(), nil)
	cfg := DefaultAssemblerConfig()
	cfg.MaxParallel = 1
	a := NewAssembler(retriever, synth, cfg, nil)

	quiz, err := a.Assemble(context.Background(), "l1", QuizCustomization{Topic: "raft", NumQuestions: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quiz.Questions) != 3 {
		t.Fatalf("questions = %d, want 3", len(quiz.Questions))
	}
	if !quiz.Partial {
		t.Error("quiz with an unfilled slot must read partial")
	}
}

func TestAssemble_DistinctSourcePassages(t *testing.T) {
	a := newTestAssembler(&typeAwareChat{}, newWideIndex(60))

	quiz, err := a.Assemble(context.Background(), "l1", QuizCustomization{Topic: "raft", NumQuestions: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for _, q := range quiz.Questions {
		if seen[q.SourcePassageID] {
			t.Errorf("passage %s used by more than one question", q.SourcePassageID)
		}
		seen[q.SourcePassageID] = true
	}
}

func TestAssemble_ValidationErrors(t *testing.T) {
	a := newTestAssembler(&typeAwareChat{}, newWideIndex(5))

	cases := []QuizCustomization{
		{},                                         // missing topic
		{Topic: "raft", NumQuestions: 51},          // above the cap
		{Topic: "raft", NumQuestions: -1},          // negative
		{Topic: "raft", Difficulty: "brutal"},      // unknown difficulty
		{Topic: "raft", TimeLimit: -5},             // negative time limit
		{Topic: "raft", QuestionTypes: []QuestionType{"essay"}}, // unknown type
	}
	for i, cust := range cases {
		if _, err := a.Assemble(context.Background(), "l1", cust); err == nil {
			t.Errorf("case %d: expected validation error for %+v", i, cust)
		}
	}
}

func TestPartitionTypes(t *testing.T) {
	slots := partitionTypes(10, []QuestionType{MultipleChoice, TrueFalse})
	if len(slots) != 10 {
		t.Fatalf("slots = %d, want 10", len(slots))
	}

	counts := map[QuestionType]int{}
	for _, s := range slots {
		counts[s]++
	}
	if counts[MultipleChoice] != 5 || counts[TrueFalse] != 5 {
		t.Errorf("split = %v, want 5/5", counts)
	}

	// Remainder goes to the earlier types.
	slots = partitionTypes(10, []QuestionType{MultipleChoice, TrueFalse, ShortAnswer})
	counts = map[QuestionType]int{}
	for _, s := range slots {
		counts[s]++
	}
	if counts[MultipleChoice] != 4 || counts[TrueFalse] != 3 || counts[ShortAnswer] != 3 {
		t.Errorf("split = %v, want 4/3/3", counts)
	}
}

func TestFallbackLadder(t *testing.T) {
	cases := map[Difficulty][]Difficulty{
		Easy:   {Easy, Medium, Hard},
		Medium: {Medium, Easy, Hard},
		Hard:   {Hard, Medium, Easy},
	}
	for from, want := range cases {
		got := fallbackLadder(from)
		if len(got) != len(want) {
			t.Fatalf("ladder(%s) = %v", from, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("ladder(%s) = %v, want %v", from, got, want)
			}
		}
	}
}
