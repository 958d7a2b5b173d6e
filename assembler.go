package quizengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AssemblerConfig controls quiz assembly.
type AssemblerConfig struct {
	// MinFraction is the smallest acceptable built/requested ratio; below it
	// assembly fails with PartialAssemblyError instead of returning a quiz.
	MinFraction float64

	// MaxParallel bounds concurrent slot synthesis. Retrieval and synthesis
	// are read-only against the index, so slots are independent.
	MaxParallel int

	// MaxQuestions and DefaultQuestions bound and default NumQuestions.
	MaxQuestions     int
	DefaultQuestions int
}

// DefaultAssemblerConfig returns the standard assembly tuning.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		MinFraction:      0.5,
		MaxParallel:      4,
		MaxQuestions:     50,
		DefaultQuestions: 10,
	}
}

// Assembler combines retrieval and synthesis into a full quiz honoring the
// customization's topic, difficulty and type mix.
type Assembler struct {
	retriever *Retriever
	synth     *Synthesizer
	cfg       AssemblerConfig
	clock     Clock
	log       *zap.SugaredLogger
}

// NewAssembler creates an Assembler.
func NewAssembler(retriever *Retriever, synth *Synthesizer, cfg AssemblerConfig, log *zap.SugaredLogger) *Assembler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Assembler{retriever: retriever, synth: synth, cfg: cfg, clock: systemClock, log: log}
}

// SetClock overrides the assembler's clock, for deterministic tests.
func (a *Assembler) SetClock(c Clock) { a.clock = c }

// Assemble builds a quiz for the learner per the customization. It fills each
// question slot independently with bounded parallelism, falls back through
// neighboring difficulty levels rather than failing a slot outright, and
// returns a partial quiz (flagged) when some slots could not be filled.
// A topic with no retrievable content at all surfaces NoContentError;
// building fewer than the minimum fraction of requested questions surfaces
// PartialAssemblyError.
func (a *Assembler) Assemble(ctx context.Context, learnerID string, cust QuizCustomization) (*Quiz, error) {
	cust, err := a.normalize(cust)
	if err != nil {
		return nil, err
	}

	slots := partitionTypes(cust.NumQuestions, cust.QuestionTypes)

	var (
		mu      sync.Mutex
		used    []string // passage IDs consumed by filled slots
		results = make([]*Question, len(slots))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxParallel)
	for i, qtype := range slots {
		g.Go(func() error {
			q, err := a.fillSlot(gctx, learnerID, cust, qtype, &mu, &used)
			if err != nil {
				// A topic with no content at all fails the whole quiz;
				// synthesis failures and exhausted passage pools just leave
				// the slot empty.
				var nce *NoContentError
				if errors.As(err, &nce) {
					return err
				}
				a.log.Warnw("slot left unfilled", "type", qtype, "topic", cust.Topic, "error", err)
				return nil
			}
			results[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	questions := make([]Question, 0, len(slots))
	for _, q := range results {
		if q != nil {
			questions = append(questions, *q)
		}
	}

	if float64(len(questions)) < a.cfg.MinFraction*float64(cust.NumQuestions) {
		return nil, &PartialAssemblyError{Topic: cust.Topic, Requested: cust.NumQuestions, Built: len(questions)}
	}

	quiz := &Quiz{
		ID:         uuid.NewString(),
		Title:      fmt.Sprintf("Quiz: %s", cust.Topic),
		Topic:      cust.Topic,
		Difficulty: cust.Difficulty,
		TimeLimit:  cust.TimeLimit,
		Questions:  questions,
		Partial:    len(questions) < cust.NumQuestions,
		CreatedAt:  a.clock(),
	}
	a.log.Infow("quiz assembled",
		"quiz_id", quiz.ID, "topic", quiz.Topic,
		"requested", cust.NumQuestions, "built", len(questions), "partial", quiz.Partial)
	return quiz, nil
}

// fillSlot retrieves candidate passages and synthesizes one question, walking
// the difficulty fallback ladder before giving up on the slot. Candidates are
// reserved in the shared used-set before synthesis so concurrent slots never
// build two questions from the same passage.
func (a *Assembler) fillSlot(ctx context.Context, learnerID string, cust QuizCustomization, qtype QuestionType, mu *sync.Mutex, used *[]string) (*Question, error) {
	mu.Lock()
	exclude := make([]string, len(*used))
	copy(exclude, *used)
	mu.Unlock()

	candidates, err := a.retriever.Retrieve(ctx, learnerID, cust.Topic, cust.Difficulty, a.synth.cfg.MaxAttempts, exclude)
	if err != nil {
		var nce *NoContentError
		if errors.As(err, &nce) && len(exclude) > 0 {
			// Earlier slots already reserved passages for this topic, so an
			// empty retrieval here means the pool is exhausted, not that the
			// topic has no content. Leave the slot unfilled.
			return nil, fmt.Errorf("passages exhausted for topic %q: %v", cust.Topic, nce)
		}
		return nil, err
	}

	mu.Lock()
	passages := make([]Passage, 0, len(candidates))
	for _, p := range candidates {
		if !containsID(*used, p.ID) {
			passages = append(passages, p)
			*used = append(*used, p.ID)
		}
	}
	mu.Unlock()

	var lastErr error
	for _, level := range fallbackLadder(cust.Difficulty) {
		q, err := a.synth.SynthesizeAny(ctx, passages, qtype, level)
		if err != nil {
			lastErr = err
			continue
		}
		return q, nil
	}
	return nil, lastErr
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// normalize applies defaults and bounds to the customization.
func (a *Assembler) normalize(cust QuizCustomization) (QuizCustomization, error) {
	if cust.Topic == "" {
		return cust, fmt.Errorf("topic is required")
	}
	if cust.Difficulty == "" {
		cust.Difficulty = Medium
	}
	if !cust.Difficulty.Valid() {
		return cust, fmt.Errorf("invalid difficulty: %s", cust.Difficulty)
	}
	if cust.NumQuestions == 0 {
		cust.NumQuestions = a.cfg.DefaultQuestions
	}
	if cust.NumQuestions < 1 || cust.NumQuestions > a.cfg.MaxQuestions {
		return cust, fmt.Errorf("num_questions must be between 1 and %d", a.cfg.MaxQuestions)
	}
	if len(cust.QuestionTypes) == 0 {
		cust.QuestionTypes = []QuestionType{MultipleChoice}
	}
	for _, t := range cust.QuestionTypes {
		if !t.Valid() {
			return cust, fmt.Errorf("invalid question type: %s", t)
		}
	}
	if cust.TimeLimit < 0 {
		return cust, fmt.Errorf("time_limit cannot be negative")
	}
	return cust, nil
}

// partitionTypes spreads n slots across the requested types as evenly as
// possible, assigning the remainder round-robin starting from the first type.
func partitionTypes(n int, types []QuestionType) []QuestionType {
	per := n / len(types)
	rem := n % len(types)

	counts := make([]int, len(types))
	for i := range types {
		counts[i] = per
		if i < rem {
			counts[i]++
		}
	}

	slots := make([]QuestionType, 0, n)
	for i, t := range types {
		for j := 0; j < counts[i]; j++ {
			slots = append(slots, t)
		}
	}
	return slots
}

// fallbackLadder orders difficulty levels from the requested one through its
// nearest neighbors, so a slot degrades gracefully instead of failing.
func fallbackLadder(d Difficulty) []Difficulty {
	switch d {
	case Hard:
		return []Difficulty{Hard, Medium, Easy}
	case Easy:
		return []Difficulty{Easy, Medium, Hard}
	default:
		return []Difficulty{Medium, Easy, Hard}
	}
}

// assembleTimeout is the ceiling for one full quiz assembly.
const assembleTimeout = 10 * time.Minute
