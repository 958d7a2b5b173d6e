package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	quizengine "github.com/bkocis/oreilly-book-rag"
)

func main() {
	var (
		dbPath       = flag.String("db", "./quiz.db", "Path to the quiz database")
		indexFile    = flag.String("index-file", "", "Text file to index as a document")
		docID        = flag.String("doc-id", "", "Document ID for indexing (default: derived from filename)")
		docTitle     = flag.String("doc-title", "", "Document title for indexing")
		docTags      = flag.String("doc-tags", "", "Comma-separated topic tags for indexed passages")
		topic        = flag.String("topic", "", "Quiz topic (required for generation)")
		numQuestions = flag.Int("questions", 10, "Number of questions to generate")
		difficulty   = flag.String("difficulty", "medium", "Difficulty level (easy, medium, hard)")
		types        = flag.String("types", "multiple_choice", "Comma-separated question types")
		timeLimit    = flag.Int("time-limit", 0, "Session time limit in minutes (0 = none)")
		outputFile   = flag.String("output", "", "Output file for quiz JSON (default: stdout)")
		apiKey       = flag.String("api-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
		traceDir     = flag.String("trace-dir", "", "Directory for per-quiz generation traces")
		learner      = flag.String("learner", "", "Learner ID (default: generated)")
		playMode     = flag.Bool("play", false, "Play the quiz interactively")
		verbose      = flag.Bool("verbose", false, "Enable verbose debugging output")
	)

	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
	}
	defer logger.Sync()

	store, err := quizengine.OpenStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	if err := store.CreateTables(); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	index, err := quizengine.OpenIndex(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open index: %v", err)
	}
	defer index.Close()
	if err := index.CreateTables(); err != nil {
		log.Fatalf("Failed to create index tables: %v", err)
	}

	if *indexFile != "" {
		indexDocument(index, *indexFile, *docID, *docTitle, *docTags)
		return
	}

	if *topic == "" {
		log.Fatal("Topic is required. Use -topic flag (or -index-file to index a document).")
	}

	if *apiKey == "" {
		*apiKey = os.Getenv("OPENAI_API_KEY")
		if *apiKey == "" {
			log.Fatal("OpenAI API key is required. Use -api-key flag or set OPENAI_API_KEY environment variable.")
		}
	}

	cfg := quizengine.DefaultEngineConfig()
	cfg.TraceDir = *traceDir
	cfg.SweepInterval = 0
	engine := quizengine.NewEngine(store, index, openai.NewClient(*apiKey), cfg, logger.Sugar())

	learnerID := *learner
	if learnerID == "" {
		learnerID = uuid.NewString()
	}

	cust := quizengine.QuizCustomization{
		Topic:        *topic,
		Difficulty:   quizengine.Difficulty(*difficulty),
		NumQuestions: *numQuestions,
		TimeLimit:    *timeLimit,
	}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cust.QuestionTypes = append(cust.QuestionTypes, quizengine.QuestionType(t))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	quiz, err := engine.GenerateQuiz(ctx, learnerID, cust)
	if err != nil {
		log.Fatalf("Failed to generate quiz: %v", err)
	}

	if *playMode {
		playQuiz(ctx, engine, learnerID, quiz)
		return
	}

	output, err := json.MarshalIndent(quiz, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal quiz: %v", err)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			log.Fatalf("Failed to write output file: %v", err)
		}
		log.Printf("Quiz saved to: %s", *outputFile)
	} else {
		fmt.Println(string(output))
	}
}

// indexDocument splits a text file into paragraph passages and indexes them.
func indexDocument(index *quizengine.SQLiteIndex, path, docID, title, tags string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read file: %v", err)
	}

	if docID == "" {
		docID = strings.TrimSuffix(path[strings.LastIndex(path, "/")+1:], ".txt")
	}
	if title == "" {
		title = docID
	}
	var topicTags []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topicTags = append(topicTags, t)
		}
	}

	var passages []quizengine.Passage
	for _, para := range strings.Split(string(data), "\n\n") {
		para = strings.TrimSpace(para)
		if len(strings.Fields(para)) < 10 {
			continue
		}
		passages = append(passages, quizengine.Passage{
			ID:        uuid.NewString(),
			Text:      para,
			TopicTags: topicTags,
		})
	}
	if len(passages) == 0 {
		log.Fatalf("No indexable passages found in %s", path)
	}

	if err := index.IndexDocument(context.Background(), docID, title, passages); err != nil {
		log.Fatalf("Failed to index document: %v", err)
	}
	log.Printf("Indexed %d passages from %s as document %s", len(passages), path, docID)
}

func playQuiz(ctx context.Context, engine *quizengine.Engine, learnerID string, quiz *quizengine.Quiz) {
	fmt.Printf("🎯 Starting quiz: %s\n", quiz.Title)
	fmt.Printf("📝 Questions: %d, Difficulty: %s\n", len(quiz.Questions), quiz.Difficulty)
	if quiz.TimeLimit > 0 {
		fmt.Printf("⏱️  Time limit: %d minutes\n", quiz.TimeLimit)
	}
	fmt.Println()

	sess, err := engine.StartSession(ctx, learnerID, quiz.ID)
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	var result *quizengine.QuizResult

	for i, q := range quiz.Questions {
		fmt.Printf("Question %d/%d:\n", i+1, len(quiz.Questions))
		fmt.Printf("%s\n\n", q.Prompt)

		answer := readAnswer(scanner, q)

		result, err = engine.SubmitAnswer(ctx, sess.ID, q.ID, answer)
		if err != nil {
			var stale *quizengine.StaleSessionError
			if errors.As(err, &stale) {
				fmt.Println("\n⏱️  Time is up! Scoring the answers submitted so far.")
				break
			}
			log.Fatalf("Failed to submit answer: %v", err)
		}

		fmt.Println()
		fmt.Println(strings.Repeat("─", 50))
		fmt.Println()
	}

	if result == nil {
		result, err = engine.CompleteSession(ctx, sess.ID)
		if err != nil {
			log.Fatalf("Failed to complete session: %v", err)
		}
	}

	fmt.Println("🎉 Quiz completed!")
	fmt.Printf("\n🏆 Score: %d/%d (%.1f%%)\n", result.Correct, result.Total, result.Score*100)
	fmt.Println()

	for i, out := range result.Outcomes {
		q := quiz.Questions[i]
		if out.Correct {
			fmt.Printf("✅ Q%d: Correct!\n", i+1)
		} else {
			fmt.Printf("❌ Q%d: Incorrect. The correct answer is: %s\n", i+1, out.CorrectAnswer)
		}
		if q.Explanation != "" {
			fmt.Printf("💡 %s\n", q.Explanation)
		}
	}

	if result.Score >= 0.8 {
		fmt.Println("\n🌟 Excellent work!")
	} else if result.Score >= 0.6 {
		fmt.Println("\n👍 Good job!")
	} else {
		fmt.Println("\n📚 Keep studying!")
	}

	progress, err := engine.GetProgress(ctx, learnerID)
	if err == nil {
		fmt.Printf("\n📊 Overall: %d sessions, %.1f%% accuracy, %d day streak\n",
			progress.TotalSessions, progress.Accuracy*100, progress.StreakDays)
	}
}

func readAnswer(scanner *bufio.Scanner, q quizengine.Question) string {
	switch q.Type {
	case quizengine.MultipleChoice:
		labels := []string{"A", "B", "C", "D"}
		for i, option := range q.Options {
			fmt.Printf("%s) %s\n", labels[i], option)
		}
		fmt.Println()
		for {
			fmt.Print("Your answer (A/B/C/D): ")
			scanner.Scan()
			choice := strings.ToUpper(strings.TrimSpace(scanner.Text()))
			idx := strings.Index("ABCD", choice)
			if len(choice) == 1 && idx >= 0 && idx < len(q.Options) {
				return q.Options[idx]
			}
			fmt.Println("Please enter A, B, C, or D")
		}
	case quizengine.TrueFalse:
		for {
			fmt.Print("Your answer (true/false): ")
			scanner.Scan()
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			if answer == "true" || answer == "false" {
				return answer
			}
			fmt.Println("Please enter true or false")
		}
	default:
		fmt.Print("Your answer: ")
		scanner.Scan()
		return strings.TrimSpace(scanner.Text())
	}
}
