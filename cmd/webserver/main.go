package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	quizengine "github.com/bkocis/oreilly-book-rag"
)

const learnerCookie = "learner-session"

// Server is the JSON API over the quiz engine. Learner identity rides in a
// signed cookie; everything else is stateless.
type Server struct {
	engine  *quizengine.Engine
	cookies *sessions.CookieStore
	log     *zap.SugaredLogger
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	dbPath := os.Getenv("QUIZ_DB")
	if dbPath == "" {
		dbPath = "./quiz.db"
	}

	store, err := quizengine.OpenStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	if err := store.CreateTables(); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	index, err := quizengine.OpenIndex(dbPath)
	if err != nil {
		log.Fatalf("Failed to open index: %v", err)
	}
	defer index.Close()
	if err := index.CreateTables(); err != nil {
		log.Fatalf("Failed to create index tables: %v", err)
	}

	var client *openai.Client
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		client = openai.NewClient(apiKey)
	} else {
		log.Warn("OPENAI_API_KEY not set, quiz generation disabled")
	}

	cfg := quizengine.DefaultEngineConfig()
	cfg.TraceDir = os.Getenv("QUIZ_TRACE_DIR")
	engine := quizengine.NewEngine(store, index, client, cfg, log)

	secret := os.Getenv("SESSION_SECRET")
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("SESSION_SECRET not set, learner cookies reset on restart")
	}

	server := &Server{
		engine:  engine,
		cookies: sessions.NewCookieStore([]byte(secret)),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/quizzes", server.handleGenerateQuiz)
	mux.HandleFunc("GET /api/quizzes", server.handleListQuizzes)
	mux.HandleFunc("GET /api/quizzes/{id}", server.handleGetQuiz)
	mux.HandleFunc("POST /api/quizzes/{id}/sessions", server.handleStartSession)
	mux.HandleFunc("GET /api/sessions/{id}", server.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/answers", server.handleSubmitAnswer)
	mux.HandleFunc("POST /api/sessions/{id}/complete", server.handleCompleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/abandon", server.handleAbandonSession)
	mux.HandleFunc("GET /api/me/progress", server.handleProgress)
	mux.HandleFunc("GET /api/me/gaps", server.handleGaps)
	mux.HandleFunc("GET /api/me/recommendations", server.handleRecommendations)
	mux.HandleFunc("GET /api/me/reviews", server.handleReviews)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8180"
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.RunSweeper(ctx)

	go func() {
		log.Infof("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown error: %v", err)
	}
}

// learnerID returns the learner ID from the cookie session, minting one on
// first contact.
func (s *Server) learnerID(w http.ResponseWriter, r *http.Request) string {
	sess, _ := s.cookies.Get(r, learnerCookie)
	if id, ok := sess.Values["learner_id"].(string); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	sess.Values["learner_id"] = id
	if err := sess.Save(r, w); err != nil {
		s.log.Warnf("Failed to save learner cookie: %v", err)
	}
	return id
}

func (s *Server) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	learner := s.learnerID(w, r)

	var cust quizengine.QuizCustomization
	if err := json.NewDecoder(r.Body).Decode(&cust); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	quiz, err := s.engine.GenerateQuiz(r.Context(), learner, cust)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, quiz)
}

func (s *Server) handleListQuizzes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	quizzes, err := s.engine.ListQuizzes(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"quizzes": quizzes})
}

func (s *Server) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	quiz, err := s.engine.GetQuiz(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, quiz)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	learner := s.learnerID(w, r)

	sess, err := s.engine.StartSession(r.Context(), learner, r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionID string `json:"question_id"`
		Value      string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.SubmitAnswer(r.Context(), r.PathValue("id"), req.QuestionID, req.Value)
	if err != nil {
		var stale *quizengine.StaleSessionError
		if errors.As(err, &stale) && result != nil {
			// Deadline passed first: the session closed with the answers on
			// record and this submission was not counted.
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"error":  stale.Error(),
				"result": result,
			})
			return
		}
		s.writeEngineError(w, err)
		return
	}

	resp := map[string]any{"accepted": true}
	if result != nil {
		resp["result"] = result
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.CompleteSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAbandonSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.AbandonSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"abandoned": true})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.GetProgress(r.Context(), s.learnerID(w, r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	minConfidence, ok := s.minConfidence(w, r)
	if !ok {
		return
	}
	analysis, err := s.engine.AnalyzeKnowledgeGaps(r.Context(), s.learnerID(w, r), minConfidence)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	minConfidence, ok := s.minConfidence(w, r)
	if !ok {
		return
	}
	recs, err := s.engine.GetRecommendations(r.Context(), s.learnerID(w, r), minConfidence)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	due, err := s.engine.ReviewQueue(r.Context(), s.learnerID(w, r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"due": due})
}

func (s *Server) minConfidence(w http.ResponseWriter, r *http.Request) (float64, bool) {
	v := r.URL.Query().Get("min_confidence")
	if v == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		s.writeError(w, http.StatusBadRequest, "min_confidence must be between 0 and 1")
		return 0, false
	}
	return f, true
}

// writeEngineError maps the engine's typed errors to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var (
		noContent  *quizengine.NoContentError
		partial    *quizengine.PartialAssemblyError
		invalid    *quizengine.InvalidTransitionError
		validation *quizengine.ValidationError
	)
	switch {
	case errors.As(err, &noContent), errors.As(err, &partial):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Errorf("Request failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
