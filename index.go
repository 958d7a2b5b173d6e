package quizengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteIndex is a keyword-scored passage index backed by SQLite. It serves
// as the default PassageIndex when no external search service is wired in.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenIndex opens (and pings) a passage index at dbPath. The quiz store and
// the index can share one database file.
func OpenIndex(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

// Close closes the index connection.
func (ix *SQLiteIndex) Close() error {
	return ix.db.Close()
}

// CreateTables creates the index schema if it doesn't exist.
func (ix *SQLiteIndex) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			indexed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS passages (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			text TEXT NOT NULL,
			topic_tags TEXT NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_passages_document ON passages(document_id, position)`,
	}

	for _, query := range queries {
		if _, err := ix.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute %s: %w", query, err)
		}
	}
	return nil
}

// IndexDocument replaces a document's passages with the given set. Passages
// keep their slice order as position.
func (ix *SQLiteIndex) IndexDocument(ctx context.Context, docID, title string, passages []Passage) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM passages WHERE document_id = ?", docID); err != nil {
		return fmt.Errorf("failed to clear passages: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO documents (id, title, indexed_at) VALUES (?, ?, ?)",
		docID, title, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	for i, p := range passages {
		tagsJSON, err := json.Marshal(p.TopicTags)
		if err != nil {
			return fmt.Errorf("failed to marshal topic tags: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO passages (id, document_id, position, text, topic_tags) VALUES (?, ?, ?, ?, ?)",
			p.ID, docID, i, p.Text, string(tagsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to save passage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}

// DeleteDocument removes a document and all its passages.
func (ix *SQLiteIndex) DeleteDocument(ctx context.Context, docID string) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM passages WHERE document_id = ?", docID); err != nil {
		return fmt.Errorf("failed to delete passages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", docID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Search scores passages by keyword overlap with the query, filtered to
// passages tagged with topicFilter (or any passage when the filter is empty).
// A passage that matches the filter by tag alone keeps a floor score rather
// than dropping out. Results come back best first, at most limit.
func (ix *SQLiteIndex) Search(ctx context.Context, query string, topicFilter string, limit int) ([]Passage, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT id, document_id, position, text, topic_tags FROM passages")
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	terms := queryTerms(query)

	var matches []Passage
	for rows.Next() {
		var p Passage
		var tagsJSON string
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Position, &p.Text, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &p.TopicTags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal topic tags: %w", err)
		}
		if topicFilter != "" && !hasTag(p.TopicTags, topicFilter) {
			continue
		}
		p.Score = keywordScore(p.Text, terms)
		if p.Score <= 0 && len(terms) > 0 {
			if topicFilter == "" {
				continue
			}
			// Tagged with the topic but no term hits in the text. Keep it
			// with a floor score so keyword matches still rank first.
			p.Score = tagFloorScore
		}
		matches = append(matches, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating passages: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func hasTag(tags []string, want string) bool {
	want = strings.ToLower(want)
	for _, t := range tags {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return false
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}

// tagFloorScore is assigned to passages that match the topic filter by tag
// alone, keeping them retrievable below any keyword match.
const tagFloorScore = 0.05

// keywordScore counts query term occurrences, weighted down for very long
// passages so short focused ones rank above rambling ones.
func keywordScore(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	lower := strings.ToLower(text)
	var hits float64
	for _, t := range terms {
		hits += float64(strings.Count(lower, t))
	}
	if hits == 0 {
		return 0
	}
	words := float64(len(strings.Fields(text)))
	if words < 1 {
		words = 1
	}
	return hits * 100 / (100 + words)
}
