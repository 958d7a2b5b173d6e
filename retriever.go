package quizengine

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// PassageIndex is the boundary to the external document index. The engine only
// reads from it; upserts and deletes belong to the indexing collaborator.
type PassageIndex interface {
	// Search returns passages relevant to the query, best first, at most limit.
	Search(ctx context.Context, query string, topicFilter string, limit int) ([]Passage, error)
}

// RecentPassageSource reports which passages a learner has already seen in
// their most recent quizzes on a topic, for the retrieval cooldown.
type RecentPassageSource interface {
	RecentPassageIDs(ctx context.Context, learnerID, topic string, quizzes int) ([]string, error)
}

// RetrieverConfig controls passage retrieval.
type RetrieverConfig struct {
	// MinPassages is the minimum number of matching passages below which
	// retrieval fails with NoContentError.
	MinPassages int

	// CooldownQuizzes is how many of the learner's most recent quizzes on the
	// same topic contribute passages to the exclusion set.
	CooldownQuizzes int

	// Overfetch multiplies the requested k when querying the index, leaving
	// room for dedup and cooldown filtering.
	Overfetch int
}

// DefaultRetrieverConfig returns the standard retrieval tuning.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		MinPassages:     1,
		CooldownQuizzes: 3,
		Overfetch:       3,
	}
}

// Retriever selects candidate passages for question synthesis: it queries the
// index, boosts definition/example passages, deduplicates by document section
// and drops passages the learner saw recently.
type Retriever struct {
	index  PassageIndex
	recent RecentPassageSource
	cfg    RetrieverConfig
	log    *zap.SugaredLogger
}

// NewRetriever creates a Retriever. recent may be nil, disabling the cooldown.
func NewRetriever(index PassageIndex, recent RecentPassageSource, cfg RetrieverConfig, log *zap.SugaredLogger) *Retriever {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Retriever{index: index, recent: recent, cfg: cfg, log: log}
}

// Retrieve returns up to k ranked passages for the topic, excluding the given
// IDs and the learner's cooldown set. difficultyHint nudges ranking: harder
// questions favor denser passages. Fails with NoContentError when fewer than
// the configured minimum passages match.
func (r *Retriever) Retrieve(ctx context.Context, learnerID, topic string, hint Difficulty, k int, excludeIDs []string) ([]Passage, error) {
	if k <= 0 {
		k = 1
	}

	exclude := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = true
	}
	if r.recent != nil && learnerID != "" {
		ids, err := r.recent.RecentPassageIDs(ctx, learnerID, topic, r.cfg.CooldownQuizzes)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			exclude[id] = true
		}
	}

	candidates, err := r.index.Search(ctx, topic, topic, k*r.cfg.Overfetch)
	if err != nil {
		return nil, err
	}
	if len(candidates) < r.cfg.MinPassages {
		return nil, &NoContentError{Topic: topic, Found: len(candidates), Want: r.cfg.MinPassages}
	}

	ranked := make([]Passage, 0, len(candidates))
	for _, p := range candidates {
		if exclude[p.ID] {
			continue
		}
		p.Score += contentPriority(p.Text)
		if hint == Hard {
			// Denser passages support inference questions better.
			p.Score += density(p.Text)
		}
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	// One passage per document section, so a single section never dominates.
	seen := make(map[string]bool)
	out := make([]Passage, 0, k)
	for _, p := range ranked {
		sec := p.Section()
		if seen[sec] {
			continue
		}
		seen[sec] = true
		out = append(out, p)
		if len(out) == k {
			break
		}
	}
	// If section dedup starved us below k, refill with remaining passages.
	if len(out) < k {
		for _, p := range ranked {
			if len(out) == k {
				break
			}
			if !containsPassage(out, p.ID) {
				out = append(out, p)
			}
		}
	}

	if len(out) < r.cfg.MinPassages {
		return nil, &NoContentError{Topic: topic, Found: len(out), Want: r.cfg.MinPassages}
	}

	r.log.Debugw("passages retrieved", "topic", topic, "requested", k, "returned", len(out), "excluded", len(exclude))
	return out, nil
}

// contentPriority boosts passages that read like definitions or examples,
// which support cleaner questions than narrative text.
func contentPriority(text string) float64 {
	lower := strings.ToLower(text)
	var p float64
	for _, marker := range []string{" is a ", " is the ", " refers to ", " is defined as ", " means "} {
		if strings.Contains(lower, marker) {
			p += 3
			break
		}
	}
	for _, marker := range []string{"for example", "for instance", "such as", "e.g."} {
		if strings.Contains(lower, marker) {
			p += 2
			break
		}
	}
	return p
}

// density is a rough information-density score: distinct words per sentence.
func density(text string) float64 {
	sentences := strings.Count(text, ".") + strings.Count(text, "?") + strings.Count(text, "!")
	if sentences == 0 {
		sentences = 1
	}
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,;:!?\"'()")] = true
	}
	d := float64(len(words)) / float64(sentences)
	if d > 3 {
		d = 3
	}
	return d
}

func containsPassage(ps []Passage, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}
