// Package source adapts the external article sources to a common Fetcher.
package source

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
)

// Fetcher returns the articles a source offers for one digest date.
type Fetcher interface {
	Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error)
}

// Set is the closed registry of source fetchers, built once at startup.
type Set map[model.Source]Fetcher

// NewSet builds a fetcher for every supported source over f.
func NewSet(cfg config.SourcesConfig, f fetcher.Fetcher) Set {
	feeds := cfg.Feeds
	if len(feeds) == 0 {
		feeds = DefaultFeeds
	}
	return Set{
		model.SourceHN: &HackerNews{
			f:        f,
			baseURL:  cfg.HNBaseURL,
			minScore: cfg.HNMinScore,
		},
		model.SourceReddit: &Reddit{
			f:          f,
			baseURL:    cfg.RedditBaseURL,
			subreddits: cfg.Subreddits,
			minScore:   cfg.RedditMinScore,
		},
		model.SourceArxiv: &Arxiv{
			f:          f,
			baseURL:    cfg.ArxivBaseURL,
			categories: cfg.ArxivCats,
			perCat:     cfg.ArxivPerCat,
		},
		model.SourceRSS: NewRSS(f, feeds),
	}
}

// Get returns the fetcher for src.
func (s Set) Get(src model.Source) (Fetcher, error) {
	f, ok := s[src]
	if !ok {
		return nil, eris.Errorf("source: no fetcher for %q", src)
	}
	return f, nil
}

// aiKeywords gate HN stories, which are not topic-scoped.
var aiKeywords = []string{
	"llm", "large language model", "gpt", "claude", "gemini", "mistral",
	"machine learning", "deep learning", "neural network", "ai ", "artificial intelligence",
	"reinforcement learning", "transformer", "diffusion", "stable diffusion",
	"openai", "anthropic", "google deepmind", "meta ai", "hugging face",
	"fine-tuning", "rag", "retrieval augmented", "computer vision", "nlp",
	"natural language", "chatbot", "inference", "training", "dataset",
	"benchmark", "robotics", "autonomous", "foundation model",
}

// paperKeywords gate arXiv papers by title and abstract.
var paperKeywords = []string{
	"language model", "llm", "transformer", "diffusion", "neural", "deep learning",
	"reinforcement", "fine-tun", "generative", "attention", "rag", "retrieval",
	"benchmark", "multimodal", "instruction", "alignment", "reasoning",
}

func matchesAny(keywords []string, parts ...string) bool {
	text := strings.ToLower(strings.Join(parts, " "))
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// collapse folds runs of whitespace, as found in wrapped feed titles.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// partial reports errs only when every sub-request failed. Otherwise the
// successful part of the fetch is kept.
func partial(items []model.RawItem, errs []error, attempted int) ([]model.RawItem, error) {
	if attempted > 0 && len(errs) == attempted {
		return nil, errors.Join(errs...)
	}
	return items, nil
}
