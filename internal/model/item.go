package model

import "time"

// EnrichState is the enrichment or vectorization state of an item.
type EnrichState int

const (
	StateFailed  EnrichState = -1
	StatePending EnrichState = 0
	StateDone    EnrichState = 1
)

// RawItem is what a source fetcher returns for one article.
type RawItem struct {
	Title            string     `json:"title"`
	URL              string     `json:"url"`
	SourceName       string     `json:"source_name"`
	SourceType       Source     `json:"source_type"`
	Author           string     `json:"author,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
	EngagementSignal int        `json:"engagement_signal"`
	DigestDate       time.Time  `json:"digest_date"`
	Content          string     `json:"content,omitempty"`
}

// NewItem is a raw item that passed dedup, ready to persist.
type NewItem struct {
	RawItem
	DedupHash string
}

// Enrichment is the structured output of the generation provider.
type Enrichment struct {
	Summary           string             `json:"summary"`
	SummaryBullets    []string           `json:"summary_bullets"`
	Annotations       []string           `json:"annotations"`
	WhyItMatters      string             `json:"why_it_matters"`
	PracticalTakeaway string             `json:"practical_takeaway"`
	Category          string             `json:"category"`
	Tags              []string           `json:"tags"`
	AudienceScores    map[string]float64 `json:"audience_scores"`
}

// Item is one deduplicated article.
type Item struct {
	ID               int64       `json:"id"`
	DedupHash        string      `json:"dedup_hash"`
	Title            string      `json:"title"`
	URL              string      `json:"url"`
	SourceName       string      `json:"source_name"`
	SourceType       Source      `json:"source_type"`
	Author           string      `json:"author,omitempty"`
	PublishedAt      *time.Time  `json:"published_at,omitempty"`
	DigestDate       time.Time   `json:"digest_date"`
	EngagementSignal int         `json:"engagement_signal"`
	Content          string      `json:"content,omitempty"`
	IsEnriched       EnrichState `json:"is_enriched"`
	EnrichRetries    int         `json:"enrich_retries"`
	IsVectorized     EnrichState `json:"is_vectorized"`
	Enrichment       *Enrichment `json:"enrichment,omitempty"`
	RelatedItemIDs   []int64     `json:"related_item_ids,omitempty"`
	IngestedAt       time.Time   `json:"ingested_at"`
}

// RelatedCandidate is an enriched item considered when computing related items.
type RelatedCandidate struct {
	ID       int64
	Category string
	Tags     []string
}

// DLQItem is an item whose enrichment failed past the retry cap.
type DLQItem struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	SourceType    Source    `json:"source_type"`
	DigestDate    time.Time `json:"digest_date"`
	EnrichRetries int       `json:"enrich_retries"`
	IngestedAt    time.Time `json:"ingested_at"`
}
