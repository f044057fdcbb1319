package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
)

// HackerNews searches Algolia's HN index for AI stories of a day.
type HackerNews struct {
	f        fetcher.Fetcher
	baseURL  string
	minScore int
}

type hnResponse struct {
	Hits []struct {
		ObjectID  string `json:"objectID"`
		Title     string `json:"title"`
		URL       string `json:"url"`
		Author    string `json:"author"`
		Points    int    `json:"points"`
		CreatedAt string `json:"created_at"`
	} `json:"hits"`
}

func (h *HackerNews) searchURL(date time.Time) string {
	start := model.Day(date)
	q := url.Values{}
	q.Set("query", "AI machine learning LLM")
	q.Set("tags", "story")
	q.Set("hitsPerPage", "100")
	q.Set("numericFilters", fmt.Sprintf("points>=%d,created_at_i>=%d,created_at_i<%d",
		h.minScore, start.Unix(), start.AddDate(0, 0, 1).Unix()))
	return strings.TrimSuffix(h.baseURL, "/") + "/search?" + q.Encode()
}

// Fetch implements Fetcher.
func (h *HackerNews) Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error) {
	resp, err := fetcher.GetJSON[hnResponse](ctx, h.f, h.searchURL(date))
	if err != nil {
		return nil, eris.Wrap(err, "hn: search")
	}

	day := model.Day(date)
	var items []model.RawItem
	for _, hit := range resp.Hits {
		if hit.Title == "" || !matchesAny(aiKeywords, hit.Title, hit.URL) {
			continue
		}
		link := hit.URL
		if link == "" {
			link = "https://news.ycombinator.com/item?id=" + hit.ObjectID
		}
		it := model.RawItem{
			Title:            hit.Title,
			URL:              link,
			SourceName:       "HackerNews",
			SourceType:       model.SourceHN,
			Author:           hit.Author,
			EngagementSignal: hit.Points,
			DigestDate:       day,
		}
		if ts, err := time.Parse(time.RFC3339, hit.CreatedAt); err == nil {
			ts = ts.UTC()
			it.PublishedAt = &ts
		}
		items = append(items, it)
	}
	zap.L().Info("hn: fetched stories",
		zap.String("date", day.Format(model.DateLayout)),
		zap.Int("hits", len(resp.Hits)),
		zap.Int("kept", len(items)),
	)
	return items, nil
}
