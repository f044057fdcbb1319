package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
)

// Reddit reads the daily top listing of each configured subreddit.
type Reddit struct {
	f          fetcher.Fetcher
	baseURL    string
	subreddits []string
	minScore   int
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	IsSelf     bool    `json:"is_self"`
	Selftext   string  `json:"selftext"`
	Score      int     `json:"score"`
	Author     string  `json:"author"`
	CreatedUTC float64 `json:"created_utc"`
}

// Fetch implements Fetcher. A failing subreddit is logged and skipped; the
// fetch fails only when every subreddit does.
func (r *Reddit) Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error) {
	day := model.Day(date)
	base := strings.TrimSuffix(r.baseURL, "/")

	var (
		items []model.RawItem
		errs  []error
	)
	for _, sub := range r.subreddits {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "reddit: cancelled")
		}
		listing, err := fetcher.GetJSON[redditListing](ctx, r.f, fmt.Sprintf("%s/r/%s/top.json?t=day&limit=25", base, sub))
		if err != nil {
			zap.L().Warn("reddit: subreddit fetch failed", zap.String("subreddit", sub), zap.Error(err))
			errs = append(errs, eris.Wrapf(err, "reddit: r/%s", sub))
			continue
		}
		for _, c := range listing.Data.Children {
			if it, ok := r.toItem(sub, c.Data, day); ok {
				items = append(items, it)
			}
		}
	}
	zap.L().Info("reddit: fetched posts", zap.Int("kept", len(items)), zap.Int("failed_subreddits", len(errs)))
	return partial(items, errs, len(r.subreddits))
}

func (r *Reddit) toItem(sub string, p redditPost, day time.Time) (model.RawItem, bool) {
	if p.Score < r.minScore || p.Title == "" {
		return model.RawItem{}, false
	}
	if p.IsSelf && p.Selftext == "" {
		return model.RawItem{}, false
	}
	link := p.URL
	if p.IsSelf {
		link = "https://reddit.com" + p.Permalink
	}
	it := model.RawItem{
		Title:            p.Title,
		URL:              link,
		SourceName:       "Reddit/r/" + sub,
		SourceType:       model.SourceReddit,
		EngagementSignal: p.Score,
		DigestDate:       day,
		Content:          p.Selftext,
	}
	if p.Author != "" && p.Author != "[deleted]" {
		it.Author = p.Author
	}
	if p.CreatedUTC > 0 {
		ts := time.Unix(int64(p.CreatedUTC), 0).UTC()
		it.PublishedAt = &ts
	}
	return it, true
}
