package source

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
)

// Arxiv queries the arXiv export API for the newest papers per category.
type Arxiv struct {
	f          fetcher.Fetcher
	baseURL    string
	categories []string
	perCat     int
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

func (a *Arxiv) queryURL(category string) string {
	q := url.Values{}
	q.Set("search_query", "cat:"+category)
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	q.Set("max_results", strconv.Itoa(a.perCat))
	return a.baseURL + "?" + q.Encode()
}

// Fetch implements Fetcher. Papers listed under several categories are kept
// once, under the first category that returned them.
func (a *Arxiv) Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error) {
	day := model.Day(date)
	seen := make(map[string]bool)

	var (
		items []model.RawItem
		errs  []error
	)
	for _, cat := range a.categories {
		entries, err := a.fetchCategory(ctx, cat)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "arxiv: cancelled")
			}
			zap.L().Warn("arxiv: category fetch failed", zap.String("category", cat), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			id := strings.TrimSpace(e.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true

			title := collapse(e.Title)
			abstract := collapse(e.Summary)
			if !matchesAny(paperKeywords, title, abstract) {
				continue
			}
			it := model.RawItem{
				Title:      title,
				URL:        id,
				SourceName: "Arxiv/" + cat,
				SourceType: model.SourceArxiv,
				Author:     authorList(e),
				DigestDate: day,
				Content:    abstract,
			}
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published)); err == nil {
				ts = ts.UTC()
				it.PublishedAt = &ts
			}
			items = append(items, it)
		}
	}
	zap.L().Info("arxiv: fetched papers", zap.Int("kept", len(items)), zap.Int("failed_categories", len(errs)))
	return partial(items, errs, len(a.categories))
}

func (a *Arxiv) fetchCategory(ctx context.Context, cat string) ([]arxivEntry, error) {
	body, err := a.f.Download(ctx, a.queryURL(cat))
	if err != nil {
		return nil, eris.Wrapf(err, "arxiv: %s", cat)
	}
	defer body.Close() //nolint:errcheck
	entries, err := fetcher.CollectXML[arxivEntry](ctx, body, "entry")
	if err != nil {
		return nil, eris.Wrapf(err, "arxiv: parse %s", cat)
	}
	return entries, nil
}

// authorList names the first three authors, then "et al.".
func authorList(e arxivEntry) string {
	names := make([]string, 0, 3)
	for i, au := range e.Authors {
		if i == 3 {
			break
		}
		names = append(names, collapse(au.Name))
	}
	s := strings.Join(names, ", ")
	if len(e.Authors) > 3 {
		s += " et al."
	}
	return s
}
