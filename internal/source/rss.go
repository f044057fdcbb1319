package source

import (
	"bytes"
	"context"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
)

// DefaultFeeds is used when no feeds are configured.
var DefaultFeeds = []config.FeedSpec{
	{Name: "OpenAI Blog", URL: "https://openai.com/blog/rss.xml"},
	{Name: "Anthropic Blog", URL: "https://www.anthropic.com/rss.xml"},
	{Name: "Google DeepMind", URL: "https://deepmind.google/blog/rss.xml"},
	{Name: "HuggingFace Blog", URL: "https://huggingface.co/blog/feed.xml"},
	{Name: "Google AI Blog", URL: "https://blog.research.google/feeds/posts/default"},
	{Name: "Meta AI Blog", URL: "https://ai.meta.com/blog/rss/"},
	{Name: "The Gradient", URL: "https://thegradient.pub/rss/"},
	{Name: "Import AI", URL: "https://importai.substack.com/feed"},
	{Name: "Simon Willison", URL: "https://simonwillison.net/atom/everything/"},
	{Name: "Towards Data Science", URL: "https://towardsdatascience.com/feed"},
}

// maxFeedEntries bounds how many entries of one feed are considered.
const maxFeedEntries = 50

// RSS reads RSS 2.0 and Atom feeds and keeps the entries published on the
// requested day. Parsed feeds are cached by ETag so the per-date fetches of
// one run download each feed once.
type RSS struct {
	f     fetcher.Fetcher
	feeds []config.FeedSpec

	mu    sync.Mutex
	cache map[string]cachedFeed
}

type cachedFeed struct {
	etag    string
	entries []feedEntry
}

// feedEntry is the format-independent form of an RSS item or Atom entry.
type feedEntry struct {
	Title     string
	Link      string
	Published *time.Time
	Author    string
	Content   string
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
	Author      string `xml:"author"`
	Creator     string `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Description string `xml:"description"`
	Encoded     string `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Author    struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
}

// NewRSS creates an RSS fetcher over feeds.
func NewRSS(f fetcher.Fetcher, feeds []config.FeedSpec) *RSS {
	return &RSS{f: f, feeds: feeds, cache: make(map[string]cachedFeed)}
}

// Fetch implements Fetcher.
func (r *RSS) Fetch(ctx context.Context, date time.Time) ([]model.RawItem, error) {
	day := model.Day(date)

	var (
		items []model.RawItem
		errs  []error
	)
	for _, feed := range r.feeds {
		entries, err := r.entries(ctx, feed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "rss: cancelled")
			}
			zap.L().Warn("rss: feed fetch failed", zap.String("feed", feed.Name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.Link == "" || e.Title == "" || e.Published == nil {
				continue
			}
			if !model.Day(*e.Published).Equal(day) {
				continue
			}
			items = append(items, model.RawItem{
				Title:       e.Title,
				URL:         e.Link,
				SourceName:  feed.Name,
				SourceType:  model.SourceRSS,
				Author:      e.Author,
				PublishedAt: e.Published,
				DigestDate:  day,
				Content:     e.Content,
			})
		}
	}
	zap.L().Info("rss: fetched articles",
		zap.String("date", day.Format(model.DateLayout)),
		zap.Int("kept", len(items)),
		zap.Int("failed_feeds", len(errs)),
	)
	return partial(items, errs, len(r.feeds))
}

// entries returns the parsed entries of feed, reusing the cached copy when
// the server reports it unchanged.
func (r *RSS) entries(ctx context.Context, feed config.FeedSpec) ([]feedEntry, error) {
	r.mu.Lock()
	cached, ok := r.cache[feed.URL]
	r.mu.Unlock()

	body, etag, changed, err := r.f.DownloadIfChanged(ctx, feed.URL, cached.etag)
	if err != nil {
		return nil, eris.Wrapf(err, "rss: %s", feed.Name)
	}
	if !changed && ok {
		return cached.entries, nil
	}
	if body == nil {
		return nil, eris.Errorf("rss: %s: empty response", feed.Name)
	}
	defer body.Close() //nolint:errcheck

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, eris.Wrapf(err, "rss: read %s", feed.Name)
	}
	entries, err := parseFeed(ctx, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "rss: parse %s", feed.Name)
	}
	if etag != "" {
		r.mu.Lock()
		r.cache[feed.URL] = cachedFeed{etag: etag, entries: entries}
		r.mu.Unlock()
	}
	return entries, nil
}

// parseFeed decodes RSS items, falling back to Atom entries.
func parseFeed(ctx context.Context, raw []byte) ([]feedEntry, error) {
	items, err := fetcher.CollectXML[rssItem](ctx, bytes.NewReader(raw), "item")
	if err != nil {
		return nil, err
	}
	var out []feedEntry
	if len(items) > 0 {
		for _, it := range items[:min(len(items), maxFeedEntries)] {
			author := it.Author
			if author == "" {
				author = it.Creator
			}
			content := it.Encoded
			if content == "" {
				content = it.Description
			}
			out = append(out, feedEntry{
				Title:     collapse(it.Title),
				Link:      strings.TrimSpace(it.Link),
				Published: parseFeedTime(it.PubDate),
				Author:    strings.TrimSpace(author),
				Content:   stripHTML(content),
			})
		}
		return out, nil
	}

	entries, err := fetcher.CollectXML[atomEntry](ctx, bytes.NewReader(raw), "entry")
	if err != nil {
		return nil, err
	}
	for _, e := range entries[:min(len(entries), maxFeedEntries)] {
		published := parseFeedTime(e.Published)
		if published == nil {
			published = parseFeedTime(e.Updated)
		}
		content := e.Content
		if content == "" {
			content = e.Summary
		}
		out = append(out, feedEntry{
			Title:     collapse(e.Title),
			Link:      atomLink(e),
			Published: published,
			Author:    strings.TrimSpace(e.Author.Name),
			Content:   stripHTML(content),
		})
	}
	return out, nil
}

func atomLink(e atomEntry) string {
	for _, l := range e.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(e.Links) > 0 {
		return strings.TrimSpace(e.Links[0].Href)
	}
	return ""
}

// parseFeedTime accepts RFC 822/1123 dates (RSS) and RFC 3339 (Atom).
func parseFeedTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := mail.ParseDate(s); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

// stripHTML reduces an HTML fragment to its collapsed text.
func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapse(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(s)
	}
	doc.Find("script, style").Remove()
	return collapse(doc.Text())
}
