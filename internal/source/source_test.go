package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/ainews/internal/config"
	"github.com/sells-group/ainews/internal/fetcher"
	"github.com/sells-group/ainews/internal/model"
)

var testDay = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1, DefaultLimit: rate.Inf})
}

func TestHackerNews_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, "story", r.URL.Query().Get("tags"))
		assert.Equal(t, "points>=50,created_at_i>=1772323200,created_at_i<1772409600", r.URL.Query().Get("numericFilters"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":[
			{"objectID":"1","title":"New LLM tops benchmark","url":"https://example.com/llm","author":"pg","points":320,"created_at":"2026-03-01T09:30:00Z"},
			{"objectID":"2","title":"Show HN: My bread recipe","url":"https://example.com/bread","points":90},
			{"objectID":"3","title":"Ask HN: Which transformer library?","url":"","author":"dang","points":60}
		]}`))
	}))
	defer srv.Close()

	hn := &HackerNews{f: newTestFetcher(), baseURL: srv.URL + "/api/v1", minScore: 50}
	items, err := hn.Fetch(context.Background(), testDay.Add(15*time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "New LLM tops benchmark", items[0].Title)
	assert.Equal(t, 320, items[0].EngagementSignal)
	assert.Equal(t, model.SourceHN, items[0].SourceType)
	assert.Equal(t, testDay, items[0].DigestDate)
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, 9, items[0].PublishedAt.Hour())

	assert.Equal(t, "https://news.ycombinator.com/item?id=3", items[1].URL)
}

func TestHackerNews_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	hn := &HackerNews{f: newTestFetcher(), baseURL: srv.URL}
	_, err := hn.Fetch(context.Background(), testDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hn: search")
}

func TestReddit_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/r/MachineLearning/top.json":
			assert.Equal(t, "day", r.URL.Query().Get("t"))
			_, _ = w.Write([]byte(`{"data":{"children":[
				{"data":{"title":"[R] Sparse attention","url":"https://arxiv.org/abs/1","score":120,"author":"a","created_utc":1772355600}},
				{"data":{"title":"low score","url":"https://x.test","score":3}},
				{"data":{"title":"Discussion","is_self":true,"selftext":"thoughts","permalink":"/r/MachineLearning/comments/abc","score":80,"author":"[deleted]"}},
				{"data":{"title":"Empty self post","is_self":true,"selftext":"","permalink":"/r/x","score":500}}
			]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rd := &Reddit{f: newTestFetcher(), baseURL: srv.URL, subreddits: []string{"MachineLearning", "gone"}, minScore: 50}
	items, err := rd.Fetch(context.Background(), testDay)
	require.NoError(t, err, "one failing subreddit does not fail the fetch")
	require.Len(t, items, 2)

	assert.Equal(t, "Reddit/r/MachineLearning", items[0].SourceName)
	assert.Equal(t, 120, items[0].EngagementSignal)
	require.NotNil(t, items[0].PublishedAt)

	assert.Equal(t, "https://reddit.com/r/MachineLearning/comments/abc", items[1].URL)
	assert.Empty(t, items[1].Author)
	assert.Equal(t, "thoughts", items[1].Content)
}

func TestReddit_AllSubredditsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rd := &Reddit{f: newTestFetcher(), baseURL: srv.URL, subreddits: []string{"a", "b"}}
	_, err := rd.Fetch(context.Background(), testDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r/a")
	assert.Contains(t, err.Error(), "r/b")
}

const arxivFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2603.00001v1</id>
    <published>2026-02-28T18:00:00Z</published>
    <title>Scaling Laws for
      Sparse Transformers</title>
    <summary>We study attention sparsity.</summary>
    <author><name>A One</name></author>
    <author><name>B Two</name></author>
    <author><name>C Three</name></author>
    <author><name>D Four</name></author>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2603.00002v1</id>
    <title>Soil moisture in alpine meadows</title>
    <summary>Field measurements.</summary>
  </entry>
</feed>`

func TestArxiv_Fetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.True(t, strings.HasPrefix(r.URL.Query().Get("search_query"), "cat:"))
		assert.Equal(t, "5", r.URL.Query().Get("max_results"))
		_, _ = w.Write([]byte(arxivFeed))
	}))
	defer srv.Close()

	ax := &Arxiv{f: newTestFetcher(), baseURL: srv.URL, categories: []string{"cs.LG", "cs.AI"}, perCat: 5}
	items, err := ax.Fetch(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, items, 1, "cross-listed paper kept once, off-topic paper dropped")

	it := items[0]
	assert.Equal(t, "Scaling Laws for Sparse Transformers", it.Title)
	assert.Equal(t, "http://arxiv.org/abs/2603.00001v1", it.URL)
	assert.Equal(t, "Arxiv/cs.LG", it.SourceName)
	assert.Equal(t, "A One, B Two, C Three et al.", it.Author)
	assert.Equal(t, "We study attention sparsity.", it.Content)
	assert.Equal(t, 0, it.EngagementSignal)
}

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:content="http://purl.org/rss/1.0/modules/content/">
<channel>
  <title>Lab Blog</title>
  <item>
    <title>Introducing our new model</title>
    <link>https://lab.test/new-model</link>
    <pubDate>Sun, 01 Mar 2026 16:00:00 GMT</pubDate>
    <dc:creator>Research Team</dc:creator>
    <description><![CDATA[<p>We are <b>excited</b> to share.</p><script>track()</script>]]></description>
  </item>
  <item>
    <title>Older post</title>
    <link>https://lab.test/older</link>
    <pubDate>Fri, 27 Feb 2026 10:00:00 +0000</pubDate>
  </item>
  <item>
    <title>Undated</title>
    <link>https://lab.test/undated</link>
  </item>
</channel>
</rss>`

func TestRSS_FetchFiltersByDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(rssFeed))
	}))
	defer srv.Close()

	r := NewRSS(newTestFetcher(), []config.FeedSpec{{Name: "Lab Blog", URL: srv.URL}})
	items, err := r.Fetch(context.Background(), testDay)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "Introducing our new model", it.Title)
	assert.Equal(t, "Lab Blog", it.SourceName)
	assert.Equal(t, "Research Team", it.Author)
	assert.Equal(t, "We are excited to share.", it.Content)
	assert.Equal(t, model.SourceRSS, it.SourceType)

	older, err := r.Fetch(context.Background(), testDay.AddDate(0, 0, -2))
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, "https://lab.test/older", older[0].URL)
}

func TestRSS_ReusesUnchangedFeed(t *testing.T) {
	var full, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(rssFeed))
	}))
	defer srv.Close()

	r := NewRSS(newTestFetcher(), []config.FeedSpec{{Name: "Lab Blog", URL: srv.URL}})
	for range 3 {
		items, err := r.Fetch(context.Background(), testDay)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	}
	assert.Equal(t, int32(1), full.Load())
	assert.Equal(t, int32(2), notModified.Load())
}

func TestRSS_Atom(t *testing.T) {
	const atom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <title>Prompt caching, explained</title>
    <link rel="self" href="https://blog.test/self"/>
    <link rel="alternate" href="https://blog.test/caching"/>
    <updated>2026-03-01T08:00:00Z</updated>
    <author><name>Simon</name></author>
    <summary>Notes on &lt;em&gt;caching&lt;/em&gt;.</summary>
  </entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(atom))
	}))
	defer srv.Close()

	r := NewRSS(newTestFetcher(), []config.FeedSpec{{Name: "Weblog", URL: srv.URL}})
	items, err := r.Fetch(context.Background(), testDay)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://blog.test/caching", items[0].URL)
	assert.Equal(t, "Simon", items[0].Author)
	assert.Equal(t, "Notes on caching.", items[0].Content)
}

func TestRSS_AllFeedsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewRSS(newTestFetcher(), []config.FeedSpec{{Name: "Gone", URL: srv.URL}})
	_, err := r.Fetch(context.Background(), testDay)
	require.Error(t, err)
}

func TestNewSet(t *testing.T) {
	set := NewSet(config.SourcesConfig{}, newTestFetcher())
	for _, src := range model.AllSources {
		f, err := set.Get(src)
		require.NoError(t, err)
		assert.NotNil(t, f)
	}
	_, err := set.Get("grok")
	require.Error(t, err)

	rss := set[model.SourceRSS].(*RSS)
	assert.Equal(t, DefaultFeeds, rss.feeds)
}

func TestMatchesAny(t *testing.T) {
	assert.True(t, matchesAny(aiKeywords, "OpenAI ships a thing", ""))
	assert.True(t, matchesAny(aiKeywords, "Why", "https://x.test/rag-pipelines"))
	assert.False(t, matchesAny(aiKeywords, "Gardening tips", "https://x.test"))
	assert.True(t, matchesAny(paperKeywords, "A study", "we propose a multimodal method"))
}

func TestParseFeedTime(t *testing.T) {
	for _, s := range []string{
		"Sun, 01 Mar 2026 16:00:00 GMT",
		"Sun, 1 Mar 2026 11:00:00 -0500",
		"2026-03-01T16:00:00Z",
	} {
		ts := parseFeedTime(s)
		require.NotNil(t, ts, s)
		assert.Equal(t, testDay, model.Day(*ts), s)
	}
	assert.Nil(t, parseFeedTime(""))
	assert.Nil(t, parseFeedTime("yesterday"))
}
