package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFeedItem struct {
	Title string `xml:"title"`
	Link  string `xml:"link"`
}

type testEntry struct {
	ID      string `xml:"id"`
	Title   string `xml:"title"`
	Authors []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

func TestStreamXML_RSSItems(t *testing.T) {
	input := `<rss><channel><title>Feed</title>
		<item><title>alpha</title><link>https://a.example/1</link></item>
		<item><title>beta</title><link>https://a.example/2</link></item>
	</channel></rss>`

	itemCh, errCh := StreamXML[testFeedItem](context.Background(), strings.NewReader(input), "item")

	var items []testFeedItem
	for item := range itemCh {
		items = append(items, item)
	}
	for err := range errCh {
		require.NoError(t, err)
	}

	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Title)
	assert.Equal(t, "https://a.example/2", items[1].Link)
}

func TestCollectXML_AtomEntries(t *testing.T) {
	input := `<feed xmlns="http://www.w3.org/2005/Atom">
		<title>arXiv query results</title>
		<entry><id>http://arxiv.org/abs/2603.00001v1</id><title>Sparse attention</title>
			<author><name>A. Author</name></author><author><name>B. Author</name></author></entry>
		<entry><id>http://arxiv.org/abs/2603.00002v1</id><title>Agents</title></entry>
	</feed>`

	entries, err := CollectXML[testEntry](context.Background(), strings.NewReader(input), "entry")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Sparse attention", entries[0].Title)
	require.Len(t, entries[0].Authors, 2)
	assert.Equal(t, "B. Author", entries[0].Authors[1].Name)
}

func TestCollectXML_Latin1Charset(t *testing.T) {
	input := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><rss><channel>" +
		"<item><title>Caf\xe9 models</title><link>https://b.example/x</link></item>" +
		"</channel></rss>"

	items, err := CollectXML[testFeedItem](context.Background(), strings.NewReader(input), "item")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Café models", items[0].Title)
}

func TestCollectXML_EmptyAndUnmatched(t *testing.T) {
	items, err := CollectXML[testFeedItem](context.Background(), strings.NewReader(""), "item")
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = CollectXML[testFeedItem](context.Background(), strings.NewReader(`<root><other/></root>`), "item")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCollectXML_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CollectXML[testFeedItem](ctx, strings.NewReader(`<rss><item><title>x</title></item></rss>`), "item")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context")
}
