package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Source is one of the closed set of article sources.
type Source string

const (
	SourceHN     Source = "hn"
	SourceReddit Source = "reddit"
	SourceArxiv  Source = "arxiv"
	SourceRSS    Source = "rss"
)

// AllSources lists every supported source in dispatch order.
var AllSources = []Source{SourceHN, SourceReddit, SourceArxiv, SourceRSS}

// ParseSource validates a source tag.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSources {
		if src == known {
			return src, nil
		}
	}
	return "", eris.Errorf("unknown source %q", s)
}

// ParseSources validates a list of source tags, dropping duplicates. An empty
// list selects every source.
func ParseSources(in []string) ([]Source, error) {
	if len(in) == 0 {
		return append([]Source(nil), AllSources...), nil
	}
	seen := make(map[Source]bool, len(in))
	out := make([]Source, 0, len(in))
	for _, s := range in {
		src, err := ParseSource(s)
		if err != nil {
			return nil, err
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out, nil
}
