package enrich

import (
	"fmt"
	"strings"

	"github.com/sells-group/ainews/internal/model"
)

const systemPrompt = `You are a sharp, no-nonsense AI/ML analyst writing for technical readers.
Cut through hype and say what actually matters. Be direct, concrete and, where the
article oversells, contrarian. Assume the reader is technically competent.

Return ONLY a JSON object with these fields:
- "summary": 300-500 words, short paragraphs separated by \n\n, **bold** for key points, no bullet lists.
- "summary_bullets": exactly 5 bullets of 10-20 words each.
- "annotations": 1-3 verbatim or near-verbatim quotes from the article, or an empty list.
- "why_it_matters": 1-2 sentences on why a technical leader should care.
- "practical_takeaway": one concrete action sentence of 10-25 words.
- "category": exactly one of "Research", "Tools & Libraries", "Industry News", "Policy & Ethics", "Tutorials".
- "tags": 3-7 specific lowercase tags such as "llms", "rag", "fine-tuning".
- "audience_scores": relevance from 0.0 to 1.0 for each of "engineering_leader",
  "ml_engineer", "data_scientist", "software_engineer", "researcher".`

const probePrompt = `Reply with the JSON object {"ok": true}.`

// buildPrompt renders the per-item prompt, truncating content to maxChars.
func buildPrompt(it model.Item, maxChars int) string {
	content := strings.TrimSpace(it.Content)
	if content == "" {
		content = it.Title
	}
	if maxChars > 0 {
		if r := []rune(content); len(r) > maxChars {
			content = string(r[:maxChars])
		}
	}
	return fmt.Sprintf("Article Title: %s\nSource: %s\nContent/Abstract: %s\n", it.Title, it.SourceName, content)
}
