package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/ainews/internal/model"
)

// Categories is the closed set an enrichment may be filed under.
var Categories = []string{"Research", "Tools & Libraries", "Industry News", "Policy & Ethics", "Tutorials"}

const defaultCategory = "Industry News"

const enrichmentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary", "category", "tags"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "summary_bullets": {"type": "array", "items": {"type": "string"}},
    "annotations": {"type": "array", "items": {"type": "string"}},
    "why_it_matters": {"type": "string"},
    "practical_takeaway": {"type": "string"},
    "category": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "audience_scores": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    }
  }
}`

var schema = mustSchema(enrichmentSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("enrich: compile schema: %v", err))
	}
	return s
}

// ValidationError lists the schema violations of a provider response.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "enrich: invalid provider output: " + strings.Join(e.Fields, "; ")
}

// ParseEnrichment validates raw provider output and normalises it: tags are
// lowercased and trimmed, unknown categories fall back to Industry News.
func ParseEnrichment(raw string) (*model.Enrichment, error) {
	res, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "enrich: decode provider output")
	}
	if !res.Valid() {
		ve := &ValidationError{}
		for _, e := range res.Errors() {
			ve.Fields = append(ve.Fields, e.Field()+": "+e.Description())
		}
		return nil, ve
	}

	var e model.Enrichment
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, eris.Wrap(err, "enrich: unmarshal provider output")
	}

	tags := make([]string, 0, len(e.Tags))
	seen := make(map[string]bool, len(e.Tags))
	for _, t := range e.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	e.Tags = tags
	e.Category = normalizeCategory(e.Category)
	return &e, nil
}

func normalizeCategory(c string) string {
	c = strings.TrimSpace(c)
	for _, known := range Categories {
		if strings.EqualFold(c, known) {
			return known
		}
	}
	return defaultCategory
}
