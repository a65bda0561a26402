package tools

import (
	"sort"
	"strings"

	"github.com/haasonsaas/mxf/pkg/models"
)

// Recommendation is one ranked entry returned by tools_recommend.
type Recommendation struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

// Scoring weights: a term hitting the tool name counts more than one
// hitting the description.
const (
	nameWeight        = 3.0
	descriptionWeight = 1.0
)

// Recommend ranks the given descriptors by term overlap with the intent.
// Tools with a zero score are omitted; ties break alphabetically so the
// ranking is deterministic.
func Recommend(descriptors []models.ToolDescriptor, intent string, limit int) []Recommendation {
	terms := tokenize(intent)
	if len(terms) == 0 {
		return nil
	}

	var recs []Recommendation
	for _, d := range descriptors {
		nameTokens := tokenize(d.Name)
		descTokens := tokenize(d.Description)
		score := 0.0
		for term := range terms {
			if _, ok := nameTokens[term]; ok {
				score += nameWeight
			}
			if _, ok := descTokens[term]; ok {
				score += descriptionWeight
			}
		}
		if score > 0 {
			recs = append(recs, Recommendation{
				Name:        d.Name,
				Score:       score,
				Description: d.Description,
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].Name < recs[j].Name
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) < 2 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}
