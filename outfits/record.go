package outfits

import (
	"fmt"
	"strings"
)

// AnswerDelimiter separates a model's free-form reasoning from the structured
// answer section. Prompt strategies that ask for reasoning instruct the model
// to emit exactly this marker before the JSON array.
const AnswerDelimiter = "---OUTFITS---"

// ItemRef points at a catalog item by name, carrying the category the model
// assigned so the exclusivity invariant can be checked without a catalog
// lookup.
type ItemRef struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// OutfitRecord is one validated outfit suggestion. Appended once to a task,
// never mutated afterwards.
type OutfitRecord struct {
	Items      []ItemRef `json:"items"`
	StylingTip string    `json:"styling_tip"`
	Rationale  string    `json:"rationale"`
	Confidence *float64  `json:"confidence,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
}

// a person wears one pair of pants and one pair of shoes
var exclusiveCategories = map[string]bool{
	"bottom": true,
	"shoes":  true,
}

// Validate reports why a candidate record must be dropped. Structural
// problems and exclusivity violations are both drop-not-repair: rewriting
// the record would silently alter user-visible content.
func (r OutfitRecord) Validate() error {
	named := 0
	for _, item := range r.Items {
		if strings.TrimSpace(item.Name) != "" {
			named++
		}
	}
	if named == 0 {
		return fmt.Errorf("outfit record has no item references")
	}
	if strings.TrimSpace(r.StylingTip) == "" {
		return fmt.Errorf("outfit record has no styling instruction")
	}
	seen := map[string]string{}
	for _, item := range r.Items {
		category := strings.ToLower(strings.TrimSpace(item.Category))
		if !exclusiveCategories[category] {
			continue
		}
		if prev, ok := seen[category]; ok {
			return fmt.Errorf("outfit record has two %q items: %q and %q", category, prev, item.Name)
		}
		seen[category] = item.Name
	}
	return nil
}

// ExtractionError means zero candidate records survived structural
// validation. It is distinct from an empty-but-valid answer so callers can
// fail the task instead of returning a silently empty result.
type ExtractionError struct {
	Detail string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no parsable outfit records in model output: %s", e.Detail)
}
