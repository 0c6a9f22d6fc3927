package prompts

import (
	"fmt"
	"strings"

	"outfitapi/outfits"
)

const (
	VersionDirect    = "v1-direct"
	VersionReasoning = "v2-reasoning"
	VersionStylist   = "v3-stylist"
)

// Generation modes accepted by the gateway.
const (
	ModeOccasion     = "occasion"
	ModeCompleteLook = "complete-look"
	ModeAnchorBuy    = "anchor-buy"
)

// Item is a catalog entry flattened for prompt rendering.
type Item struct {
	Name        string
	Category    string
	Color       string
	Description string
}

// RenderInput carries everything a strategy may interpolate into its
// prompt. Strategies are free to ignore fields that do not apply to them.
type RenderInput struct {
	StyleWords       []string
	Items            []Item
	Anchors          []string
	Mode             string
	Occasions        []string
	WeatherCondition string
	TemperatureRange string
	OutfitCount      int
}

// Strategy is one versioned way of asking the model for outfits. Versions
// are immutable once shipped; behaviour changes get a new ID.
type Strategy interface {
	ID() string
	TokenBudget() int32
	MaxOutfits() int
	UsesReasoning() bool
	Render(in RenderInput) (prompt string, system string)
}

const answerSchema = `[
  {
    "items": [{"name": "<exact catalog item name>", "category": "<top|bottom|outerwear|shoes|accessory>"}],
    "styling_tip": "<one concrete instruction for wearing the outfit>",
    "rationale": "<one sentence on why the combination works>",
    "confidence": <0.0 to 1.0>,
    "tags": ["<short descriptor>"]
  }
]`

const baseSystem = `You are a wardrobe assistant. You combine only the clothing items
the user actually owns into complete, wearable outfits. Never invent items
that are not in the provided catalog. Use each item's name exactly as given.
An outfit has at most one "bottom" item and at most one "shoes" item.`

func renderCatalog(items []Item) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item.Name)
		b.WriteString(" (")
		b.WriteString(item.Category)
		if item.Color != "" {
			b.WriteString(", ")
			b.WriteString(item.Color)
		}
		b.WriteString(")")
		if item.Description != "" {
			b.WriteString(": ")
			b.WriteString(item.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderContext(in RenderInput) string {
	var b strings.Builder
	if len(in.StyleWords) > 0 {
		fmt.Fprintf(&b, "The user's style in their own words: %s.\n", strings.Join(in.StyleWords, ", "))
	}
	switch in.Mode {
	case ModeCompleteLook:
		fmt.Fprintf(&b, "Build every outfit around these items, all of which must appear in each outfit: %s.\n",
			strings.Join(in.Anchors, ", "))
	case ModeAnchorBuy:
		fmt.Fprintf(&b, "The user is considering buying: %s. Show how it would combine with what they already own; it must appear in every outfit.\n",
			strings.Join(in.Anchors, ", "))
	default:
		if len(in.Occasions) > 0 {
			fmt.Fprintf(&b, "The outfits are for: %s.\n", strings.Join(in.Occasions, ", "))
		}
	}
	if in.WeatherCondition != "" {
		fmt.Fprintf(&b, "Weather: %s.\n", in.WeatherCondition)
	}
	if in.TemperatureRange != "" {
		fmt.Fprintf(&b, "Temperature: %s.\n", in.TemperatureRange)
	}
	return b.String()
}

func clampCount(requested, max int) int {
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}

// DirectStrategy is the original prompt: no reasoning, JSON only. Cheapest
// and fastest, kept for clients that never display rationale.
type DirectStrategy struct{}

func (s *DirectStrategy) ID() string          { return VersionDirect }
func (s *DirectStrategy) TokenBudget() int32  { return 1024 }
func (s *DirectStrategy) MaxOutfits() int     { return 3 }
func (s *DirectStrategy) UsesReasoning() bool { return false }

func (s *DirectStrategy) Render(in RenderInput) (string, string) {
	count := clampCount(in.OutfitCount, s.MaxOutfits())
	prompt := fmt.Sprintf(`Wardrobe catalog:
%s
%s
Suggest %d outfits. Respond with a JSON array only, no other text, in this shape:
%s`, renderCatalog(in.Items), renderContext(in), count, answerSchema)
	return prompt, baseSystem
}

// ReasoningStrategy asks the model to think out loud before answering and
// to separate the two sections with the answer delimiter. Default version.
type ReasoningStrategy struct{}

func (s *ReasoningStrategy) ID() string          { return VersionReasoning }
func (s *ReasoningStrategy) TokenBudget() int32  { return 4096 }
func (s *ReasoningStrategy) MaxOutfits() int     { return 5 }
func (s *ReasoningStrategy) UsesReasoning() bool { return true }

func (s *ReasoningStrategy) Render(in RenderInput) (string, string) {
	count := clampCount(in.OutfitCount, s.MaxOutfits())
	prompt := fmt.Sprintf(`Wardrobe catalog:
%s
%s
First, reason step by step about which combinations work: colors, layers,
formality, and how well each outfit matches the request.

Then write the line %s on its own, followed by a JSON array of up to %d
outfits in this shape:
%s`, renderCatalog(in.Items), renderContext(in), outfits.AnswerDelimiter, count, answerSchema)
	return prompt, baseSystem
}

// StylistStrategy layers a personal-stylist persona on top of the
// reasoning format. Largest budget, richest rationale text.
type StylistStrategy struct{}

func (s *StylistStrategy) ID() string          { return VersionStylist }
func (s *StylistStrategy) TokenBudget() int32  { return 8192 }
func (s *StylistStrategy) MaxOutfits() int     { return 5 }
func (s *StylistStrategy) UsesReasoning() bool { return true }

func (s *StylistStrategy) Render(in RenderInput) (string, string) {
	count := clampCount(in.OutfitCount, s.MaxOutfits())
	system := baseSystem + `
You speak as an experienced personal stylist: warm, specific, and honest
about trade-offs. Your styling tips mention fit, proportion, or texture,
not just item pairings.`
	prompt := fmt.Sprintf(`Your client's wardrobe:
%s
%s
Work through the brief the way you would with a client in the room: what
story the wardrobe tells, which pieces anchor a look, where the gaps are.

Then write the line %s on its own, followed by a JSON array of up to %d
outfits in this shape:
%s`, renderCatalog(in.Items), renderContext(in), outfits.AnswerDelimiter, count, answerSchema)
	return prompt, system
}
