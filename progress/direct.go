package progress

import (
	"context"
	"fmt"
	"log"

	"outfitapi/models"
	"outfitapi/outfits"
	"outfitapi/prompts"
	"outfitapi/scheduler"
	"outfitapi/services"
)

// Emit delivers one event to the connected client. Returning an error
// means the client is gone and generation should stop.
type Emit func(ev scheduler.ProgressEvent) error

// DirectStreamer runs a generation synchronously inside the request,
// pushing events as the model streams. There is no task record, no retry
// and no replay; if the client disconnects the provider call is cancelled
// through the request context.
type DirectStreamer struct {
	LLM     services.OutfitLLM
	Catalog services.CatalogProvider
	Profile services.ProfileProvider
}

func (d DirectStreamer) Run(ctx context.Context, job scheduler.GenerationJob, emit Emit) error {
	fail := func(cause error) error {
		log.Printf("[Direct stream] generation failed: %v", cause)
		return emit(scheduler.ProgressEvent{Kind: scheduler.EventError, Detail: cause.Error()})
	}

	items, err := d.Catalog.ItemsForUser(ctx, job.UserID)
	if err != nil {
		return fail(fmt.Errorf("loading wardrobe: %w", err))
	}
	if len(items) == 0 {
		return fail(fmt.Errorf("wardrobe is empty, nothing to combine"))
	}

	in := job.Input
	in.Items = promptItems(items)
	if len(in.StyleWords) == 0 {
		if words, err := d.Profile.StyleWordsForUser(ctx, job.UserID); err == nil {
			in.StyleWords = words
		}
	}
	if err := emit(scheduler.ProgressEvent{Kind: scheduler.EventProgress, Percent: 10, Message: "wardrobe loaded"}); err != nil {
		return err
	}

	prompt, system := job.Strategy.Render(in)
	if err := emit(scheduler.ProgressEvent{Kind: scheduler.EventProgress, Percent: 15, Message: "invoking model"}); err != nil {
		return err
	}

	maxRecords := job.Strategy.MaxOutfits()
	if job.Input.OutfitCount > 0 && job.Input.OutfitCount < maxRecords {
		maxRecords = job.Input.OutfitCount
	}

	ch, err := d.LLM.GenerateOutfitsStream(ctx, prompt, system, job.Strategy.TokenBudget())
	if err != nil {
		return fail(err)
	}

	scanner := outfits.NewStreamScanner(job.IncludeReasoning)
	count := 0
	for chunk := range ch {
		if chunk.Err != nil {
			// outfits already emitted stay with the client, the error
			// event just explains why the stream ended early
			return fail(chunk.Err)
		}
		for _, record := range scanner.Feed(chunk.Text) {
			if count >= maxRecords {
				continue
			}
			count++
			percent := 20 + (70*count)/maxRecords
			if err := emit(scheduler.ProgressEvent{
				Kind:    scheduler.EventOutfit,
				Index:   count,
				Outfit:  &record,
				Percent: percent,
			}); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Finish(); err != nil {
		return fail(err)
	}
	return emit(scheduler.ProgressEvent{Kind: scheduler.EventComplete, Percent: 100, Total: count})
}

func promptItems(items []models.WardrobeItem) []prompts.Item {
	out := make([]prompts.Item, 0, len(items))
	for _, item := range items {
		p := prompts.Item{Name: item.Name, Category: item.Category}
		if item.Color != nil {
			p.Color = *item.Color
		}
		if item.Description != nil {
			p.Description = *item.Description
		}
		out = append(out, p)
	}
	return out
}
