package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"outfitapi/models"
	"outfitapi/outfits"
	"outfitapi/prompts"
	"outfitapi/services"

	"github.com/getsentry/sentry-go"
)

func (s *Scheduler) runTask(t *task) {
	// one wall-clock budget for the whole task, shared across retries
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskBudget)
	defer cancel()

	t.publish(func(sn *Snapshot) {
		sn.State = StateRunning
		sn.Message = "starting"
	})
	t.appendEvent(ProgressEvent{Kind: EventProgress, Percent: 5, Message: "starting"})

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			// a fresh attempt replaces everything the previous one produced
			snap := t.publish(func(sn *Snapshot) {
				sn.State = StateRunning
				sn.Attempt = attempt
				sn.Records = nil
				sn.Reasoning = ""
				sn.Message = fmt.Sprintf("retrying (attempt %d)", attempt)
			})
			t.appendEvent(ProgressEvent{Kind: EventProgress, Percent: snap.Percent, Message: snap.Message})
		}

		err := s.attempt(ctx, t)
		if err == nil {
			s.finish(t, StateComplete, nil)
			return
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			s.finish(t, StateTimedOut, context.DeadlineExceeded)
			return
		}
		var provErr *services.ProviderError
		retryable := errors.As(err, &provErr) && provErr.Retryable
		if !retryable || attempt >= s.cfg.MaxAttempts {
			s.finish(t, StateFailed, err)
			return
		}
		log.Printf("[Task %s] attempt %d failed, retrying: %v", t.id, attempt, err)
		select {
		case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			s.finish(t, StateTimedOut, context.DeadlineExceeded)
			return
		case <-s.stop:
			s.finish(t, StateFailed, ErrStopped)
			return
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, t *task) error {
	job := t.job

	items, err := s.catalog.ItemsForUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("loading wardrobe: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("wardrobe is empty, nothing to combine")
	}

	in := job.Input
	in.Items = catalogToPromptItems(items)
	if len(in.StyleWords) == 0 {
		words, err := s.profile.StyleWordsForUser(ctx, job.UserID)
		if err != nil {
			log.Printf("[Task %s] style profile unavailable: %v", t.id, err)
		} else {
			in.StyleWords = words
		}
	}
	s.progress(t, 10, "wardrobe loaded")

	prompt, system := job.Strategy.Render(in)
	s.progress(t, 15, "invoking model")

	maxRecords := job.Strategy.MaxOutfits()
	if job.Input.OutfitCount > 0 && job.Input.OutfitCount < maxRecords {
		maxRecords = job.Input.OutfitCount
	}

	if job.Streaming {
		return s.attemptStream(ctx, t, prompt, system, maxRecords)
	}
	return s.attemptBatch(ctx, t, prompt, system, maxRecords)
}

func (s *Scheduler) attemptBatch(ctx context.Context, t *task, prompt, system string, maxRecords int) error {
	resp, err := s.llm.GenerateOutfits(ctx, prompt, system, t.job.Strategy.TokenBudget())
	if err != nil {
		if ctx.Err() != nil {
			return context.DeadlineExceeded
		}
		return err
	}

	records, reasoning, err := outfits.Extract(resp.Response, t.job.IncludeReasoning)
	if err != nil {
		return err
	}
	if len(records) > maxRecords {
		records = records[:maxRecords]
	}
	if reasoning != "" {
		t.publish(func(sn *Snapshot) {
			sn.Reasoning = reasoning
		})
	}
	for i, record := range records {
		s.appendRecord(t, record, i+1, len(records))
	}
	return nil
}

func (s *Scheduler) attemptStream(ctx context.Context, t *task, prompt, system string, maxRecords int) error {
	ch, err := s.llm.GenerateOutfitsStream(ctx, prompt, system, t.job.Strategy.TokenBudget())
	if err != nil {
		return err
	}

	scanner := outfits.NewStreamScanner(t.job.IncludeReasoning)
	count := 0
	for chunk := range ch {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return context.DeadlineExceeded
			}
			return chunk.Err
		}
		for _, record := range scanner.Feed(chunk.Text) {
			if count >= maxRecords {
				continue
			}
			count++
			s.appendRecord(t, record, count, maxRecords)
		}
	}
	if ctx.Err() != nil {
		return context.DeadlineExceeded
	}
	if err := scanner.Finish(); err != nil {
		return err
	}
	if reasoning := scanner.Reasoning(); reasoning != "" {
		t.publish(func(sn *Snapshot) {
			sn.Reasoning = reasoning
		})
	}
	return nil
}

// progress bumps the percent, never lowering it, and logs the step in the
// event log.
func (s *Scheduler) progress(t *task, percent int, message string) {
	snap := t.publish(func(sn *Snapshot) {
		if percent > sn.Percent {
			sn.Percent = percent
		}
		sn.Message = message
	})
	t.appendEvent(ProgressEvent{Kind: EventProgress, Percent: snap.Percent, Message: message})
}

func (s *Scheduler) appendRecord(t *task, record outfits.OutfitRecord, index, total int) {
	percent := 20 + (70*index)/total
	snap := t.publish(func(sn *Snapshot) {
		sn.State = StatePartiallyComplete
		sn.Records = append(sn.Records, record)
		if percent > sn.Percent {
			sn.Percent = percent
		}
		sn.Message = fmt.Sprintf("outfit %d ready", index)
	})
	t.appendEvent(ProgressEvent{
		Kind:    EventOutfit,
		Index:   index,
		Outfit:  &record,
		Percent: snap.Percent,
	})
}

// finish moves the task to its terminal state. Records appended before a
// failure or timeout stay in the snapshot so clients keep what was
// generated.
func (s *Scheduler) finish(t *task, state TaskState, cause error) {
	snap := t.publish(func(sn *Snapshot) {
		sn.State = state
		sn.FinishedAt = time.Now()
		if cause != nil {
			sn.Error = cause.Error()
			sn.Message = string(state)
		} else {
			sn.Percent = 100
			sn.Message = "complete"
		}
	})

	if cause != nil {
		sentry.CaptureException(fmt.Errorf("outfit task %s finished as %s: %w", t.id, state, cause))
		log.Printf("[Task %s] finished as %s: %v", t.id, state, cause)
		t.appendEvent(ProgressEvent{
			Kind:   EventError,
			Detail: cause.Error(),
			Total:  len(snap.Records),
		})
	} else {
		log.Printf("[Task %s] complete with %d outfits", t.id, len(snap.Records))
		t.appendEvent(ProgressEvent{
			Kind:    EventComplete,
			Percent: 100,
			Total:   len(snap.Records),
		})
	}

	if t.job.Alert && s.notifier != nil {
		s.notifier(t.job.UserID, t.id, state, len(snap.Records))
	}
}

func catalogToPromptItems(items []models.WardrobeItem) []prompts.Item {
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
