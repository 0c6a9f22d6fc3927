package progress

import (
	"time"

	"outfitapi/outfits"
	"outfitapi/scheduler"
)

// Publisher throttles the push path. Percent-only progress events arrive
// much faster than a phone UI can render them, so duplicates and bursts
// are dropped. Outfit payloads and terminal events always pass.
type Publisher struct {
	MinInterval time.Duration

	lastForwarded time.Time
	lastPercent   int

	now func() time.Time
}

func NewPublisher(minInterval time.Duration) *Publisher {
	return &Publisher{
		MinInterval: minInterval,
		lastPercent: -1,
		now:         time.Now,
	}
}

// Forward reports whether the event should be delivered to the client.
func (p *Publisher) Forward(ev scheduler.ProgressEvent) bool {
	if ev.Kind != scheduler.EventProgress {
		return true
	}
	if ev.Percent == p.lastPercent {
		return false
	}
	now := p.now()
	if p.MinInterval > 0 && !p.lastForwarded.IsZero() && now.Sub(p.lastForwarded) < p.MinInterval {
		return false
	}
	p.lastForwarded = now
	p.lastPercent = ev.Percent
	return true
}

// TaskStatus is the pull-path projection of a task snapshot, shaped for
// polling clients.
type TaskStatus struct {
	TaskID        string                 `json:"task_id"`
	Status        scheduler.TaskState    `json:"status"`
	Percent       int                    `json:"percent"`
	Message       string                 `json:"message"`
	Outfits       []outfits.OutfitRecord `json:"outfits"`
	Reasoning     string                 `json:"reasoning,omitempty"`
	Error         string                 `json:"error,omitempty"`
	PromptVersion string                 `json:"prompt_version"`
	CreatedAt     time.Time              `json:"created_at"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
}

func StatusOf(snap scheduler.Snapshot) TaskStatus {
	status := TaskStatus{
		TaskID:        snap.TaskID,
		Status:        snap.State,
		Percent:       snap.Percent,
		Message:       snap.Message,
		Outfits:       snap.Records,
		Reasoning:     snap.Reasoning,
		Error:         snap.Error,
		PromptVersion: snap.PromptVersion,
		CreatedAt:     snap.CreatedAt,
	}
	if status.Outfits == nil {
		status.Outfits = []outfits.OutfitRecord{}
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		status.FinishedAt = &finished
	}
	return status
}
