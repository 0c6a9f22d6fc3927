package scheduler

import "outfitapi/outfits"

// EventKind names the progress event types a task can emit.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventOutfit   EventKind = "outfit"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// ProgressEvent is one entry in a task's append-only event log. The log is
// replayed for late subscribers, so an event is never rewritten after it is
// appended.
type ProgressEvent struct {
	Kind    EventKind             `json:"kind"`
	Percent int                   `json:"percent,omitempty"`
	Message string                `json:"message,omitempty"`
	Index   int                   `json:"index,omitempty"`
	Outfit  *outfits.OutfitRecord `json:"outfit,omitempty"`
	Total   int                   `json:"total,omitempty"`
	Detail  string                `json:"detail,omitempty"`
}

// Terminal reports whether this event ends the task's event stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}
