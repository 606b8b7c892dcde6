package events

import (
	"context"

	"github.com/groblegark/upnpd/internal/mapping"
)

// Event topic constants. The run field ties events from one
// reconciliation pass together.
const (
	TopicMappingApplied          = "upnpd.mapping.applied"
	TopicMappingConflictResolved = "upnpd.mapping.conflict_resolved"
	TopicMappingFailed           = "upnpd.mapping.failed"
	TopicTickCompleted           = "upnpd.tick.completed"
)

// MappingApplied is emitted when a mapping has been asserted on a gateway.
// ConflictResolved is true when a stale mapping for the same port had to
// be removed first.
type MappingApplied struct {
	Run              string       `json:"run"`
	Mapping          mapping.Spec `json:"mapping"`
	Gateway          string       `json:"gateway,omitempty"` // root descriptor URL
	Backend          string       `json:"backend"`           // "upnp" or "natpmp"
	ConflictResolved bool         `json:"conflict_resolved"`
}

// MappingFailed is emitted when an entry could not be applied. Stage is
// "discover" or "reconcile".
type MappingFailed struct {
	Run     string       `json:"run"`
	Mapping mapping.Spec `json:"mapping"`
	Stage   string       `json:"stage"`
	Error   string       `json:"error"`
}

// TickCompleted summarizes one reconciliation pass.
type TickCompleted struct {
	Run              string `json:"run"`
	Total            int    `json:"total"`
	Applied          int    `json:"applied"`
	ConflictResolved int    `json:"conflict_resolved"`
	Failed           int    `json:"failed"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
