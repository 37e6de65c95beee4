// Package producer defines the interface for emitting trial events (e.g. to Kafka).
package producer

import (
	"context"

	"opttrack/internal/events"
)

// Producer emits trial events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single trial event. Implementations may block briefly.
	Emit(ctx context.Context, event *events.TrialEvent) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}
