// Package platform composes the token lifecycle manager, protocol clients,
// and REST callers into one strategy per streaming platform, translating
// platform-specific payloads into a normalized event stream.
package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a normalized event.
type EventType string

const (
	EventChatMessage     EventType = "chat_message"
	EventStreamOnline    EventType = "stream_online"
	EventStreamOffline   EventType = "stream_offline"
	EventNotification    EventType = "notification"
	EventRevocation      EventType = "revocation"
	EventConnectionState EventType = "connection_state"
	EventError           EventType = "error"
)

// Event is one platform-neutral occurrence surfaced to consumers. Raw keeps
// the platform payload for consumers that need the original shape.
type Event struct {
	ID       string
	Platform string
	Type     EventType
	Channel  string
	Username string
	Text     string
	Raw      any
	At       time.Time
}

// newEvent stamps identity and time onto a normalized event.
func newEvent(platform string, typ EventType) Event {
	return Event{
		ID:       uuid.NewString(),
		Platform: platform,
		Type:     typ,
		At:       time.Now().UTC(),
	}
}

// Strategy is one platform integration with a start/stop lifecycle and a
// stream of normalized events.
type Strategy interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Events() <-chan Event
}

// eventBufferSize bounds each strategy's outbound queue.
const eventBufferSize = 256

// emit forwards an event without ever blocking a protocol read loop. A full
// buffer means the consumer stalled; the event is dropped with a warning.
func emit(events chan Event, ev Event) {
	select {
	case events <- ev:
	default:
		slog.Warn("event buffer full, dropping event",
			slog.String("platform", ev.Platform),
			slog.String("type", string(ev.Type)),
			slog.String("component", "platform"))
	}
}
