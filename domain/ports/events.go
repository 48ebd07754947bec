package ports

import "github.com/reglet-dev/reglet-runtime/domain/entities"

// EventPublisher delivers runtime events to subscribers.
type EventPublisher interface {
	Publish(ev entities.Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(entities.Event) {}
