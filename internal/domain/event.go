package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventPersonaRegistered   EventType = "persona.registered"
	EventPersonaUnregistered EventType = "persona.unregistered"
	EventPersonaEnabled      EventType = "persona.enabled"
	EventPersonaDisabled     EventType = "persona.disabled"
	EventPersonaActivated    EventType = "persona.activated"
	EventPersonaDeactivated  EventType = "persona.deactivated"
	EventPersonaEvicted      EventType = "persona.evicted"
	EventSelectionCompleted  EventType = "selection.completed"
	EventDispatchCompleted   EventType = "dispatch.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	PersonaID string          `json:"persona_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ActivationPayload accompanies persona.activated and persona.evicted events.
type ActivationPayload struct {
	PersonaID    string `json:"persona_id"`
	ActivationID string `json:"activation_id"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

// DeactivationPayload accompanies persona.deactivated events.
type DeactivationPayload struct {
	PersonaID    string `json:"persona_id"`
	ActivationID string `json:"activation_id"`
	DurationMs   int64  `json:"duration_ms"`
}

// SelectionPayload accompanies selection.completed events.
type SelectionPayload struct {
	Fingerprint string   `json:"fingerprint"`
	Candidates  []string `json:"candidates"`
	FromCache   bool     `json:"from_cache"`
}

// DispatchPayload accompanies dispatch.completed events.
type DispatchPayload struct {
	Command   string `json:"command"`
	Personas  int    `json:"personas"`
	Succeeded int    `json:"succeeded"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
