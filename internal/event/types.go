package event

import (
	"time"

	"github.com/google/uuid"
)

// Level classifies a status event for consumers that style or filter messages
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Source names the component that emitted an event
type Source string

const (
	SourceIdentity  Source = "identity"
	SourceAuth      Source = "auth"
	SourceHeartbeat Source = "heartbeat"
	SourceTunnel    Source = "tunnel"
	SourceAgent     Source = "agent"
)

// Event is a human-readable progress or result message
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Source  Source    `json:"source"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// New creates an event stamped with a fresh ID and the current time
func New(source Source, level Level, message string) Event {
	return Event{
		ID:      uuid.NewString(),
		Time:    time.Now(),
		Source:  source,
		Level:   level,
		Message: message,
	}
}

// Observer receives events. Observe is called synchronously from the
// emitting goroutine, possibly while the emitter holds its own lock, so it
// must not block for long or call back into the emitting component.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// Observe calls f(e)
func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// Sink is what components publish into
type Sink interface {
	Publish(Event)
}
