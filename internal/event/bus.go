package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Bus fans events out to every subscribed observer in subscription order.
// Events published from one goroutine reach each observer in publish order.
type Bus struct {
	mu        sync.RWMutex
	next      int
	observers map[int]Observer
	order     []int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function that removes it
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.observers[id] = o
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.observers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers e to all current observers
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	observers := make([]Observer, 0, len(b.order))
	for _, id := range b.order {
		observers = append(observers, b.observers[id])
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o.Observe(e)
	}
}

// Emitter is a convenience wrapper that stamps events with a fixed source
type Emitter struct {
	Sink   Sink
	Source Source
}

// Info publishes an informational event
func (e Emitter) Info(format string, args ...any) {
	e.emit(LevelInfo, format, args...)
}

// Success publishes a success event
func (e Emitter) Success(format string, args ...any) {
	e.emit(LevelSuccess, format, args...)
}

// Error publishes an error event
func (e Emitter) Error(format string, args ...any) {
	e.emit(LevelError, format, args...)
}

func (e Emitter) emit(level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if e.Sink == nil {
		return
	}
	e.Sink.Publish(New(e.Source, level, msg))
}

// LogObserver writes every event to the given logger
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(e Event) {
		level := slog.LevelInfo
		if e.Level == LevelError {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, e.Message, "source", e.Source, "event_id", e.ID)
	})
}

// Recorder collects events in memory. Used by tests and by consumers that
// need to wait for a specific message.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Observe implements Observer
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Publish implements Sink so a recorder can stand in for a bus
func (r *Recorder) Publish(e Event) {
	r.Observe(e)
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Messages returns the recorded messages in order
func (r *Recorder) Messages() []string {
	events := r.Events()
	msgs := make([]string, len(events))
	for i, e := range events {
		msgs[i] = e.Message
	}
	return msgs
}

// Len returns the number of recorded events
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// WaitFor blocks until at least n events are recorded or the timeout expires.
// It reports whether n events arrived.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Len() >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Len() >= n
		}
	}
}
