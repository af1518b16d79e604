package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelops/keel/pkg/stores"
)

// Event is one notable moment of a run, published to subscribers and, when
// a journal is attached, stored in it.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	RunID     string         `json:"run_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted        = "run.started"
	EventTypeRunFinished       = "run.finished"
	EventTypeRunRejected       = "run.rejected"
	EventTypeResourceUpdated   = "resource.updated"
	EventTypeResourceFailed    = "resource.failed"
	EventTypeResourceSkipped   = "resource.skipped"
	EventTypeNotificationFired = "notification.fired"
	EventTypePolicyViolation   = "policy.violation"
	EventTypePolicyReloaded    = "policy.reloaded"
	EventTypeConfigReloaded    = "config.reloaded"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher stopped")

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event passes.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher queues events and delivers them in publish order from one
// goroutine. Subscribers must not block for long; a full queue drops events.
// A publisher created disabled accepts and discards everything.
type EventPublisher struct {
	queue chan Event
	done  chan struct{}

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	closed  bool
}

// NewEventPublisher starts the delivery goroutine unless cfg is disabled.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{}
	if cfg.Enabled {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.deliver()
	}
	return ep
}

// Publish stamps the event with an ID and time when missing and queues it.
// It never blocks.
func (ep *EventPublisher) Publish(event Event) error {
	if ep.queue == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	if !passes(ep.filters, event) {
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event queue full, dropped %s", event.Type)
	}
}

// Subscribe registers fn for events accepted by filter; nil accepts all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(slices.Clip(ep.subs), subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events the filter rejects before they are queued.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) deliver() {
	defer close(ep.done)
	for event := range ep.queue {
		ep.mu.RLock()
		subs := ep.subs
		ep.mu.RUnlock()

		for _, s := range subs {
			if s.filter == nil || s.filter(event) {
				s.fn(event)
			}
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered, or for ctx to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.queue == nil {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.queue)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event delivery not drained: %w", ctx.Err())
	}
}

func passes(filters []EventFilter, event Event) bool {
	for _, f := range filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	}
	return 0
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(event Event) bool { return levelRank(event.Level) >= floor }
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool { return slices.Contains(types, event.Type) }
}

// FilterByRunID passes events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool { return event.RunID == runID }
}

// JournalSubscriber appends every event to the run journal. Write failures
// are logged.
func JournalSubscriber(journal stores.Journal, logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		row := &stores.Event{
			Resource:  event.Resource,
			Type:      event.Type,
			Level:     stores.EventLevel(event.Level),
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			runID := event.RunID
			row.RunID = &runID
		}
		if len(event.Data) > 0 {
			data, err := json.Marshal(event.Data)
			if err == nil {
				details := string(data)
				row.Details = &details
			}
		}
		if err := journal.AppendEvent(context.Background(), row); err != nil {
			logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to journal event")
		}
	}
}

// LogSubscriber writes every event to the logger at debug level, or warn for
// warning and error events.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		e := logger.Debug()
		if event.Level != EventLevelInfo {
			e = logger.Warn()
		}
		e.Str("event", event.Type).
			Str("run_id", event.RunID).
			Str("resource", event.Resource).
			Fields(event.Data).
			Msg(event.Message)
	}
}
