package daemon

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

// Event types published onto the daemon's EventBus for SSE streaming.
const (
	// EventSyncTransition fires whenever a document's pipeline run reaches a
	// terminal outcome for that attempt (SYNCED or FAILED).
	EventSyncTransition EventType = "sync_transition"

	// EventGCRunCompleted fires after every reconciling GC round.
	EventGCRunCompleted EventType = "gc_run_completed"

	// EventSearchDegraded fires when a search request falls back to
	// keyword-only results because the vector arm failed.
	EventSearchDegraded EventType = "search_degraded"

	// EventDaemonStatus is the periodic heartbeat sent to every SSE
	// subscriber.
	EventDaemonStatus EventType = "daemon_status"
)

// Event represents a single event published by the daemon.
type Event struct {
	ID        uint64          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventBus manages event subscriptions and publishing.
// It is thread-safe and designed for SSE broadcasting.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan *Event
	nextID      uint64
	eventID     atomic.Uint64
	bufferSize  int
	closed      bool
}

// NewEventBus creates a new EventBus with the given channel buffer size.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[uint64]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a new subscription and returns a channel for receiving events.
// The returned ID should be used to Unsubscribe when done.
func (eb *EventBus) Subscribe() (uint64, <-chan *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return 0, nil
	}

	id := eb.nextID
	eb.nextID++

	ch := make(chan *Event, eb.bufferSize)
	eb.subscribers[id] = ch

	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.subscribers[id]; ok {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// Publish broadcasts an event to all subscribers. If a subscriber's channel
// is full, the event is dropped for that subscriber so one slow reader never
// blocks the others.
func (eb *EventBus) Publish(eventType EventType, data interface{}) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	event := &Event{
		ID:        eb.eventID.Add(1),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return nil
	}

	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return nil
}

// PublishRaw broadcasts a pre-marshaled event to all subscribers.
func (eb *EventBus) PublishRaw(eventType EventType, data json.RawMessage) {
	event := &Event{
		ID:        eb.eventID.Add(1),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the current number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close closes the EventBus and all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true
	for id, ch := range eb.subscribers {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// SyncCompletionData is published on EventSyncTransition: one document's
// pipeline run reached SYNCED, or failed with an error attached.
type SyncCompletionData struct {
	DocID  string `json:"doc_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// GCRunData is published on EventGCRunCompleted.
type GCRunData struct {
	OrphanedVectors int `json:"orphaned_vectors"`
	OrphanedChunks  int `json:"orphaned_chunks"`
	PurgedDocs      int `json:"purged_docs"`
}

// SearchDegradedData is published on EventSearchDegraded.
type SearchDegradedData struct {
	CollectionID string `json:"collection_id,omitempty"`
	Query        string `json:"query"`
	Reason       string `json:"reason"`
}

// DaemonStatusData contains data for daemon heartbeat events.
type DaemonStatusData struct {
	Status      string    `json:"status"` // "running", "shutting_down"
	Uptime      string    `json:"uptime"`
	StartTime   time.Time `json:"start_time"`
	Subscribers int       `json:"subscribers"`
}
