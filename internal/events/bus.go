// Package events implements the typed pub/sub event bus (spec §4.6): a
// multi-producer broadcast with per-subscriber buffering, so a slow
// subscriber never blocks producers beyond its own queue. It is not
// lock-free: publishers share a read lock on the subscriber set, and
// subscribing or unsubscribing takes the write lock.
package events

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type enumerates the typed events the engine emits.
type Type string

const (
	RunStarted        Type = "run_started"
	TaskStarted       Type = "task_started"
	TaskCompleted     Type = "task_completed"
	TaskOutput        Type = "task_output"
	RunCompleted      Type = "run_completed"
	GateWaiting       Type = "gate_waiting"
	GateResolved      Type = "gate_resolved"
	CredentialExchange Type = "credential_exchange"
)

// Event is the unit broadcast on the bus; ULID is millisecond-precise and
// sortable, giving cross-task ordering a monotonic (if not receive-order)
// guarantee (spec §5 ordering guarantee d).
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id"`
	Node      string         `json:"node"`
	Data      map[string]any `json:"data,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	DurationUS int64         `json:"duration_us,omitempty"`
}

var entropyMu sync.Mutex
var entropy = ulid.Monotonic(rand.Reader, 0)

// NewEvent stamps a fresh ULID id and timestamp.
func NewEvent(typ Type, runID, node string, data map[string]any) Event {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return Event{
		ID:        id.String(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		RunID:     runID,
		Node:      node,
		Data:      data,
	}
}

const subscriberBuffer = 256

type subscriber struct {
	ch     chan Event
	runID  string // "" means :all
}

// Bus is the process-local pub/sub broadcast topic.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber. runID == "" subscribes to :all;
// otherwise only events for that run are delivered. The returned channel
// is closed by Unsubscribe.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), runID: runID}
	b.subs[id] = sub
	return sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish broadcasts ev to every matching subscriber without blocking on
// any single slow reader: a full subscriber queue drops task_output events
// for that subscriber and otherwise drops the oldest buffered event to make
// room, preserving delivery-in-program-order per producer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if ev.Type == TaskOutput {
				continue // backpressure: drop rather than block producers
			}
			select {
			case <-sub.ch: // drop oldest to make room
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
