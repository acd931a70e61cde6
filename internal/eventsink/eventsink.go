// Package eventsink fans out pipeline progress events to any number
// of subscribers: one Broadcaster per run, history replay on
// subscribe, and non-blocking delivery that drops a slow subscriber.
// Delivery happens while the Broadcaster's mutex is held, the same
// lock that guards subscribe and unsubscribe.
package eventsink

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event envelope's "type" field.
type Type string

const (
	TypeStepUpdate Type = "step_update"
	TypeLog        Type = "log"
	TypeFailure    Type = "failure"
	TypeFix        Type = "fix"
	TypeIteration  Type = "iteration"
	TypeResult     Type = "result"
	TypeError      Type = "error"
)

// Event is a single emission on a run's event stream.
type Event struct {
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster fans out events for a single run to any number of
// subscribers. Safe for concurrent use.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uuid.UUID]chan Event
	closed  bool
	doneCh  chan struct{}
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uuid.UUID]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// Send appends ev to history and delivers it to every live subscriber.
// A subscriber whose channel is full is dropped rather than blocking
// the sender.
func (b *Broadcaster) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Emit is a convenience wrapper around Send that stamps the event
// with the current time.
func (b *Broadcaster) Emit(typ Type, data any) {
	b.Send(Event{Type: typ, Data: data, Timestamp: time.Now()})
}

// Subscribe returns a channel that first replays history and then
// streams live events, a done channel closed only when the
// Broadcaster itself is closed, and an unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+256)
	id := uuid.New()

	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the Broadcaster finished: all client channels and the
// done channel are closed, and further Send calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event received so far.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a Broadcaster's events to an HTTP response as
// Server-Sent Events until the client disconnects or the Broadcaster
// closes.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
