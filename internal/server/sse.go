package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/danshapiro/termgpt/internal/events"
)

// maxFeedHistory bounds the replay buffer of one session feed.
const maxFeedHistory = 512

// Broadcaster fans out one session's events to multiple SSE clients.
// Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []events.Event
	clients map[uint64]chan events.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed only on Close(), not slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan events.Event),
		doneCh:  make(chan struct{}),
	}
}

// Send records ev and forwards it to every subscriber without blocking.
func (b *Broadcaster) Send(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	if len(b.history) > maxFeedHistory {
		b.history = append([]events.Event(nil), b.history[len(b.history)-maxFeedHistory:]...)
	}
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow client: drop it rather than stall the dispatcher.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The events channel replays history, then carries live events.
// done is closed only when the broadcaster is closed, not when this client
// is dropped for being slow.
func (b *Broadcaster) Subscribe() (<-chan events.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan events.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// Sized to hold the replay, so this never blocks under the mutex.
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

// Close signals that no more events will be sent.
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

func (b *Broadcaster) History() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.history))
	copy(out, b.history)
	return out
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSEData(w http.ResponseWriter, f http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEDone(w http.ResponseWriter, f http.Flusher) {
	fmt.Fprintf(w, "event: done\ndata: {}\n\n")
	f.Flush()
}

// WriteSSE streams events from a Broadcaster to an HTTP response as
// Server-Sent Events.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	feed, doneCh, unsub := b.Subscribe()
	defer unsub()

	flusher, ok := startSSE(w)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				// Only emit "done" if the broadcaster finished, not when this
				// client was dropped for slowness.
				select {
				case <-doneCh:
					writeSSEDone(w, flusher)
				default:
				}
				return
			}
			writeSSEData(w, flusher, ev)
		}
	}
}
