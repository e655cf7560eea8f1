// koban/notify/notify.go
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event types emitted by the lifecycle layer.
const (
	ThreadCreated = "thread_created"
	ThreadRetired = "thread_retired"
	ThreadDeleted = "thread_deleted"
	PostCreated   = "post_created"
	PostDeleted   = "post_deleted"
)

type Event struct {
	Type     string `json:"type"`
	BoardID  string `json:"boardId"`
	ThreadID int64  `json:"threadId"`
	PostID   int64  `json:"postId,omitempty"`
}

// Bus is a best-effort fan-out of lifecycle events. Delivery is
// fire-and-forget: slow subscribers drop events rather than block a
// publisher, and publishing never returns an error.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan []byte]struct{} // keyed by board ID, "" = all boards
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[chan []byte]struct{}),
		logger: logger,
	}
}

// Subscribe registers for events on a board; boardID "" receives everything.
func (b *Bus) Subscribe(boardID string) (ch chan []byte, cancel func()) {
	ch = make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[boardID] == nil {
		b.subs[boardID] = make(map[chan []byte]struct{})
	}
	b.subs[boardID][ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if subs, ok := b.subs[boardID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subs, boardID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}
}

// Publish delivers an event to board subscribers and wildcard subscribers.
func (b *Bus) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	b.mu.RLock()
	for ch := range b.subs[ev.BoardID] {
		select {
		case ch <- data:
		default: // drop if slow
		}
	}
	if ev.BoardID != "" {
		for ch := range b.subs[""] {
			select {
			case ch <- data:
			default:
			}
		}
	}
	b.mu.RUnlock()
}

// PublishAll drains an outbox collected during a transaction. Callers invoke
// it only after the transaction has committed, so a delivery failure can
// never roll back a committed state change.
func (b *Bus) PublishAll(events []Event) {
	for _, ev := range events {
		b.Publish(ev)
	}
}

// ServeSSE streams a board's events over a single SSE connection.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request, boardID string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := b.Subscribe(boardID)
	defer cancel()

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// heartbeat comment to keep connection alive through proxies
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
