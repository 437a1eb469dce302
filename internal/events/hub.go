package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Levels carried on trace events.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Trace is what producers hand to a Sink. Zero-valued optional fields are omitted.
type Trace struct {
	Level     string
	Operation string
	Attempt   int
	ErrorType string
	Delay     time.Duration
	Fields    map[string]any
}

// Sink receives structured trace events.
type Sink interface {
	Emit(tr Trace)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Trace) {}

type Event struct {
	ID        int64           `json:"id"`
	At        time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Operation string          `json:"operation"`
	Attempt   int             `json:"attempt,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	DelayMS   int64           `json:"delay_ms,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64
	logger *slog.Logger

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

var _ Sink = (*Hub)(nil)

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// WithLogger mirrors every emitted event to logger at the event's level.
func (h *Hub) WithLogger(logger *slog.Logger) *Hub {
	h.logger = logger
	return h
}

func (h *Hub) Emit(tr Trace) {
	id := h.nextID.Add(1)

	level := tr.Level
	if level == "" {
		level = LevelInfo
	}

	var payload json.RawMessage
	if len(tr.Fields) > 0 {
		if b, err := json.Marshal(tr.Fields); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:        id,
		At:        time.Now().UTC(),
		Level:     level,
		Operation: tr.Operation,
		Attempt:   tr.Attempt,
		ErrorType: tr.ErrorType,
		DelayMS:   tr.Delay.Milliseconds(),
		Data:      payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()

	if h.logger != nil {
		h.log(ev, tr)
	}
}

func (h *Hub) log(ev Event, tr Trace) {
	args := []any{"operation", ev.Operation, "event_id", ev.ID}
	if ev.Attempt > 0 {
		args = append(args, "attempt", ev.Attempt)
	}
	if ev.ErrorType != "" {
		args = append(args, "error_type", ev.ErrorType)
	}
	if tr.Delay > 0 {
		args = append(args, "delay_ms", ev.DelayMS)
	}
	for k, v := range tr.Fields {
		args = append(args, k, v)
	}
	h.logger.Log(context.Background(), levelOf(ev.Level), "trace", args...)
}

func levelOf(level string) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Operations returns the operation names of buffered events, oldest-first.
func (h *Hub) Operations() []string {
	snap := h.SnapshotSince(0)
	out := make([]string, 0, len(snap))
	for _, ev := range snap {
		out = append(out, ev.Operation)
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
