package audit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a session lifecycle record. Node identifies the process that observed it.
//
// Operation names the persistence operation (save, touch or unlock) behind a
// persist_failed event. LockMode is the lock a conflicting load asked for. CAS is
// the lock token the failed operation presented; zero when none was held.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	SessionID string    `json:"session_id,omitempty"`
	Node      string    `json:"node,omitempty"`
	Operation string    `json:"operation,omitempty"`
	LockMode  string    `json:"lock_mode,omitempty"`
	CAS       int64     `json:"cas,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// LogSink writes each event as one structured log line. Empty fields are omitted.
type LogSink struct {
	mu  sync.Mutex
	log zerolog.Logger
}

// NewLogSink writes events through l at no level.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{log: l}
}

// NewJSONWriterSink writes one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *LogSink {
	if w == nil {
		w = io.Discard
	}
	return NewLogSink(zerolog.New(w))
}

func (s *LogSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.log.Log().
		Time("timestamp", event.Timestamp).
		Str("event_type", event.EventType).
		Bool("success", event.Success)
	for _, f := range [...]struct{ key, value string }{
		{"session_id", event.SessionID},
		{"node", event.Node},
		{"operation", event.Operation},
		{"lock_mode", event.LockMode},
		{"principal", event.Principal},
		{"error", event.Error},
	} {
		if f.value != "" {
			e = e.Str(f.key, f.value)
		}
	}
	if event.CAS != 0 {
		e = e.Int64("cas", event.CAS)
	}
	e.Send()
}
