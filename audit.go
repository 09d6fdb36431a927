package goSession

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/MrEthical07/goSession/internal/audit"
)

// AuditEvent is one session lifecycle record.
type AuditEvent = audit.Event

// AuditSink receives audit events from the manager's dispatcher goroutine.
type AuditSink = audit.Sink

// NoOpSink discards events.
type NoOpSink = audit.NoOpSink

// ChannelSink forwards events to a buffered channel.
type ChannelSink = audit.ChannelSink

// LogSink writes each event as one structured log line.
type LogSink = audit.LogSink

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON object per event to w.
func NewJSONWriterSink(w io.Writer) *LogSink {
	return audit.NewJSONWriterSink(w)
}

// NewLogSink writes events through l.
func NewLogSink(l zerolog.Logger) *LogSink {
	return audit.NewLogSink(l)
}

const (
	AuditSessionCreated = "session_created"
	AuditSessionExpired = "session_expired"
	AuditLockConflict   = "lock_conflict"
	AuditPersistFailed  = "persist_failed"
	AuditReloadForced   = "reload_forced"
)

// emitAudit stamps event with the time, this node and err, then queues it.
func (m *Manager) emitAudit(ctx context.Context, event AuditEvent, err error) {
	if m == nil || m.audit == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	event.Timestamp = time.Now().UTC()
	event.Node = m.node
	if err != nil {
		event.Error = err.Error()
	}
	m.audit.Emit(ctx, event)
}

// AuditDropped returns the number of events dropped because the buffer was full.
func (m *Manager) AuditDropped() uint64 {
	if m == nil {
		return 0
	}
	return m.audit.Dropped()
}
