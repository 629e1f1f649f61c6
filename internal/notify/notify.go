// Package notify carries human-readable engine status messages to whatever
// the host application renders them with (screen reader, toast, log).
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/lessonsync/internal/logger"
)

// Level classifies a notification for the renderer.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a single status message.
type Notification struct {
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink receives notifications. Implementations must not block for long.
type Sink interface {
	Notify(ctx context.Context, n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification)

func (f SinkFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Nop discards every notification.
var Nop Sink = SinkFunc(func(context.Context, Notification) {})

// Fanout delivers each notification to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n Notification) {
	for _, s := range f {
		if s != nil {
			s.Notify(ctx, n)
		}
	}
}

// LogSink writes notifications to the structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink logging under the "notify" component.
func NewLogSink() *LogSink {
	return &LogSink{log: logger.WithComponent("notify")}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) {
	args := []any{"source", n.Source, "level", string(n.Level)}
	switch n.Level {
	case LevelError:
		s.log.ErrorContext(ctx, n.Message, args...)
	case LevelWarning:
		s.log.WarnContext(ctx, n.Message, args...)
	default:
		s.log.InfoContext(ctx, n.Message, args...)
	}
}

// Buffer keeps the most recent notifications for the reporting facade.
type Buffer struct {
	mu    sync.Mutex
	items []Notification
	limit int
}

// NewBuffer keeps at most limit notifications (default 50).
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 50
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Notify(_ context.Context, n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, n)
	if over := len(b.items) - b.limit; over > 0 {
		b.items = append([]Notification(nil), b.items[over:]...)
	}
}

// Recent returns a copy of the buffered notifications, oldest first.
func (b *Buffer) Recent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.items))
	copy(out, b.items)
	return out
}

// Emit builds a notification stamped with the current time and sends it.
func Emit(ctx context.Context, s Sink, level Level, source, message string) {
	if s == nil {
		return
	}
	s.Notify(ctx, Notification{
		Level:   level,
		Source:  source,
		Message: message,
		At:      time.Now().UTC(),
	})
}
