package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogSink writes events to the structured log. It is the fallback when no
// database sink is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(_ context.Context, event Event) error {
	s.logger.Info("audit_event",
		zap.String("audit_id", event.ID),
		zap.String("action", event.Action),
		zap.String("resource", event.Resource),
		zap.String("actor_id", event.ActorID),
		zap.String("actor_email", event.ActorEmail),
		zap.String("ip", event.IP),
		zap.String("user_agent", event.UserAgent),
		zap.Bool("success", event.Success),
		zap.Any("details", event.Details),
		zap.Time("at", event.Timestamp),
	)
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Emit lets MemorySink stand in for a Dispatcher synchronously.
func (s *MemorySink) Emit(ctx context.Context, event Event) {
	_ = s.Write(ctx, event)
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
