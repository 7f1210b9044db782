// Package audit records security-relevant actions. Emission is
// fire-and-forget: a failing sink is logged and never reaches the request.
package audit

import (
	"context"
	"sync"
	"time"
)

// Event is a write-once record of one security-relevant action.
type Event struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorEmail string         `json:"actor_email,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Details    map[string]any `json:"details,omitempty"`
	IP         string         `json:"ip"`
	UserAgent  string         `json:"user_agent"`
	Timestamp  time.Time      `json:"timestamp"`
	Success    bool           `json:"success"`
}

// Sink persists or forwards events.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Emitter is what request code depends on.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Scope collects the actor and extra details for the event a request will
// produce. Handlers annotate it; the pipeline applies it when emitting.
type Scope struct {
	mu         sync.Mutex
	actorID    string
	actorEmail string
	details    map[string]any
}

type scopeKey struct{}

func WithScope(ctx context.Context) (context.Context, *Scope) {
	scope := &Scope{details: make(map[string]any)}
	return context.WithValue(ctx, scopeKey{}, scope), scope
}

// ScopeFrom returns the request scope, or nil. All Scope methods accept a nil
// receiver.
func ScopeFrom(ctx context.Context) *Scope {
	scope, _ := ctx.Value(scopeKey{}).(*Scope)
	return scope
}

func (s *Scope) SetActor(id, email string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actorID = id
	s.actorEmail = email
}

func (s *Scope) Set(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[key] = value
}

// Apply copies the scope's actor and details onto event. Details already on
// the event win.
func (s *Scope) Apply(event *Event) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ActorID == "" {
		event.ActorID = s.actorID
	}
	if event.ActorEmail == "" {
		event.ActorEmail = s.actorEmail
	}
	if len(s.details) == 0 {
		return
	}
	if event.Details == nil {
		event.Details = make(map[string]any, len(s.details))
	}
	for k, v := range s.details {
		if _, exists := event.Details[k]; !exists {
			event.Details[k] = v
		}
	}
}
