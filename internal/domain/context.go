package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SecurityContext is the request-scoped security context carried through all
// services via context.Context. No thread-local or global state; the deadline
// travels on the context itself.
type SecurityContext struct {
	ActorID      string
	PartnerID    string
	Capabilities CapabilitySet
	TraceID      string
	RequestID    string
}

type securityContextKey struct{}

// WithSecurityContext attaches a security context to ctx. A missing trace ID
// is filled in so every downstream log line can be correlated.
func WithSecurityContext(ctx context.Context, sc SecurityContext) context.Context {
	if sc.TraceID == "" {
		sc.TraceID = uuid.NewString()
	}
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// SecurityContextFrom extracts the security context, if present.
func SecurityContextFrom(ctx context.Context) (SecurityContext, bool) {
	sc, ok := ctx.Value(securityContextKey{}).(SecurityContext)
	return sc, ok
}

// TraceIDFrom returns the trace ID or "unknown" when no security context is
// attached. Used when surfacing Internal errors.
func TraceIDFrom(ctx context.Context) string {
	if sc, ok := SecurityContextFrom(ctx); ok {
		return sc.TraceID
	}
	return "unknown"
}

// EventMetadata is the actor metadata frozen onto every outbox event.
type EventMetadata struct {
	ActorID   string `json:"actor_id,omitempty"`
	PartnerID string `json:"partner_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// MetadataFrom builds event metadata from the request's security context.
func MetadataFrom(ctx context.Context) EventMetadata {
	sc, _ := SecurityContextFrom(ctx)
	return EventMetadata{
		ActorID:   sc.ActorID,
		PartnerID: sc.PartnerID,
		RequestID: sc.RequestID,
		TraceID:   sc.TraceID,
	}
}

// Deadline helpers: every outbound call carries a budget, derived from the
// request deadline when one is already set and tighter.

// WithBudget returns a context bounded by d unless the parent deadline is
// already tighter.
func WithBudget(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
