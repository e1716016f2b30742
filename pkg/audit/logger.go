package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/campusgate/pkg/contextkeys"
)

// Logger records audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOpLogger{}
}

// NoOpLogger discards every event
type NoOpLogger struct{}

func (NoOpLogger) Log(context.Context, *Event) error { return nil }

// NewEvent builds an event stamped with the request, user and tenant ids found in ctx
func NewEvent(ctx context.Context, action Action, status Status) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
	if id, err := uuid.Parse(contextkeys.GetUserID(ctx)); err == nil {
		event.UserID = &id
	}
	if id, err := uuid.Parse(contextkeys.GetTenantID(ctx)); err == nil {
		event.TenantID = &id
	}
	return event
}

// WithRequest copies client address and user agent from r
func (e *Event) WithRequest(r *http.Request) *Event {
	if r == nil {
		return e
	}
	e.UserAgent = r.UserAgent()
	e.IPAddress = clientIP(r)
	return e
}

// WithObject sets the subject model and id
func (e *Event) WithObject(model, id string) *Event {
	e.ModelName = model
	e.ObjectID = id
	return e
}

// WithChanges sets the change payload
func (e *Event) WithChanges(changes map[string]interface{}) *Event {
	e.Changes = changes
	return e
}

// WithMessage sets the human readable message
func (e *Event) WithMessage(msg string) *Event {
	e.Message = msg
	return e
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
