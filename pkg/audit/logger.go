package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/procurement/pkg/contextkeys"
	"github.com/platinummonkey/procurement/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// NewEvent builds an event stamped with the current time and request ID
func NewEvent(ctx context.Context, eventType EventType, orgID, userID int64) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    EventStatusSuccess,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if orgID != 0 {
		event.OrganizationID = &orgID
	}
	if userID != 0 {
		event.UserID = &userID
	}
	return event
}

// OnResource sets the resource the event is about
func (e *AuditEvent) OnResource(resourceType ResourceType, id interface{}) *AuditEvent {
	e.ResourceType = resourceType
	e.ResourceID = fmt.Sprint(id)
	return e
}

// WithMessage sets the human readable message
func (e *AuditEvent) WithMessage(format string, args ...interface{}) *AuditEvent {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// WithMeta adds a metadata entry
func (e *AuditEvent) WithMeta(key string, value interface{}) *AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithChanges records before and after values
func (e *AuditEvent) WithChanges(before, after map[string]interface{}) *AuditEvent {
	e.Changes = &ChangeDetails{Before: before, After: after}
	return e
}

// Recorder writes audit events after the business transaction has committed.
// Failures are logged and never returned so auditing cannot undo a mutation.
type Recorder struct {
	logger Logger
	log    *observability.Logger
}

// NewRecorder wraps logger; a nil logger records nothing
func NewRecorder(logger Logger, log *observability.Logger) *Recorder {
	if logger == nil {
		logger = NoOpLogger{}
	}
	if log == nil {
		log = observability.NopLogger()
	}
	return &Recorder{logger: logger, log: log.WithComponent("audit")}
}

// Record writes event, logging any failure
func (r *Recorder) Record(ctx context.Context, event *AuditEvent) {
	if r == nil {
		return
	}
	if err := r.logger.Log(ctx, event); err != nil {
		observability.FromContext(ctx, r.log).
			WithError(err).
			WithField("event_type", string(event.EventType)).
			Error("failed to write audit event")
	}
}

// NoOpLogger is a logger that does nothing
type NoOpLogger struct{}

// Log implements Logger
func (NoOpLogger) Log(context.Context, *AuditEvent) error { return nil }

// Close implements Logger
func (NoOpLogger) Close() error { return nil }

// MemoryLogger keeps events in memory
type MemoryLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log implements Logger
func (m *MemoryLogger) Log(_ context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events, oldest first
func (m *MemoryLogger) Events() []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AuditEvent(nil), m.events...)
}

// OfType returns the recorded events with the given type
func (m *MemoryLogger) OfType(eventType EventType) []*AuditEvent {
	var out []*AuditEvent
	for _, e := range m.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Close implements Logger
func (m *MemoryLogger) Close() error { return nil }
