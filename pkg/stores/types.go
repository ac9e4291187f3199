package stores

import (
	"time"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Operation is the persisted summary of one orchestrated request.
type Operation struct {
	ID             string               `json:"id"`
	TargetID       string               `json:"target_id"`
	TargetScope    string               `json:"target_scope"`
	PrincipalID    string               `json:"principal_id"`
	PrincipalKind  engine.PrincipalKind `json:"principal_kind"`
	RequiredRoles  []string             `json:"required_roles"`
	Payload        string               `json:"payload"` // JSON blob
	State          engine.State         `json:"state"`
	Attempts       int                  `json:"attempts"`
	LastClass      *engine.FailureClass `json:"last_class,omitempty"`
	LastMessage    *string              `json:"last_message,omitempty"`
	Waited         time.Duration        `json:"waited"`
	Report         *string              `json:"report,omitempty"` // JSON blob
	Recommendation *string              `json:"recommendation,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// DiagnosticReport decodes the stored report, if any.
func (o *Operation) DiagnosticReport() (*engine.DiagnosticReport, error) {
	if o.Report == nil || *o.Report == "" {
		return nil, nil
	}
	return decodeReport(*o.Report)
}

// Attempt is one persisted attempt of an operation.
type Attempt struct {
	ID          int64                `json:"id"`
	OperationID string               `json:"operation_id"`
	Attempt     int                  `json:"attempt"`
	Kind        engine.OutcomeKind   `json:"kind"`
	Class       *engine.FailureClass `json:"class,omitempty"`
	Message     *string              `json:"message,omitempty"`
	Result      *string              `json:"result,omitempty"` // JSON blob
	At          time.Time            `json:"at"`
}

// Event represents an append-only log event
type Event struct {
	ID          int64      `json:"id"`
	OperationID *string    `json:"operation_id,omitempty"`
	Type        string     `json:"type"`
	Level       EventLevel `json:"level"`
	Message     string     `json:"message"`
	Details     *string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time  `json:"timestamp"`
}

// OperationFilter narrows ListOperations. Nil fields match everything.
type OperationFilter struct {
	TargetID *string
	State    *engine.State
	Since    *time.Time
	Limit    int
	Offset   int
}
