package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ResourceRef identifies an Azure resource targeted by an operation.
type ResourceRef struct {
	// ID is the full ARM resource ID
	// (e.g., "/subscriptions/.../resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/hub").
	ID string `json:"id" validate:"required,startswith=/"`

	// Type is the ARM resource type (e.g., "Microsoft.Storage/storageAccounts").
	Type string `json:"type,omitempty"`

	// Name is the resource name.
	Name string `json:"name,omitempty"`

	// Scope is the parent scope the operation applies to, usually the
	// resource group ID.
	Scope string `json:"scope" validate:"required,startswith=/"`
}

// String returns the resource ID.
func (r ResourceRef) String() string {
	return r.ID
}

// PrincipalKind is the kind of identity performing the mutation.
type PrincipalKind string

const (
	// PrincipalUser is a human user signed in through the CLI.
	PrincipalUser PrincipalKind = "user"

	// PrincipalManagedIdentity is a (usually freshly created) managed identity.
	PrincipalManagedIdentity PrincipalKind = "managed_identity"

	// PrincipalServicePrincipal is an application registration.
	PrincipalServicePrincipal PrincipalKind = "service_principal"
)

// Principal is the identity whose permissions the mutation relies on.
type Principal struct {
	// ID is the Entra object (principal) ID.
	ID string `json:"id" validate:"required"`

	// Kind is the principal kind.
	Kind PrincipalKind `json:"kind" validate:"required,oneof=user managed_identity service_principal"`

	// ResourceID is the ARM ID of a user-assigned identity, if any.
	ResourceID string `json:"resource_id,omitempty"`
}

// OperationRequest describes one idempotent mutation against a target resource.
// Requests are values: build them with NewOperationRequest and never modify them.
type OperationRequest struct {
	// ID is the correlation ID of the request.
	ID string `json:"id" validate:"required"`

	// Target is the resource being mutated.
	Target ResourceRef `json:"target"`

	// Principal is the identity performing the mutation.
	Principal Principal `json:"principal"`

	// RequiredRoles lists role names, any of which grants the mutation.
	RequiredRoles []string `json:"required_roles,omitempty"`

	// Payload is the mutation payload, interpreted by the Mutator.
	Payload json.RawMessage `json:"payload" validate:"required"`

	// CreatedAt is when the request was built.
	CreatedAt time.Time `json:"created_at"`
}

var requestValidator = validator.New()

// NewOperationRequest validates its inputs and returns an immutable request
// with a fresh correlation ID. Validation failures wrap ErrInvalidRequest and
// are never retried.
func NewOperationRequest(target ResourceRef, principal Principal, requiredRoles []string, payload json.RawMessage) (OperationRequest, error) {
	req := OperationRequest{
		ID:            uuid.New().String(),
		Target:        target,
		Principal:     principal,
		RequiredRoles: append([]string(nil), requiredRoles...),
		Payload:       append(json.RawMessage(nil), payload...),
		CreatedAt:     time.Now().UTC(),
	}

	if err := req.Validate(); err != nil {
		return OperationRequest{}, err
	}

	return req, nil
}

// Validate checks that the request is well formed.
func (r OperationRequest) Validate() error {
	// Nested Target and Principal are validated through their tags.
	if err := requestValidator.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	return nil
}

// FailureClass is the classification of a failed attempt.
type FailureClass string

const (
	// ClassTransientAuth is an authorization failure expected to resolve once
	// a fresh role assignment has propagated.
	ClassTransientAuth FailureClass = "transient_auth"

	// ClassTransientNetwork is a server-side or connectivity failure.
	ClassTransientNetwork FailureClass = "transient_network"

	// ClassPermissionDenied means the identity lacks a role and retrying
	// will not grant it.
	ClassPermissionDenied FailureClass = "permission_denied"

	// ClassQuotaExceeded means a quota or limit blocks the mutation.
	ClassQuotaExceeded FailureClass = "quota_exceeded"

	// ClassResourceNotFound means the target (or its container) does not exist.
	ClassResourceNotFound FailureClass = "resource_not_found"

	// ClassUnknown is any failure that could not be recognized.
	ClassUnknown FailureClass = "unknown"
)

// Retryable reports whether failures of this class may be retried.
func (c FailureClass) Retryable() bool {
	return c == ClassTransientAuth || c == ClassTransientNetwork
}

// String returns the class name.
func (c FailureClass) String() string {
	return string(c)
}

// AllFailureClasses lists every class in display order.
func AllFailureClasses() []FailureClass {
	return []FailureClass{
		ClassTransientAuth,
		ClassTransientNetwork,
		ClassPermissionDenied,
		ClassQuotaExceeded,
		ClassResourceNotFound,
		ClassUnknown,
	}
}

// ParseFailureClass parses a class name, accepting both snake_case and
// CamelCase spellings. Unrecognized names return ClassUnknown and false.
func ParseFailureClass(s string) (FailureClass, bool) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, c := range AllFailureClasses() {
		if strings.ReplaceAll(string(c), "_", "") == norm {
			return c, true
		}
	}
	return ClassUnknown, false
}

// OutcomeKind tells whether an attempt succeeded.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome is the result of a single attempt.
type Outcome struct {
	// Kind is success or failure.
	Kind OutcomeKind `json:"kind"`

	// Class is the failure classification. Mutators always report
	// ClassUnknown; the orchestrator fills in the classified value.
	Class FailureClass `json:"class,omitempty"`

	// Message is the raw error text.
	Message string `json:"message,omitempty"`

	// Err is the raw error returned by the mutation.
	Err error `json:"-"`

	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Result is the mutation result on success.
	Result json.RawMessage `json:"result,omitempty"`

	// At is when the attempt finished.
	At time.Time `json:"at"`
}

// Success builds a successful outcome.
func Success(attempt int, result json.RawMessage) Outcome {
	return Outcome{
		Kind:    OutcomeSuccess,
		Attempt: attempt,
		Result:  result,
		At:      time.Now().UTC(),
	}
}

// Failure builds a failed outcome carrying the raw error verbatim.
func Failure(class FailureClass, err error, attempt int) Outcome {
	o := Outcome{
		Kind:    OutcomeFailure,
		Class:   class,
		Err:     err,
		Attempt: attempt,
		At:      time.Now().UTC(),
	}
	if err != nil {
		o.Message = err.Error()
	}
	return o
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// State is the orchestrator state for a request.
type State string

const (
	StateAttempting State = "attempting"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateExhausted, StateCancelled:
		return true
	default:
		return false
	}
}

// Result is the terminal record of one request.
type Result struct {
	// Request is the request that was processed.
	Request OperationRequest `json:"request"`

	// State is the terminal state.
	State State `json:"state"`

	// Attempts is the number of attempts made.
	Attempts int `json:"attempts"`

	// History is the append-only list of outcomes, one per attempt.
	History []Outcome `json:"history"`

	// Waited is the total time spent in backoff waits (including grace).
	Waited time.Duration `json:"waited"`

	// Report is the diagnostic report, set when State is StateExhausted.
	Report *DiagnosticReport `json:"report,omitempty"`

	// StartedAt is when processing began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when processing reached a terminal state.
	CompletedAt time.Time `json:"completed_at"`
}

// LastOutcome returns the most recent outcome, if any.
func (r *Result) LastOutcome() (Outcome, bool) {
	if r == nil || len(r.History) == 0 {
		return Outcome{}, false
	}
	return r.History[len(r.History)-1], true
}

// Verdict is the result of a single diagnostic check.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictWarn    Verdict = "warn"
	VerdictFail    Verdict = "fail"
	VerdictUnknown Verdict = "unknown"
)

// DiagnosticCheck is one read-only check of the diagnostic sweep.
type DiagnosticCheck struct {
	// Name identifies the check (e.g., "identity-has-required-role").
	Name string `json:"name"`

	// Probe names the probe call the check executed.
	Probe string `json:"probe"`

	// Verdict is the check verdict.
	Verdict Verdict `json:"verdict"`

	// Detail describes what was observed.
	Detail string `json:"detail,omitempty"`

	// Remediation is a hint for failing or warning checks.
	Remediation string `json:"remediation,omitempty"`
}

// OverallKind summarizes a diagnostic report.
type OverallKind string

const (
	OverallLikelyRootCause OverallKind = "likely_root_cause"
	OverallMultipleIssues  OverallKind = "multiple_issues"
	OverallNoObviousIssue  OverallKind = "no_obvious_issue"
)

// Overall is the aggregate verdict of a report.
type Overall struct {
	Kind OverallKind `json:"kind"`

	// Checks names the failing checks.
	Checks []string `json:"checks,omitempty"`
}

// DiagnosticReport is the ordered result of a diagnostic sweep.
type DiagnosticReport struct {
	RequestID      string            `json:"request_id"`
	Target         string            `json:"target"`
	Checks         []DiagnosticCheck `json:"checks"`
	Overall        Overall           `json:"overall"`
	Recommendation string            `json:"recommendation,omitempty"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// Check returns the check with the given name.
func (r *DiagnosticReport) Check(name string) (DiagnosticCheck, bool) {
	if r == nil {
		return DiagnosticCheck{}, false
	}
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DiagnosticCheck{}, false
}

// NetworkAction is the default action of a resource firewall.
type NetworkAction string

const (
	NetworkAllow NetworkAction = "Allow"
	NetworkDeny  NetworkAction = "Deny"
)

// Usage is the quota usage for a resource type.
type Usage struct {
	Name  string `json:"name"`
	Used  int64  `json:"used"`
	Limit int64  `json:"limit"`
}

// Deployment is a summary of a recent ARM deployment.
type Deployment struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}
