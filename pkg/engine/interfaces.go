package engine

import (
	"context"
	"time"
)

// Mutator performs exactly one attempt of an idempotent mutation.
// It never retries and never classifies: failures are returned verbatim
// as Failure(ClassUnknown, err, attempt).
type Mutator interface {
	Execute(ctx context.Context, req OperationRequest, attempt int) Outcome
}

// MutatorFunc adapts a function to the Mutator interface.
type MutatorFunc func(ctx context.Context, req OperationRequest, attempt int) Outcome

// Execute calls f.
func (f MutatorFunc) Execute(ctx context.Context, req OperationRequest, attempt int) Outcome {
	return f(ctx, req, attempt)
}

// Classifier maps a raw error to a failure class. Implementations must be
// total and must not perform I/O.
type Classifier interface {
	Classify(err error) FailureClass
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) FailureClass

// Classify calls f.
func (f ClassifierFunc) Classify(err error) FailureClass {
	return f(err)
}

// RetryPolicy decides the wait before the next attempt.
// It returns false (Stop) when no further attempt should be made.
type RetryPolicy interface {
	NextDelay(class FailureClass, attempt int) (time.Duration, bool)
}

// Probe is the read-only view of the cloud control plane used by diagnostics.
// Every call is independent and side-effect free.
type Probe interface {
	// Exists reports whether the resource exists.
	Exists(ctx context.Context, ref ResourceRef) (bool, error)

	// RoleAssignments returns the role names assigned to the principal at
	// (or inherited by) the scope.
	RoleAssignments(ctx context.Context, principalID, scope string) ([]string, error)

	// NetworkDefaultAction returns the firewall default action of the resource.
	NetworkDefaultAction(ctx context.Context, ref ResourceRef) (NetworkAction, error)

	// ProvisioningState returns the ARM provisioning state of the resource.
	ProvisioningState(ctx context.Context, ref ResourceRef) (string, error)

	// QuotaUsage returns the usage and limit relevant to the resource type.
	QuotaUsage(ctx context.Context, ref ResourceRef) (Usage, error)

	// RecentDeployments lists the most recent deployments at the scope,
	// newest first.
	RecentDeployments(ctx context.Context, scope string, limit int) ([]Deployment, error)
}

// Diagnoser builds a read-only diagnostic report for an exhausted request.
type Diagnoser interface {
	Diagnose(ctx context.Context, req OperationRequest, history []Outcome) *DiagnosticReport
}

// HistoryRecorder persists attempts and terminal results.
// Recording errors are logged by the orchestrator and never fail a request.
type HistoryRecorder interface {
	RecordAttempt(ctx context.Context, req OperationRequest, outcome Outcome) error
	RecordResult(ctx context.Context, result *Result) error
}

// Observer receives orchestrator transitions, e.g. for metrics and events.
type Observer interface {
	OnStart(ctx context.Context, req OperationRequest)
	OnAttempt(ctx context.Context, req OperationRequest, outcome Outcome, elapsed time.Duration)
	OnRetry(ctx context.Context, req OperationRequest, class FailureClass, attempt int, delay time.Duration)
	OnComplete(ctx context.Context, result *Result)
}

// Clock is the subset of github.com/juju/clock.Clock used for waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
