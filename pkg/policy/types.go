package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/settings"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the command.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocking reports whether violations of this severity abort the command.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a
	// deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy      string   `json:"policy"`
	Resource    string   `json:"resource,omitempty"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a *ViolationError when the result is not allowed.
func (r *Result) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	return &ViolationError{Violations: r.Violations}
}

// ViolationError reports blocking violations.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("policy check failed: %s", strings.Join(msgs, "; "))
}

// Input is the document policies are evaluated against.
type Input struct {
	// Operation is the command being checked ("apply", "validate").
	Operation string `json:"operation"`

	// Target is the resource the mutation writes to.
	Target *engine.ResourceRef `json:"target,omitempty"`

	// Principal is the identity performing the mutation.
	Principal *engine.Principal `json:"principal,omitempty"`

	// Scopes are the normalized scopes being added.
	Scopes []string `json:"scopes"`

	// Retention is the retention being written, if any.
	Retention *settings.Retention `json:"retention,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	Timestamp time.Time              `json:"timestamp"`
	DryRun    bool                   `json:"dry_run"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// InputForPatch builds the input for a settings patch.
func InputForPatch(operation string, target engine.ResourceRef, principal engine.Principal, patch settings.Patch) *Input {
	return &Input{
		Operation: operation,
		Target:    &target,
		Principal: &principal,
		Scopes:    settings.NormalizeScopes(patch.Scopes),
		Retention: patch.Retention,
		Context: &Context{
			Timestamp: time.Now().UTC(),
			DryRun:    operation != "apply",
		},
	}
}
