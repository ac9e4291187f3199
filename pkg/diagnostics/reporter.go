// Package diagnostics runs the read-only sweep that explains why a
// request was exhausted.
package diagnostics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Check names, in report order.
const (
	CheckIdentityExists   = "identity-exists"
	CheckIdentityRole     = "identity-has-required-role"
	CheckNetworkAccess    = "network-allows-access"
	CheckQuotaHeadroom    = "quota-headroom"
	CheckRecentDeployment = "recent-deployment-history"
	CheckTargetReady      = "target-ready"
)

const (
	defaultDeploymentLimit = 5
	defaultQuotaWarnRatio  = 0.9
	defaultParallelism     = 3
)

const userAssignedIdentityType = "Microsoft.ManagedIdentity/userAssignedIdentities"

// Reporter implements engine.Diagnoser over an engine.Probe.
// It only ever calls read-only probe methods.
type Reporter struct {
	probe  engine.Probe
	logger zerolog.Logger
	now    func() time.Time

	deploymentLimit int
	quotaWarnRatio  float64
	parallelism     int
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithDeploymentLimit sets how many recent deployments are inspected.
func WithDeploymentLimit(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.deploymentLimit = n
		}
	}
}

// WithQuotaWarnRatio sets the usage ratio at which quota-headroom warns.
func WithQuotaWarnRatio(ratio float64) Option {
	return func(r *Reporter) {
		if ratio > 0 && ratio <= 1 {
			r.quotaWarnRatio = ratio
		}
	}
}

// WithParallelism sets how many checks run at once.
func WithParallelism(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithNow sets the time source for GeneratedAt.
func WithNow(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter creates a reporter.
func NewReporter(probe engine.Probe, logger zerolog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		probe:           probe,
		logger:          logger.With().Str("component", "diagnostics").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
		deploymentLimit: defaultDeploymentLimit,
		quotaWarnRatio:  defaultQuotaWarnRatio,
		parallelism:     defaultParallelism,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type checkFunc func(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck

// Diagnose implements engine.Diagnoser. A failing probe marks only its own
// check unknown; the report always contains every check.
func (r *Reporter) Diagnose(ctx context.Context, req engine.OperationRequest, history []engine.Outcome) *engine.DiagnosticReport {
	battery := []struct {
		name  string
		probe string
		run   checkFunc
	}{
		{CheckIdentityExists, "Exists", r.checkIdentityExists},
		{CheckIdentityRole, "RoleAssignments", r.checkIdentityRole},
		{CheckNetworkAccess, "NetworkDefaultAction", r.checkNetworkAccess},
		{CheckQuotaHeadroom, "QuotaUsage", r.checkQuotaHeadroom},
		{CheckRecentDeployment, "RecentDeployments", r.checkRecentDeployments},
		{CheckTargetReady, "ProvisioningState", r.checkTargetReady},
	}

	checks := make([]engine.DiagnosticCheck, len(battery))

	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for i, c := range battery {
		g.Go(func() error {
			checks[i] = r.runCheck(ctx, req, c.name, c.probe, c.run)
			return nil
		})
	}
	_ = g.Wait()

	report := &engine.DiagnosticReport{
		RequestID:   req.ID,
		Target:      req.Target.ID,
		Checks:      checks,
		GeneratedAt: r.now(),
	}
	report.Overall = Aggregate(checks)
	report.Recommendation = recommend(report, history)

	r.logger.Info().
		Str("operation_id", req.ID).
		Str("overall", string(report.Overall.Kind)).
		Strs("failing", report.Overall.Checks).
		Msg("Diagnostics complete")

	return report
}

func (r *Reporter) runCheck(ctx context.Context, req engine.OperationRequest, name, probe string, fn checkFunc) (check engine.DiagnosticCheck) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("check", name).Interface("panic", p).Msg("Diagnostic check panicked")
			check = unknown(fmt.Errorf("probe panicked: %v", p))
		}
		check.Name = name
		check.Probe = probe
	}()

	if r.probe == nil {
		return unknown(fmt.Errorf("no probe configured"))
	}
	return fn(ctx, req)
}

func unknown(err error) engine.DiagnosticCheck {
	return engine.DiagnosticCheck{
		Verdict:     engine.VerdictUnknown,
		Detail:      fmt.Sprintf("probe failed: %v", err),
		Remediation: "Re-run diagnostics once the control plane is reachable.",
	}
}

func (r *Reporter) checkIdentityExists(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck {
	p := req.Principal
	if p.ResourceID == "" {
		if p.Kind == engine.PrincipalUser {
			return engine.DiagnosticCheck{
				Verdict: engine.VerdictPass,
				Detail:  fmt.Sprintf("signed-in user %s", p.ID),
			}
		}
		return engine.DiagnosticCheck{
			Verdict: engine.VerdictUnknown,
			Detail:  fmt.Sprintf("%s %s has no resource ID to probe", p.Kind, p.ID),
		}
	}

	ref := engine.ResourceRef{ID: p.ResourceID, Type: userAssignedIdentityType}
	ok, err := r.probe.Exists(ctx, ref)
	if err != nil {
		return unknown(err)
	}
	if !ok {
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictFail,
			Detail:      fmt.Sprintf("identity %s does not exist", p.ResourceID),
			Remediation: "Redeploy the hub so the managed identity is recreated.",
		}
	}
	return engine.DiagnosticCheck{
		Verdict: engine.VerdictPass,
		Detail:  fmt.Sprintf("identity %s exists", p.ResourceID),
	}
}

func (r *Reporter) checkIdentityRole(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck {
	if len(req.RequiredRoles) == 0 {
		return engine.DiagnosticCheck{
			Verdict: engine.VerdictPass,
			Detail:  "no role requirement declared",
		}
	}

	assigned, err := r.probe.RoleAssignments(ctx, req.Principal.ID, req.Target.Scope)
	if err != nil {
		return unknown(err)
	}

	for _, want := range req.RequiredRoles {
		for _, have := range assigned {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return engine.DiagnosticCheck{
					Verdict: engine.VerdictPass,
					Detail:  fmt.Sprintf("principal %s has %q at %s", req.Principal.ID, have, req.Target.Scope),
				}
			}
		}
	}

	held := "none"
	if len(assigned) > 0 {
		held = strings.Join(assigned, ", ")
	}
	return engine.DiagnosticCheck{
		Verdict: engine.VerdictFail,
		Detail: fmt.Sprintf("principal %s has none of [%s] at %s (assigned: %s)",
			req.Principal.ID, strings.Join(req.RequiredRoles, ", "), req.Target.Scope, held),
		Remediation: fmt.Sprintf("az role assignment create --assignee %s --role %q --scope %s",
			req.Principal.ID, req.RequiredRoles[0], req.Target.Scope),
	}
}

func (r *Reporter) checkNetworkAccess(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck {
	action, err := r.probe.NetworkDefaultAction(ctx, req.Target)
	if err != nil {
		return unknown(err)
	}

	switch action {
	case engine.NetworkAllow, "":
		return engine.DiagnosticCheck{
			Verdict: engine.VerdictPass,
			Detail:  "firewall default action is Allow",
		}
	default:
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictFail,
			Detail:      fmt.Sprintf("firewall default action is %s", action),
			Remediation: "Add the client IP or virtual network to the storage firewall, or run from an allowed network.",
		}
	}
}

func (r *Reporter) checkQuotaHeadroom(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck {
	usage, err := r.probe.QuotaUsage(ctx, req.Target)
	if err != nil {
		return unknown(err)
	}
	if usage.Limit <= 0 {
		return engine.DiagnosticCheck{
			Verdict: engine.VerdictPass,
			Detail:  fmt.Sprintf("no limit reported for %s", usageName(usage, req.Target)),
		}
	}

	ratio := float64(usage.Used) / float64(usage.Limit)
	detail := fmt.Sprintf("%s: %d of %d used (%.0f%%)", usageName(usage, req.Target), usage.Used, usage.Limit, ratio*100)
	switch {
	case ratio >= 1:
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictFail,
			Detail:      detail,
			Remediation: "Request a quota increase or remove unused resources.",
		}
	case ratio >= r.quotaWarnRatio:
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictWarn,
			Detail:      detail,
			Remediation: "Usage is close to the limit; plan a quota increase.",
		}
	default:
		return engine.DiagnosticCheck{Verdict: engine.VerdictPass, Detail: detail}
	}
}

func usageName(u engine.Usage, ref engine.ResourceRef) string {
	if u.Name != "" {
		return u.Name
	}
	if ref.Type != "" {
		return ref.Type
	}
	return "resource"
}

func (r *Reporter) checkRecentDeployments(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck {
	deployments, err := r.probe.RecentDeployments(ctx, req.Target.Scope, r.deploymentLimit)
	if err != nil {
		return unknown(err)
	}
	if len(deployments) == 0 {
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictWarn,
			Detail:      fmt.Sprintf("no deployments found at %s", req.Target.Scope),
			Remediation: "Confirm the hub was deployed to this resource group.",
		}
	}

	latest := deployments[0]
	when := latest.Timestamp.UTC().Format(time.RFC3339)
	switch strings.ToLower(latest.State) {
	case "failed", "canceled":
		detail := fmt.Sprintf("latest deployment %s %s at %s", latest.Name, strings.ToLower(latest.State), when)
		if latest.Error != "" {
			detail += ": " + latest.Error
		}
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictFail,
			Detail:      detail,
			Remediation: fmt.Sprintf("Inspect deployment %s in the portal and redeploy the hub.", latest.Name),
		}
	case "running", "accepted", "creating", "updating":
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictWarn,
			Detail:      fmt.Sprintf("deployment %s still %s (started %s)", latest.Name, strings.ToLower(latest.State), when),
			Remediation: "Wait for the deployment to finish before retrying.",
		}
	default:
		return engine.DiagnosticCheck{
			Verdict: engine.VerdictPass,
			Detail:  fmt.Sprintf("latest deployment %s %s at %s", latest.Name, latest.State, when),
		}
	}
}

func (r *Reporter) checkTargetReady(ctx context.Context, req engine.OperationRequest) engine.DiagnosticCheck {
	ok, err := r.probe.Exists(ctx, req.Target)
	if err != nil {
		return unknown(err)
	}
	if !ok {
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictFail,
			Detail:      fmt.Sprintf("%s does not exist", req.Target.ID),
			Remediation: "Verify the resource group and storage account names, or deploy the hub first.",
		}
	}

	state, err := r.probe.ProvisioningState(ctx, req.Target)
	if err != nil {
		return unknown(err)
	}
	switch strings.ToLower(state) {
	case "succeeded", "":
		return engine.DiagnosticCheck{
			Verdict: engine.VerdictPass,
			Detail:  fmt.Sprintf("%s is provisioned", req.Target.ID),
		}
	case "failed", "canceled":
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictFail,
			Detail:      fmt.Sprintf("provisioning state is %s", state),
			Remediation: "Redeploy the hub to repair the resource.",
		}
	default:
		return engine.DiagnosticCheck{
			Verdict:     engine.VerdictWarn,
			Detail:      fmt.Sprintf("provisioning state is %s", state),
			Remediation: "Wait for provisioning to complete before retrying.",
		}
	}
}

// Aggregate computes the overall verdict from the checks.
func Aggregate(checks []engine.DiagnosticCheck) engine.Overall {
	var failing []string
	for _, c := range checks {
		if c.Verdict == engine.VerdictFail {
			failing = append(failing, c.Name)
		}
	}

	switch len(failing) {
	case 0:
		return engine.Overall{Kind: engine.OverallNoObviousIssue}
	case 1:
		return engine.Overall{Kind: engine.OverallLikelyRootCause, Checks: failing}
	default:
		return engine.Overall{Kind: engine.OverallMultipleIssues, Checks: failing}
	}
}

func recommend(report *engine.DiagnosticReport, history []engine.Outcome) string {
	switch report.Overall.Kind {
	case engine.OverallLikelyRootCause:
		c, _ := report.Check(report.Overall.Checks[0])
		if c.Remediation != "" {
			return c.Remediation
		}
		return fmt.Sprintf("Resolve %s and retry.", c.Name)
	case engine.OverallMultipleIssues:
		return fmt.Sprintf("Resolve the failing checks in order: %s.", strings.Join(report.Overall.Checks, ", "))
	}

	if n := len(history); n > 0 && history[n-1].Class == engine.ClassTransientAuth {
		return "No obvious issue found: role assignments may still be propagating, wait 10-15 minutes and retry."
	}
	return "No obvious issue found: check Azure service health and retry later."
}
