package telemetry

import (
	"context"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// instrumentedProbe wraps a probe with a span and metrics per call.
type instrumentedProbe struct {
	next engine.Probe
	tel  *Telemetry
}

// InstrumentProbe returns a probe that traces and counts every call to p.
func InstrumentProbe(p engine.Probe, tel *Telemetry) engine.Probe {
	return &instrumentedProbe{next: p, tel: tel}
}

func observe[T any](ctx context.Context, tel *Telemetry, probe, resourceID string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tel.Tracer.StartProbeSpan(ctx, probe, resourceID)
	defer span.End()

	timer := NewTimer()
	v, err := fn(ctx)
	tel.Metrics.RecordProbeCall(probe, timer.Duration(), err)

	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return v, err
}

func (p *instrumentedProbe) Exists(ctx context.Context, ref engine.ResourceRef) (bool, error) {
	return observe(ctx, p.tel, "Exists", ref.ID, func(ctx context.Context) (bool, error) {
		return p.next.Exists(ctx, ref)
	})
}

func (p *instrumentedProbe) RoleAssignments(ctx context.Context, principalID, scope string) ([]string, error) {
	return observe(ctx, p.tel, "RoleAssignments", scope, func(ctx context.Context) ([]string, error) {
		return p.next.RoleAssignments(ctx, principalID, scope)
	})
}

func (p *instrumentedProbe) NetworkDefaultAction(ctx context.Context, ref engine.ResourceRef) (engine.NetworkAction, error) {
	return observe(ctx, p.tel, "NetworkDefaultAction", ref.ID, func(ctx context.Context) (engine.NetworkAction, error) {
		return p.next.NetworkDefaultAction(ctx, ref)
	})
}

func (p *instrumentedProbe) ProvisioningState(ctx context.Context, ref engine.ResourceRef) (string, error) {
	return observe(ctx, p.tel, "ProvisioningState", ref.ID, func(ctx context.Context) (string, error) {
		return p.next.ProvisioningState(ctx, ref)
	})
}

func (p *instrumentedProbe) QuotaUsage(ctx context.Context, ref engine.ResourceRef) (engine.Usage, error) {
	return observe(ctx, p.tel, "QuotaUsage", ref.ID, func(ctx context.Context) (engine.Usage, error) {
		return p.next.QuotaUsage(ctx, ref)
	})
}

func (p *instrumentedProbe) RecentDeployments(ctx context.Context, scope string, limit int) ([]engine.Deployment, error) {
	return observe(ctx, p.tel, "RecentDeployments", scope, func(ctx context.Context) ([]engine.Deployment, error) {
		return p.next.RecentDeployments(ctx, scope, limit)
	})
}
