package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// Observer reports orchestrator transitions as spans, metrics and events.
// One Observer may serve many concurrent operations.
type Observer struct {
	tel *Telemetry

	mu   sync.Mutex
	runs map[string]*observedRun
}

type observedRun struct {
	span  trace.Span
	timer *Timer
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer backed by tel.
func NewObserver(tel *Telemetry) *Observer {
	return &Observer{
		tel:  tel,
		runs: make(map[string]*observedRun),
	}
}

func (o *Observer) logger(req engine.OperationRequest) *Logger {
	return o.tel.Logger.NewComponentLogger("observer").ForRequest(req)
}

// OnStart opens the operation span.
func (o *Observer) OnStart(ctx context.Context, req engine.OperationRequest) {
	_, span := o.tel.Tracer.StartOperationSpan(ctx, req.ID, req.Target.ID, string(req.Principal.Kind))

	o.mu.Lock()
	o.runs[req.ID] = &observedRun{span: span, timer: NewTimer()}
	o.mu.Unlock()

	o.tel.Metrics.RecordOperationStarted(string(req.Principal.Kind))
	if err := o.tel.Events.PublishOperationStarted(req.ID, req.Target.ID, string(req.Principal.Kind)); err != nil {
		o.logger(req).WithError(err).Debug("Event not published")
	}
}

// OnAttempt records the attempt as a child span that started elapsed ago.
func (o *Observer) OnAttempt(ctx context.Context, req engine.OperationRequest, outcome engine.Outcome, elapsed time.Duration) {
	parent := o.parent(ctx, req.ID)

	end := time.Now()
	_, span := o.tel.Tracer.StartAttemptSpan(parent, outcome.Attempt,
		trace.WithTimestamp(end.Add(-elapsed)),
		trace.WithAttributes(
			AttrOperationID.String(req.ID),
			AttrAttempt.Int(outcome.Attempt),
			AttrOutcome.String(string(outcome.Kind)),
		),
	)

	if outcome.Succeeded() {
		RecordSuccess(span)
		o.tel.Metrics.RecordAttempt(string(outcome.Kind), "", elapsed)
	} else {
		span.SetAttributes(AttrFailureClass.String(string(outcome.Class)))
		RecordError(span, outcome.Err)
		o.tel.Metrics.RecordAttempt(string(outcome.Kind), string(outcome.Class), elapsed)
		if err := o.tel.Events.PublishAttemptFailed(req.ID, req.Target.ID, outcome.Attempt, string(outcome.Class), outcome.Message); err != nil {
			o.logger(req).WithError(err).Debug("Event not published")
		}
	}
	span.End(trace.WithTimestamp(end))
}

// OnRetry records the scheduled wait on the operation span.
func (o *Observer) OnRetry(ctx context.Context, req engine.OperationRequest, class engine.FailureClass, attempt int, delay time.Duration) {
	if run := o.run(req.ID); run != nil {
		AddRetryEvent(run.span, string(class), attempt, delay.Seconds())
	}

	o.tel.Metrics.RecordRetry(string(class), delay)
	if err := o.tel.Events.PublishRetryScheduled(req.ID, req.Target.ID, attempt, string(class), delay); err != nil {
		o.logger(req).WithError(err).Debug("Event not published")
	}
}

// OnComplete closes the operation span and records the terminal state and
// any diagnostic verdicts.
func (o *Observer) OnComplete(ctx context.Context, result *engine.Result) {
	req := result.Request

	o.mu.Lock()
	run := o.runs[req.ID]
	delete(o.runs, req.ID)
	o.mu.Unlock()

	var duration time.Duration
	if run != nil {
		duration = run.timer.Duration()
		run.span.SetAttributes(
			AttrOperationState.String(string(result.State)),
			AttrAttempt.Int(result.Attempts),
		)
		if result.Report != nil {
			run.span.SetAttributes(AttrVerdict.String(string(result.Report.Overall.Kind)))
		}
		if result.State == engine.StateSucceeded {
			RecordSuccess(run.span)
		} else if last, ok := result.LastOutcome(); ok {
			RecordError(run.span, last.Err)
		}
		run.span.End()
	}

	o.tel.Metrics.RecordOperationCompleted(string(result.State), duration)
	if result.Report != nil {
		for _, check := range result.Report.Checks {
			o.tel.Metrics.RecordDiagnosticCheck(check.Name, string(check.Verdict))
		}
	}

	var err error
	switch result.State {
	case engine.StateSucceeded:
		err = o.tel.Events.PublishOperationSucceeded(req.ID, req.Target.ID, result.Attempts, result.Waited)
	case engine.StateExhausted:
		var class, overall string
		if last, ok := result.LastOutcome(); ok {
			class = string(last.Class)
		}
		if result.Report != nil {
			overall = string(result.Report.Overall.Kind)
		}
		err = o.tel.Events.PublishOperationExhausted(req.ID, req.Target.ID, result.Attempts, class, overall)
	case engine.StateCancelled:
		err = o.tel.Events.PublishOperationCancelled(req.ID, req.Target.ID, result.Attempts)
	}
	if err != nil {
		o.logger(req).WithError(err).Debug("Event not published")
	}
}

func (o *Observer) run(id string) *observedRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Observer) parent(ctx context.Context, id string) context.Context {
	if run := o.run(id); run != nil {
		return trace.ContextWithSpan(ctx, run.span)
	}
	return ctx
}
