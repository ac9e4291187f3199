package engine

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Orchestrator drives one OperationRequest through the retry state machine:
//
//	Attempting --execute--> outcome
//	  success                          -> Succeeded
//	  failure, retryable, attempts left -> Retrying --wait--> Attempting
//	  failure otherwise                -> Exhausted --diagnose--> report
//
// A single request is processed strictly sequentially.
type Orchestrator struct {
	mutator    Mutator
	classifier Classifier
	policy     RetryPolicy
	diagnoser  Diagnoser
	schedule   RetrySchedule

	clock    Clock
	recorder HistoryRecorder
	observer Observer
	logger   zerolog.Logger

	attemptTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for waits.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRecorder sets the history recorder.
func WithRecorder(r HistoryRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver sets the observer notified of transitions.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With().Str("component", "orchestrator").Logger() }
}

// WithSchedule sets the schedule used for the grace wait. The retry policy
// itself is passed to NewOrchestrator.
func WithSchedule(s RetrySchedule) Option {
	return func(o *Orchestrator) { o.schedule = s }
}

// WithAttemptTimeout bounds each mutation attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.attemptTimeout = d }
}

// NewOrchestrator creates an orchestrator. A nil classifier selects
// DefaultClassifier and a nil policy selects the default schedule.
func NewOrchestrator(m Mutator, c Classifier, p RetryPolicy, d Diagnoser, opts ...Option) *Orchestrator {
	if c == nil {
		c = DefaultClassifier()
	}
	if p == nil {
		p = NewSchedulePolicy(DefaultRetrySchedule())
	}

	o := &Orchestrator{
		mutator:    m,
		classifier: c,
		policy:     p,
		diagnoser:  d,
		clock:      clock.WallClock,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes the request until it reaches a terminal state.
//
// On success it returns the result and a nil error. On exhaustion it returns
// the result and an *ExhaustedError carrying the diagnostic report. On
// cancellation it returns the partial result and a cancellation EngineError.
// A malformed request returns an error wrapping ErrInvalidRequest without
// any attempt.
func (o *Orchestrator) Run(ctx context.Context, req OperationRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, NewPermanentError("rejected request", err).
			WithCode(ErrCodeValidation).
			WithOperation(req.ID)
	}
	if o.mutator == nil {
		return nil, NewPermanentError("orchestrator has no mutator", ErrInvalidRequest).
			WithCode(ErrCodeValidation)
	}

	log := o.logger.With().
		Str("operation_id", req.ID).
		Str("target", req.Target.ID).
		Logger()

	result := &Result{
		Request:   req,
		State:     StateAttempting,
		History:   make([]Outcome, 0, 1),
		StartedAt: o.clock.Now(),
	}

	if o.observer != nil {
		o.observer.OnStart(ctx, req)
	}

	if grace := o.schedule.Grace; grace > 0 {
		log.Info().Dur("grace", grace).Msg("Waiting before first attempt")
		if err := o.wait(ctx, grace); err != nil {
			return o.cancel(ctx, result, err)
		}
		result.Waited += grace
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return o.cancel(ctx, result, err)
		}

		result.State = StateAttempting
		outcome, elapsed := o.attempt(ctx, req, attempt)
		result.Attempts = attempt

		// A cancellation that lands while the mutation runs surfaces as the
		// attempt's error; it must not be classified or diagnosed.
		cancelled := ctx.Err()
		recordCtx := ctx
		if cancelled != nil {
			recordCtx = context.WithoutCancel(ctx)
		}

		if !outcome.Succeeded() {
			outcome.Class = o.classifier.Classify(outcome.Err)
		}
		result.History = append(result.History, outcome)
		o.record(recordCtx, req, outcome)

		if o.observer != nil {
			o.observer.OnAttempt(recordCtx, req, outcome, elapsed)
		}

		if outcome.Succeeded() {
			log.Info().Int("attempt", attempt).Msg("Operation succeeded")
			return o.finish(recordCtx, result, StateSucceeded), nil
		}
		if cancelled != nil {
			log.Info().Int("attempt", attempt).Msg("Operation cancelled during attempt")
			return o.cancel(ctx, result, cancelled)
		}

		log.Warn().
			Int("attempt", attempt).
			Str("class", string(outcome.Class)).
			Str("error", outcome.Message).
			Msg("Attempt failed")

		delay, ok := o.policy.NextDelay(outcome.Class, attempt)
		if !ok {
			return o.exhaust(ctx, result, outcome)
		}

		result.State = StateRetrying
		if o.observer != nil {
			o.observer.OnRetry(ctx, req, outcome.Class, attempt, delay)
		}
		log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying after transient failure")

		if err := o.wait(ctx, delay); err != nil {
			return o.cancel(ctx, result, err)
		}
		result.Waited += delay
	}
}

// attempt runs one mutation attempt.
func (o *Orchestrator) attempt(ctx context.Context, req OperationRequest, attempt int) (Outcome, time.Duration) {
	attemptCtx := ctx
	if o.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, o.attemptTimeout)
		defer cancel()
	}

	start := o.clock.Now()
	outcome := o.mutator.Execute(attemptCtx, req, attempt)
	outcome.Attempt = attempt
	if outcome.Kind == "" {
		outcome.Kind = OutcomeFailure
	}
	if !outcome.Succeeded() {
		if outcome.Err == nil {
			outcome.Err = errors.New(outcome.Message)
		}
		if outcome.Message == "" {
			outcome.Message = outcome.Err.Error()
		}
	}
	return outcome, o.clock.Now().Sub(start)
}

// wait sleeps for d unless the context is cancelled first.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-o.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) exhaust(ctx context.Context, result *Result, last Outcome) (*Result, error) {
	if o.diagnoser != nil {
		result.Report = o.diagnoser.Diagnose(ctx, result.Request, append([]Outcome(nil), result.History...))
	}
	o.finish(ctx, result, StateExhausted)

	o.logger.Error().
		Str("operation_id", result.Request.ID).
		Str("class", string(last.Class)).
		Int("attempts", result.Attempts).
		Msg("Operation exhausted")

	return result, &ExhaustedError{
		RequestID:      result.Request.ID,
		Target:         result.Request.Target.ID,
		Class:          last.Class,
		Attempts:       result.Attempts,
		Report:         result.Report,
		Recommendation: Recommendation(last.Class),
		Err:            last.Err,
	}
}

func (o *Orchestrator) cancel(ctx context.Context, result *Result, err error) (*Result, error) {
	// The parent context is done; record with a detached one.
	o.finish(context.WithoutCancel(ctx), result, StateCancelled)
	return result, NewCancelledError("operation cancelled", err).
		WithCode(ErrCodeCancelled).
		WithOperation(result.Request.ID).
		WithResource(result.Request.Target.ID)
}

func (o *Orchestrator) finish(ctx context.Context, result *Result, state State) *Result {
	result.State = state
	result.CompletedAt = o.clock.Now()

	if o.recorder != nil {
		if err := o.recorder.RecordResult(ctx, result); err != nil {
			o.logger.Warn().Err(err).Str("operation_id", result.Request.ID).Msg("Failed to record result")
		}
	}
	if o.observer != nil {
		o.observer.OnComplete(ctx, result)
	}
	return result
}

func (o *Orchestrator) record(ctx context.Context, req OperationRequest, outcome Outcome) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordAttempt(ctx, req, outcome); err != nil {
		o.logger.Warn().Err(err).Str("operation_id", req.ID).Msg("Failed to record attempt")
	}
}
