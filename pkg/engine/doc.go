// Package engine provides the core types and the retry state machine of hubctl.
//
// # Overview
//
// hubctl applies idempotent mutations to FinOps hub resources right after
// they were provisioned, when role assignments and network rules may not
// have propagated yet. Each mutation runs through a fixed loop:
//
//  1. Execute - one attempt of the mutation (Mutator)
//  2. Classify - map the raw error to a FailureClass (Classifier)
//  3. Retry or stop - ask the RetryPolicy for the next wait
//  4. Diagnose - on exhaustion, run a read-only sweep (Diagnoser)
//
// # Core Domain Types
//
//   - OperationRequest: an immutable description of one mutation
//   - Outcome: the result of a single attempt
//   - FailureClass: transient_auth, transient_network, permission_denied,
//     quota_exceeded, resource_not_found or unknown
//   - Result: the terminal record of a request, with its full history
//   - DiagnosticReport: ordered checks with an overall verdict
//
// # State Machine
//
//	Attempting -> Succeeded
//	Attempting -> Retrying -> Attempting
//	Attempting -> Exhausted (diagnose once)
//	any        -> Cancelled (context done)
//
// Only transient_auth and transient_network are retried. Every other class
// exhausts the request on the attempt that produced it.
//
// # Error Classification
//
// Engine-level errors use EngineError with an ErrorClass and a code:
//
//	if IsCancelled(err) {
//	    // The caller gave up; nothing was diagnosed.
//	}
//
// Exhaustion is reported as *ExhaustedError, which carries the report and a
// recommendation for the last failure class.
//
// # Example Usage
//
//	orch := engine.NewOrchestrator(mutator, nil, nil, reporter,
//	    engine.WithLogger(log.Logger))
//	res, err := orch.Run(ctx, req)
//	var exhausted *engine.ExhaustedError
//	if errors.As(err, &exhausted) {
//	    fmt.Println(exhausted.Recommendation)
//	}
//
// # Thread Safety
//
// Orchestrator and Pool are safe for concurrent use as long as the Mutator,
// Probe and recorders they are given are. A single request is never
// processed concurrently with itself.
package engine
