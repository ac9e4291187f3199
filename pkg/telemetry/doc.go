// Package telemetry provides observability instrumentation for hubctl.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing.
//
// # Usage
//
// Initialize telemetry at startup and hand the observer to the orchestrator:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch := engine.NewOrchestrator(mutator, classifier, policy, diagnoser,
//	    engine.WithObserver(telemetry.NewObserver(tel)),
//	)
//
// Probes can be wrapped so every read is traced and counted:
//
//	probe = telemetry.InstrumentProbe(probe, tel)
//
// # Tracing
//
// Each CLI command opens a "hubctl.<command>" root span (StartCommand).
// Each operation gets an "operation.run" span beneath it. Attempts are child spans
// named "attempt.N" and scheduled waits are span events. Probe calls get
// "probe.<Name>" spans. Exporters are stdout and OTLP over gRPC; tracing is
// off by default.
//
// # Metrics
//
// All metrics live in a private registry under the "hubctl" namespace:
//
//   - operations_started_total, operations_completed_total{state}
//   - operation_duration_seconds, active_operations
//   - attempts_total{outcome,class}, attempt_duration_seconds
//   - retry_wait_seconds{class}
//   - diagnostic_checks_total{check,verdict}
//   - probe_calls_total, probe_errors_total, probe_call_duration_seconds
//   - policy_violations_total{policy,severity}
//
// Set metrics.listen_address to serve them over HTTP.
//
// # Events
//
// The publisher emits operation.started, attempt.failed, retry.scheduled,
// operation.succeeded, operation.exhausted, operation.cancelled and
// policy.violation. PersistTo subscribes a history store to the stream.
package telemetry
