// Package telemetry sets up OpenTelemetry tracing and metrics for flowstate.
//
// Spans are emitted by the orchestrator (orchestrator.HandleMessage,
// orchestrator.executeStage), the router (router.Route) and the session
// manager. HTTP request counters and latency histograms go through the global
// meter.
//
// Telemetry never fails the daemon. Exporter setup errors are reported by
// Check, which backs the "telemetry" entry of /health, and the global no-op
// providers stay in place.
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	otel.SetTracerProvider(tt.TracerProvider())
//	...
//	tt.AssertSpanExists(t, "orchestrator.HandleMessage")
package telemetry
