// Package interceptors provides the handler pipeline run around every producer send.
//
// A Pipeline is an ordered set of uniquely named handlers. Each send takes a
// Snapshot of the pipeline, runs PreHandle on every handler in order, performs
// the send, then runs PostHandle in reverse order on the handlers that were
// entered. A failing PreHandle aborts the send; handlers already entered still
// see PostHandle with the error.
//
// Built-in handlers:
//   - LoggingHandler: logs each send and its outcome with slog
//   - MetricsHandler: Prometheus counters, latency histogram and in-flight gauge
//   - TracingHandler: OpenTelemetry producer span, trace context injected into properties
//   - ValidationHandler: rejects messages refused by a validator
//   - PropertyHandler: stamps fixed properties onto outgoing messages
//
// Example usage:
//
//	pipeline := interceptors.NewPipeline(logger)
//	_ = pipeline.AddLast("logging", interceptors.NewLoggingHandler(logger))
//	_ = pipeline.Add(0, "validation", interceptors.NewValidationHandler(interceptors.MaxBodySize(1<<20)))
//
//	chain := pipeline.Snapshot()
//	entered, err := chain.PreHandle(inv)
//	// ... send ...
//	chain.PostHandle(inv, entered)
package interceptors
