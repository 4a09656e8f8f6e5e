// Package telemetry sets up OpenTelemetry tracing and metrics for recalld.
//
// Spans are exported over OTLP (gRPC, or HTTP when the endpoint carries a
// scheme) to a collector. Vector store adapters, the keyword store and the
// retrieval engine start their spans from the global tracer provider this
// package installs:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Initialization failures degrade to no-op providers instead of failing
// startup; Health reports the reason.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
// Install swaps it in for the globals for the rest of the test:
//
//	tt := telemetry.NewTestTelemetry()
//	tt.Install(t)
//	// ... run a query ...
//	tt.AssertSpanAttribute(t, "retrieval.QueryVectorStore", "top_k", int64(5))
package telemetry
