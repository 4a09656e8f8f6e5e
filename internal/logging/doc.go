// Package logging wraps zap with the conventions recalld services share.
//
// Loggers write JSON or console output to stdout and, when an OpenTelemetry
// LoggerProvider is supplied, to the OTEL log pipeline through otelzap.
// Context-aware methods pull trace ids, the request id and the active
// partition (namespace and tenant) out of the context:
//
//	ctx = logging.WithPartition(ctx, "docs", "acme")
//	logger.Info(ctx, "query served", zap.Int("results", n))
//
// produces
//
//	{"level":"info","msg":"query served","trace_id":"...","namespace":"docs","tenant":"acme","results":5}
//
// Keys listed in RedactionConfig.Fields and values matching its patterns are
// replaced before encoding. config.Secret values should be logged with the
// Secret helper so only their length is recorded.
//
// The level is held in a zap.AtomicLevel and can be changed at runtime with
// SetLevel; the config watcher uses this to apply log level edits without a
// restart.
//
// Errors and above are never sampled.
package logging
