// Package observe provides observability primitives for the messenger core.
//
// It bundles a JSON structured logger, OpenTelemetry tracing and metrics, and
// a small middleware that wraps backend operations with all three. It does no
// I/O of its own beyond exporter setup; the cache, session resolver, message
// pipeline and gateway adapters receive a Logger, Metrics or Middleware from
// the application root.
package observe
