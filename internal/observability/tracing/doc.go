// Package tracing installs the OpenTelemetry tracer provider used for agent
// run spans. With no endpoint configured the global no-op provider stays in
// place and spans cost nothing.
package tracing
