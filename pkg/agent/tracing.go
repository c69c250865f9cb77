package agent

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// spanOpts are the attributes every agent span carries. The tracer is a
// no-op unless the embedder installs a tracer provider.
func spanOpts(sessionID, model string) []trace.SpanStartOption {
	return []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("model.id", model),
		),
	}
}
