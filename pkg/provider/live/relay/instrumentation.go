package relay

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/umindsales/magus/pkg/provider/live/relay"

// tracer resolves against the current global tracer provider.
func tracer() trace.Tracer { return otel.Tracer(scopeName) }
