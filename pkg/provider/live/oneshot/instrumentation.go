package oneshot

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/umindsales/magus/pkg/provider/live/oneshot"

// tracer resolves against the current global tracer provider.
func tracer() trace.Tracer { return otel.Tracer(scopeName) }
