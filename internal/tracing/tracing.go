// Package tracing wraps the otel tracer used around Connect and Publish
// handling, in the style chenquan-lighthouse's server package pulls its
// tracer from the global provider (go.opentelemetry.io/otel).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pyr33x/goqtt"

// Tracer returns the broker's tracer, sourced from whatever
// TracerProvider the host process has installed (a no-op provider by
// default, same as upstream otel behavior when nothing is configured).
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// StartConnect starts a span around a single Connect handshake.
func StartConnect(ctx context.Context, clientID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mqtt.connect", trace.WithAttributes(
		attribute.String("mqtt.client_id", clientID),
	))
}

// StartPublish starts a span around a single Publish fan-out.
func StartPublish(ctx context.Context, clientID, topic string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mqtt.publish", trace.WithAttributes(
		attribute.String("mqtt.client_id", clientID),
		attribute.String("mqtt.topic", topic),
	))
}
