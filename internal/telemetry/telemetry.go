// Package telemetry exposes the OTEL metric instruments published by ato.
//
// Only the metric API is used, never the SDK: the embedding application owns
// the global meter provider, and when none is installed every instrument here
// is a no-op.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AppKey carries the application identity on every observation, so multiple
// tracers in one process produce distinct metric streams.
const AppKey = attribute.Key("ato.app")

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
