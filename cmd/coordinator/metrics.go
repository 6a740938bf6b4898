package main

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// newMeter builds a process-local MeterProvider with no reader or
// exporter attached, so the LoadIndex's gauge callbacks are registered
// but their values are never collected or sent off-process. Registering it as the global provider lets
// any other package pick up the same instrumentation scope via
// otel.Meter without needing the Coordinator threaded through it.
func newMeter() metric.Meter {
	res := resource.NewSchemaless(resource.Default().Attributes()...)
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)
	return provider.Meter("swarmguard/coordinator")
}
