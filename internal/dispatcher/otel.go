package dispatcher

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/scenestream/internal/dispatcher"

// meterOrGlobal falls back to the global meter provider, which is a no-op
// until one is installed.
func meterOrGlobal(m metric.Meter) metric.Meter {
	if m != nil {
		return m
	}
	return otel.Meter(instrumentationName)
}
