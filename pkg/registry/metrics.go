package registry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("stationbridge.registry")

var (
	metricNodes     metric.Int64UpDownCounter
	metricConflicts metric.Int64Counter
)

func init() {
	var err error

	metricNodes, err = meter.Int64UpDownCounter("stationbridge.registry.nodes",
		metric.WithDescription("Live node rows in the registry"),
		metric.WithUnit("{nodes}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricConflicts, err = meter.Int64Counter("stationbridge.registry.conflicts",
		metric.WithDescription("Node id conflicts resolved"),
		metric.WithUnit("{conflicts}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
