package relay

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("stationbridge.relay")

var (
	metricForwarded  metric.Int64Counter
	metricEchoes     metric.Int64Counter
	metricDuplicates metric.Int64Counter
)

func init() {
	var err error

	metricForwarded, err = meter.Int64Counter("stationbridge.relay.forwarded",
		metric.WithDescription("Messages relayed to another node or station"),
		metric.WithUnit("{messages}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricEchoes, err = meter.Int64Counter("stationbridge.relay.echoes",
		metric.WithDescription("Packets answered with an echo"),
		metric.WithUnit("{messages}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricDuplicates, err = meter.Int64Counter("stationbridge.relay.duplicates",
		metric.WithDescription("Inbound relay messages dropped as duplicates"),
		metric.WithUnit("{messages}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
