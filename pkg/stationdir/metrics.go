package stationdir

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("stationbridge.stationdir")

var (
	metricRegistrations metric.Int64Counter
	metricThrottled     metric.Int64Counter
)

func init() {
	var err error

	metricRegistrations, err = meter.Int64Counter("stationbridge.stationdir.registrations",
		metric.WithDescription("Station register/heartbeat requests accepted"),
		metric.WithUnit("{requests}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricThrottled, err = meter.Int64Counter("stationbridge.stationdir.throttled",
		metric.WithDescription("Write requests rejected by the rate limiter"),
		metric.WithUnit("{requests}"))
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
