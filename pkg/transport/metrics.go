package transport

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the transport package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("stationbridge.transport")

	metricConnsActive      metric.Int64UpDownCounter
	metricMessagesSent     metric.Int64Counter
	metricMessagesReceived metric.Int64Counter
	metricSendErrors       metric.Int64Counter
	metricReceiveErrors    metric.Int64Counter
	metricDialDurMs        metric.Float64Histogram
)

func init() {
	var err error

	metricConnsActive, err = meter.Int64UpDownCounter("stationbridge.connections.active",
		metric.WithDescription("Open peer connections, identified or provisional"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricMessagesSent, err = meter.Int64Counter("stationbridge.messages.sent",
		metric.WithDescription("Bridge envelopes sent to peers"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricMessagesReceived, err = meter.Int64Counter("stationbridge.messages.received",
		metric.WithDescription("Bridge envelopes received from peers"),
		metric.WithUnit("{messages}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricSendErrors, err = meter.Int64Counter("stationbridge.errors.send",
		metric.WithDescription("Failed send attempts, counted per attempt"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricReceiveErrors, err = meter.Int64Counter("stationbridge.errors.receive",
		metric.WithDescription("Envelopes rejected during decode or validation"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricDialDurMs, err = meter.Float64Histogram("stationbridge.dial.duration_ms",
		metric.WithDescription("Time spent establishing outbound peer connections"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
