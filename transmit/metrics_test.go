package transmit

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := newTestNetwork()
	transmitter := NewTransmitter(ctx, network.socket("10.0.0.1:9000"), testTransmitterSettings())
	assert.Equal(t, transmitter.Startup(), nil)
	defer transmitter.Shutdown()

	_, err := transmitter.OpenSession("10.0.0.2", 9001)
	assert.Equal(t, err, nil)

	// the pedantic registry validates every metric against its descriptor
	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(NewMetricsCollector(transmitter))

	families, err := registry.Gather()
	assert.Equal(t, err, nil)

	values := map[string]float64{}
	for _, family := range families {
		assert.Equal(t, len(family.GetMetric()), 1)
		metric := family.GetMetric()[0]
		if metric.GetCounter() != nil {
			values[family.GetName()] = metric.GetCounter().GetValue()
		} else {
			values[family.GetName()] = metric.GetGauge().GetValue()
		}
		// every metric carries the transmitter's instance id
		assert.Equal(t, len(metric.GetLabel()), 1)
		assert.Equal(t, metric.GetLabel()[0].GetName(), "instance_id")
		assert.Equal(t, metric.GetLabel()[0].GetValue(), transmitter.InstanceId().String())
	}

	expected := []string{
		"transmit_bytes_sent_total",
		"transmit_bytes_received_total",
		"transmit_packets_sent_total",
		"transmit_packets_received_total",
		"transmit_packets_resent_total",
		"transmit_messages_sent_total",
		"transmit_messages_received_total",
		"transmit_messages_dropped_total",
		"transmit_sessions_opened_total",
		"transmit_sessions_accepted_total",
		"transmit_sessions_expired_total",
		"transmit_sessions",
		"transmit_pending_accept_sessions",
		"transmit_send_rate_bytes_per_second",
		"transmit_receive_rate_bytes_per_second",
	}
	assert.Equal(t, len(values), len(expected))
	for _, name := range expected {
		_, ok := values[name]
		assert.Equal(t, ok, true)
	}

	assert.Equal(t, values["transmit_sessions_opened_total"], float64(1))
	assert.Equal(t, values["transmit_sessions"], float64(1))
	assert.Equal(t, values["transmit_pending_accept_sessions"], float64(0))
}
