package transmit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exposes a transmitter's counters to prometheus. Metrics
// are read from the transmitter on every scrape, so the collector carries no
// state of its own. The application registers it; the library never starts a
// metrics server.
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(transmit.NewMetricsCollector(transmitter))
type MetricsCollector struct {
	transmitter *Transmitter

	bytesSent        *prometheus.Desc
	bytesReceived    *prometheus.Desc
	packetsSent      *prometheus.Desc
	packetsReceived  *prometheus.Desc
	packetsResent    *prometheus.Desc
	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	messagesDropped  *prometheus.Desc
	sessionsOpened   *prometheus.Desc
	sessionsAccepted *prometheus.Desc
	sessionsExpired  *prometheus.Desc
	sessions         *prometheus.Desc
	pendingAccepts   *prometheus.Desc
	sendRate         *prometheus.Desc
	receiveRate      *prometheus.Desc
}

func NewMetricsCollector(transmitter *Transmitter) *MetricsCollector {
	labels := prometheus.Labels{
		"instance_id": transmitter.InstanceId().String(),
	}
	desc := func(name string, help string) *prometheus.Desc {
		return prometheus.NewDesc("transmit_"+name, help, nil, labels)
	}
	return &MetricsCollector{
		transmitter:      transmitter,
		bytesSent:        desc("bytes_sent_total", "Bytes handed to the socket."),
		bytesReceived:    desc("bytes_received_total", "Bytes received from the socket."),
		packetsSent:      desc("packets_sent_total", "Packets handed to the socket, including resends."),
		packetsReceived:  desc("packets_received_total", "Packets received from the socket, including duplicates."),
		packetsResent:    desc("packets_resent_total", "Guaranteed packets retransmitted."),
		messagesSent:     desc("messages_sent_total", "Messages fully sent (guaranteed: fully acknowledged)."),
		messagesReceived: desc("messages_received_total", "Application messages reassembled and queued."),
		messagesDropped:  desc("messages_dropped_total", "Messages dropped by rate shedding or queue overflow."),
		sessionsOpened:   desc("sessions_opened_total", "Outbound sessions opened."),
		sessionsAccepted: desc("sessions_accepted_total", "Inbound sessions created."),
		sessionsExpired:  desc("sessions_expired_total", "Sessions failed by timeout or resend exhaustion."),
		sessions:         desc("sessions", "Live sessions."),
		pendingAccepts:   desc("pending_accept_sessions", "Inbound sessions waiting to be accepted."),
		sendRate:         desc("send_rate_bytes_per_second", "Send rate over the last rate window."),
		receiveRate:      desc("receive_rate_bytes_per_second", "Receive rate over the last rate window."),
	}
}

func (self *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- self.bytesSent
	ch <- self.bytesReceived
	ch <- self.packetsSent
	ch <- self.packetsReceived
	ch <- self.packetsResent
	ch <- self.messagesSent
	ch <- self.messagesReceived
	ch <- self.messagesDropped
	ch <- self.sessionsOpened
	ch <- self.sessionsAccepted
	ch <- self.sessionsExpired
	ch <- self.sessions
	ch <- self.pendingAccepts
	ch <- self.sendRate
	ch <- self.receiveRate
}

func (self *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := self.transmitter.Stats()
	ch <- prometheus.MustNewConstMetric(self.bytesSent, prometheus.CounterValue, float64(stats.BytesSent))
	ch <- prometheus.MustNewConstMetric(self.bytesReceived, prometheus.CounterValue, float64(stats.BytesReceived))
	ch <- prometheus.MustNewConstMetric(self.packetsSent, prometheus.CounterValue, float64(stats.PacketsSent))
	ch <- prometheus.MustNewConstMetric(self.packetsReceived, prometheus.CounterValue, float64(stats.PacketsReceived))
	ch <- prometheus.MustNewConstMetric(self.packetsResent, prometheus.CounterValue, float64(stats.PacketsResent))
	ch <- prometheus.MustNewConstMetric(self.messagesSent, prometheus.CounterValue, float64(stats.MessagesSent))
	ch <- prometheus.MustNewConstMetric(self.messagesReceived, prometheus.CounterValue, float64(stats.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(self.messagesDropped, prometheus.CounterValue, float64(stats.MessagesDropped))
	ch <- prometheus.MustNewConstMetric(self.sessionsOpened, prometheus.CounterValue, float64(stats.SessionsOpened))
	ch <- prometheus.MustNewConstMetric(self.sessionsAccepted, prometheus.CounterValue, float64(stats.SessionsAccepted))
	ch <- prometheus.MustNewConstMetric(self.sessionsExpired, prometheus.CounterValue, float64(stats.SessionsExpired))
	ch <- prometheus.MustNewConstMetric(self.sessions, prometheus.GaugeValue, float64(stats.SessionCount))
	ch <- prometheus.MustNewConstMetric(self.pendingAccepts, prometheus.GaugeValue, float64(stats.PendingAcceptCount))
	ch <- prometheus.MustNewConstMetric(self.sendRate, prometheus.GaugeValue, float64(stats.SendRate))
	ch <- prometheus.MustNewConstMetric(self.receiveRate, prometheus.GaugeValue, float64(stats.ReceiveRate))
}
