package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Mattiemus/Kynto2-sub011/transmit"
)

const TransmitCtlVersion = "0.0.1"

// message types of the demo protocol. Hello opens a session, Echo carries a
// payload the server sends back unchanged.
const (
	HelloMessageType = transmit.FirstApplicationMessageType
	EchoMessageType  = transmit.FirstApplicationMessageType + 1
)

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Transmit control.

Usage:
    transmitctl serve --bind=<bind>
        [--config=<config>]
        [--metrics=<metrics>]
    transmitctl send --to=<to>
        [--bind=<bind>]
        [--config=<config>]
        [--metrics=<metrics>]
        [--count=<count>]
        [--size=<size>]
        [--rate=<rate>]
        [--unguaranteed]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --bind=<bind>        Local udp bind address [default: 0.0.0.0:0].
    --to=<to>            Server host:port to send to.
    --config=<config>    Toml settings file (a [transmitter] table).
    --metrics=<metrics>  Serve prometheus metrics on this address.
    --count=<count>      Messages to send [default: 100].
    --size=<size>        Payload bytes per message [default: 512].
    --rate=<rate>        Messages per second [default: 100].
    --unguaranteed       Send payload messages without delivery guarantee.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TransmitCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	}
}

// serve accepts sessions and echoes every application message back on the
// session it arrived on.
func serve(opts docopt.Opts) {
	bind, _ := opts.String("--bind")

	settings := loadSettings(opts)
	settings.ConnectionRequestMessageTypes = []transmit.MessageType{HelloMessageType}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket, err := transmit.NewUdpSocket(bind)
	if err != nil {
		Err.Fatalf("bind %s: %s", bind, err)
	}
	transmitter := transmit.NewTransmitter(cancelCtx, socket, settings)
	if err := transmitter.Startup(); err != nil {
		Err.Fatalf("startup: %s", err)
	}
	defer transmitter.Shutdown()

	startMetrics(opts, transmitter)

	Out.Printf("serving on %s", transmitter.LocalEndpoint())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	sessions := []*transmit.Session{}
	for {
		select {
		case <-sigs:
			Out.Printf("%s", statsLine(transmitter.Stats()))
			return
		case <-ticker.C:
		}

		for {
			session := transmitter.AcceptPendingSession()
			if session == nil {
				break
			}
			Out.Printf("session %d joined from %s", session.OutgoingSessionId(), session.RemoteEndpoint())
			sessions = append(sessions, session)
		}

		live := sessions[:0]
		for _, session := range sessions {
			if session.State() == transmit.SessionStateDisconnected {
				stats := session.Stats()
				Out.Printf("session %d left (%d messages in, %d out)", session.OutgoingSessionId(), stats.MessagesReceived, stats.MessagesSent)
				continue
			}
			live = append(live, session)
			for {
				message := session.Receive()
				if message == nil {
					break
				}
				echo := transmit.NewMessage(EchoMessageType, message.Data, message.Guaranteed)
				if err := session.Send(echo); err != nil {
					Err.Printf("session %d echo: %s", session.OutgoingSessionId(), err)
					break
				}
			}
			for {
				// drain the control queue so it never pins its bound
				if session.ReceiveControlMessage() == nil {
					break
				}
			}
		}
		sessions = live
	}
}

// send opens a session, sends paced payload messages and waits for their
// echoes, then disconnects and prints a stats line.
func send(opts docopt.Opts) {
	bind, _ := opts.String("--bind")
	to, _ := opts.String("--to")
	count, err := opts.Int("--count")
	if err != nil {
		Err.Fatalf("count: %s", err)
	}
	size, err := opts.Int("--size")
	if err != nil {
		Err.Fatalf("size: %s", err)
	}
	messagesPerSecond, err := opts.Int("--rate")
	if err != nil || messagesPerSecond < 1 {
		Err.Fatalf("rate must be a positive integer")
	}
	unguaranteed, _ := opts.Bool("--unguaranteed")

	host, portStr, err := net.SplitHostPort(to)
	if err != nil {
		Err.Fatalf("to %s: %s", to, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		Err.Fatalf("to %s: %s", to, err)
	}

	settings := loadSettings(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket, err := transmit.NewUdpSocket(bind)
	if err != nil {
		Err.Fatalf("bind %s: %s", bind, err)
	}
	transmitter := transmit.NewTransmitter(cancelCtx, socket, settings)
	if err := transmitter.Startup(); err != nil {
		Err.Fatalf("startup: %s", err)
	}
	defer transmitter.Shutdown()

	startMetrics(opts, transmitter)

	session, err := transmitter.OpenSession(host, port)
	if err != nil {
		Err.Fatalf("open session: %s", err)
	}
	if err := session.Send(transmit.NewMessage(HelloMessageType, nil, true)); err != nil {
		Err.Fatalf("hello: %s", err)
	}
	if !waitForState(session, transmit.SessionStateConnected, 10*time.Second) {
		Err.Fatalf("session did not connect (%s)", session.State())
	}
	Out.Printf("connected to %s (session %d/%d)", session.RemoteEndpoint(), session.OutgoingSessionId(), session.IncomingSessionId())

	limiter := rate.NewLimiter(rate.Limit(messagesPerSecond), 1)
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	startTime := time.Now()
	sent := 0
	echoes := 0
	for sent < count {
		if err := limiter.Wait(cancelCtx); err != nil {
			break
		}
		message := transmit.NewMessage(EchoMessageType, payload, !unguaranteed)
		if err := session.Send(message); err != nil {
			if session.State() == transmit.SessionStateDisconnected {
				Err.Fatalf("session disconnected after %d messages", sent)
			}
			// send queue full. let the loops drain it.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		sent += 1
		echoes += drainEchoes(session)
	}

	deadline := time.Now().Add(10 * time.Second)
	for echoes < count && time.Now().Before(deadline) && session.State() == transmit.SessionStateConnected {
		time.Sleep(10 * time.Millisecond)
		echoes += drainEchoes(session)
	}

	session.Disconnect()
	waitForState(session, transmit.SessionStateDisconnected, time.Second)

	elapsed := time.Since(startTime)
	stats := transmitter.Stats()
	Out.Printf("sent %d messages (%d bytes each) in %s, %d echoes", sent, size, elapsed, echoes)
	Out.Printf("%s", statsLine(stats))
}

func drainEchoes(session *transmit.Session) int {
	echoes := 0
	for {
		message := session.Receive()
		if message == nil {
			return echoes
		}
		if message.Type == EchoMessageType {
			echoes += 1
		}
	}
}

func waitForState(session *transmit.Session, state transmit.SessionState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if session.State() == state {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return session.State() == state
}

func statsLine(stats transmit.TransmitterStats) string {
	return fmt.Sprintf(
		"packets %d/%d (resent %d) bytes %d/%d messages %d/%d (dropped %d) sessions %d",
		stats.PacketsSent, stats.PacketsReceived, stats.PacketsResent,
		stats.BytesSent, stats.BytesReceived,
		stats.MessagesSent, stats.MessagesReceived, stats.MessagesDropped,
		stats.SessionCount,
	)
}

// startMetrics serves prometheus metrics when --metrics is given.
func startMetrics(opts docopt.Opts, transmitter *transmit.Transmitter) {
	metricsAddress, err := opts.String("--metrics")
	if err != nil || metricsAddress == "" {
		return
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(transmit.NewMetricsCollector(transmitter))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddress, mux); err != nil {
			Err.Printf("metrics server: %s", err)
		}
	}()
	Out.Printf("metrics on http://%s/metrics", metricsAddress)
}

// settings file: a [transmitter] table where zero values keep the defaults.
//
//	[transmitter]
//	tick_interval = "10ms"
//	max_packet_size = 1400
//	session_timeout = "30s"
//	max_send_bytes_per_second = 8388608

type configFile struct {
	Transmitter transmitterConfig `toml:"transmitter"`
}

type transmitterConfig struct {
	TickInterval                    duration `toml:"tick_interval"`
	MaxPacketSize                   int      `toml:"max_packet_size"`
	MaxFrameDataSize                int      `toml:"max_frame_data_size"`
	AcknowledgeWaitTimeout          duration `toml:"acknowledge_wait_timeout"`
	MaxResendCount                  int      `toml:"max_resend_count"`
	IdleTimeout                     duration `toml:"idle_timeout"`
	SessionTimeout                  duration `toml:"session_timeout"`
	RateWindowDuration              duration `toml:"rate_window"`
	MaxSendBytesPerSecond           int64    `toml:"max_send_bytes_per_second"`
	MaxSessionSendBytesPerSecond    int64    `toml:"max_session_send_bytes_per_second"`
	MaxSessionReceiveBytesPerSecond int64    `toml:"max_session_receive_bytes_per_second"`
}

type duration struct {
	time.Duration
}

func (self *duration) UnmarshalText(text []byte) error {
	var err error
	self.Duration, err = time.ParseDuration(string(text))
	return err
}

func loadSettings(opts docopt.Opts) *transmit.TransmitterSettings {
	settings := transmit.DefaultTransmitterSettings()
	configPath, err := opts.String("--config")
	if err != nil || configPath == "" {
		return settings
	}
	var config configFile
	if _, err := toml.DecodeFile(configPath, &config); err != nil {
		Err.Fatalf("config %s: %s", configPath, err)
	}
	tc := config.Transmitter
	if 0 < tc.TickInterval.Duration {
		settings.TickInterval = tc.TickInterval.Duration
	}
	if 0 < tc.MaxPacketSize {
		settings.MaxPacketSize = tc.MaxPacketSize
	}
	if 0 < tc.MaxFrameDataSize {
		settings.MaxFrameDataSize = tc.MaxFrameDataSize
	}
	if 0 < tc.AcknowledgeWaitTimeout.Duration {
		settings.AcknowledgeWaitTimeout = tc.AcknowledgeWaitTimeout.Duration
	}
	if 0 < tc.MaxResendCount {
		settings.MaxResendCount = tc.MaxResendCount
	}
	if 0 < tc.IdleTimeout.Duration {
		settings.IdleTimeout = tc.IdleTimeout.Duration
	}
	if 0 < tc.SessionTimeout.Duration {
		settings.SessionTimeout = tc.SessionTimeout.Duration
	}
	if 0 < tc.RateWindowDuration.Duration {
		settings.RateWindowDuration = tc.RateWindowDuration.Duration
	}
	if 0 < tc.MaxSendBytesPerSecond {
		settings.MaxSendBytesPerSecond = tc.MaxSendBytesPerSecond
	}
	if 0 < tc.MaxSessionSendBytesPerSecond {
		settings.MaxSessionSendBytesPerSecond = tc.MaxSessionSendBytesPerSecond
	}
	if 0 < tc.MaxSessionReceiveBytesPerSecond {
		settings.MaxSessionReceiveBytesPerSecond = tc.MaxSessionReceiveBytesPerSecond
	}
	return settings
}
