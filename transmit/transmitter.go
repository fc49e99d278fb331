package transmit

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// TransmitterSettings are the protocol knobs. Zero rate limits mean
// unlimited. `ConnectionRequestMessageTypes` lists the application message
// types allowed to open an inbound session; a transmitter with none
// configured never accepts sessions.
type TransmitterSettings struct {
	// send/housekeeping loop period
	TickInterval time.Duration
	// maximum encoded datagram size
	MaxPacketSize int
	// maximum frame payload size, at most MaxFrameData
	MaxFrameDataSize int
	// resend deadline for unacknowledged guaranteed packets
	AcknowledgeWaitTimeout time.Duration
	// resends of one packet before the session is presumed dead
	MaxResendCount int
	// send-idle threshold that triggers a keepalive
	IdleTimeout time.Duration
	// inbound-silence / connect deadline that fails the session
	SessionTimeout time.Duration
	// rate measurement window
	RateWindowDuration time.Duration

	MaxSendBytesPerSecond           ByteCount
	MaxSessionSendBytesPerSecond    ByteCount
	MaxSessionReceiveBytesPerSecond ByteCount
	// unguaranteed messages dropped per shed when a send rate is exceeded
	RateShedMessageCount int

	SendQueueMaxCount     int
	ReceiveQueueMaxCount  int
	ControlQueueMaxCount  int
	PendingAcceptMaxCount int
	// in-flight inbound reassembly entries per session
	ReassemblyMaxCount int
	// duplicate packet id detection window per session
	RecencyWindowSize int

	ReceiveBufferSize int
	// single channel stub. carried on the wire, not used for ordering.
	ChannelId uint32

	ConnectionRequestMessageTypes []MessageType
}

func DefaultTransmitterSettings() *TransmitterSettings {
	return &TransmitterSettings{
		TickInterval:                    10 * time.Millisecond,
		MaxPacketSize:                   1400,
		MaxFrameDataSize:                MaxFrameData,
		AcknowledgeWaitTimeout:          500 * time.Millisecond,
		MaxResendCount:                  10,
		IdleTimeout:                     10 * time.Second,
		SessionTimeout:                  30 * time.Second,
		RateWindowDuration:              200 * time.Millisecond,
		MaxSendBytesPerSecond:           mib(8),
		MaxSessionSendBytesPerSecond:    mib(1),
		MaxSessionReceiveBytesPerSecond: mib(1),
		RateShedMessageCount:            16,
		SendQueueMaxCount:               1024,
		ReceiveQueueMaxCount:            1024,
		ControlQueueMaxCount:            256,
		PendingAcceptMaxCount:           64,
		ReassemblyMaxCount:              1024,
		RecencyWindowSize:               1024,
		ReceiveBufferSize:               int(kib(64)),
		ChannelId:                       0,
	}
}

// validate panics on settings that would wedge the loops, which is a caller
// error at construction time.
func (self *TransmitterSettings) validate() {
	if self.TickInterval <= 0 {
		panic(fmt.Errorf("TickInterval must be positive (%s).", self.TickInterval))
	}
	// an acknowledge carrying one packet id must fit one frame
	if self.MaxFrameDataSize < 8 || MaxFrameData < self.MaxFrameDataSize {
		panic(fmt.Errorf("MaxFrameDataSize must be in [8, %d] (%d).", MaxFrameData, self.MaxFrameDataSize))
	}
	// every frame must fit an empty packet or assembly never progresses
	if self.MaxPacketSize < packetHeaderSize+frameHeaderSize+self.MaxFrameDataSize {
		panic(fmt.Errorf("MaxPacketSize %d cannot carry one full frame (%d).", self.MaxPacketSize, packetHeaderSize+frameHeaderSize+self.MaxFrameDataSize))
	}
	if self.ReceiveBufferSize < self.MaxPacketSize {
		panic(fmt.Errorf("ReceiveBufferSize %d is smaller than MaxPacketSize %d.", self.ReceiveBufferSize, self.MaxPacketSize))
	}
}

// TransmitterStats is a read-only snapshot of the process-wide counters.
// Bytes and packets are metered at the socket. Message counters aggregate
// the live sessions plus every session already removed.
type TransmitterStats struct {
	BytesSent        ByteCount
	BytesReceived    ByteCount
	PacketsSent      int64
	PacketsReceived  int64
	PacketsResent    int64
	MessagesSent     int64
	MessagesReceived int64
	MessagesDropped  int64

	SessionsOpened   int64
	SessionsAccepted int64
	SessionsExpired  int64

	SessionCount       int
	PendingAcceptCount int

	SendRate    ByteCount
	ReceiveRate ByteCount
}

// sessionKey identifies an inbound packet source: the remote endpoint plus
// the session id the peer stamps on its packets, which is this side's
// incoming session id.
type sessionKey struct {
	endpoint          netip.AddrPort
	incomingSessionId uint32
}

// Transmitter is the process-wide coordinator. It owns the datagram socket
// and the session tables, and runs two loops: a receive loop blocking on the
// socket, and a send/housekeeping loop on a fixed tick. Each tick drains
// control messages, retransmits overdue guaranteed packets, assembles and
// sends one packet per session under the rate caps, and then times out and
// removes dead sessions.
//
// Every live session is registered by its outgoing id. Once its incoming id
// is known it is additionally registered by (endpoint, incoming id), the key
// inbound packets resolve against.
type Transmitter struct {
	ctx    context.Context
	cancel context.CancelFunc

	instanceId Id
	socket     DatagramSocket
	settings   *TransmitterSettings

	sessionsLock         sync.Mutex
	sessionsByOutgoingId map[uint32]*Session
	sessionsByKey        map[sessionKey]*Session
	// inbound sessions not yet handed to the application
	pendingAccepts []*Session
	// first packet id -> outbound session awaiting its handshake acknowledgment
	pendingConnects map[uint32]*Session
	nextSessionId   uint32
	running         bool

	sessionsOpened   int64
	sessionsAccepted int64
	sessionsExpired  int64
	// counters folded in from removed sessions
	retiredPacketsResent    int64
	retiredMessagesSent     int64
	retiredMessagesReceived int64
	retiredMessagesDropped  int64

	// owned by the send loop
	nextPacketId uint32

	sendRateWindow    *RateWindow
	receiveRateWindow *RateWindow

	loops sync.WaitGroup
}

func NewTransmitter(ctx context.Context, socket DatagramSocket, settings *TransmitterSettings) *Transmitter {
	settings.validate()
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transmitter{
		ctx:                  cancelCtx,
		cancel:               cancel,
		instanceId:           NewId(),
		socket:               socket,
		settings:             settings,
		sessionsByOutgoingId: map[uint32]*Session{},
		sessionsByKey:        map[sessionKey]*Session{},
		pendingAccepts:       []*Session{},
		pendingConnects:      map[uint32]*Session{},
		nextSessionId:        1,
		nextPacketId:         1,
		sendRateWindow:       NewRateWindow(settings.RateWindowDuration),
		receiveRateWindow:    NewRateWindow(settings.RateWindowDuration),
	}
}

func (self *Transmitter) InstanceId() Id {
	return self.instanceId
}

func (self *Transmitter) LocalEndpoint() netip.AddrPort {
	return self.socket.LocalEndpoint()
}

// Startup starts the receive and send/housekeeping loops.
func (self *Transmitter) Startup() error {
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	if self.running {
		return fmt.Errorf("Transmitter is already started.")
	}
	if self.ctx.Err() != nil {
		return fmt.Errorf("Transmitter is shut down.")
	}
	self.running = true
	self.loops.Add(2)
	go self.receiveLoop()
	go self.sendLoop()
	glog.Infof("[tx]%s startup on %s\n", self.instanceId, self.socket.LocalEndpoint())
	return nil
}

// Shutdown stops both loops and joins them. Closing the socket unblocks the
// receive loop. Packets in flight are abandoned; peers clean the sessions up
// by timeout.
func (self *Transmitter) Shutdown() {
	self.cancel()
	self.socket.Close()
	self.loops.Wait()
	glog.Infof("[tx]%s shutdown\n", self.instanceId)
}

// OpenSession creates an outbound session to host:port. The session starts
// Connecting; the handshake completes only through the acknowledgment of its
// first packet, so the first message the application sends must be a
// guaranteed connection request the peer is configured to accept.
func (self *Transmitter) OpenSession(host string, port int) (*Session, error) {
	endpoint, err := self.socket.Resolve(host, port)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	if !self.running || self.ctx.Err() != nil {
		return nil, fmt.Errorf("Transmitter is not running.")
	}
	outgoingSessionId := self.nextSessionId
	self.nextSessionId += 1
	session := newSession(self.settings, outgoingSessionId, 0, endpoint, false, now)
	self.sessionsByOutgoingId[outgoingSessionId] = session
	self.sessionsOpened += 1
	glog.V(1).Infof("[tx]%s session %d opened to %s\n", self.instanceId, outgoingSessionId, endpoint)
	return session, nil
}

// AcceptPendingSession returns the oldest inbound session not yet accepted,
// or nil when none is pending.
func (self *Transmitter) AcceptPendingSession() *Session {
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	if len(self.pendingAccepts) == 0 {
		return nil
	}
	session := self.pendingAccepts[0]
	self.pendingAccepts[0] = nil
	self.pendingAccepts = self.pendingAccepts[1:]
	return session
}

func (self *Transmitter) Stats() TransmitterStats {
	now := time.Now()
	self.sessionsLock.Lock()
	sessions := maps.Values(self.sessionsByOutgoingId)
	stats := TransmitterStats{
		PacketsResent:      self.retiredPacketsResent,
		MessagesSent:       self.retiredMessagesSent,
		MessagesReceived:   self.retiredMessagesReceived,
		MessagesDropped:    self.retiredMessagesDropped,
		SessionsOpened:     self.sessionsOpened,
		SessionsAccepted:   self.sessionsAccepted,
		SessionsExpired:    self.sessionsExpired,
		SessionCount:       len(self.sessionsByOutgoingId),
		PendingAcceptCount: len(self.pendingAccepts),
	}
	self.sessionsLock.Unlock()
	for _, session := range sessions {
		sessionStats := session.Stats()
		stats.PacketsResent += sessionStats.PacketsResent
		stats.MessagesSent += sessionStats.MessagesSent
		stats.MessagesReceived += sessionStats.MessagesReceived
		stats.MessagesDropped += sessionStats.MessagesDropped
	}
	stats.BytesSent = self.sendRateWindow.TotalByteCount()
	stats.PacketsSent = self.sendRateWindow.TotalCount()
	stats.BytesReceived = self.receiveRateWindow.TotalByteCount()
	stats.PacketsReceived = self.receiveRateWindow.TotalCount()
	stats.SendRate = self.sendRateWindow.Rate(now)
	stats.ReceiveRate = self.receiveRateWindow.Rate(now)
	return stats
}

// receiveLoop blocks on the socket and routes each datagram. Per-iteration
// faults are logged and the loop continues; only shutdown (or a dead socket)
// ends it.
func (self *Transmitter) receiveLoop() {
	defer self.loops.Done()
	buffer := make([]byte, self.settings.ReceiveBufferSize)
	for self.ctx.Err() == nil {
		HandleError(func() {
			n, endpoint, err := self.socket.ReceiveFrom(buffer)
			if err != nil {
				if self.ctx.Err() != nil || IsDoneError(err) {
					// the socket is gone. wind the transmitter down.
					self.cancel()
					return
				}
				glog.Infof("[tx]%s receive -> error = %s\n", self.instanceId, err)
				return
			}
			now := time.Now()
			self.receiveRateWindow.Add(ByteCount(n), now)
			packet, err := DecodePacket(buffer[:n])
			if err != nil {
				glog.V(1).Infof("[tx]%s drop malformed datagram from %s -> %s\n", self.instanceId, endpoint, err)
				return
			}
			self.receivePacket(packet, ByteCount(n), endpoint, now)
		})
	}
}

func (self *Transmitter) receivePacket(packet *Packet, size ByteCount, endpoint netip.AddrPort, now time.Time) {
	session := self.resolveSession(packet, endpoint, now)
	if session == nil {
		glog.V(1).Infof("[tx]%s drop packet %d from %s: no session\n", self.instanceId, packet.PacketId, endpoint)
		return
	}
	completed := session.receivePacket(packet, size, now)
	for _, message := range completed {
		if message.Control {
			self.processControlMessage(session, message)
			session.enqueueControl(message)
		} else {
			session.enqueueReceive(message)
		}
	}
}

// resolveSession maps an inbound packet to its session. A known
// (endpoint, session id) key resolves directly. An unknown key is either the
// acknowledgment completing an outbound handshake, or first contact from a
// new peer, or noise to drop.
func (self *Transmitter) resolveSession(packet *Packet, endpoint netip.AddrPort, now time.Time) *Session {
	if packet.SessionId == 0 {
		// 0 is the unassigned sentinel in the session tables. conformant
		// transmitters stamp ids starting at 1.
		return nil
	}
	key := sessionKey{endpoint: endpoint, incomingSessionId: packet.SessionId}
	self.sessionsLock.Lock()
	session, ok := self.sessionsByKey[key]
	self.sessionsLock.Unlock()
	if ok {
		return session
	}
	if session := self.completePendingConnect(packet, key, now); session != nil {
		return session
	}
	return self.createInboundSession(packet, key, now)
}

// completePendingConnect finishes an outbound handshake: an Acknowledge
// naming a Connecting session's first packet id supplies that session's
// incoming id, which is the id the peer stamped on this packet.
func (self *Transmitter) completePendingConnect(packet *Packet, key sessionKey, now time.Time) *Session {
	var ackIds []uint32
	for _, frame := range packet.Frames {
		// the handshake acknowledgment always fits one frame
		if frame.MessageType != MessageTypeAcknowledge || frame.FrameCount != 1 {
			continue
		}
		packetIds, err := decodeAcknowledgePayload(frame.Data)
		if err != nil {
			continue
		}
		ackIds = append(ackIds, packetIds...)
	}
	if len(ackIds) == 0 {
		return nil
	}
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	for _, packetId := range ackIds {
		session, ok := self.pendingConnects[packetId]
		if !ok {
			continue
		}
		if session.RemoteEndpoint() != key.endpoint {
			continue
		}
		delete(self.pendingConnects, packetId)
		self.sessionsByKey[key] = session
		session.completeHandshake(key.incomingSessionId, now)
		glog.V(1).Infof("[tx]%s session %d connected to %s (incoming id %d)\n", self.instanceId, session.outgoingSessionId, key.endpoint, key.incomingSessionId)
		return session
	}
	return nil
}

// createInboundSession creates a session for first contact whose first frame
// is a connection request type. Lookup-or-create is atomic under the
// sessions lock so duplicate first packets resolve to one session.
func (self *Transmitter) createInboundSession(packet *Packet, key sessionKey, now time.Time) *Session {
	if len(packet.Frames) == 0 {
		return nil
	}
	if !self.isConnectionRequest(packet.Frames[0].MessageType) {
		return nil
	}
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	if session, ok := self.sessionsByKey[key]; ok {
		return session
	}
	outgoingSessionId := self.nextSessionId
	self.nextSessionId += 1
	session := newSession(self.settings, outgoingSessionId, key.incomingSessionId, key.endpoint, true, now)
	self.sessionsByOutgoingId[outgoingSessionId] = session
	self.sessionsByKey[key] = session
	if self.settings.PendingAcceptMaxCount <= len(self.pendingAccepts) {
		oldest := self.pendingAccepts[0]
		self.pendingAccepts[0] = nil
		self.pendingAccepts = self.pendingAccepts[1:]
		oldest.fail()
		glog.Warningf("[tx]%s pending accept queue full, dropped session %d\n", self.instanceId, oldest.outgoingSessionId)
	}
	self.pendingAccepts = append(self.pendingAccepts, session)
	self.sessionsAccepted += 1
	glog.V(1).Infof("[tx]%s session %d accepted from %s (incoming id %d)\n", self.instanceId, outgoingSessionId, key.endpoint, key.incomingSessionId)
	return session
}

func (self *Transmitter) isConnectionRequest(messageType MessageType) bool {
	for _, connectionRequestType := range self.settings.ConnectionRequestMessageTypes {
		if messageType == connectionRequestType {
			return true
		}
	}
	return false
}

// processControlMessage applies one completed inbound control message.
// Malformed payloads are dropped. An unknown control code is a wire/logic
// inconsistency and fails fast; the loop guard logs it and keeps the loop
// alive.
func (self *Transmitter) processControlMessage(session *Session, message *Message) {
	switch message.Type {
	case MessageTypeAcknowledge:
		packetIds, err := decodeAcknowledgePayload(message.Data)
		if err != nil {
			glog.V(1).Infof("[s]%d drop acknowledge -> %s\n", session.outgoingSessionId, err)
			return
		}
		for _, packetId := range packetIds {
			session.confirmPacket(packetId)
		}
	case MessageTypeDisconnect:
		glog.V(1).Infof("[s]%d disconnect requested by peer\n", session.outgoingSessionId)
		session.fail()
	case MessageTypeKeepAlive:
		// inbound traffic already refreshed the session's liveness
	case MessageTypeThrottle:
		bytesPerSecond, err := decodeThrottlePayload(message.Data)
		if err != nil {
			glog.V(1).Infof("[s]%d drop throttle -> %s\n", session.outgoingSessionId, err)
			return
		}
		session.applyThrottle(bytesPerSecond)
	default:
		panic(fmt.Errorf("Unknown control message type %s.", message.Type))
	}
}

// sendLoop runs the housekeeping tick: drain control messages into the send
// queues, retransmit overdue packets, assemble and send one packet per
// session under the rate caps, then fail and remove dead sessions.
func (self *Transmitter) sendLoop() {
	defer self.loops.Done()
	ticker := time.NewTicker(self.settings.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}
		HandleError(func() {
			now := time.Now()
			sessions := self.snapshotSessions()
			for _, session := range sessions {
				session.drainControlMessages(now)
			}
			for _, session := range sessions {
				self.resendOverduePackets(session, now)
			}
			for _, session := range sessions {
				self.sendSessionPacket(session, now)
			}
			self.cleanupSessions(sessions, now)
		})
	}
}

func (self *Transmitter) snapshotSessions() []*Session {
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	return maps.Values(self.sessionsByOutgoingId)
}

// resendOverduePackets resends guaranteed packets unacknowledged past the
// wait timeout, verbatim, oldest first. A packet already resent
// MaxResendCount times fails the session: the link is presumed dead.
// Send time bookkeeping runs inside the queue lock, since send times order
// the heap the receive loop concurrently removes acknowledged packets from.
func (self *Transmitter) resendOverduePackets(session *Session, now time.Time) {
	if session.State() == SessionStateDisconnected {
		return
	}
	for {
		packet := session.awaiting.PeekOverdue(now, self.settings.AcknowledgeWaitTimeout)
		if packet == nil {
			return
		}
		// the resend count is only touched on this loop's goroutine
		if self.settings.MaxResendCount <= packet.resendCount {
			glog.Infof("[s]%d packet %d unacknowledged after %d resends, disconnecting\n", session.outgoingSessionId, packet.PacketId, packet.resendCount)
			self.expireSession(session)
			return
		}
		if !session.awaiting.RequeueResent(packet, now) {
			// acknowledged between the peek and the requeue
			continue
		}
		if _, err := self.socket.SendTo(session.remoteEndpoint, packet.encoded); err != nil {
			glog.Infof("[s]%d resend packet %d -> error = %s\n", session.outgoingSessionId, packet.PacketId, err)
			return
		}
		size := ByteCount(len(packet.encoded))
		session.recordSend(size, now)
		session.recordResend()
		self.sendRateWindow.Add(size, now)
		glog.V(2).Infof("[s]%d resend packet %d (%d of %d)\n", session.outgoingSessionId, packet.PacketId, packet.resendCount, self.settings.MaxResendCount)
	}
}

// sendSessionPacket assembles and sends at most one packet for the session
// this tick. When the global or session send rate is over its cap the
// session sheds a bounded number of unguaranteed messages instead.
func (self *Transmitter) sendSessionPacket(session *Session, now time.Time) {
	if session.State() == SessionStateDisconnected {
		return
	}
	if self.sendRateWindow.OverLimit(self.settings.MaxSendBytesPerSecond, now) || session.overSendLimit(now) {
		if dropped := session.shedUnguaranteed(self.settings.RateShedMessageCount); 0 < dropped {
			glog.V(1).Infof("[s]%d send rate over limit, shed %d messages\n", session.outgoingSessionId, dropped)
		}
		return
	}
	packet := session.assemblePacket()
	if packet == nil {
		return
	}
	packet.PacketId = self.nextPacketId
	self.nextPacketId += 1
	packet.SessionId = session.outgoingSessionId
	packet.ChannelId = self.settings.ChannelId
	b, err := packet.Encode()
	if err != nil {
		// assembly is size checked, so this is a protocol bug
		panic(err)
	}
	if packet.Guaranteed {
		packet.firstSendTime = now
		packet.lastSendTime = now
		// track before the send so an immediate acknowledgment resolves
		session.awaiting.Add(packet)
		if session.markFirstPacket(packet.PacketId) {
			self.sessionsLock.Lock()
			self.pendingConnects[packet.PacketId] = session
			self.sessionsLock.Unlock()
		}
	}
	if _, err := self.socket.SendTo(session.remoteEndpoint, b); err != nil {
		glog.Infof("[s]%d send packet %d -> error = %s\n", session.outgoingSessionId, packet.PacketId, err)
		return
	}
	size := ByteCount(len(b))
	session.recordSend(size, now)
	self.sendRateWindow.Add(size, now)
	glog.V(2).Infof("[s]%d send packet %d (%d frames, %d bytes)\n", session.outgoingSessionId, packet.PacketId, len(packet.Frames), size)
}

// cleanupSessions finishes requested disconnects, fails timed out sessions
// and removes Disconnected sessions from all tables.
func (self *Transmitter) cleanupSessions(sessions []*Session, now time.Time) {
	for _, session := range sessions {
		if session.takeDisconnectDrained() {
			glog.V(1).Infof("[s]%d disconnect sent\n", session.outgoingSessionId)
			session.fail()
		}
		if session.State() != SessionStateDisconnected && session.expired(now) {
			glog.Infof("[s]%d timed out (%s)\n", session.outgoingSessionId, session.State())
			self.expireSession(session)
		}
		if session.State() == SessionStateDisconnected {
			self.removeSession(session)
		}
	}
}

func (self *Transmitter) expireSession(session *Session) {
	session.fail()
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	self.sessionsExpired += 1
}

func (self *Transmitter) removeSession(session *Session) {
	session.awaiting.RemoveAll()
	self.sessionsLock.Lock()
	defer self.sessionsLock.Unlock()
	if _, ok := self.sessionsByOutgoingId[session.outgoingSessionId]; !ok {
		return
	}
	delete(self.sessionsByOutgoingId, session.outgoingSessionId)
	if incomingSessionId := session.IncomingSessionId(); incomingSessionId != 0 {
		key := sessionKey{endpoint: session.remoteEndpoint, incomingSessionId: incomingSessionId}
		if self.sessionsByKey[key] == session {
			delete(self.sessionsByKey, key)
		}
	}
	if firstPacketId := session.firstPacket(); firstPacketId != 0 {
		if self.pendingConnects[firstPacketId] == session {
			delete(self.pendingConnects, firstPacketId)
		}
	}
	pendingAccepts := self.pendingAccepts[:0]
	for _, pending := range self.pendingAccepts {
		if pending != session {
			pendingAccepts = append(pendingAccepts, pending)
		}
	}
	for i := len(pendingAccepts); i < len(self.pendingAccepts); i += 1 {
		self.pendingAccepts[i] = nil
	}
	self.pendingAccepts = pendingAccepts

	stats := session.Stats()
	self.retiredPacketsResent += stats.PacketsResent
	self.retiredMessagesSent += stats.MessagesSent
	self.retiredMessagesReceived += stats.MessagesReceived
	self.retiredMessagesDropped += stats.MessagesDropped
	glog.V(1).Infof("[tx]%s session %d removed\n", self.instanceId, session.outgoingSessionId)
}
