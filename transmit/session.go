package transmit

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState int

const (
	SessionStateConnecting SessionState = iota
	SessionStateConnected
	SessionStateDisconnected
)

func (self SessionState) String() string {
	switch self {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

// SessionStats is a read-only snapshot of one session's counters.
type SessionStats struct {
	BytesSent        ByteCount
	BytesReceived    ByteCount
	PacketsSent      int64
	PacketsReceived  int64
	PacketsResent    int64
	MessagesSent     int64
	MessagesReceived int64
	MessagesDropped  int64
	SendRate         ByteCount
	ReceiveRate      ByteCount
}

// Session is one logical connection endpoint: the outbound queue with its
// partially-sent entries, the inbound message and control queues with their
// reassembly ledger, the awaiting-acknowledgment set, rate meters, and the
// Connecting -> Connected -> Disconnected state machine.
//
// A session is identified by two ids: the outgoing id assigned locally and
// stamped on every packet this side sends, and the incoming id assigned by
// the peer. For inbound sessions both are known at creation; an outbound
// session learns its incoming id when the handshake acknowledgment arrives.
//
// The receive loop and the send loop work on a session concurrently, so each
// queue group is guarded independently and no guard is held across a socket
// operation.
type Session struct {
	settings *TransmitterSettings

	isIncoming        bool
	remoteEndpoint    netip.AddrPort
	createTime        time.Time
	outgoingSessionId uint32

	stateLock             sync.Mutex
	state                 SessionState
	incomingSessionId     uint32
	firstPacketId         uint32
	lastSendTime          time.Time
	lastReceiveTime       time.Time
	maxSendBytesPerSecond ByteCount

	// pending control work drained into the send queue each tick
	controlLock         sync.Mutex
	pendingAckIds       []uint32
	pendingThrottle     ByteCount
	pendingThrottleSet  bool
	keepAliveQueued     bool
	disconnectRequested bool
	disconnectQueued    bool
	disconnectDrained   bool

	sendLock       sync.Mutex
	sendQueue      []*Message
	partialEntries []*messageEntry
	// guaranteed outbound entries until every frame is acknowledged
	unackedEntries map[uint32]*messageEntry
	nextMessageId  uint32

	receiveLock  sync.Mutex
	receiveQueue []*Message
	controlQueue []*Message
	reassembly   map[uint32]*messageEntry
	recency      *recencyWindow

	awaiting *awaitingQueue

	sendRateWindow    *RateWindow
	receiveRateWindow *RateWindow

	statsLock        sync.Mutex
	messagesSent     int64
	messagesReceived int64
	messagesDropped  int64
	packetsResent    int64

	// owned by the receive loop
	lastThrottleTime time.Time
}

func newSession(
	settings *TransmitterSettings,
	outgoingSessionId uint32,
	incomingSessionId uint32,
	remoteEndpoint netip.AddrPort,
	isIncoming bool,
	now time.Time,
) *Session {
	state := SessionStateConnecting
	if isIncoming {
		// both ids are known at creation
		state = SessionStateConnected
	}
	return &Session{
		settings:              settings,
		isIncoming:            isIncoming,
		remoteEndpoint:        remoteEndpoint,
		createTime:            now,
		outgoingSessionId:     outgoingSessionId,
		state:                 state,
		incomingSessionId:     incomingSessionId,
		lastSendTime:          now,
		lastReceiveTime:       now,
		maxSendBytesPerSecond: settings.MaxSessionSendBytesPerSecond,
		sendQueue:             []*Message{},
		partialEntries:        []*messageEntry{},
		unackedEntries:        map[uint32]*messageEntry{},
		nextMessageId:         1,
		receiveQueue:          []*Message{},
		controlQueue:          []*Message{},
		reassembly:            map[uint32]*messageEntry{},
		recency:               newRecencyWindow(settings.RecencyWindowSize),
		awaiting:              newAwaitingQueue(),
		sendRateWindow:        NewRateWindow(settings.RateWindowDuration),
		receiveRateWindow:     NewRateWindow(settings.RateWindowDuration),
	}
}

// Send enqueues an application message. Reserved message types and messages
// too large for the frame count field are caller errors and panic. A
// disconnected session or a full send queue returns an error.
func (self *Session) Send(message *Message) error {
	if message == nil {
		panic(fmt.Errorf("Message is required."))
	}
	if message.Control || message.Type < FirstApplicationMessageType {
		panic(fmt.Errorf("Message type %s is reserved for control messages.", message.Type))
	}
	if 65535 < messageFrameCount(message.Size(), self.settings.MaxFrameDataSize) {
		panic(fmt.Errorf("Message of %d bytes exceeds the maximum fragment count.", message.Size()))
	}
	if self.State() == SessionStateDisconnected {
		return fmt.Errorf("Session is disconnected.")
	}
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	if self.settings.SendQueueMaxCount <= len(self.sendQueue) {
		return fmt.Errorf("Send queue is full.")
	}
	self.sendQueue = append(self.sendQueue, message)
	return nil
}

// Receive returns the next completed inbound application message, or nil
// when none is pending.
func (self *Session) Receive() *Message {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()
	if len(self.receiveQueue) == 0 {
		return nil
	}
	message := self.receiveQueue[0]
	self.receiveQueue[0] = nil
	self.receiveQueue = self.receiveQueue[1:]
	return message
}

// ReceiveControlMessage returns the next inbound control message, or nil
// when none is pending. Control messages are also processed internally;
// this queue is an observation surface.
func (self *Session) ReceiveControlMessage() *Message {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()
	if len(self.controlQueue) == 0 {
		return nil
	}
	message := self.controlQueue[0]
	self.controlQueue[0] = nil
	self.controlQueue = self.controlQueue[1:]
	return message
}

// Disconnect requests a graceful close: a Disconnect control message is
// drained on the next tick and the session transitions to Disconnected once
// it has been sent.
func (self *Session) Disconnect() {
	if self.State() == SessionStateDisconnected {
		return
	}
	self.controlLock.Lock()
	defer self.controlLock.Unlock()
	self.disconnectRequested = true
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) IsIncoming() bool {
	return self.isIncoming
}

func (self *Session) OutgoingSessionId() uint32 {
	return self.outgoingSessionId
}

// IncomingSessionId returns the peer-assigned id, or 0 while an outbound
// handshake is still pending.
func (self *Session) IncomingSessionId() uint32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.incomingSessionId
}

func (self *Session) RemoteEndpoint() netip.AddrPort {
	return self.remoteEndpoint
}

func (self *Session) Stats() SessionStats {
	now := time.Now()
	self.statsLock.Lock()
	stats := SessionStats{
		PacketsResent:    self.packetsResent,
		MessagesSent:     self.messagesSent,
		MessagesReceived: self.messagesReceived,
		MessagesDropped:  self.messagesDropped,
	}
	self.statsLock.Unlock()
	stats.BytesSent = self.sendRateWindow.TotalByteCount()
	stats.PacketsSent = self.sendRateWindow.TotalCount()
	stats.BytesReceived = self.receiveRateWindow.TotalByteCount()
	stats.PacketsReceived = self.receiveRateWindow.TotalCount()
	stats.SendRate = self.sendRateWindow.Rate(now)
	stats.ReceiveRate = self.receiveRateWindow.Rate(now)
	return stats
}

// setState enforces the monotonic state machine. Any transition other than
// Connecting -> Connected, Connecting -> Disconnected or
// Connected -> Disconnected is a protocol bug and panics. The caller holds
// stateLock.
func (self *Session) setState(state SessionState) {
	legal := (self.state == SessionStateConnecting && state == SessionStateConnected) ||
		(self.state == SessionStateConnecting && state == SessionStateDisconnected) ||
		(self.state == SessionStateConnected && state == SessionStateDisconnected)
	if !legal {
		panic(fmt.Errorf("Illegal session state transition %s -> %s.", self.state, state))
	}
	glog.V(1).Infof("[s]%d state %s -> %s\n", self.outgoingSessionId, self.state, state)
	self.state = state
}

// fail moves the session to Disconnected if it is not already there.
func (self *Session) fail() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == SessionStateDisconnected {
		return
	}
	self.setState(SessionStateDisconnected)
}

// completeHandshake records the peer-assigned id carried by the handshake
// acknowledgment and connects the session.
func (self *Session) completeHandshake(incomingSessionId uint32, now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if incomingSessionId == 0 {
		panic(fmt.Errorf("Session id 0 is reserved as unassigned."))
	}
	if self.incomingSessionId != 0 {
		panic(fmt.Errorf("Incoming session id is already assigned (%d).", self.incomingSessionId))
	}
	self.incomingSessionId = incomingSessionId
	self.lastReceiveTime = now
	self.setState(SessionStateConnected)
}

// markFirstPacket records the id of the first guaranteed packet sent on an
// outbound session, which the handshake acknowledgment must reference. It
// returns whether this call set it.
func (self *Session) markFirstPacket(packetId uint32) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.isIncoming || self.state != SessionStateConnecting || self.firstPacketId != 0 {
		return false
	}
	self.firstPacketId = packetId
	return true
}

func (self *Session) firstPacket() uint32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.firstPacketId
}

// expired reports whether housekeeping should fail the session: no inbound
// traffic for the session timeout, or a handshake older than the timeout.
func (self *Session) expired(now time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	switch self.state {
	case SessionStateConnecting:
		return self.settings.SessionTimeout <= now.Sub(self.createTime)
	case SessionStateConnected:
		return self.settings.SessionTimeout <= now.Sub(self.lastReceiveTime)
	default:
		return false
	}
}

// receivePacket runs the inbound path for one already-parsed packet:
// refresh liveness, meter the receive rate, detect duplicates, queue
// acknowledgments, and route frames into reassembly. It returns the
// messages completed by this packet.
func (self *Session) receivePacket(packet *Packet, size ByteCount, now time.Time) []*Message {
	self.stateLock.Lock()
	self.lastReceiveTime = now
	self.stateLock.Unlock()

	self.receiveRateWindow.Add(size, now)
	self.maybeQueueThrottle(now)

	if !self.recency.Observe(packet.PacketId) {
		// duplicate: re-acknowledge in case the first ack was lost, but do
		// not reprocess the frames
		if packet.Guaranteed {
			self.queueAck(packet.PacketId)
		}
		glog.V(2).Infof("[s]%d duplicate packet %d\n", self.outgoingSessionId, packet.PacketId)
		return nil
	}
	if packet.Guaranteed {
		self.queueAck(packet.PacketId)
	}

	var completed []*Message
	evicted := 0
	self.receiveLock.Lock()
	for _, frame := range packet.Frames {
		entry, ok := self.reassembly[frame.MessageId]
		if !ok {
			if self.settings.ReassemblyMaxCount <= len(self.reassembly) {
				self.evictOldestReassembly()
				evicted += 1
			}
			entry = newInboundEntry(frame)
			self.reassembly[frame.MessageId] = entry
		}
		applied, err := entry.applyFrame(frame, packet.Guaranteed)
		if err != nil {
			glog.V(1).Infof("[s]%d drop frame -> %s\n", self.outgoingSessionId, err)
			continue
		}
		if applied && entry.completed() {
			delete(self.reassembly, frame.MessageId)
			completed = append(completed, entry.assembleMessage())
		}
	}
	self.receiveLock.Unlock()
	if 0 < evicted {
		self.statsLock.Lock()
		self.messagesDropped += int64(evicted)
		self.statsLock.Unlock()
	}
	return completed
}

// evictOldestReassembly bounds the memory held by messages that never
// complete, such as unguaranteed messages with a lost fragment. Message ids
// increase monotonically on the sender, so the lowest id is the oldest
// in-flight message. The caller holds receiveLock.
func (self *Session) evictOldestReassembly() {
	oldestId := uint32(0)
	found := false
	for messageId := range self.reassembly {
		if !found || messageId < oldestId {
			oldestId = messageId
			found = true
		}
	}
	if !found {
		return
	}
	delete(self.reassembly, oldestId)
	glog.V(1).Infof("[s]%d reassembly full, dropped partial message %d\n", self.outgoingSessionId, oldestId)
}

func (self *Session) queueAck(packetId uint32) {
	self.controlLock.Lock()
	defer self.controlLock.Unlock()
	for _, id := range self.pendingAckIds {
		if id == packetId {
			return
		}
	}
	self.pendingAckIds = append(self.pendingAckIds, packetId)
}

// maybeQueueThrottle asks the peer to slow down when the inbound byte rate
// exceeds the configured ceiling, at most once per rate window.
func (self *Session) maybeQueueThrottle(now time.Time) {
	maxRate := self.settings.MaxSessionReceiveBytesPerSecond
	if maxRate <= 0 {
		return
	}
	if !self.receiveRateWindow.OverLimit(maxRate, now) {
		return
	}
	if now.Sub(self.lastThrottleTime) < self.settings.RateWindowDuration {
		return
	}
	self.lastThrottleTime = now
	self.controlLock.Lock()
	self.pendingThrottle = maxRate
	self.pendingThrottleSet = true
	self.controlLock.Unlock()
	glog.V(1).Infof("[s]%d receive rate over %d, queue throttle\n", self.outgoingSessionId, maxRate)
}

// enqueueReceive queues a completed application message, dropping the
// oldest queued message on overflow.
func (self *Session) enqueueReceive(message *Message) {
	dropped := false
	self.receiveLock.Lock()
	if self.settings.ReceiveQueueMaxCount <= len(self.receiveQueue) {
		self.receiveQueue = self.receiveQueue[1:]
		dropped = true
	}
	self.receiveQueue = append(self.receiveQueue, message)
	self.receiveLock.Unlock()
	self.statsLock.Lock()
	self.messagesReceived += 1
	if dropped {
		self.messagesDropped += 1
	}
	self.statsLock.Unlock()
	if dropped {
		glog.V(2).Infof("[s]%d receive queue full, dropped oldest\n", self.outgoingSessionId)
	}
}

// enqueueControl queues an inbound control message for observation,
// dropping the oldest on overflow. Internal processing already happened.
func (self *Session) enqueueControl(message *Message) {
	self.receiveLock.Lock()
	if self.settings.ControlQueueMaxCount <= len(self.controlQueue) {
		self.controlQueue = self.controlQueue[1:]
	}
	self.controlQueue = append(self.controlQueue, message)
	self.receiveLock.Unlock()
}

// confirmPacket removes an acknowledged packet from the awaiting set and
// credits its frames to their unacked entries. A message is marked sent
// exactly once, when its last frame is acknowledged.
func (self *Session) confirmPacket(packetId uint32) {
	packet := self.awaiting.RemoveById(packetId)
	if packet == nil {
		return
	}
	sent := int64(0)
	self.sendLock.Lock()
	for _, frame := range packet.Frames {
		entry, ok := self.unackedEntries[frame.MessageId]
		if !ok {
			continue
		}
		entry.framesCompleted += 1
		if entry.completed() {
			delete(self.unackedEntries, frame.MessageId)
			sent += 1
		}
	}
	self.sendLock.Unlock()
	if 0 < sent {
		self.statsLock.Lock()
		self.messagesSent += sent
		self.statsLock.Unlock()
	}
}

// drainControlMessages converts the pending control work into messages at
// the front of the send queue: coalesced acknowledgments (chunked so each
// message fits one frame), a pending throttle, a requested disconnect, and
// a keepalive when the send side has been idle.
func (self *Session) drainControlMessages(now time.Time) {
	if self.State() == SessionStateDisconnected {
		return
	}

	self.controlLock.Lock()
	ackIds := self.pendingAckIds
	self.pendingAckIds = nil
	throttle := self.pendingThrottle
	throttleSet := self.pendingThrottleSet
	self.pendingThrottleSet = false
	queueDisconnect := self.disconnectRequested && !self.disconnectQueued
	if queueDisconnect {
		self.disconnectQueued = true
	}
	self.controlLock.Unlock()

	var messages []*Message
	maxIds := (self.settings.MaxFrameDataSize - 4) / 4
	for 0 < len(ackIds) {
		n := maxIds
		if len(ackIds) < n {
			n = len(ackIds)
		}
		messages = append(messages, newControlMessage(MessageTypeAcknowledge, encodeAcknowledgePayload(ackIds[:n])))
		ackIds = ackIds[n:]
	}
	if throttleSet {
		messages = append(messages, newControlMessage(MessageTypeThrottle, encodeThrottlePayload(throttle)))
	}
	if queueDisconnect {
		messages = append(messages, newControlMessage(MessageTypeDisconnect, nil))
	}

	self.stateLock.Lock()
	idle := self.state == SessionStateConnected && self.settings.IdleTimeout <= now.Sub(self.lastSendTime)
	self.stateLock.Unlock()
	if idle {
		self.controlLock.Lock()
		if !self.keepAliveQueued {
			self.keepAliveQueued = true
			messages = append(messages, newControlMessage(MessageTypeKeepAlive, nil))
		}
		self.controlLock.Unlock()
	}

	if len(messages) == 0 {
		return
	}
	self.sendLock.Lock()
	self.sendQueue = append(messages, self.sendQueue...)
	self.sendLock.Unlock()
}

// assemblePacket packs frames into one outbound packet: the next frame of
// the head partially-sent entry, dequeuing and fragmenting fresh messages
// as entries drain, until a frame would overflow the packet size. It
// returns nil when there is nothing to send. The transmitter assigns the
// packet and session ids.
func (self *Session) assemblePacket() *Packet {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	var frames []*Frame
	size := packetHeaderSize
	guaranteed := false
	for len(frames) < maxPacketFrameCount {
		entry := self.nextEntry()
		if entry == nil {
			break
		}
		frame := entry.nextFrame()
		if self.settings.MaxPacketSize < size+frame.EncodedSize() {
			break
		}
		frames = append(frames, frame)
		size += frame.EncodedSize()
		entry.framesSent += 1
		if entry.guaranteed {
			guaranteed = true
		}
		if entry.framesSent == entry.frameCount {
			self.partialEntries[0] = nil
			self.partialEntries = self.partialEntries[1:]
			self.finishSentEntry(entry)
		}
	}
	if len(frames) == 0 {
		return nil
	}
	return &Packet{
		Guaranteed: guaranteed,
		Frames:     frames,
	}
}

// nextEntry returns the head partially-sent entry, fragmenting the next
// queued message when none is in flight. The caller holds sendLock.
func (self *Session) nextEntry() *messageEntry {
	if 0 < len(self.partialEntries) {
		return self.partialEntries[0]
	}
	if len(self.sendQueue) == 0 {
		return nil
	}
	message := self.sendQueue[0]
	self.sendQueue[0] = nil
	self.sendQueue = self.sendQueue[1:]
	messageId := self.nextMessageId
	self.nextMessageId += 1
	entry := newOutboundEntry(messageId, message, self.settings.MaxFrameDataSize)
	self.partialEntries = append(self.partialEntries, entry)
	if entry.guaranteed {
		self.unackedEntries[messageId] = entry
	}
	return entry
}

// finishSentEntry runs when the last frame of an entry is handed to a
// packet. Unguaranteed messages are sent-complete here; guaranteed ones
// complete on acknowledgment. The caller holds sendLock.
func (self *Session) finishSentEntry(entry *messageEntry) {
	switch entry.messageType {
	case MessageTypeKeepAlive:
		self.controlLock.Lock()
		self.keepAliveQueued = false
		self.controlLock.Unlock()
	case MessageTypeDisconnect:
		self.controlLock.Lock()
		if self.disconnectQueued {
			self.disconnectDrained = true
		}
		self.controlLock.Unlock()
	}
	if entry.guaranteed || entry.messageType.IsControl() {
		return
	}
	self.statsLock.Lock()
	self.messagesSent += 1
	self.statsLock.Unlock()
}

// takeDisconnectDrained reports (once) that the requested Disconnect
// message has been handed to the socket, so the session can be failed.
func (self *Session) takeDisconnectDrained() bool {
	self.controlLock.Lock()
	defer self.controlLock.Unlock()
	drained := self.disconnectDrained
	self.disconnectDrained = false
	return drained
}

// shedUnguaranteed drops up to max pending unguaranteed application
// messages, oldest first. Guaranteed and control messages are never shed.
func (self *Session) shedUnguaranteed(max int) int {
	self.sendLock.Lock()
	dropped := 0
	kept := self.sendQueue[:0]
	for _, message := range self.sendQueue {
		if dropped < max && !message.Guaranteed && !message.Control {
			dropped += 1
			continue
		}
		kept = append(kept, message)
	}
	for i := len(kept); i < len(self.sendQueue); i += 1 {
		self.sendQueue[i] = nil
	}
	self.sendQueue = kept
	self.sendLock.Unlock()
	if 0 < dropped {
		self.statsLock.Lock()
		self.messagesDropped += int64(dropped)
		self.statsLock.Unlock()
	}
	return dropped
}

func (self *Session) recordSend(size ByteCount, now time.Time) {
	self.sendRateWindow.Add(size, now)
	self.stateLock.Lock()
	self.lastSendTime = now
	self.stateLock.Unlock()
}

func (self *Session) recordResend() {
	self.statsLock.Lock()
	defer self.statsLock.Unlock()
	self.packetsResent += 1
}

func (self *Session) overSendLimit(now time.Time) bool {
	self.stateLock.Lock()
	maxRate := self.maxSendBytesPerSecond
	self.stateLock.Unlock()
	return self.sendRateWindow.OverLimit(maxRate, now)
}

// applyThrottle applies a peer-requested send cap. A rate of 0 restores the
// configured value.
func (self *Session) applyThrottle(bytesPerSecond ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if bytesPerSecond <= 0 {
		self.maxSendBytesPerSecond = self.settings.MaxSessionSendBytesPerSecond
	} else {
		self.maxSendBytesPerSecond = bytesPerSecond
	}
	glog.V(1).Infof("[s]%d throttle send rate to %d\n", self.outgoingSessionId, self.maxSendBytesPerSecond)
}
