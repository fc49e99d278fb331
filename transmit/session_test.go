package transmit

import (
	"net/netip"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionSettings() *TransmitterSettings {
	settings := DefaultTransmitterSettings()
	settings.MaxFrameDataSize = 200
	// one full frame per packet
	settings.MaxPacketSize = packetHeaderSize + frameHeaderSize + 200
	return settings
}

func testEndpoint(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func newTestSession(settings *TransmitterSettings, isIncoming bool, now time.Time) *Session {
	incomingSessionId := uint32(0)
	if isIncoming {
		incomingSessionId = 77
	}
	return newSession(settings, 1, incomingSessionId, testEndpoint("10.0.0.2:9000"), isIncoming, now)
}

func TestSessionStateMachine(t *testing.T) {
	now := time.Now()

	// an outbound session dwells in connecting until the handshake ack
	session := newTestSession(testSessionSettings(), false, now)
	assert.Equal(t, session.State(), SessionStateConnecting)
	assert.Equal(t, session.IsIncoming(), false)
	assert.Equal(t, session.IncomingSessionId(), uint32(0))

	session.completeHandshake(42, now)
	assert.Equal(t, session.State(), SessionStateConnected)
	assert.Equal(t, session.IncomingSessionId(), uint32(42))

	session.fail()
	assert.Equal(t, session.State(), SessionStateDisconnected)
	// disconnected is terminal and fail is idempotent
	session.fail()
	assert.Equal(t, session.State(), SessionStateDisconnected)

	// an inbound session knows both ids at creation
	inbound := newTestSession(testSessionSettings(), true, now)
	assert.Equal(t, inbound.State(), SessionStateConnected)
	assert.Equal(t, inbound.IsIncoming(), true)
	assert.Equal(t, inbound.IncomingSessionId(), uint32(77))
}

func TestSessionIllegalTransitions(t *testing.T) {
	now := time.Now()

	// the incoming id is assigned exactly once
	session := newTestSession(testSessionSettings(), false, now)
	session.completeHandshake(42, now)
	assertPanics(t, func() {
		session.completeHandshake(43, now)
	})

	// disconnected -> connected is illegal
	failed := newTestSession(testSessionSettings(), false, now)
	failed.fail()
	assertPanics(t, func() {
		failed.completeHandshake(42, now)
	})

	// id 0 stays reserved as unassigned
	fresh := newTestSession(testSessionSettings(), false, now)
	assertPanics(t, func() {
		fresh.completeHandshake(0, now)
	})
}

func TestSessionSendValidation(t *testing.T) {
	settings := testSessionSettings()
	settings.SendQueueMaxCount = 2
	session := newTestSession(settings, true, time.Now())

	assertPanics(t, func() {
		session.Send(nil)
	})
	assertPanics(t, func() {
		session.Send(&Message{Type: MessageTypeKeepAlive})
	})
	// a message too large for the uint16 frame count field is a caller error
	assertPanics(t, func() {
		session.Send(NewMessage(FirstApplicationMessageType, make([]byte, 65536*200), true))
	})

	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType, nil, true)), nil)
	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType, nil, true)), nil)
	err := session.Send(NewMessage(FirstApplicationMessageType, nil, true))
	assert.NotEqual(t, err, nil)

	session.fail()
	err = session.Send(NewMessage(FirstApplicationMessageType, nil, true))
	assert.NotEqual(t, err, nil)
}

func TestSessionExpired(t *testing.T) {
	settings := testSessionSettings()
	settings.SessionTimeout = time.Second
	now := time.Now()

	// a connecting session older than the timeout expires
	connecting := newTestSession(settings, false, now)
	assert.Equal(t, connecting.expired(now.Add(999*time.Millisecond)), false)
	assert.Equal(t, connecting.expired(now.Add(time.Second)), true)

	// a connected session expires on inbound silence
	connected := newTestSession(settings, true, now)
	assert.Equal(t, connected.expired(now.Add(999*time.Millisecond)), false)
	connected.receivePacket(&Packet{PacketId: 1}, 10, now.Add(900*time.Millisecond))
	assert.Equal(t, connected.expired(now.Add(time.Second)), false)
	assert.Equal(t, connected.expired(now.Add(1900*time.Millisecond)), true)

	// a disconnected session is removed, not expired
	connected.fail()
	assert.Equal(t, connected.expired(now.Add(time.Hour)), false)
}

func TestSessionAssemblePacket(t *testing.T) {
	settings := testSessionSettings()
	// two full frames per packet
	settings.MaxPacketSize = packetHeaderSize + 2*(frameHeaderSize+200)
	session := newTestSession(settings, true, time.Now())

	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType, data, true)), nil)

	// 250 bytes fragment into frames of 200 and 50; the first packet packs
	// the full frame and stops before overflowing
	packet := session.assemblePacket()
	assert.NotEqual(t, packet, nil)
	assert.Equal(t, len(packet.Frames), 2)
	assert.Equal(t, packet.Guaranteed, true)
	assert.Equal(t, packet.Frames[0].FrameIndex, uint16(0))
	assert.Equal(t, packet.Frames[0].FrameCount, uint16(2))
	assert.Equal(t, len(packet.Frames[0].Data), 200)
	assert.Equal(t, packet.Frames[1].FrameIndex, uint16(1))
	assert.Equal(t, len(packet.Frames[1].Data), 50)
	assert.Equal(t, packet.EncodedSize() <= settings.MaxPacketSize, true)

	// nothing left
	assert.Equal(t, session.assemblePacket(), nil)
}

func TestSessionAssemblePacketLeftOverFrame(t *testing.T) {
	// one frame per packet: a 3 frame message takes 3 ticks
	settings := testSessionSettings()
	session := newTestSession(settings, true, time.Now())

	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType, make([]byte, 450), false)), nil)

	for i := 0; i < 3; i += 1 {
		packet := session.assemblePacket()
		assert.NotEqual(t, packet, nil)
		assert.Equal(t, len(packet.Frames), 1)
		assert.Equal(t, packet.Frames[0].FrameIndex, uint16(i))
		assert.Equal(t, packet.Guaranteed, false)
	}
	assert.Equal(t, session.assemblePacket(), nil)

	// the unguaranteed message is sent-complete once its frames are packed
	assert.Equal(t, session.Stats().MessagesSent, int64(1))
}

func TestSessionAssemblePacketMixesMessages(t *testing.T) {
	settings := testSessionSettings()
	settings.MaxPacketSize = packetHeaderSize + 4*(frameHeaderSize+200)
	session := newTestSession(settings, true, time.Now())

	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType, make([]byte, 50), false)), nil)
	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType+1, make([]byte, 50), true)), nil)

	// both single frame messages pack into one packet, which is guaranteed
	// because one of its frames is
	packet := session.assemblePacket()
	assert.NotEqual(t, packet, nil)
	assert.Equal(t, len(packet.Frames), 2)
	assert.Equal(t, packet.Guaranteed, true)
	assert.NotEqual(t, packet.Frames[0].MessageId, packet.Frames[1].MessageId)
	assert.Equal(t, packet.Frames[0].MessageType, FirstApplicationMessageType)
	assert.Equal(t, packet.Frames[1].MessageType, FirstApplicationMessageType+1)
}

func TestSessionConfirmPacketMarksSentOnce(t *testing.T) {
	settings := testSessionSettings()
	session := newTestSession(settings, true, time.Now())
	now := time.Now()

	// 1000 bytes at 200 bytes per frame is 5 frames in 5 packets
	assert.Equal(t, session.Send(NewMessage(FirstApplicationMessageType, make([]byte, 1000), true)), nil)

	packetIds := []uint32{}
	for i := 0; i < 5; i += 1 {
		packet := session.assemblePacket()
		assert.NotEqual(t, packet, nil)
		assert.Equal(t, len(packet.Frames), 1)
		packet.PacketId = uint32(i + 1)
		packet.SessionId = session.outgoingSessionId
		_, err := packet.Encode()
		assert.Equal(t, err, nil)
		packet.lastSendTime = now
		session.awaiting.Add(packet)
		packetIds = append(packetIds, packet.PacketId)
	}
	assert.Equal(t, session.assemblePacket(), nil)
	assert.Equal(t, session.awaiting.Count(), 5)
	assert.Equal(t, session.Stats().MessagesSent, int64(0))

	// acknowledge out of order; the message is marked sent exactly once,
	// when its last frame is acknowledged
	for _, packetId := range []uint32{3, 1, 5, 2} {
		session.confirmPacket(packetId)
		assert.Equal(t, session.Stats().MessagesSent, int64(0))
	}
	session.confirmPacket(4)
	assert.Equal(t, session.Stats().MessagesSent, int64(1))
	assert.Equal(t, session.awaiting.Count(), 0)

	// duplicate acknowledgments are no-ops
	for _, packetId := range packetIds {
		session.confirmPacket(packetId)
	}
	assert.Equal(t, session.Stats().MessagesSent, int64(1))
}

func TestSessionShedUnguaranteed(t *testing.T) {
	settings := testSessionSettings()
	session := newTestSession(settings, true, time.Now())

	guaranteed1 := NewMessage(FirstApplicationMessageType, []byte("g1"), true)
	unguaranteed1 := NewMessage(FirstApplicationMessageType, []byte("u1"), false)
	unguaranteed2 := NewMessage(FirstApplicationMessageType, []byte("u2"), false)
	guaranteed2 := NewMessage(FirstApplicationMessageType, []byte("g2"), true)
	unguaranteed3 := NewMessage(FirstApplicationMessageType, []byte("u3"), false)
	control := newControlMessage(MessageTypeKeepAlive, nil)

	session.sendLock.Lock()
	session.sendQueue = []*Message{guaranteed1, unguaranteed1, unguaranteed2, control, guaranteed2, unguaranteed3}
	session.sendLock.Unlock()

	// drops only unguaranteed application messages, oldest first, bounded
	dropped := session.shedUnguaranteed(2)
	assert.Equal(t, dropped, 2)

	session.sendLock.Lock()
	queue := append([]*Message{}, session.sendQueue...)
	session.sendLock.Unlock()
	assert.Equal(t, queue, []*Message{guaranteed1, control, guaranteed2, unguaranteed3})
	assert.Equal(t, session.Stats().MessagesDropped, int64(2))

	// nothing sheddable left but the last unguaranteed
	dropped = session.shedUnguaranteed(10)
	assert.Equal(t, dropped, 1)
	dropped = session.shedUnguaranteed(10)
	assert.Equal(t, dropped, 0)
}

func TestSessionDrainAcknowledgeChunks(t *testing.T) {
	settings := testSessionSettings()
	// two packet ids per acknowledge frame
	settings.MaxFrameDataSize = 12
	settings.MaxPacketSize = packetHeaderSize + frameHeaderSize + settings.MaxFrameDataSize
	session := newTestSession(settings, true, time.Now())

	for _, packetId := range []uint32{10, 20, 30, 40, 50} {
		session.queueAck(packetId)
	}
	// queueing an already pending id coalesces
	session.queueAck(30)

	session.drainControlMessages(time.Now())

	session.sendLock.Lock()
	queue := append([]*Message{}, session.sendQueue...)
	session.sendLock.Unlock()

	assert.Equal(t, len(queue), 3)
	allIds := []uint32{}
	for _, message := range queue {
		assert.Equal(t, message.Type, MessageTypeAcknowledge)
		assert.Equal(t, message.Control, true)
		packetIds, err := decodeAcknowledgePayload(message.Data)
		assert.Equal(t, err, nil)
		assert.Equal(t, len(packetIds) <= 2, true)
		allIds = append(allIds, packetIds...)
	}
	assert.Equal(t, allIds, []uint32{10, 20, 30, 40, 50})

	// drained means drained
	session.drainControlMessages(time.Now())
	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 3)
	session.sendLock.Unlock()
}

func TestSessionKeepAliveOnIdle(t *testing.T) {
	settings := testSessionSettings()
	settings.IdleTimeout = 100 * time.Millisecond
	now := time.Now()
	session := newTestSession(settings, true, now)

	// not yet idle
	session.drainControlMessages(now.Add(99 * time.Millisecond))
	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 0)
	session.sendLock.Unlock()

	// idle: exactly one keepalive is queued
	session.drainControlMessages(now.Add(100 * time.Millisecond))
	session.drainControlMessages(now.Add(150 * time.Millisecond))
	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 1)
	assert.Equal(t, session.sendQueue[0].Type, MessageTypeKeepAlive)
	session.sendLock.Unlock()

	// sending the keepalive refreshes the idle clock and rearms the flag
	packet := session.assemblePacket()
	assert.NotEqual(t, packet, nil)
	session.recordSend(ByteCount(packet.EncodedSize()), now.Add(200*time.Millisecond))

	session.drainControlMessages(now.Add(250 * time.Millisecond))
	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 0)
	session.sendLock.Unlock()

	session.drainControlMessages(now.Add(300 * time.Millisecond))
	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 1)
	assert.Equal(t, session.sendQueue[0].Type, MessageTypeKeepAlive)
	session.sendLock.Unlock()
}

func TestSessionDisconnectDrain(t *testing.T) {
	settings := testSessionSettings()
	session := newTestSession(settings, true, time.Now())

	assert.Equal(t, session.takeDisconnectDrained(), false)

	session.Disconnect()
	session.drainControlMessages(time.Now())
	session.drainControlMessages(time.Now())

	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 1)
	assert.Equal(t, session.sendQueue[0].Type, MessageTypeDisconnect)
	session.sendLock.Unlock()

	// not drained until the message is packed into a packet
	assert.Equal(t, session.takeDisconnectDrained(), false)

	packet := session.assemblePacket()
	assert.NotEqual(t, packet, nil)
	assert.Equal(t, packet.Frames[0].MessageType, MessageTypeDisconnect)

	assert.Equal(t, session.takeDisconnectDrained(), true)
	// reported once
	assert.Equal(t, session.takeDisconnectDrained(), false)
}

func TestSessionReceivePacketDuplicate(t *testing.T) {
	settings := testSessionSettings()
	now := time.Now()
	session := newTestSession(settings, true, now)

	message := NewMessage(FirstApplicationMessageType, []byte("payload"), true)
	packet := &Packet{
		PacketId:   9,
		Guaranteed: true,
		Frames:     fragmentMessage(1, message, settings.MaxFrameDataSize),
	}

	completed := session.receivePacket(packet, 50, now)
	assert.Equal(t, len(completed), 1)
	assert.Equal(t, completed[0].Data, []byte("payload"))

	session.controlLock.Lock()
	assert.Equal(t, session.pendingAckIds, []uint32{9})
	session.controlLock.Unlock()

	// a duplicate is re-acknowledged but its frames are not reprocessed
	session.drainControlMessages(now)
	completed = session.receivePacket(packet, 50, now)
	assert.Equal(t, len(completed), 0)

	session.controlLock.Lock()
	assert.Equal(t, session.pendingAckIds, []uint32{9})
	session.controlLock.Unlock()
}

func TestSessionReceiveQueueBound(t *testing.T) {
	settings := testSessionSettings()
	settings.ReceiveQueueMaxCount = 2
	session := newTestSession(settings, true, time.Now())

	first := &Message{Type: FirstApplicationMessageType, Data: []byte("1")}
	second := &Message{Type: FirstApplicationMessageType, Data: []byte("2")}
	third := &Message{Type: FirstApplicationMessageType, Data: []byte("3")}
	session.enqueueReceive(first)
	session.enqueueReceive(second)
	session.enqueueReceive(third)

	// the oldest message is dropped on overflow
	assert.Equal(t, session.Receive(), second)
	assert.Equal(t, session.Receive(), third)
	assert.Equal(t, session.Receive(), nil)

	stats := session.Stats()
	assert.Equal(t, stats.MessagesReceived, int64(3))
	assert.Equal(t, stats.MessagesDropped, int64(1))
}

func TestSessionThrottle(t *testing.T) {
	settings := testSessionSettings()
	settings.MaxSessionReceiveBytesPerSecond = 1000
	settings.RateWindowDuration = 100 * time.Millisecond
	now := time.Now()
	session := newTestSession(settings, true, now)

	// the window budget is 100 bytes; a 200 byte packet exceeds it
	session.receivePacket(&Packet{PacketId: 1}, 200, now)
	session.drainControlMessages(now)

	session.sendLock.Lock()
	queue := append([]*Message{}, session.sendQueue...)
	session.sendLock.Unlock()
	assert.Equal(t, len(queue), 1)
	assert.Equal(t, queue[0].Type, MessageTypeThrottle)
	rate, err := decodeThrottlePayload(queue[0].Data)
	assert.Equal(t, err, nil)
	assert.Equal(t, rate, ByteCount(1000))

	// at most one throttle per elapsed rate window
	session.receivePacket(&Packet{PacketId: 2}, 200, now.Add(10*time.Millisecond))
	session.drainControlMessages(now.Add(10 * time.Millisecond))
	session.sendLock.Lock()
	assert.Equal(t, len(session.sendQueue), 1)
	session.sendLock.Unlock()
}

func TestSessionApplyThrottle(t *testing.T) {
	settings := testSessionSettings()
	settings.MaxSessionSendBytesPerSecond = 5000
	session := newTestSession(settings, true, time.Now())

	session.applyThrottle(700)
	session.stateLock.Lock()
	assert.Equal(t, session.maxSendBytesPerSecond, ByteCount(700))
	session.stateLock.Unlock()

	// zero restores the configured cap
	session.applyThrottle(0)
	session.stateLock.Lock()
	assert.Equal(t, session.maxSendBytesPerSecond, ByteCount(5000))
	session.stateLock.Unlock()
}

func TestSessionReassemblyBound(t *testing.T) {
	settings := testSessionSettings()
	settings.ReassemblyMaxCount = 2
	now := time.Now()
	session := newTestSession(settings, true, now)

	// three partial messages from packets with missing fragments
	for i := 0; i < 3; i += 1 {
		frame := &Frame{
			MessageId:   uint32(i + 1),
			MessageType: FirstApplicationMessageType,
			FrameCount:  2,
			FrameIndex:  0,
			Data:        []byte("partial"),
		}
		session.receivePacket(&Packet{PacketId: uint32(i + 1), Frames: []*Frame{frame}}, 20, now)
	}

	// the oldest in flight message was evicted to make room
	session.receiveLock.Lock()
	assert.Equal(t, len(session.reassembly), 2)
	_, ok := session.reassembly[1]
	assert.Equal(t, ok, false)
	session.receiveLock.Unlock()
	assert.Equal(t, session.Stats().MessagesDropped, int64(1))
}
