package transmit

import (
	"fmt"

	"github.com/Mattiemus/Kynto2-sub011/wire"
)

// MessageType tags the payload of a message. Types below
// `FirstApplicationMessageType` are reserved for the protocol's control
// messages; everything at or above it is application defined.
type MessageType uint16

const (
	MessageTypeNone        MessageType = 0x00
	MessageTypeDisconnect  MessageType = 0x01
	MessageTypeAcknowledge MessageType = 0x02
	MessageTypeKeepAlive   MessageType = 0x03
	MessageTypeThrottle    MessageType = 0x04

	// FirstApplicationMessageType is the lowest message type available to
	// applications.
	FirstApplicationMessageType MessageType = 0x10
)

// IsControl returns whether the type is in the reserved control range.
func (self MessageType) IsControl() bool {
	return MessageTypeNone < self && self < FirstApplicationMessageType
}

func (self MessageType) String() string {
	switch self {
	case MessageTypeDisconnect:
		return "disconnect"
	case MessageTypeAcknowledge:
		return "acknowledge"
	case MessageTypeKeepAlive:
		return "keepalive"
	case MessageTypeThrottle:
		return "throttle"
	default:
		return fmt.Sprintf("0x%04x", uint16(self))
	}
}

// Message is one logical unit exchanged over a session. Guaranteed messages
// are retransmitted until acknowledged or the resend limit fails the session.
// Control messages are created internally and are never dropped by rate
// shedding.
type Message struct {
	Type       MessageType
	Data       []byte
	Guaranteed bool
	Control    bool
}

// NewMessage creates an application message. The type must be at or above
// `FirstApplicationMessageType`; reserved types panic since using one would
// corrupt the control protocol.
func NewMessage(messageType MessageType, data []byte, guaranteed bool) *Message {
	if messageType < FirstApplicationMessageType {
		panic(fmt.Errorf("Message type 0x%04x is reserved for control messages.", uint16(messageType)))
	}
	return &Message{
		Type:       messageType,
		Data:       data,
		Guaranteed: guaranteed,
	}
}

func newControlMessage(messageType MessageType, data []byte) *Message {
	if !messageType.IsControl() {
		panic(fmt.Errorf("Message type 0x%04x is not a control message.", uint16(messageType)))
	}
	return &Message{
		Type:    messageType,
		Data:    data,
		Control: true,
	}
}

// Size returns the logical size used to compute the fragment count.
func (self *Message) Size() ByteCount {
	return ByteCount(len(self.Data))
}

// messageFrameCount is the number of frames a message of `size` bytes
// fragments into. A zero length message still produces one frame.
func messageFrameCount(size ByteCount, maxFrameDataSize int) int {
	frameCount := int((size + ByteCount(maxFrameDataSize) - 1) / ByteCount(maxFrameDataSize))
	if frameCount < 1 {
		frameCount = 1
	}
	return frameCount
}

// fragmentMessage splits a message into frames of at most maxFrameDataSize
// payload bytes each. Frame i carries bytes [i*max, min(size, (i+1)*max)).
// The caller validates the frame count fits the wire field before enqueue.
func fragmentMessage(messageId uint32, message *Message, maxFrameDataSize int) []*Frame {
	frameCount := messageFrameCount(message.Size(), maxFrameDataSize)
	frames := make([]*Frame, frameCount)
	for i := 0; i < frameCount; i += 1 {
		start := i * maxFrameDataSize
		end := start + maxFrameDataSize
		if len(message.Data) < end {
			end = len(message.Data)
		}
		frames[i] = &Frame{
			MessageId:   messageId,
			MessageType: message.Type,
			FrameCount:  uint16(frameCount),
			FrameIndex:  uint16(i),
			Data:        message.Data[start:end],
		}
	}
	return frames
}

// messageEntry is the fragmentation/reassembly ledger for one message.
// Outbound, `framesSent` is the assembly cursor and `framesCompleted` counts
// acknowledged frames (guaranteed) or sent frames (unguaranteed). Inbound,
// `frames` fills lazily and `framesCompleted` counts distinct frames seen.
type messageEntry struct {
	messageId   uint32
	messageType MessageType
	guaranteed  bool
	frameCount  int
	frames      []*Frame

	framesCompleted int
	framesSent      int
}

func newOutboundEntry(messageId uint32, message *Message, maxFrameDataSize int) *messageEntry {
	frames := fragmentMessage(messageId, message, maxFrameDataSize)
	return &messageEntry{
		messageId:   messageId,
		messageType: message.Type,
		guaranteed:  message.Guaranteed,
		frameCount:  len(frames),
		frames:      frames,
	}
}

func newInboundEntry(frame *Frame) *messageEntry {
	return &messageEntry{
		messageId:   frame.MessageId,
		messageType: frame.MessageType,
		frameCount:  int(frame.FrameCount),
		frames:      make([]*Frame, int(frame.FrameCount)),
	}
}

// applyFrame records one inbound frame. Duplicate (messageId, frameIndex)
// deliveries are ignored so `framesCompleted` never double counts. A frame
// that disagrees with the entry's frame count is malformed and rejected.
func (self *messageEntry) applyFrame(frame *Frame, guaranteed bool) (bool, error) {
	if int(frame.FrameCount) != self.frameCount {
		return false, fmt.Errorf("Frame count %d does not match entry frame count %d for message %d.", frame.FrameCount, self.frameCount, self.messageId)
	}
	if frame.MessageType != self.messageType {
		return false, fmt.Errorf("Frame type %s does not match entry type %s for message %d.", frame.MessageType, self.messageType, self.messageId)
	}
	index := int(frame.FrameIndex)
	if self.frames[index] != nil {
		return false, nil
	}
	self.frames[index] = frame
	self.framesCompleted += 1
	if guaranteed {
		self.guaranteed = true
	}
	return true, nil
}

func (self *messageEntry) completed() bool {
	return self.framesCompleted == self.frameCount
}

// nextFrame returns the next unsent frame, or nil once all frames have been
// handed to a packet.
func (self *messageEntry) nextFrame() *Frame {
	if self.framesSent < self.frameCount {
		return self.frames[self.framesSent]
	}
	return nil
}

// assembleMessage concatenates the frame payloads in index order and decodes
// the control flag from the type range.
func (self *messageEntry) assembleMessage() *Message {
	size := 0
	for _, frame := range self.frames {
		size += len(frame.Data)
	}
	data := make([]byte, 0, size)
	for _, frame := range self.frames {
		data = append(data, frame.Data...)
	}
	return &Message{
		Type:       self.messageType,
		Data:       data,
		Guaranteed: self.guaranteed,
		Control:    self.messageType.IsControl(),
	}
}

// Control message payload codecs. Acknowledge carries the set of packet ids
// being acknowledged. Throttle carries a bytes per second send cap for the
// receiving side to apply, 0 meaning restore the configured value.
// Disconnect and KeepAlive have empty payloads.

func encodeAcknowledgePayload(packetIds []uint32) []byte {
	buffer := make([]byte, 4+4*len(packetIds))
	writer := wire.NewWriter(buffer)
	writer.WriteUint32(uint32(len(packetIds)))
	for _, packetId := range packetIds {
		writer.WriteUint32(packetId)
	}
	return writer.Bytes()
}

func decodeAcknowledgePayload(data []byte) ([]uint32, error) {
	reader := wire.NewReader(data)
	count, err := reader.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(count)*4 != reader.Remaining() {
		return nil, fmt.Errorf("Acknowledge count %d does not match payload length %d.", count, len(data))
	}
	packetIds := make([]uint32, count)
	for i := range packetIds {
		packetIds[i], err = reader.ReadUint32()
		if err != nil {
			return nil, err
		}
	}
	return packetIds, nil
}

func encodeThrottlePayload(bytesPerSecond ByteCount) []byte {
	if bytesPerSecond < 0 || ByteCount(^uint32(0)) < bytesPerSecond {
		panic(fmt.Errorf("Throttle rate %d out of range.", bytesPerSecond))
	}
	buffer := make([]byte, 4)
	writer := wire.NewWriter(buffer)
	writer.WriteUint32(uint32(bytesPerSecond))
	return writer.Bytes()
}

func decodeThrottlePayload(data []byte) (ByteCount, error) {
	reader := wire.NewReader(data)
	bytesPerSecond, err := reader.ReadUint32()
	if err != nil {
		return 0, err
	}
	if reader.Remaining() != 0 {
		return 0, fmt.Errorf("Throttle payload has %d trailing bytes.", reader.Remaining())
	}
	return ByteCount(bytesPerSecond), nil
}
