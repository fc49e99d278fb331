package transmit

import (
	"fmt"
	"time"

	"github.com/Mattiemus/Kynto2-sub011/wire"
)

// MaxFrameData is the hard bound on one frame's payload, set by the single
// byte frame length field of the wire format.
const MaxFrameData = 255

const (
	// messageId + messageType + frameCount + frameIndex + frameLength
	frameHeaderSize = 4 + 2 + 2 + 2 + 1
	// packetId + sessionId + channelId + frameCount + flags
	packetHeaderSize = 4 + 4 + 4 + 1 + 1
	// the packet frame count is a single byte
	maxPacketFrameCount = 255
)

const (
	packetFlagGuaranteed byte = 1 << 0
)

// Frame is the smallest wire unit: one fragment of a logical message, tagged
// with the message id and type and its position in the fragment sequence.
//
// Wire layout, little-endian:
//
//	uint32 messageId | uint16 messageType | uint16 frameCount |
//	uint16 frameIndex | byte frameLength | byte[frameLength] data
type Frame struct {
	MessageId   uint32
	MessageType MessageType
	FrameCount  uint16
	FrameIndex  uint16
	Data        []byte
}

func (self *Frame) EncodedSize() int {
	return frameHeaderSize + len(self.Data)
}

func (self *Frame) encode(writer *wire.Writer) error {
	if MaxFrameData < len(self.Data) {
		return fmt.Errorf("Frame payload of %d bytes exceeds the %d byte limit.", len(self.Data), MaxFrameData)
	}
	if err := writer.WriteUint32(self.MessageId); err != nil {
		return err
	}
	if err := writer.WriteUint16(uint16(self.MessageType)); err != nil {
		return err
	}
	if err := writer.WriteUint16(self.FrameCount); err != nil {
		return err
	}
	if err := writer.WriteUint16(self.FrameIndex); err != nil {
		return err
	}
	if err := writer.WriteByte(byte(len(self.Data))); err != nil {
		return err
	}
	return writer.WriteBytes(self.Data)
}

func decodeFrame(reader *wire.Reader) (*Frame, error) {
	messageId, err := reader.ReadUint32()
	if err != nil {
		return nil, err
	}
	messageType, err := reader.ReadUint16()
	if err != nil {
		return nil, err
	}
	frameCount, err := reader.ReadUint16()
	if err != nil {
		return nil, err
	}
	frameIndex, err := reader.ReadUint16()
	if err != nil {
		return nil, err
	}
	frameLength, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	data, err := reader.ReadBytes(int(frameLength))
	if err != nil {
		return nil, err
	}
	if frameCount == 0 {
		return nil, fmt.Errorf("Frame for message %d has zero frame count.", messageId)
	}
	if frameCount <= frameIndex {
		return nil, fmt.Errorf("Frame index %d out of range for frame count %d.", frameIndex, frameCount)
	}
	return &Frame{
		MessageId:   messageId,
		MessageType: MessageType(messageType),
		FrameCount:  frameCount,
		FrameIndex:  frameIndex,
		Data:        data,
	}, nil
}

// Packet is one datagram: one or more frames plus delivery metadata. The
// session id stamped on the wire is always the sender's own outgoing session
// id; the receiver resolves it against its (endpoint, incoming id) table.
//
// Wire layout, little-endian:
//
//	uint32 packetId | uint32 sessionId | uint32 channelId |
//	byte frameCount | byte flags | Frame[frameCount]
type Packet struct {
	PacketId   uint32
	SessionId  uint32
	ChannelId  uint32
	Guaranteed bool
	Frames     []*Frame

	// Resend bookkeeping for guaranteed packets, owned by the send loop.
	// `encoded` keeps the exact bytes so retransmissions are verbatim.
	encoded       []byte
	firstSendTime time.Time
	lastSendTime  time.Time
	resendCount   int
	heapIndex     int
}

func (self *Packet) EncodedSize() int {
	size := packetHeaderSize
	for _, frame := range self.Frames {
		size += frame.EncodedSize()
	}
	return size
}

// Encode serializes the packet and caches the bytes for verbatim resend.
func (self *Packet) Encode() ([]byte, error) {
	if maxPacketFrameCount < len(self.Frames) {
		return nil, fmt.Errorf("Packet %d has %d frames, more than the %d frame limit.", self.PacketId, len(self.Frames), maxPacketFrameCount)
	}
	writer := wire.NewWriter(make([]byte, self.EncodedSize()))
	writer.WriteUint32(self.PacketId)
	writer.WriteUint32(self.SessionId)
	writer.WriteUint32(self.ChannelId)
	writer.WriteByte(byte(len(self.Frames)))
	flags := byte(0)
	if self.Guaranteed {
		flags |= packetFlagGuaranteed
	}
	writer.WriteByte(flags)
	for _, frame := range self.Frames {
		if err := frame.encode(writer); err != nil {
			return nil, err
		}
	}
	self.encoded = writer.Bytes()
	return self.encoded, nil
}

// DecodePacket parses one datagram. Any inconsistency, including trailing
// bytes, is an error so the caller can drop the datagram as malformed.
func DecodePacket(b []byte) (*Packet, error) {
	reader := wire.NewReader(b)
	packetId, err := reader.ReadUint32()
	if err != nil {
		return nil, err
	}
	sessionId, err := reader.ReadUint32()
	if err != nil {
		return nil, err
	}
	channelId, err := reader.ReadUint32()
	if err != nil {
		return nil, err
	}
	frameCount, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	frames := make([]*Frame, int(frameCount))
	for i := range frames {
		frames[i], err = decodeFrame(reader)
		if err != nil {
			return nil, err
		}
	}
	if reader.Remaining() != 0 {
		return nil, fmt.Errorf("Packet %d has %d trailing bytes.", packetId, reader.Remaining())
	}
	return &Packet{
		PacketId:   packetId,
		SessionId:  sessionId,
		ChannelId:  channelId,
		Guaranteed: flags&packetFlagGuaranteed != 0,
		Frames:     frames,
	}, nil
}
