// Package wire implements the primitive little-endian codec used by the
// transmit protocol. A Writer appends primitive values to a fixed capacity
// buffer and a Reader consumes them, with explicit bounds errors instead of
// panics so that malformed datagrams can be dropped by the caller.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Writer appends little-endian primitive values to a caller-owned buffer.
// The buffer never grows. A write that would overflow returns an error and
// leaves the writer unchanged.
type Writer struct {
	buffer []byte
	offset int
}

func NewWriter(buffer []byte) *Writer {
	return &Writer{
		buffer: buffer,
	}
}

// Len returns the number of bytes written so far.
func (self *Writer) Len() int {
	return self.offset
}

// Remaining returns the number of bytes still available in the buffer.
func (self *Writer) Remaining() int {
	return len(self.buffer) - self.offset
}

// Bytes returns the written prefix of the buffer. The returned slice aliases
// the writer's buffer.
func (self *Writer) Bytes() []byte {
	return self.buffer[:self.offset]
}

func (self *Writer) reserve(n int) error {
	if len(self.buffer)-self.offset < n {
		return fmt.Errorf("Write of %d bytes overflows buffer (%d of %d used).", n, self.offset, len(self.buffer))
	}
	return nil
}

func (self *Writer) WriteByte(value byte) error {
	if err := self.reserve(1); err != nil {
		return err
	}
	self.buffer[self.offset] = value
	self.offset += 1
	return nil
}

func (self *Writer) WriteUint16(value uint16) error {
	if err := self.reserve(2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(self.buffer[self.offset:], value)
	self.offset += 2
	return nil
}

func (self *Writer) WriteUint32(value uint32) error {
	if err := self.reserve(4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(self.buffer[self.offset:], value)
	self.offset += 4
	return nil
}

func (self *Writer) WriteUint64(value uint64) error {
	if err := self.reserve(8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(self.buffer[self.offset:], value)
	self.offset += 8
	return nil
}

func (self *Writer) WriteBytes(value []byte) error {
	if err := self.reserve(len(value)); err != nil {
		return err
	}
	copy(self.buffer[self.offset:], value)
	self.offset += len(value)
	return nil
}

// Reader consumes little-endian primitive values from a buffer. A read past
// the end of the buffer returns an error and leaves the reader unchanged.
type Reader struct {
	buffer []byte
	offset int
}

func NewReader(buffer []byte) *Reader {
	return &Reader{
		buffer: buffer,
	}
}

// Len returns the number of bytes consumed so far.
func (self *Reader) Len() int {
	return self.offset
}

// Remaining returns the number of bytes left to read.
func (self *Reader) Remaining() int {
	return len(self.buffer) - self.offset
}

func (self *Reader) require(n int) error {
	if len(self.buffer)-self.offset < n {
		return fmt.Errorf("Read of %d bytes past end of buffer (%d of %d used).", n, self.offset, len(self.buffer))
	}
	return nil
}

func (self *Reader) ReadByte() (byte, error) {
	if err := self.require(1); err != nil {
		return 0, err
	}
	value := self.buffer[self.offset]
	self.offset += 1
	return value, nil
}

func (self *Reader) ReadUint16() (uint16, error) {
	if err := self.require(2); err != nil {
		return 0, err
	}
	value := binary.LittleEndian.Uint16(self.buffer[self.offset:])
	self.offset += 2
	return value, nil
}

func (self *Reader) ReadUint32() (uint32, error) {
	if err := self.require(4); err != nil {
		return 0, err
	}
	value := binary.LittleEndian.Uint32(self.buffer[self.offset:])
	self.offset += 4
	return value, nil
}

func (self *Reader) ReadUint64() (uint64, error) {
	if err := self.require(8); err != nil {
		return 0, err
	}
	value := binary.LittleEndian.Uint64(self.buffer[self.offset:])
	self.offset += 8
	return value, nil
}

// ReadBytes returns a copy of the next n bytes. The copy is safe to retain
// after the underlying buffer is reused.
func (self *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("Read of negative length %d.", n)
	}
	if err := self.require(n); err != nil {
		return nil, err
	}
	value := make([]byte, n)
	copy(value, self.buffer[self.offset:])
	self.offset += n
	return value, nil
}
