package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ZCL frame control bits.
const (
	FrameTypeGlobal    uint8 = 0x00
	FrameTypeCluster   uint8 = 0x01
	FlagMfrSpecific    uint8 = 0x04
	DirServerToClient  uint8 = 0x08
	DisableDefaultResp uint8 = 0x10
)

var (
	// ErrTruncated is returned when a frame ends before its payload does.
	ErrTruncated = errors.New("zcl: truncated frame")
	// ErrUnknownCommand is returned for command ids outside the touchlink cluster.
	ErrUnknownCommand = errors.New("zcl: unknown touchlink command")
)

// Header is the ZCL frame header of a touchlink command.
type Header struct {
	FrameControl uint8
	MfrCode      uint16
	Seq          uint8
	Command      uint8
}

// Direction reports which way the frame travels.
func (h Header) Direction() CommandDirection {
	if h.FrameControl&DirServerToClient != 0 {
		return DirectionToClient
	}
	return DirectionToServer
}

// Encode builds a complete ZCL frame for msg.
func Encode(seq uint8, msg Message) []byte {
	fc := FrameTypeCluster | DisableDefaultResp
	if msg.Direction() == DirectionToClient {
		fc |= DirServerToClient
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, fc, seq, msg.CommandID())
	return msg.appendPayload(buf)
}

// Decode parses a ZCL frame carrying a touchlink command.
func Decode(frame []byte) (Header, Message, error) {
	var h Header
	if len(frame) < 3 {
		return h, nil, fmt.Errorf("header: %w", ErrTruncated)
	}
	h.FrameControl = frame[0]
	pos := 1
	if h.FrameControl&FlagMfrSpecific != 0 {
		if len(frame) < 5 {
			return h, nil, fmt.Errorf("header: %w", ErrTruncated)
		}
		h.MfrCode = binary.LittleEndian.Uint16(frame[1:3])
		pos = 3
	}
	h.Seq = frame[pos]
	h.Command = frame[pos+1]
	if h.FrameControl&0x03 != FrameTypeCluster {
		return h, nil, fmt.Errorf("zcl: frame type 0x%02X is not cluster specific", h.FrameControl&0x03)
	}

	msg := newMessage(h.Command)
	if msg == nil {
		return h, nil, fmt.Errorf("command 0x%02X: %w", h.Command, ErrUnknownCommand)
	}
	r := &reader{b: frame[pos+2:]}
	msg.decodePayload(r)
	if r.err != nil {
		return h, nil, fmt.Errorf("%s: %w", CommandName(h.Command, msg.Direction()), r.err)
	}
	return h, msg, nil
}

// reader is a little-endian cursor with a sticky error.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.b) {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) key() [16]byte {
	var k [16]byte
	if !r.need(16) {
		return k
	}
	copy(k[:], r.b[r.off:])
	r.off += 16
	return k
}
