package ncp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
)

func TestCRC8KnownValues(t *testing.T) {
	// Verify CRC8 produces consistent results.
	data := []byte{0x03, 0x00, 0x00, 0xC0}
	crc := zbossCRC8(data)
	// Recompute to verify determinism.
	if crc != zbossCRC8(data) {
		t.Fatal("CRC8 not deterministic")
	}
	// Zero-length input.
	if zbossCRC8(nil) != 0x00 {
		// init=0xFF, no data, xorout=0xFF → 0xFF^0xFF=0x00
		t.Errorf("CRC8(nil) = 0x%02X, want 0x00", zbossCRC8(nil))
	}
}

func TestCRC16Deterministic(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0x00, 0x42}
	a := zbossCRC16(data)
	b := zbossCRC16(data)
	if a != b {
		t.Fatalf("CRC16 not deterministic: 0x%04X vs 0x%04X", a, b)
	}
}

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	callID := uint16(0x0301)
	tsn := uint8(42)
	pktSeq := uint8(1)

	encoded := zbossEncodeRequest(callID, tsn, pktSeq, payload)

	// Verify signature.
	if encoded[0] != zbossSig0 || encoded[1] != zbossSig1 {
		t.Fatalf("bad signature: 0x%02X%02X", encoded[0], encoded[1])
	}

	decoded, err := zbossDecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if decoded.HL.PacketType != zbossHLRequest {
		t.Errorf("PacketType: got %d, want %d", decoded.HL.PacketType, zbossHLRequest)
	}
	if decoded.HL.CallID != callID {
		t.Errorf("CallID: got 0x%04X, want 0x%04X", decoded.HL.CallID, callID)
	}
	if decoded.HL.TSN != tsn {
		t.Errorf("TSN: got %d, want %d", decoded.HL.TSN, tsn)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("Payload: got %X, want %X", decoded.Payload, payload)
	}
	if zbossLLPktSeq(decoded.LL.Flags) != pktSeq {
		t.Errorf("PktSeq: got %d, want %d", zbossLLPktSeq(decoded.LL.Flags), pktSeq)
	}
}

func TestEncodeDecodeACKRoundTrip(t *testing.T) {
	for seq := uint8(0); seq < 4; seq++ {
		encoded := zbossEncodeACK(seq)
		decoded, err := zbossDecodeFrame(encoded)
		if err != nil {
			t.Fatalf("seq=%d decode error: %v", seq, err)
		}
		if !zbossLLIsACK(decoded.LL.Flags) {
			t.Errorf("seq=%d: not an ACK frame", seq)
		}
		if got := zbossLLAckSeq(decoded.LL.Flags); got != seq {
			t.Errorf("seq=%d: AckSeq got %d", seq, got)
		}
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	_, err := zbossDecodeFrame([]byte{0xDE, 0xAD})
	if err == nil {
		t.Error("expected error for short frame")
	}
}

func TestDecodeFrameBadSignature(t *testing.T) {
	data := make([]byte, 10)
	data[0] = 0xFF
	data[1] = 0xFF
	_, err := zbossDecodeFrame(data)
	if err == nil {
		t.Error("expected error for bad signature")
	}
}

func TestDecodeFrameBadCRC8(t *testing.T) {
	encoded := zbossEncodeACK(0)
	encoded[6] ^= 0xFF // corrupt CRC8
	_, err := zbossDecodeFrame(encoded)
	if err == nil {
		t.Error("expected CRC8 error")
	}
}

func TestDecodeFrameBadCRC16(t *testing.T) {
	encoded := zbossEncodeRequest(0x0001, 1, 0, nil)
	// Corrupt body CRC16 (at offset 7).
	encoded[7] ^= 0xFF
	_, err := zbossDecodeFrame(encoded)
	if err == nil {
		t.Error("expected CRC16 error")
	}
}

func TestLLFlagHelpers(t *testing.T) {
	flags := uint8(zbossFlagFirstFrag | zbossFlagLastFrag | (2 << zbossFlagPktSeqShift))
	if zbossLLPktSeq(flags) != 2 {
		t.Errorf("PktSeq: got %d, want 2", zbossLLPktSeq(flags))
	}
	if zbossLLIsACK(flags) {
		t.Error("should not be ACK")
	}

	ackFlags := uint8(zbossFlagACK | (3 << zbossFlagAckSeqShift))
	if !zbossLLIsACK(ackFlags) {
		t.Error("should be ACK")
	}
	if zbossLLAckSeq(ackFlags) != 3 {
		t.Errorf("AckSeq: got %d, want 3", zbossLLAckSeq(ackFlags))
	}
}

func TestEncodeEmptyPayloadRequest(t *testing.T) {
	encoded := zbossEncodeRequest(zbossCmdNCPReset, 0, 0, nil)
	decoded, err := zbossDecodeFrame(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded.HL.CallID != zbossCmdNCPReset {
		t.Errorf("CallID: got 0x%04X, want 0x%04X", decoded.HL.CallID, zbossCmdNCPReset)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("Payload should be empty, got %X", decoded.Payload)
	}
}

func TestCRC16KnownValue(t *testing.T) {
	// CRC-16/KERMIT check value over "123456789".
	if got := zbossCRC16([]byte("123456789")); got != 0x2189 {
		t.Errorf("CRC16 = 0x%04X, want 0x2189", got)
	}
}

func TestReadRawFrameResync(t *testing.T) {
	frame := zbossEncodeRequest(zbossCmdGetModuleVersion, 7, 2, []byte{0x01})
	noise := []byte{0x00, 0xDE, 0x11, 0xFF}
	r := bufio.NewReader(bytes.NewReader(append(noise, frame...)))

	raw, err := readRawZBOSSFrame(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(raw, frame) {
		t.Fatalf("got %X, want %X", raw, frame)
	}
	if _, err := readRawZBOSSFrame(r); err == nil {
		t.Error("expected error at end of stream")
	}
}

func TestBuildInterPANReq(t *testing.T) {
	tests := []struct {
		name     string
		dst      uint64
		wantMode uint8
		wantAddr uint64
	}{
		{"broadcast", BroadcastAddr, zbossAddrModeShort, 0xffff},
		{"unicast", 0x00124B0001020304, zbossAddrModeIEEE, 0x00124B0001020304},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := InterPANFrame{Dst: tt.dst, DstPanID: 0xffff, ProfileID: 0xC05E, ClusterID: 0x1000, Payload: []byte{0x11, 0x01, 0x00}}
			buf := buildInterPANReq(f, 9)
			if len(buf) != intrpReqHeaderSize+3 {
				t.Fatalf("length: got %d", len(buf))
			}
			if got := binary.LittleEndian.Uint16(buf[0:2]); got != 3 {
				t.Errorf("data_len: got %d", got)
			}
			if buf[2] != tt.wantMode {
				t.Errorf("addr_mode: got 0x%02X, want 0x%02X", buf[2], tt.wantMode)
			}
			if got := binary.LittleEndian.Uint64(buf[5:13]); got != tt.wantAddr {
				t.Errorf("dst_addr: got %016X, want %016X", got, tt.wantAddr)
			}
			if got := binary.LittleEndian.Uint16(buf[13:15]); got != 0xC05E {
				t.Errorf("profile: got 0x%04X", got)
			}
			if got := binary.LittleEndian.Uint16(buf[15:17]); got != 0x1000 {
				t.Errorf("cluster: got 0x%04X", got)
			}
			if buf[17] != 9 {
				t.Errorf("handle: got %d", buf[17])
			}
		})
	}
}

func interPANIndPayload(src, dst uint64, mode uint8, lqi uint8, data []byte) []byte {
	p := make([]byte, intrpIndHeaderSize+len(data))
	binary.LittleEndian.PutUint16(p[0:2], uint16(len(data)))
	binary.LittleEndian.PutUint16(p[2:4], 0x1A62)
	binary.LittleEndian.PutUint64(p[4:12], src)
	p[12] = mode
	binary.LittleEndian.PutUint16(p[13:15], 0xffff)
	binary.LittleEndian.PutUint64(p[15:23], dst)
	binary.LittleEndian.PutUint16(p[23:25], 0xC05E)
	binary.LittleEndian.PutUint16(p[25:27], 0x1000)
	p[27] = lqi
	p[28] = 0xC4 // -60 dBm
	copy(p[intrpIndHeaderSize:], data)
	return p
}

func TestParseInterPANInd(t *testing.T) {
	data := []byte{0x19, 0x05, 0x01}
	f, err := parseInterPANInd(interPANIndPayload(0xAABB, 0xCCDD, zbossAddrModeIEEE, 180, data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Src != 0xAABB || f.Dst != 0xCCDD || f.Broadcast() {
		t.Errorf("addresses: src %X dst %X", f.Src, f.Dst)
	}
	if f.ProfileID != 0xC05E || f.ClusterID != 0x1000 {
		t.Errorf("profile/cluster: 0x%04X/0x%04X", f.ProfileID, f.ClusterID)
	}
	if f.LQI != 180 || f.RSSI != -60 {
		t.Errorf("lqi/rssi: %d/%d", f.LQI, f.RSSI)
	}
	if !bytes.Equal(f.Payload, data) {
		t.Errorf("payload: %X", f.Payload)
	}

	b, err := parseInterPANInd(interPANIndPayload(0xAABB, 0, zbossAddrModeShort, 10, nil))
	if err != nil || !b.Broadcast() {
		t.Errorf("short dst mode: broadcast=%v err=%v", b.Broadcast(), err)
	}

	short := interPANIndPayload(0xAABB, 0, zbossAddrModeShort, 10, data)
	if _, err := parseInterPANInd(short[:len(short)-1]); err == nil {
		t.Error("expected truncation error")
	}
	if _, err := parseInterPANInd(short[:10]); err == nil {
		t.Error("expected short header error")
	}
}
