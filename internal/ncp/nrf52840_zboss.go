package ncp

// ZBOSS NCP serial protocol: LL/HL frame codec, CRC8/CRC16, command IDs.
// Reference: Wireshark ZBOSS NCP dissector (packet-zbncp.c/h).

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// --- LL (Low-Level) header constants ---

const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + len(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2 // CRC16 at start of body
	zbossMaxFrameSize = 512
)

// LL packet type (always 0x06 for ZBOSS NCP API HL; ACK vs DATA is in flags).
const zbossLLType uint8 = 0x06

// LL flags bitmask.
const (
	zbossFlagACK         = 0x01
	zbossFlagRetrans     = 0x02
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

// --- HL (High-Level) header constants ---

const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

// --- Command IDs (call_id, from Wireshark dissector) ---

const (
	// NCP management
	zbossCmdGetModuleVersion uint16 = 0x0001
	zbossCmdNCPReset         uint16 = 0x0002
	zbossCmdSetZigbeeRole    uint16 = 0x0005
	zbossCmdSetChannelMask   uint16 = 0x0007
	zbossCmdSetPanID         uint16 = 0x000A
	zbossCmdGetLocalIEEE     uint16 = 0x000B
	zbossCmdSetTxPower       uint16 = 0x0011
	zbossCmdSetRxOnWhenIdle  uint16 = 0x0013
	zbossCmdSetNwkKey        uint16 = 0x001B
	zbossCmdSetShortAddr     uint16 = 0x0029
	zbossCmdNCPResetInd      uint16 = 0x002B
	zbossCmdSetExtPanID      uint16 = 0x0033
	zbossCmdSetNwkUpdateID   uint16 = 0x0035

	// AF
	zbossCmdAFSetSimpleDesc uint16 = 0x0101

	// ZDO
	zbossCmdZDOMgmtLeaveReq     uint16 = 0x020A
	zbossCmdZDOPermitJoiningReq uint16 = 0x020B
	zbossCmdZDODevAnnceReq      uint16 = 0x020E

	// NWK
	zbossCmdNwkDiscovery        uint16 = 0x0402
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkStartWithoutForm uint16 = 0x041D

	// Inter-PAN
	zbossCmdIntrpDataReq uint16 = 0x0701
	zbossCmdIntrpDataInd uint16 = 0x0702
)

var zbossCommandNames = map[uint16]string{
	zbossCmdGetModuleVersion:    "GetModuleVersion",
	zbossCmdNCPReset:            "NCPReset",
	zbossCmdSetZigbeeRole:       "SetZigbeeRole",
	zbossCmdSetChannelMask:      "SetChannelMask",
	zbossCmdSetPanID:            "SetPanID",
	zbossCmdGetLocalIEEE:        "GetLocalIEEE",
	zbossCmdSetTxPower:          "SetTxPower",
	zbossCmdSetRxOnWhenIdle:     "SetRxOnWhenIdle",
	zbossCmdSetNwkKey:           "SetNwkKey",
	zbossCmdSetShortAddr:        "SetShortAddr",
	zbossCmdNCPResetInd:         "NCPResetInd",
	zbossCmdSetExtPanID:         "SetExtPanID",
	zbossCmdSetNwkUpdateID:      "SetNwkUpdateID",
	zbossCmdAFSetSimpleDesc:     "AFSetSimpleDesc",
	zbossCmdZDOMgmtLeaveReq:     "ZDO_MgmtLeave",
	zbossCmdZDOPermitJoiningReq: "ZDO_PermitJoin",
	zbossCmdZDODevAnnceReq:      "ZDO_DevAnnce",
	zbossCmdNwkDiscovery:        "NwkDiscovery",
	zbossCmdNwkLeaveInd:         "NwkLeaveInd",
	zbossCmdNwkStartWithoutForm: "NwkStartWithoutForm",
	zbossCmdIntrpDataReq:        "INTRP_DataReq",
	zbossCmdIntrpDataInd:        "INTRP_DataInd",
}

// zbossCmdName names a call id for logs; unknown ids print as hex.
func zbossCmdName(id uint16) string {
	if name, ok := zbossCommandNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

// Status categories, indexed by the category byte of a response.
var zbossStatusCategories = [...]string{"Generic", "Generic", "MAC", "NWK", "APS", "ZDO", "CBKE"}

// zbossStatusName formats a response status as category/code.
func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	name := "Generic"
	if int(cat) < len(zbossStatusCategories) {
		name = zbossStatusCategories[cat]
	}
	return fmt.Sprintf("%s/%d(0x%02X)", name, code, code)
}

// Response status categories.
const (
	zbossStatusGeneric uint8 = 0x00
	zbossStatusMAC     uint8 = 0x02
)

// MAC/NO_BEACON: the scan finished without hearing a network.
const zbossMACNoBeacon uint8 = 0xEA

// Zigbee roles (ZBOSS DeviceRole enum: ZC=0, ZR=1, ZED=2).
const zbossRoleRouter uint8 = 0x01

// APSDE address modes.
const (
	zbossAddrModeShort uint8 = 0x02
	zbossAddrModeIEEE  uint8 = 0x03
)

// --- Frame types ---

// zbossLLHeader is the low-level header.
type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

// zbossHLHeader is the high-level header.
type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // only for Request/Response
	StatusCat  uint8 // only for Response
	StatusCode uint8 // only for Response
}

// zbossFrame is a complete parsed ZBOSS NCP frame (LL + HL + payload).
type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

// --- Flag helpers ---

func zbossLLPktSeq(flags uint8) uint8 {
	return (flags >> zbossFlagPktSeqShift) & 0x03
}

func zbossLLAckSeq(flags uint8) uint8 {
	return (flags >> zbossFlagAckSeqShift) & 0x03
}

func zbossLLIsACK(flags uint8) bool {
	return flags&zbossFlagACK != 0
}

// --- CRC-8/KOOP (reflected poly=0xB2 i.e. normal 0x4D, init=0xFF, xorout=0xFF) ---

var crc8Table [256]uint8

// --- CRC-16 reflected (poly=0x8408, init=0x0000, xorout=0x0000) ---

var fcsTable [256]uint16

func init() {
	const poly8 = 0xB2 // reflected form of 0x4D
	const poly16 = 0x8408
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		fcs := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly8
			} else {
				crc >>= 1
			}
			if fcs&1 != 0 {
				fcs = (fcs >> 1) ^ poly16
			} else {
				fcs >>= 1
			}
		}
		crc8Table[i] = crc
		fcsTable[i] = fcs
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc = (crc >> 8) ^ fcsTable[(crc^uint16(b))&0xFF]
	}
	return crc
}

// --- Encode ---

// zbossEncodeRequest builds a complete LL data frame carrying one HL request.
// pktSeq is the 2-bit LL packet sequence number.
func zbossEncodeRequest(callID uint16, tsn uint8, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 0, 5+len(payload))
	hl = append(hl, zbossHLVersion, zbossHLRequest)
	hl = binary.LittleEndian.AppendUint16(hl, callID)
	hl = append(hl, tsn)
	hl = append(hl, payload...)
	return zbossEncodeDataFrame(pktSeq, hl)
}

// appendLLHeader appends signature, size, type, flags and the header CRC8.
// size counts itself plus everything after it.
func appendLLHeader(dst []byte, size uint16, flags uint8) []byte {
	dst = append(dst, zbossSig0, zbossSig1)
	start := len(dst)
	dst = binary.LittleEndian.AppendUint16(dst, size)
	dst = append(dst, zbossLLType, flags)
	return append(dst, zbossCRC8(dst[start:]))
}

// zbossEncodeDataFrame wraps HL data in a single-fragment LL data frame:
// header + CRC16(hl) + hl.
func zbossEncodeDataFrame(pktSeq uint8, hl []byte) []byte {
	size := uint16(zbossLLHeaderSize - 2 + zbossBodyCRCSize + len(hl))
	flags := uint8(zbossFlagFirstFrag|zbossFlagLastFrag) | (pktSeq<<zbossFlagPktSeqShift)&zbossFlagPktSeqMask

	frame := make([]byte, 0, 2+int(size))
	frame = appendLLHeader(frame, size, flags)
	frame = binary.LittleEndian.AppendUint16(frame, zbossCRC16(hl))
	return append(frame, hl...)
}

// zbossEncodeACK builds a bodyless LL ACK frame.
func zbossEncodeACK(ackSeq uint8) []byte {
	flags := uint8(zbossFlagACK) | (ackSeq<<zbossFlagAckSeqShift)&zbossFlagAckSeqMask
	return appendLLHeader(make([]byte, 0, zbossLLHeaderSize), zbossLLHeaderSize-2, flags)
}

// --- Decode ---

// readRawZBOSSFrame reads one LL frame from r, skipping bytes until the
// signature. The returned slice includes the signature.
func readRawZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig1 {
			if b == zbossSig0 {
				_ = r.UnreadByte()
			}
			continue
		}
		break
	}

	var sizeBuf [2]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(sizeBuf[:])
	if size < 5 || size > zbossMaxFrameSize {
		return nil, fmt.Errorf("zboss: bad frame size %d", size)
	}

	frame := make([]byte, 2+int(size))
	frame[0], frame[1] = zbossSig0, zbossSig1
	copy(frame[2:4], sizeBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// hlHeaderLen is the HL header size per packet type.
var hlHeaderLen = map[uint8]int{
	zbossHLRequest:    5, // version, type, call id, tsn
	zbossHLResponse:   7, // + status category, status code
	zbossHLIndication: 4,
}

// zbossDecodeFrame validates and parses one raw frame as read by
// readRawZBOSSFrame.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}
	if want := zbossCRC8(data[2:6]); data[6] != want {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], want)
	}

	f := &zbossFrame{LL: zbossLLHeader{
		Length: binary.LittleEndian.Uint16(data[2:4]),
		Type:   data[4],
		Flags:  data[5],
	}}
	if f.LL.Type != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", f.LL.Type)
	}
	end := 2 + int(f.LL.Length)
	if end > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", end, len(data))
	}
	if zbossLLIsACK(f.LL.Flags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize:end]
	if len(body) < zbossBodyCRCSize {
		return nil, fmt.Errorf("zboss: body too short for CRC16: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if got, want := binary.LittleEndian.Uint16(body), zbossCRC16(hl); got != want {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	if len(hl) < 4 {
		return nil, fmt.Errorf("zboss: HL data too short: %d bytes", len(hl))
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])
	n, ok := hlHeaderLen[f.HL.PacketType]
	if !ok {
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}
	if len(hl) < n {
		return nil, fmt.Errorf("zboss: HL header truncated: type %d needs %d bytes, have %d", f.HL.PacketType, n, len(hl))
	}
	if n > 4 {
		f.HL.TSN = hl[4]
	}
	if n > 5 {
		f.HL.StatusCat, f.HL.StatusCode = hl[5], hl[6]
	}
	if n < len(hl) {
		f.Payload = bytes.Clone(hl[n:])
	}
	return f, nil
}

// --- Inter-PAN payloads ---

const (
	intrpReqHeaderSize = 18
	intrpIndHeaderSize = 29
)

// buildInterPANReq builds the INTRP_DATA_REQ payload:
// data_len(2) + dst_addr_mode(1) + dst_pan_id(2) + dst_addr(8) +
// profile_id(2) + cluster_id(2) + asdu_handle(1) + data.
func buildInterPANReq(f InterPANFrame, handle uint8) []byte {
	mode, dst := zbossAddrModeIEEE, f.Dst
	if f.Broadcast() {
		mode, dst = zbossAddrModeShort, 0xffff
	}
	buf := make([]byte, 0, intrpReqHeaderSize+len(f.Payload))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Payload)))
	buf = append(buf, mode)
	buf = binary.LittleEndian.AppendUint16(buf, f.DstPanID)
	buf = binary.LittleEndian.AppendUint64(buf, dst)
	buf = binary.LittleEndian.AppendUint16(buf, f.ProfileID)
	buf = binary.LittleEndian.AppendUint16(buf, f.ClusterID)
	buf = append(buf, handle)
	return append(buf, f.Payload...)
}

// parseInterPANInd parses an INTRP_DATA_IND payload:
// data_len(2) + src_pan_id(2) + src_addr(8) + dst_addr_mode(1) + dst_pan_id(2) +
// dst_addr(8) + profile_id(2) + cluster_id(2) + lqi(1) + rssi(1) + data.
func parseInterPANInd(p []byte) (InterPANFrame, error) {
	var f InterPANFrame
	if len(p) < intrpIndHeaderSize {
		return f, fmt.Errorf("zboss: inter-PAN indication too short: %d bytes", len(p))
	}
	dataLen := int(binary.LittleEndian.Uint16(p[0:2]))
	if len(p) < intrpIndHeaderSize+dataLen {
		return f, fmt.Errorf("zboss: inter-PAN data truncated: need %d, have %d", intrpIndHeaderSize+dataLen, len(p))
	}
	f.Src = binary.LittleEndian.Uint64(p[4:12])
	f.Dst = BroadcastAddr
	if p[12] == zbossAddrModeIEEE {
		f.Dst = binary.LittleEndian.Uint64(p[15:23])
	}
	f.DstPanID = binary.LittleEndian.Uint16(p[13:15])
	f.ProfileID = binary.LittleEndian.Uint16(p[23:25])
	f.ClusterID = binary.LittleEndian.Uint16(p[25:27])
	f.LQI = p[27]
	f.RSSI = int8(p[28])
	f.Payload = make([]byte, dataLen)
	copy(f.Payload, p[intrpIndHeaderSize:intrpIndHeaderSize+dataLen])
	return f, nil
}

// buildSimpleDescPayload builds the AF_SET_SIMPLE_DESC payload.
func buildSimpleDescPayload(ep uint8, profileID, deviceID uint16, devVersion uint8, inClusters, outClusters []uint16) []byte {
	buf := make([]byte, 0, 8+2*(len(inClusters)+len(outClusters)))
	buf = append(buf, ep)
	buf = binary.LittleEndian.AppendUint16(buf, profileID)
	buf = binary.LittleEndian.AppendUint16(buf, deviceID)
	buf = append(buf, devVersion, uint8(len(inClusters)), uint8(len(outClusters)))
	for _, c := range slices.Concat(inClusters, outClusters) {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	return buf
}
