package zcl

import "encoding/binary"

// Touchlink command IDs.
const (
	CmdScanRequest           uint8 = 0x00
	CmdScanResponse          uint8 = 0x01
	CmdDeviceInfoRequest     uint8 = 0x02
	CmdDeviceInfoResponse    uint8 = 0x03
	CmdIdentifyRequest       uint8 = 0x06
	CmdFactoryResetRequest   uint8 = 0x07
	CmdNetworkStartRequest   uint8 = 0x10
	CmdNetworkStartResponse  uint8 = 0x11
	CmdJoinRouterRequest     uint8 = 0x12
	CmdJoinRouterResponse    uint8 = 0x13
	CmdJoinEndDeviceRequest  uint8 = 0x14
	CmdJoinEndDeviceResponse uint8 = 0x15
	CmdNetworkUpdateRequest  uint8 = 0x16
)

// Zigbee information field.
const (
	ZigbeeInfoTypeMask     uint8 = 0x03
	ZigbeeInfoCoordinator  uint8 = 0x00
	ZigbeeInfoRouter       uint8 = 0x01
	ZigbeeInfoEndDevice    uint8 = 0x02
	ZigbeeInfoRxOnWhenIdle uint8 = 0x04
)

// ZLL information field.
const (
	ZLLInfoFactoryNew    uint8 = 0x01
	ZLLInfoAddressAssign uint8 = 0x02
	ZLLInfoLinkInitiator uint8 = 0x10
)

// Response status values.
const (
	StatusSuccess uint8 = 0x00
	StatusFailure uint8 = 0x01
)

// MaxDeviceInfoRecords bounds the records carried by one device information response.
const MaxDeviceInfoRecords = 16

// Message is one touchlink command payload.
type Message interface {
	CommandID() uint8
	Direction() CommandDirection
	// Transaction returns the inter-PAN transaction identifier.
	Transaction() uint32

	appendPayload(b []byte) []byte
	decodePayload(r *reader)
}

func newMessage(cmd uint8) Message {
	switch cmd {
	case CmdScanRequest:
		return &ScanRequest{}
	case CmdScanResponse:
		return &ScanResponse{}
	case CmdDeviceInfoRequest:
		return &DeviceInfoRequest{}
	case CmdDeviceInfoResponse:
		return &DeviceInfoResponse{}
	case CmdIdentifyRequest:
		return &IdentifyRequest{}
	case CmdFactoryResetRequest:
		return &FactoryResetRequest{}
	case CmdNetworkStartRequest:
		return &NetworkStartRequest{}
	case CmdNetworkStartResponse:
		return &NetworkStartResponse{}
	case CmdJoinRouterRequest:
		return &JoinRouterRequest{}
	case CmdJoinRouterResponse:
		return &JoinRouterResponse{}
	case CmdJoinEndDeviceRequest:
		return &JoinEndDeviceRequest{}
	case CmdJoinEndDeviceResponse:
		return &JoinEndDeviceResponse{}
	case CmdNetworkUpdateRequest:
		return &NetworkUpdateRequest{}
	}
	return nil
}

func putU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func putU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func putU64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

// ScanRequest is broadcast by an initiator on every probed channel.
type ScanRequest struct {
	TransactionID uint32 `json:"transaction_id"`
	ZigbeeInfo    uint8  `json:"zigbee_info"`
	ZLLInfo       uint8  `json:"zll_info"`
}

func (m *ScanRequest) CommandID() uint8            { return CmdScanRequest }
func (m *ScanRequest) Direction() CommandDirection { return DirectionToServer }
func (m *ScanRequest) Transaction() uint32         { return m.TransactionID }

func (m *ScanRequest) appendPayload(b []byte) []byte {
	b = putU32(b, m.TransactionID)
	return append(b, m.ZigbeeInfo, m.ZLLInfo)
}

func (m *ScanRequest) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.ZigbeeInfo = r.u8()
	m.ZLLInfo = r.u8()
}

// ScanResponse advertises a target and the network it offers.
// The endpoint fields are present on the wire only when SubDevices is 1.
type ScanResponse struct {
	TransactionID  uint32 `json:"transaction_id"`
	RSSICorrection uint8  `json:"rssi_correction"`
	ZigbeeInfo     uint8  `json:"zigbee_info"`
	ZLLInfo        uint8  `json:"zll_info"`
	KeyBitmask     uint16 `json:"key_bitmask"`
	ResponseID     uint32 `json:"response_id"`
	ExtPanID       uint64 `json:"ext_pan_id"`
	UpdateID       uint8  `json:"update_id"`
	Channel        uint8  `json:"channel"`
	PanID          uint16 `json:"pan_id"`
	NetworkAddress uint16 `json:"network_address"`
	SubDevices     uint8  `json:"sub_devices"`
	TotalGroups    uint8  `json:"total_groups"`

	Endpoint   uint8  `json:"endpoint,omitempty"`
	ProfileID  uint16 `json:"profile_id,omitempty"`
	DeviceID   uint16 `json:"device_id,omitempty"`
	Version    uint8  `json:"version,omitempty"`
	GroupCount uint8  `json:"group_count,omitempty"`
}

func (m *ScanResponse) CommandID() uint8            { return CmdScanResponse }
func (m *ScanResponse) Direction() CommandDirection { return DirectionToClient }
func (m *ScanResponse) Transaction() uint32         { return m.TransactionID }

// FactoryNew reports whether the responder has never joined a network.
func (m *ScanResponse) FactoryNew() bool { return m.ZLLInfo&ZLLInfoFactoryNew != 0 }

// EndDevice reports whether the responder is a plain end device.
func (m *ScanResponse) EndDevice() bool {
	return m.ZigbeeInfo&ZigbeeInfoTypeMask == ZigbeeInfoEndDevice
}

// AddressAssignment reports whether the responder can hand out addresses.
func (m *ScanResponse) AddressAssignment() bool { return m.ZLLInfo&ZLLInfoAddressAssign != 0 }

func (m *ScanResponse) appendPayload(b []byte) []byte {
	b = putU32(b, m.TransactionID)
	b = append(b, m.RSSICorrection, m.ZigbeeInfo, m.ZLLInfo)
	b = putU16(b, m.KeyBitmask)
	b = putU32(b, m.ResponseID)
	b = putU64(b, m.ExtPanID)
	b = append(b, m.UpdateID, m.Channel)
	b = putU16(b, m.PanID)
	b = putU16(b, m.NetworkAddress)
	b = append(b, m.SubDevices, m.TotalGroups)
	if m.SubDevices == 1 {
		b = append(b, m.Endpoint)
		b = putU16(b, m.ProfileID)
		b = putU16(b, m.DeviceID)
		b = append(b, m.Version, m.GroupCount)
	}
	return b
}

func (m *ScanResponse) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.RSSICorrection = r.u8()
	m.ZigbeeInfo = r.u8()
	m.ZLLInfo = r.u8()
	m.KeyBitmask = r.u16()
	m.ResponseID = r.u32()
	m.ExtPanID = r.u64()
	m.UpdateID = r.u8()
	m.Channel = r.u8()
	m.PanID = r.u16()
	m.NetworkAddress = r.u16()
	m.SubDevices = r.u8()
	m.TotalGroups = r.u8()
	if m.SubDevices == 1 {
		m.Endpoint = r.u8()
		m.ProfileID = r.u16()
		m.DeviceID = r.u16()
		m.Version = r.u8()
		m.GroupCount = r.u8()
	}
}

// DeviceInfoRecord describes one endpoint of a touchlink device.
type DeviceInfoRecord struct {
	IEEE       uint64 `json:"ieee" yaml:"-"`
	Endpoint   uint8  `json:"endpoint" yaml:"endpoint"`
	ProfileID  uint16 `json:"profile_id" yaml:"profile_id"`
	DeviceID   uint16 `json:"device_id" yaml:"device_id"`
	Version    uint8  `json:"version" yaml:"version"`
	GroupCount uint8  `json:"group_count" yaml:"group_count"`
	Sort       uint8  `json:"sort" yaml:"sort"`
}

// DeviceInfoRequest asks for endpoint records from StartIndex on.
type DeviceInfoRequest struct {
	TransactionID uint32 `json:"transaction_id"`
	StartIndex    uint8  `json:"start_index"`
}

func (m *DeviceInfoRequest) CommandID() uint8            { return CmdDeviceInfoRequest }
func (m *DeviceInfoRequest) Direction() CommandDirection { return DirectionToServer }
func (m *DeviceInfoRequest) Transaction() uint32         { return m.TransactionID }

func (m *DeviceInfoRequest) appendPayload(b []byte) []byte {
	return append(putU32(b, m.TransactionID), m.StartIndex)
}

func (m *DeviceInfoRequest) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.StartIndex = r.u8()
}

// DeviceInfoResponse carries endpoint records of the responder.
type DeviceInfoResponse struct {
	TransactionID uint32             `json:"transaction_id"`
	SubDevices    uint8              `json:"sub_devices"`
	StartIndex    uint8              `json:"start_index"`
	Records       []DeviceInfoRecord `json:"records"`
}

func (m *DeviceInfoResponse) CommandID() uint8            { return CmdDeviceInfoResponse }
func (m *DeviceInfoResponse) Direction() CommandDirection { return DirectionToClient }
func (m *DeviceInfoResponse) Transaction() uint32         { return m.TransactionID }

func (m *DeviceInfoResponse) appendPayload(b []byte) []byte {
	b = putU32(b, m.TransactionID)
	b = append(b, m.SubDevices, m.StartIndex, uint8(len(m.Records)))
	for _, rec := range m.Records {
		b = putU64(b, rec.IEEE)
		b = append(b, rec.Endpoint)
		b = putU16(b, rec.ProfileID)
		b = putU16(b, rec.DeviceID)
		b = append(b, rec.Version, rec.GroupCount, rec.Sort)
	}
	return b
}

func (m *DeviceInfoResponse) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.SubDevices = r.u8()
	m.StartIndex = r.u8()
	count := int(r.u8())
	// 16 bytes per record.
	if r.err == nil && count*16 > r.remaining() {
		r.err = ErrTruncated
		return
	}
	m.Records = make([]DeviceInfoRecord, 0, count)
	for i := 0; i < count; i++ {
		var rec DeviceInfoRecord
		rec.IEEE = r.u64()
		rec.Endpoint = r.u8()
		rec.ProfileID = r.u16()
		rec.DeviceID = r.u16()
		rec.Version = r.u8()
		rec.GroupCount = r.u8()
		rec.Sort = r.u8()
		m.Records = append(m.Records, rec)
	}
}

// IdentifyRequest asks the target to identify itself for Duration seconds.
type IdentifyRequest struct {
	TransactionID uint32 `json:"transaction_id"`
	Duration      uint16 `json:"duration"`
}

func (m *IdentifyRequest) CommandID() uint8            { return CmdIdentifyRequest }
func (m *IdentifyRequest) Direction() CommandDirection { return DirectionToServer }
func (m *IdentifyRequest) Transaction() uint32         { return m.TransactionID }

func (m *IdentifyRequest) appendPayload(b []byte) []byte {
	return putU16(putU32(b, m.TransactionID), m.Duration)
}

func (m *IdentifyRequest) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.Duration = r.u16()
}

// FactoryResetRequest asks a commissioned target to leave and reset.
type FactoryResetRequest struct {
	TransactionID uint32 `json:"transaction_id"`
}

func (m *FactoryResetRequest) CommandID() uint8            { return CmdFactoryResetRequest }
func (m *FactoryResetRequest) Direction() CommandDirection { return DirectionToServer }
func (m *FactoryResetRequest) Transaction() uint32         { return m.TransactionID }

func (m *FactoryResetRequest) appendPayload(b []byte) []byte {
	return putU32(b, m.TransactionID)
}

func (m *FactoryResetRequest) decodePayload(r *reader) {
	m.TransactionID = r.u32()
}

// NetworkStartRequest asks a factory-new target to form a new network.
type NetworkStartRequest struct {
	TransactionID    uint32   `json:"transaction_id"`
	ExtPanID         uint64   `json:"ext_pan_id"`
	KeyIndex         uint8    `json:"key_index"`
	EncryptedKey     [16]byte `json:"-"`
	Channel          uint8    `json:"channel"`
	PanID            uint16   `json:"pan_id"`
	NetworkAddress   uint16   `json:"network_address"`
	GroupBegin       uint16   `json:"group_begin"`
	GroupEnd         uint16   `json:"group_end"`
	FreeAddrBegin    uint16   `json:"free_addr_begin"`
	FreeAddrEnd      uint16   `json:"free_addr_end"`
	FreeGroupBegin   uint16   `json:"free_group_begin"`
	FreeGroupEnd     uint16   `json:"free_group_end"`
	InitiatorIEEE    uint64   `json:"initiator_ieee"`
	InitiatorAddress uint16   `json:"initiator_address"`
}

func (m *NetworkStartRequest) CommandID() uint8            { return CmdNetworkStartRequest }
func (m *NetworkStartRequest) Direction() CommandDirection { return DirectionToServer }
func (m *NetworkStartRequest) Transaction() uint32         { return m.TransactionID }

func (m *NetworkStartRequest) appendPayload(b []byte) []byte {
	b = putU32(b, m.TransactionID)
	b = putU64(b, m.ExtPanID)
	b = append(b, m.KeyIndex)
	b = append(b, m.EncryptedKey[:]...)
	b = append(b, m.Channel)
	for _, v := range []uint16{m.PanID, m.NetworkAddress, m.GroupBegin, m.GroupEnd,
		m.FreeAddrBegin, m.FreeAddrEnd, m.FreeGroupBegin, m.FreeGroupEnd} {
		b = putU16(b, v)
	}
	b = putU64(b, m.InitiatorIEEE)
	return putU16(b, m.InitiatorAddress)
}

func (m *NetworkStartRequest) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.ExtPanID = r.u64()
	m.KeyIndex = r.u8()
	m.EncryptedKey = r.key()
	m.Channel = r.u8()
	m.PanID = r.u16()
	m.NetworkAddress = r.u16()
	m.GroupBegin = r.u16()
	m.GroupEnd = r.u16()
	m.FreeAddrBegin = r.u16()
	m.FreeAddrEnd = r.u16()
	m.FreeGroupBegin = r.u16()
	m.FreeGroupEnd = r.u16()
	m.InitiatorIEEE = r.u64()
	m.InitiatorAddress = r.u16()
}

// NetworkStartResponse reports the network the target formed.
type NetworkStartResponse struct {
	TransactionID uint32 `json:"transaction_id"`
	Status        uint8  `json:"status"`
	ExtPanID      uint64 `json:"ext_pan_id"`
	UpdateID      uint8  `json:"update_id"`
	Channel       uint8  `json:"channel"`
	PanID         uint16 `json:"pan_id"`
}

func (m *NetworkStartResponse) CommandID() uint8            { return CmdNetworkStartResponse }
func (m *NetworkStartResponse) Direction() CommandDirection { return DirectionToClient }
func (m *NetworkStartResponse) Transaction() uint32         { return m.TransactionID }

func (m *NetworkStartResponse) appendPayload(b []byte) []byte {
	b = append(putU32(b, m.TransactionID), m.Status)
	b = putU64(b, m.ExtPanID)
	b = append(b, m.UpdateID, m.Channel)
	return putU16(b, m.PanID)
}

func (m *NetworkStartResponse) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.Status = r.u8()
	m.ExtPanID = r.u64()
	m.UpdateID = r.u8()
	m.Channel = r.u8()
	m.PanID = r.u16()
}

// JoinParams is the common body of the router and end-device join requests.
type JoinParams struct {
	TransactionID  uint32   `json:"transaction_id"`
	ExtPanID       uint64   `json:"ext_pan_id"`
	KeyIndex       uint8    `json:"key_index"`
	EncryptedKey   [16]byte `json:"-"`
	UpdateID       uint8    `json:"update_id"`
	Channel        uint8    `json:"channel"`
	PanID          uint16   `json:"pan_id"`
	NetworkAddress uint16   `json:"network_address"`
	GroupBegin     uint16   `json:"group_begin"`
	GroupEnd       uint16   `json:"group_end"`
	FreeAddrBegin  uint16   `json:"free_addr_begin"`
	FreeAddrEnd    uint16   `json:"free_addr_end"`
	FreeGroupBegin uint16   `json:"free_group_begin"`
	FreeGroupEnd   uint16   `json:"free_group_end"`
}

func (p *JoinParams) Transaction() uint32 { return p.TransactionID }

func (p *JoinParams) appendPayload(b []byte) []byte {
	b = putU32(b, p.TransactionID)
	b = putU64(b, p.ExtPanID)
	b = append(b, p.KeyIndex)
	b = append(b, p.EncryptedKey[:]...)
	b = append(b, p.UpdateID, p.Channel)
	for _, v := range []uint16{p.PanID, p.NetworkAddress, p.GroupBegin, p.GroupEnd,
		p.FreeAddrBegin, p.FreeAddrEnd, p.FreeGroupBegin, p.FreeGroupEnd} {
		b = putU16(b, v)
	}
	return b
}

func (p *JoinParams) decodePayload(r *reader) {
	p.TransactionID = r.u32()
	p.ExtPanID = r.u64()
	p.KeyIndex = r.u8()
	p.EncryptedKey = r.key()
	p.UpdateID = r.u8()
	p.Channel = r.u8()
	p.PanID = r.u16()
	p.NetworkAddress = r.u16()
	p.GroupBegin = r.u16()
	p.GroupEnd = r.u16()
	p.FreeAddrBegin = r.u16()
	p.FreeAddrEnd = r.u16()
	p.FreeGroupBegin = r.u16()
	p.FreeGroupEnd = r.u16()
}

// JoinRouterRequest asks a target to join the initiator's network as a router.
type JoinRouterRequest struct {
	JoinParams
}

func (m *JoinRouterRequest) CommandID() uint8            { return CmdJoinRouterRequest }
func (m *JoinRouterRequest) Direction() CommandDirection { return DirectionToServer }

// JoinEndDeviceRequest asks a target to join the initiator's network as an end device.
type JoinEndDeviceRequest struct {
	JoinParams
}

func (m *JoinEndDeviceRequest) CommandID() uint8            { return CmdJoinEndDeviceRequest }
func (m *JoinEndDeviceRequest) Direction() CommandDirection { return DirectionToServer }

// JoinRouterResponse acknowledges a router join request.
type JoinRouterResponse struct {
	TransactionID uint32 `json:"transaction_id"`
	Status        uint8  `json:"status"`
}

func (m *JoinRouterResponse) CommandID() uint8            { return CmdJoinRouterResponse }
func (m *JoinRouterResponse) Direction() CommandDirection { return DirectionToClient }
func (m *JoinRouterResponse) Transaction() uint32         { return m.TransactionID }

func (m *JoinRouterResponse) appendPayload(b []byte) []byte {
	return append(putU32(b, m.TransactionID), m.Status)
}

func (m *JoinRouterResponse) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.Status = r.u8()
}

// JoinEndDeviceResponse acknowledges an end-device join request.
type JoinEndDeviceResponse struct {
	TransactionID uint32 `json:"transaction_id"`
	Status        uint8  `json:"status"`
}

func (m *JoinEndDeviceResponse) CommandID() uint8            { return CmdJoinEndDeviceResponse }
func (m *JoinEndDeviceResponse) Direction() CommandDirection { return DirectionToClient }
func (m *JoinEndDeviceResponse) Transaction() uint32         { return m.TransactionID }

func (m *JoinEndDeviceResponse) appendPayload(b []byte) []byte {
	return append(putU32(b, m.TransactionID), m.Status)
}

func (m *JoinEndDeviceResponse) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.Status = r.u8()
}

// NetworkUpdateRequest pushes fresher network parameters to a peer on the same network.
type NetworkUpdateRequest struct {
	TransactionID  uint32 `json:"transaction_id"`
	ExtPanID       uint64 `json:"ext_pan_id"`
	UpdateID       uint8  `json:"update_id"`
	Channel        uint8  `json:"channel"`
	PanID          uint16 `json:"pan_id"`
	NetworkAddress uint16 `json:"network_address"`
}

func (m *NetworkUpdateRequest) CommandID() uint8            { return CmdNetworkUpdateRequest }
func (m *NetworkUpdateRequest) Direction() CommandDirection { return DirectionToServer }
func (m *NetworkUpdateRequest) Transaction() uint32         { return m.TransactionID }

func (m *NetworkUpdateRequest) appendPayload(b []byte) []byte {
	b = putU32(b, m.TransactionID)
	b = putU64(b, m.ExtPanID)
	b = append(b, m.UpdateID, m.Channel)
	b = putU16(b, m.PanID)
	return putU16(b, m.NetworkAddress)
}

func (m *NetworkUpdateRequest) decodePayload(r *reader) {
	m.TransactionID = r.u32()
	m.ExtPanID = r.u64()
	m.UpdateID = r.u8()
	m.Channel = r.u8()
	m.PanID = r.u16()
	m.NetworkAddress = r.u16()
}
