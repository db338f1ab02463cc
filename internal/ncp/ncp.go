// Package ncp defines the network co-processor the touchlink engine drives.
// Backends: nRF52840 (ZBOSS NCP over USB CDC ACM) and an in-memory simulated
// radio medium.
package ncp

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed NCP.
var ErrClosed = errors.New("ncp closed")

// BroadcastAddr is the inter-PAN destination reaching every listening node.
const BroadcastAddr uint64 = 0xffffffffffffffff

// NCP is the abstract interface for a Zigbee NCP device.
type NCP interface {
	// Lifecycle
	Reset(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	Init(ctx context.Context) error
	GetLocalIEEE(ctx context.Context) (uint64, error)

	// Radio
	SetChannel(ctx context.Context, channel uint8) error
	SetTxPower(ctx context.Context, dbm int8) error

	// Network
	SetNetwork(ctx context.Context, p NetworkParams) error
	StartRouter(ctx context.Context) error
	Announce(ctx context.Context) error
	AdmitJoiner(ctx context.Context, j Joiner) error
	Leave(ctx context.Context) error
	NetworkScan(ctx context.Context) ([]NetworkScanResult, error)

	// Inter-PAN
	SendInterPAN(ctx context.Context, f InterPANFrame) error

	// Indication callbacks
	OnInterPAN(handler func(InterPANFrame))
	OnLeaveConfirm(handler func())

	// Info
	GetNCPInfo() *NCPInfo

	Close() error
}

// NCPInfo holds firmware/stack version information from the NCP.
type NCPInfo struct {
	FWVersion       uint32 `json:"fw_version"`
	StackVersion    string `json:"stack_version"` // e.g. "3.11.3.0"
	ProtocolVersion uint32 `json:"protocol_version"`
	Backend         string `json:"backend"`
}

// NetworkParams programs the network the node operates on.
type NetworkParams struct {
	ExtPanID   uint64
	PanID      uint16
	Channel    uint8
	ShortAddr  uint16
	UpdateID   uint8
	NetworkKey [16]byte
}

// Joiner is a node allowed to join directly after a touchlink network start.
type Joiner struct {
	IEEE       uint64
	ShortAddr  uint16
	Capability uint8
}

// NetworkScanResult holds one discovered network from an active scan.
type NetworkScanResult struct {
	ExtPanID     uint64 `json:"ext_pan_id"`
	PanID        uint16 `json:"pan_id"`
	UpdateID     uint8  `json:"update_id"`
	Channel      uint8  `json:"channel"`
	StackProfile uint8  `json:"stack_profile"`
	PermitJoin   bool   `json:"permit_join"`
	RouterCap    bool   `json:"router_capacity"`
	EDCap        bool   `json:"end_device_capacity"`
	LQI          uint8  `json:"lqi"`
	RSSI         int8   `json:"rssi"`
}

// InterPANFrame is an inter-PAN APS frame. On transmit Src, LQI and RSSI are
// ignored; Dst is BroadcastAddr for broadcasts.
type InterPANFrame struct {
	Src       uint64
	Dst       uint64
	DstPanID  uint16
	ProfileID uint16
	ClusterID uint16
	Payload   []byte
	LQI       uint8
	RSSI      int8
}

// Broadcast reports whether the frame is addressed to every node.
func (f InterPANFrame) Broadcast() bool {
	return f.Dst == BroadcastAddr
}
