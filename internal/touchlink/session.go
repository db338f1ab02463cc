package touchlink

import "zll-bridge/internal/zcl"

// State is a commissioning state.
type State uint8

const (
	Idle State = iota
	Scanning
	ScanDone
	ScanWaitID
	ScanWaitInfo
	WaitStartRsp
	WaitJoinRouterRsp
	WaitJoinEndDeviceRsp
	WaitDiscovery
	ScanWaitResetSent
	SkipDiscovery
	StartRouter
	WaitLeave
	WaitLeaveReset
	WaitStartUp
	Active
	InformApp
)

var stateNames = [...]string{
	Idle:                 "idle",
	Scanning:             "scanning",
	ScanDone:             "scan_done",
	ScanWaitID:           "scan_wait_id",
	ScanWaitInfo:         "scan_wait_info",
	WaitStartRsp:         "wait_start_rsp",
	WaitJoinRouterRsp:    "wait_join_router_rsp",
	WaitJoinEndDeviceRsp: "wait_join_end_device_rsp",
	WaitDiscovery:        "wait_discovery",
	ScanWaitResetSent:    "scan_wait_reset_sent",
	SkipDiscovery:        "skip_discovery",
	StartRouter:          "start_router",
	WaitLeave:            "wait_leave",
	WaitLeaveReset:       "wait_leave_reset",
	WaitStartUp:          "wait_start_up",
	Active:               "active",
	InformApp:            "inform_app",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MAC capability bits derived from a peer's zigbee information.
const (
	capFullFunction uint8 = 0x02
	capMainsRxOn    uint8 = 0x0c
)

func macCapability(zigbeeInfo uint8) uint8 {
	var c uint8
	if zigbeeInfo&zcl.ZigbeeInfoTypeMask != zcl.ZigbeeInfoEndDevice {
		c |= capFullFunction
	}
	if zigbeeInfo&zcl.ZigbeeInfoRxOnWhenIdle != 0 {
		c |= capMainsRxOn
	}
	return c
}

// PeerInfo describes the partner reported to the application.
type PeerInfo struct {
	IEEE           uint64 `json:"ieee"`
	NetworkAddress uint16 `json:"network_address"`
	Endpoint       uint8  `json:"endpoint"`
	ProfileID      uint16 `json:"profile_id"`
	DeviceID       uint16 `json:"device_id"`
	Version        uint8  `json:"version"`
	Capability     uint8  `json:"capability"`
}

// Session is the transient state of one commissioning exchange.
//
// As initiator TransactionID is our nonce and ResponseID the one the chosen
// target answered with. As target TransactionID is the initiator's nonce and
// ResponseID ours. TheirTransactionID and TheirResponseID belong to the single
// scan response sent to a competing initiator while scanning.
type Session struct {
	State              State    `json:"state"`
	RetryCount         int      `json:"retry_count"`
	Flags              uint8    `json:"flags"`
	SecondScan         bool     `json:"second_scan"`
	Responded          bool     `json:"responded"`
	TransactionID      uint32   `json:"transaction_id"`
	ResponseID         uint32   `json:"response_id"`
	TheirTransactionID uint32   `json:"their_transaction_id"`
	TheirResponseID    uint32   `json:"their_response_id"`
	ScanChannel        uint8    `json:"scan_channel"`
	ResetTarget        bool     `json:"reset_target"`
	Peer               uint64   `json:"peer"`
	PeerInfo           PeerInfo `json:"peer_info"`

	scanIndex  int
	start      zcl.NetworkStartRequest
	networkKey Key
	next       NodeRole // initiator role once the target accepts
}
