package touchlink

import (
	"time"

	"zll-bridge/internal/zcl"
)

// Event is an input to Machine.Step.
type Event interface{ isEvent() }

// StartCommand starts touchlink as initiator. ResetTarget asks the chosen
// target to return to factory new instead of joining it.
type StartCommand struct{ ResetTarget bool }

// ResetCommand returns the local node to factory new.
type ResetCommand struct{}

// Received is an inter-PAN touchlink frame addressed to this node.
type Received struct {
	Src         uint64
	LinkQuality uint8
	Message     zcl.Message
}

// TimerExpired reports that an armed timer fired.
type TimerExpired struct{ ID TimerID }

// LeaveConfirmed reports that the node left its network.
type LeaveConfirmed struct{}

// Network is one result of a network discovery.
type Network struct {
	ExtPanID uint64 `json:"ext_pan_id"`
	PanID    uint16 `json:"pan_id"`
	Channel  uint8  `json:"channel"`
}

// DiscoveryDone carries the networks found by a Discover effect.
type DiscoveryDone struct{ Networks []Network }

func (StartCommand) isEvent()   {}
func (ResetCommand) isEvent()   {}
func (Received) isEvent()       {}
func (TimerExpired) isEvent()   {}
func (LeaveConfirmed) isEvent() {}
func (DiscoveryDone) isEvent()  {}

// TimerID identifies a one-shot timer. Zero is never issued.
type TimerID uint32

// Effect is an action requested by Machine.Step, applied in order.
type Effect interface{ isEffect() }

type (
	SetChannel struct{ Channel uint8 }
	SetTxPower struct{ Power int8 }
	// Send transmits an inter-PAN frame. Broadcast frames ignore Dst.
	Send struct {
		Broadcast bool
		Dst       uint64
		Msg       zcl.Message
	}
	ArmTimer struct {
		ID    TimerID
		After time.Duration
	}
	CancelTimer    struct{ ID TimerID }
	ProgramNetwork struct{ Params NetworkParams }
	StartAsRouter  struct{}
	Announce       struct{}
	// AdmitJoiner lets the initiator join the network just formed.
	AdmitJoiner struct {
		IEEE       uint64
		ShortAddr  uint16
		Capability uint8
	}
	Leave           struct{}
	Discover        struct{}
	Identify        struct{ Duration uint16 }
	Persist         struct{ Role NodeRole }
	EraseAndRestart struct{}
	Notify          struct {
		Kind NotifyKind
		Peer PeerInfo
	}
)

func (SetChannel) isEffect()      {}
func (SetTxPower) isEffect()      {}
func (Send) isEffect()            {}
func (ArmTimer) isEffect()        {}
func (CancelTimer) isEffect()     {}
func (ProgramNetwork) isEffect()  {}
func (StartAsRouter) isEffect()   {}
func (Announce) isEffect()        {}
func (AdmitJoiner) isEffect()     {}
func (Leave) isEffect()           {}
func (Discover) isEffect()        {}
func (Identify) isEffect()        {}
func (Persist) isEffect()         {}
func (EraseAndRestart) isEffect() {}
func (Notify) isEffect()          {}

// NotifyKind classifies application notifications.
type NotifyKind string

const (
	NotifyTargetAcquired NotifyKind = "target_acquired"
	NotifyJoined         NotifyKind = "joined"
	NotifyNetworkStarted NotifyKind = "network_started"
	NotifyNetworkUpdated NotifyKind = "network_updated"
	NotifyFactoryReset   NotifyKind = "factory_reset"
	NotifyNodeReset      NotifyKind = "node_reset"
	NotifyAborted        NotifyKind = "aborted"
)
