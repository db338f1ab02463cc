package touchlink

import "fmt"

// Range is an inclusive id range. A zero Low means exhausted or unknown.
type Range struct {
	Low  uint16 `json:"low" yaml:"low"`
	High uint16 `json:"high" yaml:"high"`
}

func (r Range) String() string {
	return fmt.Sprintf("0x%04X-0x%04X", r.Low, r.High)
}

// Empty reports whether the range holds no ids.
func (r Range) Empty() bool {
	return r.Low == 0 || r.High < r.Low
}

// NodeRole is the persistent touchlink state of the local node.
type NodeRole struct {
	FactoryNew  bool   `json:"factory_new"`
	Channel     uint8  `json:"channel"`
	ShortAddr   uint16 `json:"short_addr"`
	FreeAddr    Range  `json:"free_addr"`
	FreeGroup   Range  `json:"free_group"`
	ExtPanID    uint64 `json:"ext_pan_id"`
	PanID       uint16 `json:"pan_id"`
	UpdateID    uint8  `json:"update_id"`
	NetworkKey  Key    `json:"-"`
	Groups      Range  `json:"groups"`
	TrustCenter uint64 `json:"trust_center"`
}

// FactoryNewRole returns the role of a node that has never joined a network.
func FactoryNewRole() NodeRole {
	return NodeRole{
		FactoryNew: true,
		Channel:    DefaultChannel,
		ShortAddr:  0xffff,
		FreeAddr:   Range{Low: MinAddress, High: MaxAddress},
		FreeGroup:  Range{Low: MinGroup, High: MaxGroup},
	}
}

// NetworkParams describes the network a node operates on.
type NetworkParams struct {
	ExtPanID   uint64 `json:"ext_pan_id"`
	PanID      uint16 `json:"pan_id"`
	Channel    uint8  `json:"channel"`
	ShortAddr  uint16 `json:"short_addr"`
	UpdateID   uint8  `json:"update_id"`
	NetworkKey Key    `json:"-"`
}

// Network returns the network parameters held by the role.
func (r *NodeRole) Network() NetworkParams {
	return NetworkParams{
		ExtPanID:   r.ExtPanID,
		PanID:      r.PanID,
		Channel:    r.Channel,
		ShortAddr:  r.ShortAddr,
		UpdateID:   r.UpdateID,
		NetworkKey: r.NetworkKey,
	}
}

func (r *NodeRole) sameNetwork(extPanID uint64) bool {
	return !r.FactoryNew && r.ExtPanID == extPanID
}
