package store

import "time"

// IDRange is an inclusive range of short addresses or group ids.
type IDRange struct {
	Low  uint16 `json:"low"`
	High uint16 `json:"high"`
}

// NodeRole holds the persisted touchlink role of the local node.
// NetworkKey is hidden from API/JSON serialization via json:"-".
type NodeRole struct {
	FactoryNew  bool      `json:"factory_new"`
	Channel     uint8     `json:"channel"`
	ShortAddr   uint16    `json:"short_addr"`
	FreeAddr    IDRange   `json:"free_addr"`
	FreeGroup   IDRange   `json:"free_group"`
	ExtPanID    string    `json:"ext_pan_id"`
	PanID       uint16    `json:"pan_id"`
	UpdateID    uint8     `json:"update_id"`
	NetworkKey  string    `json:"-"`
	Groups      IDRange   `json:"groups"`
	TrustCenter string    `json:"trust_center"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// nodeRoleStorage is the internal struct used for DB serialization,
// preserving the network key on disk.
type nodeRoleStorage struct {
	FactoryNew  bool      `json:"factory_new"`
	Channel     uint8     `json:"channel"`
	ShortAddr   uint16    `json:"short_addr"`
	FreeAddr    IDRange   `json:"free_addr"`
	FreeGroup   IDRange   `json:"free_group"`
	ExtPanID    string    `json:"ext_pan_id"`
	PanID       uint16    `json:"pan_id"`
	UpdateID    uint8     `json:"update_id"`
	NetworkKey  string    `json:"network_key,omitempty"`
	Groups      IDRange   `json:"groups"`
	TrustCenter string    `json:"trust_center"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Record is one entry of the touchlink history log.
type Record struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Peer      string    `json:"peer,omitempty"`
	Channel   uint8     `json:"channel,omitempty"`
	PanID     uint16    `json:"pan_id,omitempty"`
	ShortAddr uint16    `json:"short_addr,omitempty"`
	LQI       int       `json:"lqi,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
