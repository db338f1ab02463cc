package zcl

import "fmt"

// Touchlink commissioning cluster and ZLL profile identifiers.
const (
	ClusterTouchlink uint16 = 0x1000
	ProfileZLL       uint16 = 0xC05E
)

// CommandDirection indicates the direction of a cluster command.
type CommandDirection string

const (
	DirectionToServer CommandDirection = "toServer"
	DirectionToClient CommandDirection = "toClient"
)

// CommandDef defines a cluster-specific command.
type CommandDef struct {
	ID        uint8            `json:"id"`
	Name      string           `json:"name"`
	Direction CommandDirection `json:"direction"`
}

// ClusterDef defines a ZCL cluster with its commands.
type ClusterDef struct {
	ID       uint16       `json:"id"`
	Name     string       `json:"name"`
	Profile  uint16       `json:"profile"`
	Commands []CommandDef `json:"commands,omitempty"`
}

// FindCommand looks up a command by ID and direction.
func (c *ClusterDef) FindCommand(id uint8, dir CommandDirection) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].ID == id && c.Commands[i].Direction == dir {
			return &c.Commands[i]
		}
	}
	return nil
}

// TouchlinkCommissioning is the inter-PAN commissioning cluster.
var TouchlinkCommissioning = ClusterDef{
	ID:      ClusterTouchlink,
	Name:    "Touchlink Commissioning",
	Profile: ProfileZLL,
	Commands: []CommandDef{
		{ID: CmdScanRequest, Name: "ScanRequest", Direction: DirectionToServer},
		{ID: CmdDeviceInfoRequest, Name: "DeviceInformationRequest", Direction: DirectionToServer},
		{ID: CmdIdentifyRequest, Name: "IdentifyRequest", Direction: DirectionToServer},
		{ID: CmdFactoryResetRequest, Name: "ResetToFactoryNewRequest", Direction: DirectionToServer},
		{ID: CmdNetworkStartRequest, Name: "NetworkStartRequest", Direction: DirectionToServer},
		{ID: CmdJoinRouterRequest, Name: "NetworkJoinRouterRequest", Direction: DirectionToServer},
		{ID: CmdJoinEndDeviceRequest, Name: "NetworkJoinEndDeviceRequest", Direction: DirectionToServer},
		{ID: CmdNetworkUpdateRequest, Name: "NetworkUpdateRequest", Direction: DirectionToServer},
		{ID: CmdScanResponse, Name: "ScanResponse", Direction: DirectionToClient},
		{ID: CmdDeviceInfoResponse, Name: "DeviceInformationResponse", Direction: DirectionToClient},
		{ID: CmdNetworkStartResponse, Name: "NetworkStartResponse", Direction: DirectionToClient},
		{ID: CmdJoinRouterResponse, Name: "NetworkJoinRouterResponse", Direction: DirectionToClient},
		{ID: CmdJoinEndDeviceResponse, Name: "NetworkJoinEndDeviceResponse", Direction: DirectionToClient},
	},
}

// CommandName returns the touchlink command name for logs.
func CommandName(id uint8, dir CommandDirection) string {
	if cmd := TouchlinkCommissioning.FindCommand(id, dir); cmd != nil {
		return cmd.Name
	}
	return fmt.Sprintf("0x%02X", id)
}
