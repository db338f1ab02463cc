package touchlink

import (
	"time"

	"zll-bridge/internal/zcl"
)

// Radio and protocol constants. Channel sets and address bounds come from the
// ZLL profile; transmit power values are local tuning.
const (
	LQIMinimum     = 110
	DefaultChannel = 15

	MinAddress = 0x0001
	MaxAddress = 0xfff7
	MinGroup   = 0x0001
	MaxGroup   = 0xfeff

	// maxRandomAddress bounds addresses picked when the free range is exhausted.
	maxRandomAddress = 0xfff6

	TxPowerNormal int8 = 64
	TxPowerLow    int8 = TxPowerNormal - 2

	// IdentifyDuration is the identify time in seconds sent to a chosen target.
	IdentifyDuration = 3
	// identifyDefault replaces the "device default" duration 0xffff.
	identifyDefault = 5

	// GroupsRequired is the number of group ids taken for local endpoints.
	GroupsRequired = 1

	// NoTrustCenter marks a distributed network formed through touchlink.
	NoTrustCenter uint64 = 0xffffffffffffffff

	broadcastAddr uint16 = 0xffff
)

// PrimaryChannels is probed first. Channel 11 is repeated on purpose so that
// most of the primary window is spent on the ZLL default channel.
var PrimaryChannels = []uint8{11, 11, 11, 11, 11, 15, 20, 25}

const (
	secondaryFirst = 12
	secondaryLast  = 26
)

func isPrimaryChannel(ch uint8) bool {
	return ch == 11 || ch == 15 || ch == 20 || ch == 25
}

// Timing holds every timer the engine arms.
type Timing struct {
	Start            time.Duration `yaml:"start"`
	ScanWindow       time.Duration `yaml:"scan_window"`
	ScanDone         time.Duration `yaml:"scan_done"`
	DeviceInfoWait   time.Duration `yaml:"device_info_wait"`
	ResponseWait     time.Duration `yaml:"response_wait"`
	RouterStartUp    time.Duration `yaml:"router_start_up"`
	EndDeviceStartUp time.Duration `yaml:"end_device_start_up"`
	InformDelay      time.Duration `yaml:"inform_delay"`
	EndDeviceInform  time.Duration `yaml:"end_device_inform"`
	ResetSent        time.Duration `yaml:"reset_sent"`
	TargetSettle     time.Duration `yaml:"target_settle"`
	InterPANLifetime time.Duration `yaml:"inter_pan_lifetime"`
	DiscoveryWait    time.Duration `yaml:"discovery_wait"`
	LeaveWait        time.Duration `yaml:"leave_wait"`
}

// DefaultTiming returns the protocol timings.
func DefaultTiming() Timing {
	return Timing{
		Start:            10 * time.Millisecond,
		ScanWindow:       250 * time.Millisecond,
		ScanDone:         10 * time.Millisecond,
		DeviceInfoWait:   2 * time.Second,
		ResponseWait:     2 * time.Second,
		RouterStartUp:    2 * time.Second,
		EndDeviceStartUp: 1 * time.Second,
		InformDelay:      1500 * time.Millisecond,
		EndDeviceInform:  6500 * time.Millisecond,
		ResetSent:        10 * time.Millisecond,
		TargetSettle:     10 * time.Millisecond,
		InterPANLifetime: 8 * time.Second,
		DiscoveryWait:    5 * time.Second,
		LeaveWait:        2 * time.Second,
	}
}

// Config describes the local node to the engine.
type Config struct {
	IEEE           uint64
	EndDevice      bool
	RxOnWhenIdle   bool
	KeyMask        uint16
	Keys           TransportKeys
	RSSICorrection uint8
	GroupsRequired uint8
	LQIMinimum     int
	DefaultChannel uint8
	Endpoints      []zcl.DeviceInfoRecord
	Timing         Timing
}

// DefaultConfig returns a router configuration with a single light endpoint.
func DefaultConfig() Config {
	return Config{
		RxOnWhenIdle:   true,
		KeyMask:        KeyMaskTest | KeyMaskMaster | KeyMaskCertification,
		Keys:           DefaultTransportKeys(),
		GroupsRequired: GroupsRequired,
		LQIMinimum:     LQIMinimum,
		DefaultChannel: DefaultChannel,
		Endpoints: []zcl.DeviceInfoRecord{
			{Endpoint: 1, ProfileID: zcl.ProfileZLL, DeviceID: 0x0210, Version: 2, GroupCount: GroupsRequired},
		},
		Timing: DefaultTiming(),
	}
}

func (c Config) zigbeeInfo() uint8 {
	info := zcl.ZigbeeInfoRouter
	if c.EndDevice {
		info = zcl.ZigbeeInfoEndDevice
	}
	if c.RxOnWhenIdle {
		info |= zcl.ZigbeeInfoRxOnWhenIdle
	}
	return info
}

func (c Config) records() []zcl.DeviceInfoRecord {
	out := make([]zcl.DeviceInfoRecord, len(c.Endpoints))
	for i, r := range c.Endpoints {
		r.IEEE = c.IEEE
		r.Sort = uint8(i)
		out[i] = r
	}
	return out
}

// Rand is the randomness the engine consumes. *math/rand/v2.Rand satisfies it.
type Rand interface {
	Uint32() uint32
	Uint64() uint64
}

// randRange returns a value in [lo, hi].
func randRange(r Rand, lo, hi uint32) uint32 {
	span := uint64(hi) - uint64(lo) + 1
	return lo + uint32(r.Uint64()%span)
}
