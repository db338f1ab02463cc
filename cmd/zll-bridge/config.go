package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/touchlink"
)

type Config struct {
	NCP struct {
		Type     string `yaml:"type"` // "nrf52840" or "sim"
		Port     string `yaml:"port"`
		Baud     int    `yaml:"baud"`
		Endpoint uint8  `yaml:"endpoint"`
		Sim      struct {
			IEEE  string   `yaml:"ieee"`
			LQI   uint8    `yaml:"lqi"`
			Peers []string `yaml:"peers"` // factory new targets on the same medium
		} `yaml:"sim"`
	} `yaml:"ncp"`
	Node struct {
		EndDevice      bool   `yaml:"end_device"`
		DeviceID       uint16 `yaml:"device_id"`
		DefaultChannel uint8  `yaml:"default_channel"`
		LQIMinimum     int    `yaml:"lqi_minimum"`
		RSSICorrection uint8  `yaml:"rssi_correction"`
	} `yaml:"node"`
	Touchlink struct {
		KeyMask          uint16           `yaml:"key_mask"`
		MasterKey        string           `yaml:"master_key"`
		CertificationKey string           `yaml:"certification_key"`
		Timing           touchlink.Timing `yaml:"timing"`
	} `yaml:"touchlink"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Capture struct {
		Path string `yaml:"path"` // empty disables capture
	} `yaml:"capture"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

const allKeyMasks = touchlink.KeyMaskTest | touchlink.KeyMaskMaster | touchlink.KeyMaskCertification

func (c *Config) validate() error {
	switch c.NCP.Type {
	case "nrf52840":
		if c.NCP.Port == "" {
			return fmt.Errorf("ncp.port is required")
		}
	case "sim":
		if _, err := coordinator.ParseIEEE(c.NCP.Sim.IEEE); err != nil {
			return fmt.Errorf("ncp.sim.ieee: %w", err)
		}
		for _, p := range c.NCP.Sim.Peers {
			if _, err := coordinator.ParseIEEE(p); err != nil {
				return fmt.Errorf("ncp.sim.peers: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown ncp.type %q (supported: nrf52840, sim)", c.NCP.Type)
	}
	if c.Node.DefaultChannel < 11 || c.Node.DefaultChannel > 26 {
		return fmt.Errorf("node.default_channel must be 11-26, got %d", c.Node.DefaultChannel)
	}
	if c.Node.LQIMinimum < 0 || c.Node.LQIMinimum > 255 {
		return fmt.Errorf("node.lqi_minimum must be 0-255, got %d", c.Node.LQIMinimum)
	}
	if c.Touchlink.KeyMask == 0 || c.Touchlink.KeyMask&^allKeyMasks != 0 {
		return fmt.Errorf("touchlink.key_mask 0x%04X: only test, master and certification keys are supported", c.Touchlink.KeyMask)
	}
	for name, key := range map[string]string{
		"touchlink.master_key":        c.Touchlink.MasterKey,
		"touchlink.certification_key": c.Touchlink.CertificationKey,
	} {
		if key == "" {
			continue
		}
		if _, err := touchlink.ParseKey(key); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := validateTiming(c.Touchlink.Timing); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func validateTiming(t touchlink.Timing) error {
	for name, d := range map[string]int64{
		"start":               int64(t.Start),
		"scan_window":         int64(t.ScanWindow),
		"scan_done":           int64(t.ScanDone),
		"device_info_wait":    int64(t.DeviceInfoWait),
		"response_wait":       int64(t.ResponseWait),
		"router_start_up":     int64(t.RouterStartUp),
		"end_device_start_up": int64(t.EndDeviceStartUp),
		"inform_delay":        int64(t.InformDelay),
		"end_device_inform":   int64(t.EndDeviceInform),
		"reset_sent":          int64(t.ResetSent),
		"target_settle":       int64(t.TargetSettle),
		"inter_pan_lifetime":  int64(t.InterPANLifetime),
		"discovery_wait":      int64(t.DiscoveryWait),
		"leave_wait":          int64(t.LeaveWait),
	} {
		if d <= 0 {
			return fmt.Errorf("touchlink.timing.%s must be positive", name)
		}
	}
	return nil
}

// touchlinkConfig builds the engine configuration for the local node.
func (c *Config) touchlinkConfig() (touchlink.Config, error) {
	tc := touchlink.DefaultConfig()
	tc.EndDevice = c.Node.EndDevice
	tc.RxOnWhenIdle = !c.Node.EndDevice
	tc.DefaultChannel = c.Node.DefaultChannel
	tc.LQIMinimum = c.Node.LQIMinimum
	tc.RSSICorrection = c.Node.RSSICorrection
	tc.KeyMask = c.Touchlink.KeyMask
	tc.Timing = c.Touchlink.Timing
	tc.Endpoints[0].Endpoint = c.NCP.Endpoint
	tc.Endpoints[0].DeviceID = c.Node.DeviceID

	if c.Touchlink.MasterKey != "" {
		k, err := touchlink.ParseKey(c.Touchlink.MasterKey)
		if err != nil {
			return tc, fmt.Errorf("master key: %w", err)
		}
		tc.Keys.Master = k
	}
	if c.Touchlink.CertificationKey != "" {
		k, err := touchlink.ParseKey(c.Touchlink.CertificationKey)
		if err != nil {
			return tc, fmt.Errorf("certification key: %w", err)
		}
		tc.Keys.Certification = k
	}
	return tc, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	// Timings are merged field by field over the protocol defaults.
	cfg.Touchlink.Timing = touchlink.DefaultTiming()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.NCP.Type == "" {
		cfg.NCP.Type = "nrf52840"
	}
	if cfg.NCP.Baud == 0 {
		cfg.NCP.Baud = 460800
	}
	if cfg.NCP.Endpoint == 0 {
		cfg.NCP.Endpoint = 1
	}
	if cfg.NCP.Sim.IEEE == "" {
		cfg.NCP.Sim.IEEE = "00124B0000000001"
	}
	if cfg.NCP.Sim.LQI == 0 {
		cfg.NCP.Sim.LQI = 200
	}
	if cfg.Node.DeviceID == 0 {
		cfg.Node.DeviceID = 0x0210 // extended color light
	}
	if cfg.Node.DefaultChannel == 0 {
		cfg.Node.DefaultChannel = touchlink.DefaultChannel
	}
	if cfg.Node.LQIMinimum == 0 {
		cfg.Node.LQIMinimum = touchlink.LQIMinimum
	}
	if cfg.Touchlink.KeyMask == 0 {
		cfg.Touchlink.KeyMask = touchlink.DefaultConfig().KeyMask
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zll-bridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zll"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}
