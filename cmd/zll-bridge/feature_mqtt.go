//go:build !no_mqtt

package main

import (
	"log/slog"

	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/mqtt"
)

// initMQTT connects the MQTT bridge when enabled. Connection failures are
// logged and the bridge runs without MQTT.
func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (stop func()) {
	if !cfg.MQTT.Enabled {
		return func() {}
	}
	m := cfg.MQTT
	bridge, err := mqtt.NewBridge(coord, mqtt.Config{
		Broker:      m.Broker,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		ClientID:    m.ClientID,
		Discovery:   m.Discovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "broker", m.Broker, "err", err)
		return func() {}
	}
	bridge.Start()
	return bridge.Stop
}
