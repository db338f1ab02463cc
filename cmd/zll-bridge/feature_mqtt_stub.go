//go:build no_mqtt

package main

import (
	"log/slog"

	"zll-bridge/internal/coordinator"
)

func initMQTT(*coordinator.Coordinator, *Config, *slog.Logger) func() {
	return func() {}
}
