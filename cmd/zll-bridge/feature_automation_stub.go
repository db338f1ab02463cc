//go:build no_automation

package main

import (
	"log/slog"

	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/web"
)

func initAutomation(*coordinator.Coordinator, *Config, *slog.Logger) (func(), []web.ServerOption) {
	return func() {}, nil
}
