//go:build !no_automation

package main

import (
	"log/slog"

	"zll-bridge/internal/automation"
	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/web"
)

// initAutomation loads the scripts in cfg.ScriptsDir and starts the Lua
// engine. A missing or unreadable directory leaves automation off.
func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (stop func(), opts []web.ServerOption) {
	mgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("automation disabled", "dir", cfg.ScriptsDir, "err", err)
		return func() {}, nil
	}
	engine := automation.NewEngine(coord, mgr, logger)
	engine.Start()
	return engine.Stop, []web.ServerOption{web.WithAutomation(engine, mgr)}
}
