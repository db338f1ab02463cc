package main

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zll-bridge/internal/capture"
	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/ncp"
	"zll-bridge/internal/store"
	"zll-bridge/internal/web"
	"zll-bridge/internal/zcl"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zll-bridge starting", "version", version, "ncp", cfg.NCP.Type)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	tlCfg, err := cfg.touchlinkConfig()
	if err != nil {
		return err
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var rec capture.Recorder
	if cfg.Capture.Path != "" {
		fl, err := capture.NewFileLogger(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("open capture log: %w", err)
		}
		defer fl.Close()
		rec = fl
		logger.Info("capturing inter-PAN frames", "path", cfg.Capture.Path)
	}

	backend, sim, err := createNCP(cfg, logger)
	if err != nil {
		return fmt.Errorf("create NCP backend: %w", err)
	}
	defer backend.Close()

	rnd, err := newRand()
	if err != nil {
		return err
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(backend, db, rec, events, tlCfg, coordinator.NCPConfig{
		Type: cfg.NCP.Type,
		Port: cfg.NCP.Port,
		Baud: cfg.NCP.Baud,
	}, rnd, logger.With("component", "coordinator"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = coord.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	if sim != nil {
		peers, err := startSimPeers(sim, cfg, logger)
		if err != nil {
			return err
		}
		defer peers.Stop()
	}

	// Start automation engine (no-op when built with no_automation tag).
	stopAutomation, autoWebOpts := initAutomation(coord, cfg, logger)
	defer stopAutomation()

	webServer := web.NewServer(coord, logger, webOptions(cfg, autoWebOpts)...)
	defer webServer.Stop()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	stopMQTT := initMQTT(coord, cfg, logger)
	defer stopMQTT()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serveHTTP(ctx, cfg.Web.Listen, webServer, logger)
}

func webOptions(cfg *Config, extra []web.ServerOption) []web.ServerOption {
	opts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	return append(opts, extra...)
}

// serveHTTP runs the API until ctx is cancelled, then shuts it down. A
// listener failure ends the bridge.
func serveHTTP(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	return nil
}

// createNCP returns the configured backend. For the sim backend it also
// returns the medium so that peers can be attached to it.
func createNCP(cfg *Config, logger *slog.Logger) (ncp.NCP, *ncp.Medium, error) {
	switch cfg.NCP.Type {
	case "nrf52840":
		logger.Info("using nRF52840 NCP (ZBOSS)", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)
		backend, err := ncp.NewNRF52840NCP(cfg.NCP.Port, cfg.NCP.Baud, ncp.Endpoint{
			ID:        cfg.NCP.Endpoint,
			ProfileID: zcl.ProfileZLL,
			DeviceID:  cfg.Node.DeviceID,
			Version:   2,
			Clusters:  []uint16{zcl.ClusterTouchlink},
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return backend, nil, nil
	case "sim":
		ieee, err := coordinator.ParseIEEE(cfg.NCP.Sim.IEEE)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using simulated NCP", "ieee", cfg.NCP.Sim.IEEE, "peers", len(cfg.NCP.Sim.Peers))
		medium := ncp.NewMedium(cfg.NCP.Sim.LQI)
		return medium.NewNode(ieee, logger), medium, nil
	default:
		return nil, nil, fmt.Errorf("unknown NCP type: %q (supported: nrf52840, sim)", cfg.NCP.Type)
	}
}

// newRand returns a ChaCha8 generator seeded from the OS. It feeds
// transaction ids, PAN ids and network keys, so it must not be predictable.
func newRand() (*rand.Rand, error) {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed random: %w", err)
	}
	return rand.New(rand.NewChaCha8(seed)), nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
