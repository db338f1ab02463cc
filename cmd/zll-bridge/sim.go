package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"zll-bridge/internal/coordinator"
	"zll-bridge/internal/ncp"
	"zll-bridge/internal/store"
	"zll-bridge/internal/touchlink"
)

// simPeer is a factory new light on the simulated medium with its own
// engine and store.
type simPeer struct {
	coord *coordinator.Coordinator
	radio *ncp.SimNCP
	db    *store.BoltStore
}

type simPeers []simPeer

func (p simPeers) Stop() {
	for _, peer := range p {
		peer.coord.Stop()
		peer.radio.Close()
		peer.db.Close()
	}
}

// startSimPeers attaches the configured peers to the medium. Each keeps its
// state next to the main store as sim-<ieee>.db.
func startSimPeers(medium *ncp.Medium, cfg *Config, logger *slog.Logger) (simPeers, error) {
	var peers simPeers
	for _, s := range cfg.NCP.Sim.Peers {
		ieee, err := coordinator.ParseIEEE(s)
		if err != nil {
			peers.Stop()
			return nil, err
		}
		peer, err := startSimPeer(medium, ieee, cfg, logger.With("sim_peer", coordinator.FormatIEEE(ieee)))
		if err != nil {
			peers.Stop()
			return nil, fmt.Errorf("start sim peer %s: %w", s, err)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func startSimPeer(medium *ncp.Medium, ieee uint64, cfg *Config, logger *slog.Logger) (simPeer, error) {
	name := "sim-" + strings.ToLower(coordinator.FormatIEEE(ieee)) + ".db"
	db, err := store.NewBoltStore(filepath.Join(filepath.Dir(cfg.Store.Path), name))
	if err != nil {
		return simPeer{}, err
	}
	rnd, err := newRand()
	if err != nil {
		db.Close()
		return simPeer{}, err
	}

	tlCfg := touchlink.DefaultConfig()
	tlCfg.Timing = cfg.Touchlink.Timing
	radio := medium.NewNode(ieee, logger)
	coord := coordinator.New(radio, db, nil, coordinator.NewEventBus(logger), tlCfg,
		coordinator.NCPConfig{Type: "sim"}, rnd, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		radio.Close()
		db.Close()
		return simPeer{}, err
	}
	logger.Info("sim peer ready", "factory_new", coord.Status().Role.FactoryNew)
	return simPeer{coord: coord, radio: radio, db: db}, nil
}
