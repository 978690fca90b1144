// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway assembles the settlement gateway: storage, backend
// daemon clients, relay connectivity, the dispatch pipeline and the
// ceremony orchestrator, plus the operator HTTP surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkrelay/gatewaygo/api"
	"github.com/arkrelay/gatewaygo/assets"
	"github.com/arkrelay/gatewaygo/ceremony"
	"github.com/arkrelay/gatewaygo/challenge"
	"github.com/arkrelay/gatewaygo/config"
	"github.com/arkrelay/gatewaygo/daemons"
	"github.com/arkrelay/gatewaygo/database"
	"github.com/arkrelay/gatewaygo/database/leveldb"
	"github.com/arkrelay/gatewaygo/database/memdb"
	"github.com/arkrelay/gatewaygo/dispatch"
	"github.com/arkrelay/gatewaygo/lightning"
	"github.com/arkrelay/gatewaygo/metrics"
	"github.com/arkrelay/gatewaygo/protocol"
	"github.com/arkrelay/gatewaygo/relay"
	"github.com/arkrelay/gatewaygo/session"
	"github.com/arkrelay/gatewaygo/state"
	"github.com/arkrelay/gatewaygo/txs"
	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
	"github.com/arkrelay/gatewaygo/vtxo"
)

const (
	shutdownGrace   = 10 * time.Second
	gaugeInterval   = 15 * time.Second
	httpIdleTimeout = time.Minute
)

type Gateway struct {
	cfg   *config.Config
	log   *zap.Logger
	clock *mockable.Clock

	db       database.Database
	state    *state.State
	identity *protocol.Identity

	ark *daemons.ArkClient
	tap *daemons.TapClient
	lnd *daemons.LndClient

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	sessions     *session.Manager
	vtxos        *vtxo.Manager
	lift         *lightning.Manager
	orchestrator *ceremony.Orchestrator
	dispatcher   *dispatch.Dispatcher
	relay        *relay.Client

	httpServer *http.Server
}

func New(cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	clock := &mockable.Clock{}

	identity, err := newIdentity(cfg, log)
	if err != nil {
		return nil, err
	}

	var db database.Database
	if cfg.DBPath == "" {
		log.Warn("no database path configured, state will not survive restarts")
		db = memdb.New()
	} else {
		if db, err = leveldb.New(cfg.DBPath); err != nil {
			return nil, err
		}
	}
	st, err := state.New(db)
	if err != nil {
		return nil, err
	}

	ark, err := daemons.NewArk(cfg.ArkdAddr, log, clock)
	if err != nil {
		return nil, err
	}
	tap, err := daemons.NewTap(cfg.TapdAddr, log, clock)
	if err != nil {
		return nil, err
	}
	lnd, err := daemons.NewLnd(cfg.LndAddr, log, clock)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	assetRegistry := assets.NewManager(st, tap, clock, log)
	if err := assetRegistry.EnsureNative(); err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.Config{
		MaxActive: cfg.MaxActiveSessions,
		Log:       log,
		Clock:     clock,
	}, st)
	vtxos := vtxo.NewManager(vtxo.Config{
		CriticalThreshold: cfg.VtxoCritical,
		WarningThreshold:  cfg.VtxoWarning,
		TargetInventory:   cfg.VtxoTarget,
		BatchSize:         cfg.VtxoBatchSize,
		Log:               log,
		Clock:             clock,
	}, st, ark)
	lift := lightning.NewManager(lightning.Config{
		Log:   log,
		Clock: clock,
	}, st, lnd)

	g := &Gateway{
		cfg:      cfg,
		log:      log,
		clock:    clock,
		db:       db,
		state:    st,
		identity: identity,
		ark:      ark,
		tap:      tap,
		lnd:      lnd,
		registry: registry,
		metrics:  m,
		sessions: sessions,
		vtxos:    vtxos,
		lift:     lift,
	}

	// The relay feeds the dispatcher, the dispatcher feeds the
	// orchestrator, and the orchestrator publishes through the relay.
	// The closure breaks the construction cycle; events only flow after
	// Start, by which time the dispatcher exists.
	g.relay, err = relay.NewClient(relay.Config{
		URLs:       cfg.RelayURLs,
		Identity:   identity,
		Kinds:      []int{protocol.KindIntent, protocol.KindSigningResponse},
		Registerer: registry,
		Log:        log,
		Clock:      clock,
	}, func(ev *protocol.Event) {
		g.dispatcher.Enqueue(ev)
	})
	if err != nil {
		return nil, err
	}

	g.orchestrator = ceremony.New(
		ceremony.Config{Observer: m, Log: log, Clock: clock},
		st,
		sessions,
		challenge.NewIssuer(st, clock, log),
		txs.NewProcessor(st, ark, clock, log),
		vtxos,
		lift,
		assetRegistry,
		ark,
		identity,
		g.relay,
	)
	g.dispatcher = dispatch.New(dispatch.Config{
		Observer: m,
		Log:      log,
		Clock:    clock,
	}, g.orchestrator)

	apiServer := api.NewServer(api.Config{
		State:     st,
		Canceller: g.orchestrator,
		Relay:     g.relay,
		Daemons: map[string]api.DaemonStatus{
			"arkd": ark,
			"tapd": tap,
			"lnd":  lnd,
		},
		Registry: registry,
		Log:      log,
	})
	g.httpServer = &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     apiServer.Handler(),
		IdleTimeout: httpIdleTimeout,
	}
	return g, nil
}

func newIdentity(cfg *config.Config, log *zap.Logger) (*protocol.Identity, error) {
	if cfg.IdentityKey != "" {
		return protocol.IdentityFromHex(cfg.IdentityKey)
	}
	identity, err := protocol.NewIdentity()
	if err != nil {
		return nil, err
	}
	log.Warn("no identity key configured, generated an ephemeral one",
		zap.String("pubkey", identity.PublicKeyHex()),
	)
	return identity, nil
}

// Run starts every component and blocks until the context is cancelled
// or a component fails fatally.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("gateway starting",
		zap.String("pubkey", g.identity.PublicKeyHex()),
		zap.Strings("relays", g.cfg.RelayURLs),
		zap.String("http", g.cfg.HTTPAddr),
	)

	g.relay.Start(ctx)
	if err := g.orchestrator.Resume(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.dispatcher.Run(ctx)
	})
	eg.Go(func() error {
		return g.sessions.Run(ctx, g.orchestrator.OnSessionExpired, g.orchestrator.NotifyFailure)
	})
	eg.Go(func() error {
		return g.vtxos.Run(ctx, g.publishCommitment)
	})
	eg.Go(func() error {
		return g.lift.Run(ctx, g.orchestrator.OnLiftSettled)
	})
	eg.Go(func() error {
		return g.updateGauges(ctx)
	})
	eg.Go(func() error {
		err := g.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	g.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Gateway) shutdown() {
	g.relay.Stop()
	for _, closer := range []interface{ Close() error }{g.ark, g.tap, g.lnd, g.state} {
		if err := closer.Close(); err != nil {
			g.log.Error("shutdown close failed", zap.Error(err))
		}
	}
	g.log.Info("gateway stopped")
}

// publishCommitment announces an anchored settlement batch publicly.
func (g *Gateway) publishCommitment(c *protocol.L1Commitment) error {
	content, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ev := &protocol.Event{
		CreatedAt: g.clock.Time().Unix(),
		Kind:      protocol.KindL1Commitment,
		Content:   string(content),
	}
	if err := g.relay.Publish(ev); err != nil {
		return err
	}
	g.metrics.SettlementBatch()
	return nil
}

func (g *Gateway) updateGauges(ctx context.Context) error {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.metrics.ActiveSessions.Set(float64(len(g.state.ActiveSessions())))
			g.metrics.AvailableVTXOs.Set(float64(len(g.state.AvailableVTXOs(""))))
			g.metrics.ActiveRelays.Set(float64(g.relay.ActiveRelays()))
		}
	}
}
