// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api serves the operator's HTTP surface: health, session
// inspection, inventory, cooperative cancellation and metrics. Wallet
// traffic never arrives here; it all flows over relays.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/arkrelay/gatewaygo/ceremony"
	"github.com/arkrelay/gatewaygo/database"
	"github.com/arkrelay/gatewaygo/state"
)

// Canceller requests cooperative cancellation of a ceremony.
// *ceremony.Orchestrator satisfies it.
type Canceller interface {
	Cancel(sessionID string) error
}

// RelayStatus reports relay connectivity. *relay.Client satisfies it.
type RelayStatus interface {
	Healthy() bool
	ActiveRelays() int
}

// DaemonStatus reports one backend's circuit state. *daemons.Client
// satisfies it through embedding.
type DaemonStatus interface {
	BreakerState() string
}

type Config struct {
	State     *state.State
	Canceller Canceller
	Relay     RelayStatus
	Daemons   map[string]DaemonStatus
	Registry  *prometheus.Registry
	Log       *zap.Logger
}

type Server struct {
	cfg    Config
	router *mux.Router
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", s.health).Methods(http.MethodGet)
	v1.HandleFunc("/assets", s.assets).Methods(http.MethodGet)
	v1.HandleFunc("/vtxos/inventory", s.inventory).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.session).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/cancel", s.cancel).Methods(http.MethodPost)

	if cfg.Registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler wraps the router with CORS for browser-based dashboards.
func (s *Server) Handler() http.Handler {
	return cors.Default().Handler(s.router)
}

type healthReply struct {
	Healthy      bool              `json:"healthy"`
	ActiveRelays int               `json:"active_relays"`
	Daemons      map[string]string `json:"daemons"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	reply := healthReply{
		Healthy: true,
		Daemons: make(map[string]string, len(s.cfg.Daemons)),
	}
	if s.cfg.Relay != nil {
		reply.ActiveRelays = s.cfg.Relay.ActiveRelays()
		reply.Healthy = s.cfg.Relay.Healthy()
	}
	for name, daemon := range s.cfg.Daemons {
		breakerState := daemon.BreakerState()
		reply.Daemons[name] = breakerState
		if breakerState == "open" {
			reply.Healthy = false
		}
	}

	code := http.StatusOK
	if !reply.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.reply(w, code, reply)
}

func (s *Server) assets(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, s.cfg.State.Assets())
}

type inventoryReply struct {
	Available     int    `json:"available"`
	AvailableSats uint64 `json:"available_sats"`
	Assigned      int    `json:"assigned"`
}

func (s *Server) inventory(w http.ResponseWriter, _ *http.Request) {
	reply := inventoryReply{}
	for _, v := range s.cfg.State.AvailableVTXOs("") {
		reply.Available++
		reply.AvailableSats += v.AmountSats
	}
	reply.Assigned = len(s.cfg.State.AssignedVTXOs())
	s.reply(w, http.StatusOK, reply)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.State.GetSession(mux.Vars(r)["id"])
	if errors.Is(err, database.ErrNotFound) {
		s.replyError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.replyError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.reply(w, http.StatusOK, sess)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.cfg.Canceller.Cancel(id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		s.replyError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ceremony.ErrTooLateToCancel):
		s.replyError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.replyError(w, http.StatusInternalServerError, err.Error())
	default:
		s.reply(w, http.StatusOK, map[string]string{"session_id": id, "status": "cancelled"})
	}
}

func (s *Server) reply(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.cfg.Log.Error("encoding api reply failed", zap.Error(err))
	}
}

func (s *Server) replyError(w http.ResponseWriter, code int, message string) {
	s.reply(w, code, map[string]string{"error": message})
}
