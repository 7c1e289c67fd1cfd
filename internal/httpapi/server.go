// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package httpapi exposes the Rule Engine API and the TWAMP Light test
// controller over HTTP, following the same router/server lifecycle as the
// rest of the control plane.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmark-noded/internal/forwarding"
	"vmark-noded/internal/logging"
	"vmark-noded/internal/metrics"
	"vmark-noded/internal/ruleapi"

	vmerrors "vmark-noded/internal/errors"
)

// Server is the HTTP command-and-control surface: rule mutation, forwarding
// table inspection, and TWAMP Light session control.
type Server struct {
	engine  *ruleapi.Engine
	metrics *metrics.Metrics
	logger  *logging.Logger

	router     *mux.Router
	httpServer *http.Server

	twamp *twampRegistry
}

// NewServer builds a Server around engine. m may be nil, in which case the
// /metrics endpoint is not registered.
func NewServer(engine *ruleapi.Engine, m *metrics.Metrics) *Server {
	s := &Server{
		engine:  engine,
		metrics: m,
		logger:  logging.WithComponent("httpapi"),
		router:  mux.NewRouter(),
		twamp:   newTwampRegistry(m),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	rules := api.PathPrefix("/rules").Subrouter()
	rules.HandleFunc("", s.handleShowRules).Methods(http.MethodGet)
	rules.HandleFunc("", s.handleCreateRule).Methods(http.MethodPost)
	rules.HandleFunc("/{name}", s.handleDeleteRule).Methods(http.MethodDelete)
	rules.HandleFunc("/{name}/enable", s.handleEnableRule).Methods(http.MethodPost)
	rules.HandleFunc("/{name}/disable", s.handleDisableRule).Methods(http.MethodPost)

	sessions := api.PathPrefix("/twamp/sessions").Subrouter()
	sessions.HandleFunc("", s.handleStartSession).Methods(http.MethodPost)
	sessions.HandleFunc("/{id}", s.handleSessionStatus).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}/stream", s.handleSessionStream).Methods(http.MethodGet)

	responders := api.PathPrefix("/twamp/responders").Subrouter()
	responders.HandleFunc("", s.handleStartResponder).Methods(http.MethodPost)
	responders.HandleFunc("/{id}", s.handleStopResponder).Methods(http.MethodDelete)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.metrics != nil {
		reg := prometheus.NewRegistry()
		s.metrics.Register(reg)
		s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

// ListenAndServe starts the HTTP server on addr and blocks until it returns
// (always a non-nil error, per net/http.Server.ListenAndServe, except
// http.ErrServerClosed on a clean Shutdown).
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("starting command API", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and every running TWAMP
// session and responder.
func (s *Server) Shutdown(ctx context.Context) error {
	s.twamp.closeAll()
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleShowRules(w http.ResponseWriter, r *http.Request) {
	filter := forwarding.ShowFilter{Name: r.URL.Query().Get("name")}
	writeJSON(w, http.StatusOK, s.engine.ShowForwarding(filter))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule forwarding.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, vmerrors.Wrap(err, vmerrors.KindInvalidArgument, "decode rule body"))
		return
	}
	if err := s.engine.CreateRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.DeleteRule(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.EnableRule(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "active": "true"})
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.DisableRule(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "active": "false"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as a JSON body whose HTTP status reflects its Kind.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForKind(vmerrors.GetKind(err)), map[string]string{"error": err.Error()})
}

func statusForKind(k vmerrors.Kind) int {
	switch k {
	case vmerrors.KindInvalidArgument:
		return http.StatusBadRequest
	case vmerrors.KindNotFound:
		return http.StatusNotFound
	case vmerrors.KindConflict:
		return http.StatusConflict
	case vmerrors.KindStateViolation:
		return http.StatusUnprocessableEntity
	case vmerrors.KindPermissionDenied:
		return http.StatusForbidden
	case vmerrors.KindKernelError, vmerrors.KindNetworkError:
		return http.StatusBadGateway
	case vmerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case vmerrors.KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
