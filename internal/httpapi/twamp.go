// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"vmark-noded/internal/logging"
	"vmark-noded/internal/metrics"
	"vmark-noded/internal/twamp"

	vmerrors "vmark-noded/internal/errors"
)

// twampRegistry tracks running TWAMP senders and responders by id so the
// HTTP API can report status and stop them independently of the request
// that started them.
type twampRegistry struct {
	mu         sync.Mutex
	sessions   map[string]*trackedSession
	responders map[string]*trackedResponder
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

type trackedSession struct {
	sender *twamp.Sender
	cancel context.CancelFunc
	stats  *twamp.Stats
	err    error

	mu     sync.Mutex
	stream map[chan twampEvent]struct{}
}

type twampEvent struct {
	Kind string `json:"kind"` // "sent" or "match"
	Seq  uint32 `json:"seq"`
}

type trackedResponder struct {
	responder *twamp.Responder
	cancel    context.CancelFunc
}

func newTwampRegistry(m *metrics.Metrics) *twampRegistry {
	return &twampRegistry{
		sessions:   make(map[string]*trackedSession),
		responders: make(map[string]*trackedResponder),
		metrics:    m,
		logger:     logging.WithComponent("httpapi-twamp"),
	}
}

func (reg *twampRegistry) closeAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, ts := range reg.sessions {
		ts.cancel()
	}
	for _, tr := range reg.responders {
		tr.cancel()
		tr.responder.Close()
	}
}

type startSessionRequest struct {
	Network string             `json:"network"`
	Config  twamp.SenderConfig `json:"config"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmerrors.Wrap(err, vmerrors.KindInvalidArgument, "decode session request"))
		return
	}
	network := req.Network
	if network == "" {
		network = "udp4"
	}

	sender, err := twamp.NewSender(network, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}

	id := sender.Session().ID.String()
	ctx, cancel := context.WithCancel(context.Background())
	ts := &trackedSession{
		sender: sender,
		cancel: cancel,
		stream: make(map[chan twampEvent]struct{}),
	}

	sender.OnSent = func(p twamp.SentPacket) {
		if s.twamp.metrics != nil {
			s.twamp.metrics.TWAMPSent.WithLabelValues(id).Inc()
		}
		ts.broadcast(twampEvent{Kind: "sent", Seq: p.Seq})
	}
	sender.OnMatch = func(rf twamp.ReceivedReflect) {
		ts.broadcast(twampEvent{Kind: "match", Seq: rf.Seq})
	}

	s.twamp.mu.Lock()
	s.twamp.sessions[id] = ts
	s.twamp.mu.Unlock()

	go func() {
		defer sender.Close()
		stats, runErr := sender.Run(ctx)
		if s.twamp.metrics != nil && stats.Lost > 0 {
			s.twamp.metrics.TWAMPLost.WithLabelValues(id).Add(float64(stats.Lost))
		}
		ts.mu.Lock()
		ts.stats = &stats
		ts.err = runErr
		for ch := range ts.stream {
			close(ch)
		}
		ts.stream = nil
		ts.mu.Unlock()
		if runErr != nil {
			s.twamp.logger.Error("twamp session ended with error", "session", id, "error", runErr)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(twamp.StateSending)})
}

func (ts *trackedSession) broadcast(ev twampEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for ch := range ts.stream {
		select {
		case ch <- ev:
		default:
		}
	}
}

type sessionStatusResponse struct {
	ID    string       `json:"id"`
	State twamp.State  `json:"state"`
	Stats *twamp.Stats `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.twamp.mu.Lock()
	ts, ok := s.twamp.sessions[id]
	s.twamp.mu.Unlock()
	if !ok {
		writeError(w, vmerrors.Errorf(vmerrors.KindNotFound, "no session %q", id))
		return
	}

	resp := sessionStatusResponse{ID: id, State: ts.sender.Session().State}
	ts.mu.Lock()
	if ts.stats != nil {
		resp.Stats = ts.stats
	}
	if ts.err != nil {
		resp.Error = ts.err.Error()
	}
	ts.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartResponder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Network string                `json:"network"`
		Config  twamp.ResponderConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmerrors.Wrap(err, vmerrors.KindInvalidArgument, "decode responder request"))
		return
	}
	network := req.Network
	if network == "" {
		network = "udp4"
	}

	responder, err := twamp.NewResponder(network, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}

	id := uuid.New().String()
	if s.twamp.metrics != nil {
		responder.OnReflect = func() {
			s.twamp.metrics.TWAMPReflected.WithLabelValues(id).Inc()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	tr := &trackedResponder{responder: responder, cancel: cancel}

	s.twamp.mu.Lock()
	s.twamp.responders[id] = tr
	s.twamp.mu.Unlock()

	go func() {
		if err := responder.Serve(ctx); err != nil {
			s.twamp.logger.Warn("twamp responder stopped", "responder", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "addr": responder.LocalAddr().String()})
}

func (s *Server) handleStopResponder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.twamp.mu.Lock()
	tr, ok := s.twamp.responders[id]
	if ok {
		delete(s.twamp.responders, id)
	}
	s.twamp.mu.Unlock()

	if !ok {
		writeError(w, vmerrors.Errorf(vmerrors.KindNotFound, "no responder %q", id))
		return
	}
	tr.cancel()
	tr.responder.Close()
	w.WriteHeader(http.StatusNoContent)
}
