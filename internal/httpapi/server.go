// Package httpapi implements the unauthenticated debug/introspection
// HTTP surface: a health check, read-only rule/virtual-device listings,
// and a websocket stream of the live debug event feed.
//
// Grounded on automation-service/internal/httpapi/server.go's chi
// wiring and handleRunEventsWS, stripped of the JWT/role middleware
// layer (see DESIGN.md — broker/HTTP auth is an explicit non-goal here,
// unlike automation-service which sits behind api-gateway's JWT layer).
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/engine"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/virtual"
)

type Server struct {
	engine  *engine.Manager
	virtual *virtual.Manager
	store   *homie.Store
	bus     *Bus
}

func New(eng *engine.Manager, vman *virtual.Manager, store *homie.Store, bus *Bus) *Server {
	return &Server{engine: eng, virtual: vman, store: store, bus: bus}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api/automation", func(r chi.Router) {
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{hash}", s.handleGetRule)
		r.Get("/virtual-devices", s.handleListVirtualDevices)
		r.Get("/virtual-devices/{domain}/{id}", s.handleGetVirtualDevice)
		r.Get("/events/ws", s.handleEventsWS)
	})

	return r
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := s.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	hash, err := parseUint64(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule hash")
		return
	}
	rule, ok := s.engine.Rule(hash)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListVirtualDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.virtual.Devices()
	writeJSON(w, http.StatusOK, map[string]any{"virtual_devices": devices})
}

func (s *Server) handleGetVirtualDevice(w http.ResponseWriter, r *http.Request) {
	ref := homie.DeviceRef{Domain: chi.URLParam(r, "domain"), DeviceID: chi.URLParam(r, "id")}
	d, ok := s.virtual.Device(ref)
	if !ok {
		writeError(w, http.StatusNotFound, "virtual device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleEventsWS streams the live debug feed, mirroring
// automation-service's handleRunEventsWS (ping ticker + read pump for
// disconnect detection) without the run-id scoping, since this engine
// has one continuous event stream rather than discrete runs.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("debug ws write failed", "error", err)
				return
			}
		}
	}
}

func parseUint64(s string) (uint64, error) {
	var n uint64
	if s == "" {
		return 0, errors.New("empty number")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("invalid number")
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
