// Package web is the development harness's status server: a read-only view
// of what the bridge session currently holds. The real embedding has no
// HTTP surface; this exists so a developer can watch the session without a
// host UI.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fmcalbridge/internal/calendar"
	"fmcalbridge/internal/hostcfg"
	"fmcalbridge/internal/icsfeed"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
)

// Server exposes the session's current event set and identity.
type Server struct {
	sess *calendar.Session
	mux  *http.ServeMux
}

func NewServer(sess *calendar.Session) *Server {
	s := &Server{
		sess: sess,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer runs a plain ListenAndServe on listen. Graceful shutdown is
// left to the caller wrapping an http.Server if needed.
func StartServer(_ context.Context, listen string, sess *calendar.Session) error {
	s := NewServer(sess)
	appLog.Info("starting status server", "listen", "http://"+listen)
	return http.ListenAndServe(listen, s.Handler())
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/session", s.handleSession)
	s.mux.HandleFunc("/calendar.ics", s.handleICS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events      []model.Event `json:"events"`
	Count       int           `json:"count"`
	FirstDay    int           `json:"first_day"`
	InitialView string        `json:"initial_view"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// handleEvents returns the last known-good event set. This is served from
// the fetcher's cache; it never triggers a host round-trip.
func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	res := s.sess.Resolver
	resp := eventsResponse{
		Events:      s.sess.Events(),
		FirstDay:    res.FirstDayOfWeek(),
		InitialView: hostcfg.MapViewName(res.Field("StartingView", "Month")),
		GeneratedAt: time.Now(),
	}
	resp.Count = len(resp.Events)
	writeJSON(w, http.StatusOK, resp)
}

// sessionResponse is the JSON response shape for /api/session.
type sessionResponse struct {
	AddonUUID  string `json:"addon_uuid"`
	ConfigKeys int    `json:"config_keys"`
	Pending    int    `json:"pending_requests"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse{
		AddonUUID:  s.sess.UUID,
		ConfigKeys: len(s.sess.Resolver.Config()),
		Pending:    s.sess.Transport.PendingCount(),
	})
}

func (s *Server) handleICS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(icsfeed.Build(s.sess.Events()))); err != nil {
		appLog.Error("failed to write ICS response", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}
