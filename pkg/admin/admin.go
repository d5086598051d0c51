// Package admin implements the bearer-token-protected HTTP administrative
// surface described in spec.md §4.13: online/detailed_online listings,
// kick, and traffic reset, all reading and writing through the session
// registry.
//
// Grounded on the teacher's web/gateway/server.go HTTP handler style
// (net/http ServeMux, JSON responses, a single auth middleware wrapping
// every route) generalized from its session-cookie auth to a static
// bearer token compared in constant time, per spec.md §4.13.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/buhuipao/tuicd/pkg/logger"
	"github.com/buhuipao/tuicd/pkg/registry"
)

// Server is the admin HTTP surface. It holds no state of its own beyond
// the registry and token; callers start it with net/http directly.
type Server struct {
	registry *registry.Registry
	token    []byte
	mux      *http.ServeMux
}

// New builds an admin Server authorizing requests against token.
func New(reg *registry.Registry, token string) *Server {
	s := &Server{registry: reg, token: []byte(token)}

	mux := http.NewServeMux()
	mux.HandleFunc("/online", s.authorize(s.handleOnline))
	mux.HandleFunc("/detailed_online", s.authorize(s.handleDetailedOnline))
	mux.HandleFunc("/kick", s.authorize(s.handleKick))
	mux.HandleFunc("/traffic", s.authorize(s.handleTraffic))
	mux.HandleFunc("/reset_traffic", s.authorize(s.handleResetTraffic))
	s.mux = mux

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !registry.ConstantTimeEqual([]byte(presented), s.token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type onlineEntry struct {
	User   string `json:"user"`
	Online int    `json:"online"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Enumerate()
	out := make([]onlineEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, onlineEntry{User: e.User.String(), Online: e.Online})
	}
	writeJSON(w, out)
}

type detailedEntry struct {
	User      string   `json:"user"`
	Online    int      `json:"online"`
	Endpoints []string `json:"endpoints"`
	TraceIDs  []string `json:"trace_ids"`
	TCPRx     uint64   `json:"tcp_rx"`
	TCPTx     uint64   `json:"tcp_tx"`
	UDPRx     uint64   `json:"udp_rx"`
	UDPTx     uint64   `json:"udp_tx"`
}

func (s *Server) handleDetailedOnline(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Enumerate()
	out := make([]detailedEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, detailedEntry{
			User:      e.User.String(),
			Online:    e.Online,
			Endpoints: e.Endpoints,
			TraceIDs:  e.TraceIDs,
			TCPRx:     e.TCPRx,
			TCPTx:     e.TCPTx,
			UDPRx:     e.UDPRx,
			UDPTx:     e.UDPTx,
		})
	}
	writeJSON(w, out)
}

type kickRequest struct {
	Users  []string `json:"users"`
	Reason string   `json:"reason"`
}

type kickResponse struct {
	Kicked int `json:"kicked"`
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The body is either a bare JSON array of user UUIDs or a kickRequest
	// object carrying the same list plus an optional reason.
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req kickRequest
	if err := json.Unmarshal(raw, &req.Users); err != nil {
		if err := json.Unmarshal(raw, &req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	users := make([]uuid.UUID, 0, len(req.Users))
	for _, raw := range req.Users {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid user uuid: "+raw, http.StatusBadRequest)
			return
		}
		users = append(users, id)
	}

	const closeCodeAdministrative = 0x04
	reason := req.Reason
	if reason == "" {
		reason = "administrative kick"
	}
	n := s.registry.Kick(users, closeCodeAdministrative, reason)
	logger.Info("admin kick issued", "users", req.Users, "kicked", n)
	writeJSON(w, kickResponse{Kicked: n})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	s.handleDetailedOnline(w, r)
}

func (s *Server) handleResetTraffic(w http.ResponseWriter, r *http.Request) {
	s.registry.ResetTraffic()
	logger.Info("admin traffic reset issued")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("admin response encode failed", "err", err)
	}
}
