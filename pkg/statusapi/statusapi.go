// Package statusapi serves discovery state over a small JSON HTTP API.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vikashloomba/mcphub/pkg/discovery"
)

// Source is the discovery state behind the API. *discovery.Scheduler
// satisfies it.
type Source interface {
	Snapshot() []discovery.InstanceStatus
	LastScanTime() (time.Time, bool)
	ScanNow(ctx context.Context) bool
}

// Options configure a Server.
type Options struct {
	Logger *zap.Logger
	// Gatherer backs GET /metrics. The route is not mounted when nil.
	Gatherer prometheus.Gatherer
	// ScanTimeout bounds a scan triggered through POST /api/scan.
	ScanTimeout time.Duration
	// Middleware wraps every route except /healthz, typically bearer-token
	// verification.
	Middleware func(http.Handler) http.Handler
}

// Server routes the status API.
type Server struct {
	source      Source
	logger      *zap.Logger
	scanTimeout time.Duration
	router      *mux.Router
}

// New builds the API around source.
func New(source Source, opts Options) *Server {
	s := &Server{
		source:      source,
		logger:      opts.Logger,
		scanTimeout: opts.ScanTimeout,
		router:      mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.scanTimeout <= 0 {
		s.scanTimeout = 30 * time.Second
	}
	s.routes(opts.Gatherer, opts.Middleware)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer, mw func(http.Handler) http.Handler) {
	guard := func(h http.Handler) http.Handler {
		if mw == nil {
			return h
		}
		return mw(h)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/api/instances", guard(http.HandlerFunc(s.handleInstances))).Methods(http.MethodGet)
	s.router.Handle("/api/instances/{name}", guard(http.HandlerFunc(s.handleInstance))).Methods(http.MethodGet)
	s.router.Handle("/api/scan", guard(http.HandlerFunc(s.handleScan))).Methods(http.MethodPost)
	if gatherer != nil {
		s.router.Handle("/metrics", guard(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))).Methods(http.MethodGet)
	}
}

// Router exposes the underlying router.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type instancesResponse struct {
	Instances []discovery.InstanceStatus `json:"instances"`
	LastScan  *time.Time                 `json:"last_scan"`
}

type scanResponse struct {
	instancesResponse
	Ran bool `json:"ran"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) inventory() instancesResponse {
	resp := instancesResponse{Instances: s.source.Snapshot()}
	if at, ok := s.source.LastScanTime(); ok {
		at = at.UTC()
		resp.LastScan = &at
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.inventory())
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, row := range s.source.Snapshot() {
		if row.Name == name {
			s.writeJSON(w, http.StatusOK, row)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown instance " + name})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.scanTimeout)
	defer cancel()
	if !s.source.ScanNow(ctx) {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "scan not run: a cycle is already in flight or discovery is stopped"})
		return
	}
	s.writeJSON(w, http.StatusOK, scanResponse{instancesResponse: s.inventory(), Ran: true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write status response", zap.Error(err))
	}
}
