// Copyright 2024 The go-equa Authors
// ti-oracle - observability HTTP surface

// Package observability serves the read-only HTTP surface described
// in §10.4: engine stats, peer tracker snapshots, recent chain events,
// a liveness probe, and Prometheus metrics.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/tokeninsight/ti-oracle/internal/chainstub"
	"github.com/tokeninsight/ti-oracle/internal/peertracker"
	"github.com/tokeninsight/ti-oracle/internal/roundengine"
)

const maxEvents = 100

var (
	roundsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ti_oracle_rounds_committed_total",
		Help: "Total feed rounds successfully submitted on-chain.",
	})
	roundsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ti_oracle_rounds_skipped_total",
		Help: "Total feed rounds skipped because price aggregation failed (e.g. not enough volume).",
	})
)

// StatsSource is the narrow slice of roundengine.Engine the server
// reads; a real *roundengine.Engine satisfies it.
type StatsSource interface {
	GetStats() roundengine.Stats
}

// PeerSource is the narrow slice of peertracker.Tracker the server
// reads.
type PeerSource interface {
	Snapshot() []peertracker.Snapshot
}

// Server exposes /healthz, /stats, /peers, /events, /events/stream, /metrics.
type Server struct {
	stats  StatsSource
	peers  PeerSource
	addr   string
	runID  string
	sse    *eventsource.Server

	mu     sync.Mutex
	events []chainstub.ChainEvent

	lastRounds struct {
		committed uint64
		skipped   uint64
	}
}

// New builds a Server bound to addr (§6's web_address) reading from
// stats and peers. runID identifies this process instance across
// restarts in /healthz responses and logs.
func New(addr, runID string, stats StatsSource, peers PeerSource) *Server {
	return &Server{addr: addr, runID: runID, stats: stats, peers: peers, sse: newSSEServer()}
}

// RecordEvent appends a chain event observed by the event watcher,
// keeping only the most recent maxEvents, and pushes it to any
// connected /events/stream subscribers.
func (s *Server) RecordEvent(ev chainstub.ChainEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	s.mu.Unlock()

	s.sse.Publish([]string{streamChannel}, chainEventSSE{ev: ev})
}

func (s *Server) eventsSnapshot() []chainstub.ChainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]chainstub.ChainEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Run starts the HTTP server and blocks until ctx is cancelled,
// starting a background sampler that feeds the engine's counters into
// Prometheus so /metrics reflects live round outcomes.
func (s *Server) Run(ctx context.Context) error {
	go s.sampleMetrics(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/events/stream", s.sse.Handler(streamChannel))
	mux.Handle("/metrics", promhttp.Handler())

	handler := cors.Default().Handler(mux)

	srv := &http.Server{Addr: s.addr, Handler: handler}
	go func() {
		<-ctx.Done()
		s.sse.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("observability: listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) sampleMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.stats.GetStats()
			if st.RoundsCommitted > s.lastRounds.committed {
				roundsCommitted.Add(float64(st.RoundsCommitted - s.lastRounds.committed))
				s.lastRounds.committed = st.RoundsCommitted
			}
			if st.RoundsSkipped > s.lastRounds.skipped {
				roundsSkipped.Add(float64(st.RoundsSkipped - s.lastRounds.skipped))
				s.lastRounds.skipped = st.RoundsSkipped
			}
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "run_id": s.runID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.GetStats())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.peers.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.eventsSnapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("observability: encode response failed", "error", err)
	}
}
