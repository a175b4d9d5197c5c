// Package dashboard serves the broker's live statistics feed: a JSON
// snapshot endpoint for polling and a websocket endpoint that pushes
// snapshots on an interval. The web UI itself lives outside this module and
// consumes the feed.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cartpulse/cartpulse/pkg/wire"
)

// StatsSource supplies point-in-time statistics snapshots.
type StatsSource func() wire.StatsSnapshot

// Server exposes /stats and /ws.
type Server struct {
	addr     string
	interval time.Duration
	source   StatsSource
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *zap.Logger
}

// NewServer creates a stats feed server pushing one snapshot per interval.
func NewServer(addr string, interval time.Duration, source StatsSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:     addr,
		interval: interval,
		source:   source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start serves in the background until ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info("starting dashboard feed", zap.String("addr", s.addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop closes the listener and its plain HTTP connections. Upgraded
// websocket connections are not closed by it; each keeps pushing until a
// write to it fails.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard feed")
	return s.server.Close()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source()); err != nil {
		s.logger.Debug("stats encode failed", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.logger.Debug("dashboard client connected", zap.String("remote_addr", r.RemoteAddr))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.source()); err != nil {
			s.logger.Debug("dashboard client disconnected", zap.Error(err))
			return
		}
	}
}
