// Package server wires the signaling channel, room registry and media engine
// into one HTTP process: the websocket endpoint peers negotiate over, a
// read-only room API, health and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Bashar444/liveclass-signaling/internals/config"
	"github.com/Bashar444/liveclass-signaling/internals/media"
	appmetrics "github.com/Bashar444/liveclass-signaling/internals/metrics"
	"github.com/Bashar444/liveclass-signaling/internals/room"
	"github.com/Bashar444/liveclass-signaling/internals/signaling"
	"github.com/Bashar444/liveclass-signaling/internals/state"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Server struct {
	config *config.Config
	logger *zap.Logger

	engine   media.Engine
	registry *room.Registry
	hub      *signaling.Hub

	stateManager *state.Manager
	httpServer   *http.Server

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, engine media.Engine, stateManager *state.Manager, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:       cfg,
		logger:       logger,
		engine:       engine,
		registry:     room.NewRegistry(engine, logger),
		hub:          signaling.NewHub(logger),
		stateManager: stateManager,
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}

	s.registry.OnRoomCreated = func(*room.Room) { s.updateGauges() }
	s.registry.OnRoomClosed = func(r *room.Room) {
		s.stateManager.RoomClosed(r.ID)
		s.updateGauges()
	}

	return s
}

// Registry exposes the room table for the in-process API tests.
func (s *Server) Registry() *room.Registry { return s.registry }

func (s *Server) Start() error {
	s.logger.Info("Starting signaling server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Signaling server started")
	return s.httpServer.ListenAndServe()
}

// Handler builds the HTTP mux. Split out of Start so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/rooms", s.corsMiddleware(s.handleRoomsAPI))
	mux.HandleFunc("/api/rooms/", s.corsMiddleware(s.handleRoomAPI))
	mux.HandleFunc("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return mux
}

func (s *Server) Stop() {
	s.logger.Info("Stopping signaling server")
	s.cancel()
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) getRateLimiter(connID string) *rate.Limiter {
	s.rateLimitersMu.Lock()
	defer s.rateLimitersMu.Unlock()
	if limiter, ok := s.rateLimiters[connID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(s.config.Signaling.RateLimitPerSec), s.config.Signaling.RateLimitBurst)
	s.rateLimiters[connID] = limiter
	return limiter
}

func (s *Server) removeRateLimiter(connID string) {
	s.rateLimitersMu.Lock()
	delete(s.rateLimiters, connID)
	s.rateLimitersMu.Unlock()
}

func (s *Server) updateGauges() {
	rooms := s.registry.Rooms()
	peers, producers, consumers := 0, 0, 0
	for _, r := range rooms {
		peers += r.PeerCount()
		producers += r.ProducerCount()
		consumers += r.ConsumerCount()
	}
	appmetrics.RoomsActive.Set(float64(len(rooms)))
	appmetrics.PeersActive.Set(float64(peers))
	appmetrics.ProducersActive.Set(float64(producers))
	appmetrics.ConsumersActive.Set(float64(consumers))
}

// --- WebSocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.config.Server.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.config.Server.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	userID := r.URL.Query().Get("userId")
	name := r.URL.Query().Get("name")
	role := r.URL.Query().Get("role")

	if err := s.validateID(userID, s.config.Signaling.MaxUserIDLength, "userId"); err != nil {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		ws.Close()
		return
	}
	if name == "" {
		name = userID
	}

	conn := signaling.NewConn(uuid.New().String(), userID, name, role, ws, s.logger)
	conn.OnRequest = s.handleRequest
	conn.OnDisconnect = s.handleDisconnect

	// Evict stale channels for the same identity before registering the new
	// one. Handles page refreshes where the old socket has not noticed it is
	// dead yet.
	s.hub.DisconnectByUserID(userID, conn.ID)
	s.hub.Register(conn)

	appmetrics.ConnectionsTotal.Inc()

	go conn.WritePump()
	go conn.ReadPump()
}

func (s *Server) handleDisconnect(c *signaling.Conn) {
	s.hub.Unregister(c)
	s.leaveRoom(c)
	s.removeRateLimiter(c.ID)
}

// --- REST API ---

func (s *Server) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms := s.registry.Rooms()
	stats := make([]map[string]any, 0, len(rooms))
	for _, rm := range rooms {
		stats = append(stats, rm.Stats())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"rooms": stats, "total": len(stats)})
}

func (s *Server) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	rm, ok := s.registry.Get(roomID)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rm.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if s.stateManager != nil {
		redisStatus = "connected"
		if err := s.stateManager.Ping(); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"timestamp":   time.Now(),
		"redis":       redisStatus,
		"rooms":       s.registry.Count(),
		"peers":       s.registry.PeerCount(),
		"connections": s.hub.Count(),
	})
}
