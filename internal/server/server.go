// Package server is the collector: it accepts websocket ingestion
// connections and HTTP batches and hands every record to the ingest
// processor.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vincentbai/uxtrace/internal/database"
	"github.com/vincentbai/uxtrace/internal/ingest"
	"github.com/vincentbai/uxtrace/internal/models"
	"github.com/vincentbai/uxtrace/internal/observability"
)

// InvalidKeyReason is the close reason sent with a policy-violation close.
const InvalidKeyReason = "Invalid API key"

const (
	defaultReadLimit       = 1 << 20
	defaultShutdownTimeout = 30 * time.Second
	closeGrace             = time.Second
)

type Options struct {
	Credentials     ingest.Credentials
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
	ReadLimit       int64
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

type Server struct {
	db              *database.Database
	address         string
	processor       *ingest.Processor
	credentials     ingest.Credentials
	metrics         *observability.Metrics
	log             zerolog.Logger
	readLimit       int64
	shutdownTimeout time.Duration
	now             func() time.Time
	upgrader        websocket.Upgrader
	server          *http.Server

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	draining bool
	handlers sync.WaitGroup
}

func NewServer(db *database.Database, address string, opts Options) *Server {
	s := &Server{
		db:              db,
		address:         address,
		credentials:     opts.Credentials,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		readLimit:       opts.ReadLimit,
		shutdownTimeout: opts.ShutdownTimeout,
		now:             opts.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Agents run inside arbitrary pages; the API key is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}
	if s.readLimit <= 0 {
		s.readLimit = defaultReadLimit
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.processor = ingest.NewProcessor(ingest.Options{
		Store:       db,
		Credentials: s.credentials,
		Metrics:     s.metrics,
		Logger:      s.log,
		Now:         s.now,
	})
	return s
}

// Handler returns the collector's routes.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ingest", s.handleIngest)
	r.Post("/events", s.handleEvents)
	r.Get("/sessions/{sessionID}/events", s.handleSessionEvents)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	info := ingest.ConnInfo{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		AcceptedAt: s.now(),
	}
	if !s.track(conn) {
		s.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	log := s.log.With().Str("conn", info.ID).Str("remote", info.RemoteAddr).Logger()
	log.Info().Str("user_agent", r.UserAgent()).Msg("connection accepted")
	s.serveConn(r.Context(), conn, info, log)
}

// serveConn reads frames in arrival order until the peer goes away or a
// record fails authentication. Every other failure drops only its record.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn, info ingest.ConnInfo, log zerolog.Logger) {
	conn.SetReadLimit(s.readLimit)
	records := 0
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Int("records", records).Msg("connection lost")
			} else {
				log.Info().Int("records", records).Msg("connection closed")
			}
			return
		}
		records++
		if err := s.processor.Process(ctx, info, payload); errors.Is(err, ingest.ErrUnauthorized) {
			log.Warn().Int("records", records).Msg("terminating connection with invalid API key")
			s.closeConn(conn, websocket.ClosePolicyViolation, InvalidKeyReason)
			return
		}
	}
}

// handleEvents accepts a {"events":[...]} batch for senders that cannot keep
// a socket open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.readLimit)
	var batch models.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	info := ingest.ConnInfo{
		ID:         middleware.GetReqID(r.Context()),
		RemoteAddr: r.RemoteAddr,
		AcceptedAt: s.now(),
	}
	if _, err := s.processor.ProcessBatch(r.Context(), info, batch, r.URL.Query().Get("apiKey")); err != nil {
		if errors.Is(err, ingest.ErrUnauthorized) {
			http.Error(w, InvalidKeyReason, http.StatusUnauthorized)
			return
		}
		http.Error(w, "Failed to store events", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent) // success, no body
}

// handleSessionEvents is the read side used by downstream analysis jobs.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !s.credentials.Contains(r.URL.Query().Get("apiKey")) {
		http.Error(w, InvalidKeyReason, http.StatusUnauthorized)
		return
	}
	events, err := s.db.EventsBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query session events")
		http.Error(w, "Failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.StoredEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"events": events}); err != nil {
		s.log.Warn().Err(err).Msg("failed to write session events")
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	if ok {
		s.handlers.Done()
	}
}

func (s *Server) closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
	conn.Close()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	event := s.log.Info().Str("address", listener.Addr().String()).Int("api_keys", len(s.credentials)).
		Str("read_limit", humanize.IBytes(uint64(s.readLimit)))
	if count, err := s.db.CountEvents(ctx); err == nil {
		event = event.Str("stored", humanize.Comma(count))
	}
	event.Msg("collector listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)

	// Hijacked websocket connections are not covered by Shutdown.
	s.mu.Lock()
	s.draining = true
	open := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		open = append(open, conn)
	}
	s.mu.Unlock()
	for _, conn := range open {
		s.closeConn(conn, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	if count, cerr := s.db.CountEvents(context.Background()); cerr == nil {
		s.log.Info().Str("stored", humanize.Comma(count)).Msg("server exited")
	} else {
		s.log.Info().Msg("server exited")
	}
	return err
}
