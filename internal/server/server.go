// Package server exposes the acquisition pipeline and recorded data over
// HTTP, and pushes terminal run events to WebSocket clients.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/acquisition"
	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/export"
	"github.com/shaunagostinho/obdlog/internal/link"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/store"
)

// Store is the read and driver-management side of the persisted store.
type Store interface {
	CreateDriver(ctx context.Context, name string) (store.Driver, error)
	ListDrivers(ctx context.Context) ([]store.Driver, error)
	ListSessions(ctx context.Context, limit int) ([]store.Session, error)
	GetSession(ctx context.Context, id int64) (store.Session, error)
	SessionSamples(ctx context.Context, id int64) ([]store.Sample, error)
	SessionStats(ctx context.Context, id int64) (store.Stats, error)
}

// Pipeline is the control surface of the acquisition pipeline.
type Pipeline interface {
	Start(ctx context.Context, driver string) error
	Stop()
	Status() acquisition.Status
	ResetMIL(ctx context.Context) error
	Events() *acquisition.EventBus
}

type Options struct {
	Config   *config.Config
	Store    Store
	Pipeline Pipeline
	Exporter *export.Exporter
	// Devices lists candidate adapters; defaults to link.ListDevices.
	Devices func() ([]link.Device, error)
}

// Server serves the API and the event stream.
type Server struct {
	cfg      *config.Config
	store    Store
	pipeline Pipeline
	exporter *export.Exporter
	devices  func() ([]link.Device, error)
	log      zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	subID    int
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Type    string              `json:"type"`
	Status  *acquisition.Status `json:"status,omitempty"`
	Payload any                 `json:"payload,omitempty"`
	Stamp   int64               `json:"stamp"` // Unix ms
}

func New(opts Options) *Server {
	devices := opts.Devices
	if devices == nil {
		devices = link.ListDevices
	}
	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		pipeline: opts.Pipeline,
		exporter: opts.Exporter,
		devices:  devices,
		log:      logger.For("server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.subID = s.pipeline.Events().SubscribeTypes(s.onTerminal,
		acquisition.EventStopped, acquisition.EventCouldNotConnect)
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/acquisition/start", s.handleStart)
		r.Post("/acquisition/stop", s.handleStop)
		r.Post("/mil/reset", s.handleResetMIL)

		r.Get("/drivers", s.handleListDrivers)
		r.Post("/drivers", s.handleCreateDriver)

		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{start}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Get("/samples", s.handleSessionSamples)
			r.Get("/stats", s.handleSessionStats)
			r.Get("/export.csv", s.handleExportCSV)
			r.Post("/export", s.handleExportFile)
		})

		r.Get("/devices", s.handleDevices)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleUpdateConfig)
	})

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown")
		}
		s.closeClients()
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close detaches the server from pipeline events.
func (s *Server) Close() {
	s.pipeline.Events().Unsubscribe(s.subID)
	s.closeClients()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("ws upgrade")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
	}

	// Initial status so the client knows whether a run is active.
	st := s.pipeline.Status()
	if data, err := json.Marshal(Frame{Type: "status", Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", n).Msg("ws client connected")

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
	s.log.Debug().Int("clients", len(s.clients)).Msg("ws client disconnected")
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		s.removeClient(c)
	}
}

func (s *Server) onTerminal(e acquisition.Event) {
	s.broadcast(Frame{Type: e.Type.String(), Payload: e.Payload, Stamp: e.Timestamp.UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
