package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/kestrel-dash/internal/kestrel"
	"github.com/shaunagostinho/kestrel-dash/internal/link"
	"github.com/shaunagostinho/kestrel-dash/internal/logger"
	"github.com/shaunagostinho/kestrel-dash/internal/metrics"
)

// Publisher receives every event, e.g. a Redis fan-out.
type Publisher interface {
	Publish(ctx context.Context, ev link.Event) error
}

// Server polls the instrument, fans its events out to the recorder,
// metrics and publisher, and broadcasts them to WebSocket clients.
type Server struct {
	cfg       *Config
	dev       kestrel.Provider
	log       logrus.FieldLogger
	recorder  *logger.Logger
	metrics   *metrics.Metrics
	publisher Publisher

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	stateMu sync.RWMutex
	last    *link.Event // latest reading
	fields  []string    // latest template
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status *Status     `json:"status,omitempty"`
	Event  *link.Event `json:"event,omitempty"`
	Stamp  int64       `json:"stamp"` // Unix ms
}

// Status summarises the device link for clients and the status API.
type Status struct {
	Device    string      `json:"device"`
	Connected bool        `json:"connected"`
	Recording bool        `json:"recording"`
	Fields    []string    `json:"fields,omitempty"`
	Last      *link.Event `json:"last,omitempty"`
}

// New creates a new Server. The publisher is optional.
func New(cfg *Config, dev kestrel.Provider, pub Publisher, l logrus.FieldLogger) *Server {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Server{
		cfg:       cfg,
		dev:       dev,
		log:       l.WithField("component", "server"),
		recorder:  logger.New(cfg.Recorder, l),
		metrics:   metrics.New(),
		publisher: pub,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/log/download", s.handleDownload)
	mux.HandleFunc("/healthz", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.metrics.Handler())
	}
	return mux
}

// Run starts the HTTP server and the event and polling loops.
func (s *Server) Run(ctx context.Context) error {
	go s.eventLoop(ctx)
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Current status goes out before any broadcast
	st := s.status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infof("ws client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.recorder.SetEnabled(s.cfg.RecorderEnabled())
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("config save failed: %v", err)
		}
		st := s.status()
		s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respond(w, s.dev.RequestSnapshot())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var start uint64
	if v := r.URL.Query().Get("start"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			http.Error(w, "start must be a record index", http.StatusBadRequest)
			return
		}
		start = n
	}
	s.respond(w, s.dev.DownloadLog(uint32(start)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.dev.IsConnected() {
		http.Error(w, "disconnected", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

// respond maps a device request error onto an HTTP status.
func (s *Server) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, kestrel.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, link.ErrTransferActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Warnf("device request failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// pollLoop requests a snapshot every poll interval while the device is up
// and no log download is running.
func (s *Server) pollLoop(ctx context.Context) {
	interval := s.cfg.PollInterval()
	if interval == 0 {
		s.log.Info("snapshot polling disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up := s.dev.IsConnected()
			s.metrics.SetConnected(up)
			if !up || s.dev.Downloading() {
				continue
			}
			if err := s.dev.RequestSnapshot(); err != nil {
				s.log.Debugf("snapshot request failed: %v", err)
			}
		}
	}
}

// eventLoop drains device events until ctx is done.
func (s *Server) eventLoop(ctx context.Context) {
	defer s.recorder.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.dev.Events():
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev link.Event) {
	s.metrics.Observe(ev)
	s.recorder.Record(ev)

	switch ev.Kind {
	case link.EventReading:
		s.stateMu.Lock()
		s.last = &ev
		s.stateMu.Unlock()
	case link.EventTemplate:
		s.stateMu.Lock()
		s.fields = ev.Names
		s.stateMu.Unlock()
	case link.EventTransferComplete:
		s.log.Info("log download complete")
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.log.Warnf("publish %s failed: %v", ev.Kind, err)
		}
	}

	s.broadcast(Frame{Event: &ev, Stamp: time.Now().UnixMilli()})
}

func (s *Server) status() Status {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Status{
		Device:    s.dev.Name(),
		Connected: s.dev.IsConnected(),
		Recording: s.recorder.IsEnabled(),
		Fields:    s.fields,
		Last:      s.last,
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warnf("encode frame: %v", err)
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
