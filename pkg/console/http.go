package console

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"strconv"

	"github.com/filmbot/appliance/pkg/coordinator"
	"github.com/filmbot/appliance/pkg/logger"
	"github.com/filmbot/appliance/pkg/network/httpx"
	"github.com/filmbot/appliance/pkg/network/websocket"
	"github.com/goccy/go-json"
)

//go:embed web/index.html
var index []byte

const maxSnapshotWidth = 1920

// Restarter restarts the stopped capture, the coordinator in practice.
type Restarter interface {
	Restart() error
}

type Options struct {
	Address string
	// default width of the snapshot picture
	Width   int
	Quality int
}

// Server is the HTTP side of the view.
type Server struct {
	view      *View
	hub       *Hub
	upgrader  *websocket.Upgrader
	restarter Restarter
	opts      Options
	server    *httpx.Server
	log       *logger.Logger
}

func NewServer(opts Options, view *View, restarter Restarter, log *logger.Logger) (*Server, error) {
	if opts.Width <= 0 {
		opts.Width = 800
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = jpeg.DefaultQuality
	}
	s := &Server{
		view:      view,
		hub:       NewHub(log),
		upgrader:  websocket.NewUpgrader(),
		restarter: restarter,
		opts:      opts,
		log:       log,
	}
	view.Subscribe(s.hub.Broadcast)

	server, err := httpx.NewServer(
		opts.Address,
		func(*httpx.Server) httpx.Handler { return s.routes() },
		httpx.WithPortRoll(true),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("console http: %w", err)
	}
	s.server = server
	return s, nil
}

func (s *Server) routes() *httpx.Mux {
	mux := httpx.NewServeMux("")
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/restart", s.handleRestart)
	mux.HandleFunc("/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWs)
	return mux
}

func (s *Server) Run() {
	s.log.Info().Msgf("Console is at %v", s.server)
	s.server.Run()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) String() string { return "console::" + s.server.Addr }

func (s *Server) Addr() string { return s.server.Addr }

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(index)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(s.view.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.restart(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) restart() error {
	err := s.restarter.Restart()
	if err != nil && !errors.Is(err, coordinator.ErrNotLive) {
		s.log.Error().Err(err).Msg("Restart")
	}
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	width := s.opts.Width
	if v := r.URL.Query().Get("w"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad width", http.StatusBadRequest)
			return
		}
		width = min(n, maxSnapshotWidth)
	}

	snap := s.view.Snapshot()
	var h int
	if snap.frame != nil {
		width, h = fit(snap.frame.Width, snap.frame.Height, width)
	} else {
		width, h = fit(16, 9, width)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Render(snap, width, h), &jpeg.Options{Quality: s.opts.Quality}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

type command struct {
	T string `json:"t"`
}

func (s *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.NewServer(w, r, s.log)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade")
		return
	}
	ws.OnMessage = func(message []byte) {
		var c command
		if err := json.Unmarshal(message, &c); err != nil {
			return
		}
		if c.T == "restart" {
			if err := s.restart(); err != nil {
				data, _ := json.Marshal(Message{T: "error", Data: err.Error()})
				ws.Write(data)
			}
		}
	}
	s.hub.Add(ws)
	ws.Listen()
}
