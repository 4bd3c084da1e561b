// Package server exposes the HTTP surface of the vigil process: a health
// probe, per-agent fMP4 WebSocket streams and camera snapshots.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/annotate"
	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/store"
	"github.com/vigilcam/vigil/pkg/version"
	"github.com/vigilcam/vigil/pkg/wsfmp4"
)

const shutdownGrace = 5 * time.Second

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server is the vigil HTTP API.
type Server struct {
	cfg        config.WebServer
	registry   store.Store
	frames     *framestore.Store
	newEncoder wsfmp4.EncoderFactory
	defaultFPS int

	router *mux.Router

	mu      sync.Mutex
	streams map[string]*wsfmp4.Publisher // by agent id
}

func New(cfg config.WebServer, registry store.Store, frames *framestore.Store, newEncoder wsfmp4.EncoderFactory, defaultFPS int) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		frames:     frames,
		newEncoder: newEncoder,
		defaultFPS: defaultFPS,
		streams:    map[string]*wsfmp4.Publisher{},
	}
	s.router = s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/agents/{agent_id}/stream", s.agentStream).Methods(http.MethodGet)
	v1.HandleFunc("/cameras/{camera_id}/snapshot.jpg", s.cameraSnapshot).Methods(http.MethodGet)
	return router
}

// ListenAndServe blocks until ctx is cancelled, then drains connections and
// stops every live stream.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		// No write timeout: stream sockets stay open for as long as a
		// viewer watches.
		WriteTimeout:      0,
		ReadTimeout:       0,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
		Handler:           s.router,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info().Str("addr", srv.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)

	s.mu.Lock()
	for id, pub := range s.streams {
		pub.Stop()
		delete(s.streams, id)
	}
	s.mu.Unlock()

	log.Info().Msg("http server stopped")
	return err
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.Get(),
	})
}

// agentStream upgrades to WebSocket and attaches the client as a viewer of
// the agent's fMP4 stream. The stream encoder starts with the first viewer
// and stops with the last.
func (s *Server) agentStream(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]

	agent, err := s.registry.GetAgent(r.Context(), agentID)
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("agent_id", agentID).Msg("stream upgrade failed")
		return
	}

	pub := s.publisherFor(agentID, agent.EffectiveFPS(s.defaultFPS))
	viewerID, err := pub.AddViewer(r.Context(), conn)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to attach stream viewer")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "no frames"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	// Viewers never send data; the read loop exists to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	pub.RemoveViewer(viewerID)
}

func (s *Server) publisherFor(agentID string, fps int) *wsfmp4.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pub, ok := s.streams[agentID]; ok {
		return pub
	}
	pub := wsfmp4.NewPublisher(agentID, fps, s.frames, s.newEncoder, nil)
	s.streams[agentID] = pub
	return pub
}

// cameraSnapshot returns the camera's most recent raw frame as JPEG.
func (s *Server) cameraSnapshot(w http.ResponseWriter, r *http.Request) {
	cameraID := mux.Vars(r)["camera_id"]

	env, ok := s.frames.Get(cameraID)
	if !ok || !env.Valid() {
		http.Error(w, "no frame available", http.StatusNotFound)
		return
	}

	data, err := annotate.EncodeJPEG(env, annotate.NotificationJPEGQuality)
	if err != nil {
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("snapshot encode failed")
		http.Error(w, "failed to encode frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}
