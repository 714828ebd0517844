// Package api wires the HTTP surface: the websocket upgrade, health and
// metrics endpoints, and the static asset server with SPA fallback.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/typerace/server/internal/realtime"
	"github.com/typerace/server/internal/room"
)

type Server struct {
	Router *chi.Mux

	registry  *room.Registry
	logger    *zap.Logger
	staticDir string
	storeMode string
}

func NewServer(registry *room.Registry, wsServer *realtime.WSServer, staticDir, storeMode string, logger *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	s := &Server{
		Router:    r,
		registry:  registry,
		logger:    logger,
		staticDir: staticDir,
		storeMode: storeMode,
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", wsServer)
	r.NotFound(s.static)

	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"store":  s.storeMode,
		"rooms":  s.registry.Len(),
	})
}

// static serves files from the configured directory, falling back to
// index.html for any unknown path so client-side routing works.
func (s *Server) static(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := filepath.Clean(strings.TrimPrefix(r.URL.Path, "/"))
	if name == "." || strings.HasPrefix(name, "..") {
		name = "index.html"
	}
	path := filepath.Join(s.staticDir, name)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		path = filepath.Join(s.staticDir, "index.html")
	}
	http.ServeFile(w, r, path)
}
