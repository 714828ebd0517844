package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/typerace/server/internal/observability"
)

// Registry is the process-wide mapping from room name to Room. It is the
// only shared mutable structure in the server; rooms themselves are reached
// through their inbox and broadcast bus.
type Registry struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	rooms  map[string]*Room

	cfg      Config
	provider PassageProvider
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewRegistry(ctx context.Context, cfg Config, provider PassageProvider, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	regCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:      regCtx,
		cancel:   cancel,
		rooms:    make(map[string]*Room),
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		metrics:  metrics,
	}
}

// GetOrCreate returns the room for name, creating it on first reference.
// Concurrent callers observe the same instance.
func (g *Registry) GetOrCreate(name string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[name]; ok {
		return r
	}
	r := New(g.ctx, name, g.cfg, g.provider, g.logger, g.metrics, g.Retire)
	g.rooms[name] = r
	if g.metrics != nil {
		g.metrics.ActiveRooms.Inc()
	}
	g.logger.Info("room created", zap.String("room", name))
	return r
}

// Retire removes the room only if it is empty; otherwise it is a no-op. A
// joiner racing against retirement either lands in the map before the
// emptiness check or is handed a fresh room by the next GetOrCreate.
func (g *Registry) Retire(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[name]
	if !ok || !r.Empty() {
		return
	}
	delete(g.rooms, name)
	r.Stop()
	if g.metrics != nil {
		g.metrics.ActiveRooms.Dec()
	}
	g.logger.Info("room retired", zap.String("room", name))
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close stops every room loop.
func (g *Registry) Close() {
	g.cancel()
}
