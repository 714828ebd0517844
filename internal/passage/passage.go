// Package passage selects the text a room races over.
package passage

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source is the persistent half of the provider, satisfied by *store.Store.
type Source interface {
	RandomPassage(ctx context.Context) (string, error)
}

// Provider returns race passages. When a store is configured it is asked
// first under a strict deadline; any failure, timeout or empty table falls
// back to the bundled static list so a race can always begin.
type Provider struct {
	source  Source
	timeout time.Duration
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewProvider(source Source, timeout time.Duration, logger *zap.Logger) *Provider {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Provider{
		source:  source,
		timeout: timeout,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Random returns a non-empty passage. It never blocks past the provider
// deadline and never fails.
func (p *Provider) Random(ctx context.Context) string {
	if p.source != nil {
		storeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		text, err := p.source.RandomPassage(storeCtx)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			p.logger.Warn("passage store unavailable, using static list", zap.Error(err))
		}
	}
	return p.static()
}

func (p *Provider) static() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return staticPassages[p.rng.Intn(len(staticPassages))]
}
