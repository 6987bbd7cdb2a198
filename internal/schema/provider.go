package schema

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

type snapshotter interface {
	Snapshot(ctx context.Context) ([]Table, error)
}

// CachedProvider serves the prompt schema description, refreshing it at
// most once per TTL. Concurrent refreshes collapse into one catalog read.
type CachedProvider struct {
	source snapshotter
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu      sync.RWMutex
	text    string
	expires time.Time
}

func NewCachedProvider(source snapshotter, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	return &CachedProvider{
		source: source,
		ttl:    ttl,
		logger: observability.LoggerOrDiscard(logger),
		now:    time.Now,
	}
}

func (p *CachedProvider) Describe(ctx context.Context) (string, error) {
	p.mu.RLock()
	text, expires := p.text, p.expires
	p.mu.RUnlock()
	if text != "" && p.now().Before(expires) {
		return text, nil
	}

	value, err, _ := p.group.Do("describe", func() (any, error) {
		p.mu.RLock()
		cached, valid := p.text, p.text != "" && p.now().Before(p.expires)
		p.mu.RUnlock()
		if valid {
			return cached, nil
		}
		tables, err := p.source.Snapshot(ctx)
		if err != nil {
			return "", err
		}
		described := FormatContext(tables)
		p.mu.Lock()
		p.text = described
		p.expires = p.now().Add(p.ttl)
		p.mu.Unlock()
		p.logger.DebugContext(ctx, "schema context refreshed", slog.Int("tables", len(tables)))
		return described, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops the cached description.
func (p *CachedProvider) Invalidate() {
	p.mu.Lock()
	p.text = ""
	p.expires = time.Time{}
	p.mu.Unlock()
}
