package deviceid

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const maxStoredIDLength = 256

// Provider returns the device id, deriving and storing it on first use.
type Provider struct {
	source Source
	store  Store

	group  singleflight.Group
	mu     sync.Mutex
	cached string
}

// NewProvider builds a provider. A nil source yields only nonce-derived ids;
// a nil store keeps the id in memory.
func NewProvider(source Source, store Store) *Provider {
	if source == nil {
		source = StaticSource{}
	}
	if store == nil {
		store = &MemoryStore{}
	}
	return &Provider{source: source, store: store}
}

// GetOrCreate returns the same id on every call within one storage scope.
// It never fails: storage problems degrade to an id that lives as long as
// the process.
func (p *Provider) GetOrCreate(ctx context.Context) string {
	if id := p.cachedID(); id != "" {
		return id
	}
	v, _, _ := p.group.Do("device-id", func() (any, error) {
		return p.derive(ctx), nil
	})
	return v.(string)
}

func (p *Provider) cachedID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

func (p *Provider) derive(ctx context.Context) string {
	if id := p.cachedID(); id != "" {
		return id
	}

	persist := true
	stored, err := p.store.Load()
	switch {
	case err == nil && len(stored) <= maxStoredIDLength:
		return p.remember(stored)
	case err == nil:
		log.Warn().Int("length", len(stored)).Msg("Ignoring oversized stored device id")
	case !errors.Is(err, ErrNotFound):
		log.Warn().Err(err).Msg("Device id storage unavailable; using a session-only id")
		persist = false
	}

	signals, err := p.source.Collect(ctx)
	var id string
	if err != nil || signals.IsZero() {
		if err != nil {
			log.Debug().Err(err).Msg("Device signal collection incomplete; mixing in a random nonce")
		}
		id = digest(signals.canonical(), randomNonce())
	} else {
		id = Fingerprint(signals)
	}

	if persist {
		if err := p.store.Save(id); err != nil {
			log.Warn().Err(err).Msg("Failed to persist device id; it will not survive a restart")
		}
	}
	return p.remember(id)
}

func (p *Provider) remember(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = id
	return id
}

func randomNonce() []byte {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	return nonce
}
