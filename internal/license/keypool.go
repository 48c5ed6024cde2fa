package license

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// DefaultKeyCooldown is how long a key that failed to sign is skipped.
const DefaultKeyCooldown = 5 * time.Minute

// ErrNoSigningKey is returned by a pool whose keys are all cooling down.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey is one Ed25519 signing capability. Signer is usually an
// ed25519.PrivateKey but may be any crypto.Signer with an Ed25519 public key.
type SigningKey struct {
	ID     string
	Signer crypto.Signer
}

// NewSigningKey wraps a private key and derives its key id.
func NewSigningKey(priv ed25519.PrivateKey) (SigningKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return SigningKey{}, licensing.NewError(licensing.CodeConfiguration,
			fmt.Sprintf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv)), nil)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return SigningKey{ID: licensing.KeyID(pub), Signer: priv}, nil
}

// PublicKey returns the verification half of the key, or nil when the signer
// is not Ed25519.
func (k SigningKey) PublicKey() ed25519.PublicKey {
	if k.Signer == nil {
		return nil
	}
	pub, _ := k.Signer.Public().(ed25519.PublicKey)
	return pub
}

// ParseSigningKeys decodes base64 private keys or seeds.
func ParseSigningKeys(encoded []string) ([]SigningKey, error) {
	keys := make([]SigningKey, 0, len(encoded))
	seen := make(map[string]bool, len(encoded))
	for i, raw := range encoded {
		priv, err := licensing.DecodePrivateKey(raw)
		if errors.Is(err, licensing.ErrPrivateKeyMissing) {
			continue
		}
		if err != nil {
			return nil, licensing.NewError(licensing.CodeConfiguration, fmt.Sprintf("signing key %d", i+1), err)
		}
		key, err := NewSigningKey(priv)
		if err != nil {
			return nil, err
		}
		if seen[key.ID] {
			continue
		}
		seen[key.ID] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// KeyPool hands out signing keys. Implementations must be safe for
// concurrent use.
type KeyPool interface {
	Next(ctx context.Context) (SigningKey, error)
	ReportFailure(keyID string)
}

// RotatingKeyPool round-robins over its keys and skips any key that failed
// within the cooldown window.
type RotatingKeyPool struct {
	mu          sync.Mutex
	keys        []SigningKey
	next        int
	cooldown    time.Duration
	failedUntil map[string]time.Time
	now         func() time.Time
}

// NewRotatingKeyPool builds a pool. cooldown <= 0 uses DefaultKeyCooldown and
// a nil now uses time.Now.
func NewRotatingKeyPool(keys []SigningKey, cooldown time.Duration, now func() time.Time) (*RotatingKeyPool, error) {
	if len(keys) == 0 {
		return nil, licensing.NewError(licensing.CodeConfiguration, "no signing keys configured", nil)
	}
	for i, k := range keys {
		if k.ID == "" || k.Signer == nil {
			return nil, licensing.NewError(licensing.CodeConfiguration, fmt.Sprintf("signing key %d is incomplete", i+1), nil)
		}
	}
	if cooldown <= 0 {
		cooldown = DefaultKeyCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &RotatingKeyPool{
		keys:        append([]SigningKey(nil), keys...),
		cooldown:    cooldown,
		failedUntil: make(map[string]time.Time),
		now:         now,
	}, nil
}

// Next returns the next key that is not cooling down.
func (p *RotatingKeyPool) Next(ctx context.Context) (SigningKey, error) {
	if err := ctx.Err(); err != nil {
		return SigningKey{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for range p.keys {
		key := p.keys[p.next]
		p.next = (p.next + 1) % len(p.keys)
		if until, failed := p.failedUntil[key.ID]; failed {
			if now.Before(until) {
				continue
			}
			delete(p.failedUntil, key.ID)
		}
		return key, nil
	}
	return SigningKey{}, ErrNoSigningKey
}

// ReportFailure puts keyID into cooldown.
func (p *RotatingKeyPool) ReportFailure(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.now().Add(p.cooldown)
	p.failedUntil[keyID] = until
	log.Warn().Str("key_id", keyID).Time("cooldown_until", until).Msg("Signing key marked failed")
}

// Size returns the number of keys in the pool.
func (p *RotatingKeyPool) Size() int {
	return len(p.keys)
}

// PublicKeys returns the verification keys for every pool member.
func (p *RotatingKeyPool) PublicKeys() []ed25519.PublicKey {
	out := make([]ed25519.PublicKey, 0, len(p.keys))
	for _, k := range p.keys {
		if pub := k.PublicKey(); pub != nil {
			out = append(out, pub)
		}
	}
	return out
}
