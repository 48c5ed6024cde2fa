package license

import (
	"crypto/ed25519"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// EmbeddedPublicKey is the production verification key (base64), set at
// build time:
//
//	go build -ldflags "-X github.com/rcourtman/shopcalc/internal/license.EmbeddedPublicKey=BASE64_KEY"
var EmbeddedPublicKey = ""

// ResolvePublicKeys decodes the configured verification keys, falling back to
// EmbeddedPublicKey when none are configured. Undecodable entries are logged
// and skipped.
func ResolvePublicKeys(configured []string) []ed25519.PublicKey {
	var keys []ed25519.PublicKey
	for _, raw := range configured {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		key, err := licensing.DecodePublicKey(raw)
		if err != nil {
			log.Error().Err(err).Msg("Failed to decode configured license public key")
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		log.Info().Int("keys", len(keys)).Msg("License public keys loaded from configuration")
		return keys
	}

	if EmbeddedPublicKey != "" {
		key, err := licensing.DecodePublicKey(EmbeddedPublicKey)
		if err != nil {
			log.Error().Err(err).Msg("Failed to decode embedded public key")
			return nil
		}
		log.Info().Str("fingerprint", licensing.PublicKeyFingerprint(key)).Msg("License public key loaded from embedded key")
		return []ed25519.PublicKey{key}
	}

	log.Warn().Msg("No license public key configured - local verification disabled")
	return nil
}
