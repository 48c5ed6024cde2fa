package license

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	PublicKeys []ed25519.PublicKey
	// Leeway tolerates verifier clocks running ahead of the issuer.
	Leeway time.Duration
	Now    func() time.Time
}

// Verifier checks credentials against a device id. It keeps no state
// between calls.
type Verifier struct {
	byID   map[string]ed25519.PublicKey
	keys   []ed25519.PublicKey
	leeway time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

var strictSegment = base64.RawURLEncoding.Strict()

// NewVerifier fails with CONFIGURATION_ERROR when no valid key is supplied.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{
		byID:   make(map[string]ed25519.PublicKey, len(cfg.PublicKeys)),
		leeway: cfg.Leeway,
		now:    cfg.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, key := range cfg.PublicKeys {
		if len(key) != ed25519.PublicKeySize {
			continue
		}
		id := licensing.KeyID(key)
		if _, dup := v.byID[id]; dup {
			continue
		}
		v.byID[id] = key
		v.keys = append(v.keys, key)
	}
	if len(v.keys) == 0 {
		return nil, licensing.NewError(licensing.CodeConfiguration, "verifier has no public keys", nil)
	}
	if v.leeway < 0 {
		v.leeway = 0
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Verify implements licensing.CredentialVerifier. The error is always nil;
// every outcome is reported through the result.
func (v *Verifier) Verify(_ context.Context, token, deviceID string) (licensing.VerificationResult, error) {
	return v.Check(token, deviceID), nil
}

// Check runs signature, subject and expiry checks in that order. Claims are
// not decoded until the signature has been verified.
func (v *Verifier) Check(token, deviceID string) licensing.VerificationResult {
	token = strings.TrimSpace(token)
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return licensing.InvalidResult(licensing.CodeMalformed)
	}

	sig, err := strictSegment.DecodeString(parts[2])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return licensing.InvalidResult(licensing.CodeSignatureInvalid)
	}
	key := v.matchKey(parts[0], []byte(parts[0]+"."+parts[1]), sig)
	if key == nil {
		return licensing.InvalidResult(licensing.CodeSignatureInvalid)
	}

	var claims licensing.Claims
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return licensing.InvalidResult(licensing.CodeMalformed)
	}
	if claims.DeviceID() == "" || claims.Plan == "" || claims.ExpiresAt == nil {
		return licensing.InvalidResult(licensing.CodeMalformed)
	}

	if claims.DeviceID() != deviceID {
		return licensing.InvalidResult(licensing.CodeDeviceMismatch)
	}

	expiresAt := claims.ExpiryTime()
	if !v.now().Before(expiresAt.Add(v.leeway)) {
		return licensing.InvalidResult(licensing.CodeExpired)
	}

	return licensing.ValidResult(claims.Plan, expiresAt, claims.FeatureSet(), claims.ID)
}

// matchKey returns the key that signed the input. The header is consulted
// only for its key id; an unreadable header falls back to trying every key.
func (v *Verifier) matchKey(header string, signed, sig []byte) ed25519.PublicKey {
	if kid := headerKeyID(header); kid != "" {
		if key, ok := v.byID[kid]; ok {
			if ed25519.Verify(key, signed, sig) {
				return key
			}
			return nil
		}
	}
	for _, key := range v.keys {
		if ed25519.Verify(key, signed, sig) {
			return key
		}
	}
	return nil
}

func headerKeyID(segment string) string {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return ""
	}
	var h struct {
		Kid string `json:"kid"`
	}
	if json.Unmarshal(raw, &h) != nil {
		return ""
	}
	return h.Kid
}

// UnverifiedSubject reads the subject claim without checking the signature.
// Use it only to discard state, never to grant anything.
func UnverifiedSubject(token string) (string, error) {
	var claims licensing.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return "", licensing.NewError(licensing.CodeMalformed, "unreadable credential", err)
	}
	return claims.DeviceID(), nil
}
