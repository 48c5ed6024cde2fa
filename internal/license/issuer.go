// Package license issues and verifies device-bound license credentials.
// Credentials are Ed25519-signed JWTs whose subject is the device id.
package license

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/shopcalc/internal/logging"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// MaxDeviceIDLength bounds the subject claim.
const MaxDeviceIDLength = 256

// maxSignAttempts caps key failover for pools that never run dry.
const maxSignAttempts = 8

// maxLoggedPlan bounds how much of an unrecognized plan reaches the log.
const maxLoggedPlan = 64

// Recorder receives every successful issuance, e.g. for an audit ledger.
type Recorder interface {
	RecordIssuance(ctx context.Context, issued *Issued) error
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Pool KeyPool
	// OperatorSecret gates issuance when non-empty. Empty means open
	// issuance, suitable only for trusted internal deployments.
	OperatorSecret string
	Now            func() time.Time
	Recorder       Recorder
}

// IssueParams is one issuance request.
type IssueParams struct {
	DeviceID string
	Plan     string
	// Months is the monthly term; nil means DefaultMonths.
	Months   *int
	Features []string
}

// Issued is a signed credential together with the claims embedded in it.
type Issued struct {
	Token     string
	DeviceID  string
	Plan      licensing.Plan
	IssuedAt  time.Time
	ExpiresAt time.Time
	Features  []string
	LicenseID string
	KeyID     string
}

// Issuer mints credentials. It holds no per-request state.
type Issuer struct {
	pool     KeyPool
	secret   string
	now      func() time.Time
	recorder Recorder
}

// NewIssuer fails with CONFIGURATION_ERROR when no key pool is configured.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Pool == nil {
		return nil, licensing.NewError(licensing.CodeConfiguration, "issuer has no signing keys", nil)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		pool:     cfg.Pool,
		secret:   cfg.OperatorSecret,
		now:      now,
		recorder: cfg.Recorder,
	}, nil
}

// RequiresSecret reports whether callers must present the operator secret.
func (i *Issuer) RequiresSecret() bool {
	return i.secret != ""
}

// Authorize checks the operator secret in constant time. It always passes
// when no secret is configured.
func (i *Issuer) Authorize(callerSecret string) error {
	if i.secret != "" && subtle.ConstantTimeCompare([]byte(callerSecret), []byte(i.secret)) != 1 {
		return licensing.NewError(licensing.CodeUnauthorized, "operator secret mismatch", nil)
	}
	return nil
}

// Issue signs a credential binding params.Plan to params.DeviceID.
func (i *Issuer) Issue(ctx context.Context, params IssueParams, callerSecret string) (*Issued, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("issue license: %w", err)
	}
	if err := i.Authorize(callerSecret); err != nil {
		return nil, err
	}

	deviceID := strings.TrimSpace(params.DeviceID)
	if deviceID == "" {
		return nil, licensing.NewError(licensing.CodeInvalidRequest, "deviceId is required", nil)
	}
	if len(deviceID) > MaxDeviceIDLength {
		return nil, licensing.NewError(licensing.CodeInvalidRequest,
			fmt.Sprintf("deviceId exceeds %d bytes", MaxDeviceIDLength), nil)
	}

	logger := logging.FromContext(ctx)
	plan, recognized := licensing.NormalizePlan(params.Plan)
	if !recognized && strings.TrimSpace(params.Plan) != "" {
		logger.Info().Str("requested_plan", truncate(params.Plan, maxLoggedPlan)).Str("plan", string(plan)).Msg("Unrecognized plan normalized to default")
	}

	months := licensing.DefaultMonths
	if params.Months != nil {
		months = *params.Months
	}

	now := i.now().UTC().Truncate(time.Second)
	claims := licensing.Claims{
		Plan:     plan,
		Features: licensing.NormalizeFeatures(params.Features),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    licensing.CredentialIssuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(licensing.ExpiryFor(plan, months, now)),
			ID:        ulid.Make().String(),
		},
	}

	token, keyID, err := i.sign(ctx, &claims)
	if err != nil {
		return nil, err
	}

	issued := &Issued{
		Token:     token,
		DeviceID:  deviceID,
		Plan:      plan,
		IssuedAt:  claims.IssuedTime(),
		ExpiresAt: claims.ExpiryTime(),
		Features:  claims.FeatureSet(),
		LicenseID: claims.ID,
		KeyID:     keyID,
	}

	if i.recorder != nil {
		if err := i.recorder.RecordIssuance(ctx, issued); err != nil {
			logger.Error().Err(err).Str("license_id", issued.LicenseID).Msg("Failed to record issuance")
		}
	}

	logger.Info().
		Str("license_id", issued.LicenseID).
		Str("device_id", deviceID).
		Str("plan", string(plan)).
		Str("key_id", keyID).
		Time("expires_at", issued.ExpiresAt).
		Msg("License issued")
	return issued, nil
}

func (i *Issuer) sign(ctx context.Context, claims *licensing.Claims) (string, string, error) {
	var lastErr error
	for attempt := 0; attempt < maxSignAttempts; attempt++ {
		key, err := i.pool.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", "", fmt.Errorf("issue license: %w", ctxErr)
			}
			return "", "", licensing.NewError(licensing.CodeConfiguration, "no usable signing key", errors.Join(err, lastErr))
		}

		token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		token.Header["kid"] = key.ID
		signed, err := token.SignedString(key.Signer)
		if err == nil {
			return signed, key.ID, nil
		}
		lastErr = err
		logging.FromContext(ctx).Warn().Err(err).Str("key_id", key.ID).Msg("Signing failed; trying next key")
		i.pool.ReportFailure(key.ID)
	}
	return "", "", licensing.NewError(licensing.CodeConfiguration, "signing failed with every key", lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
