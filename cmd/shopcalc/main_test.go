package main

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/shopcalc/internal/config"
	"github.com/rcourtman/shopcalc/internal/deviceid"
	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/licensestate"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func status(t *testing.T, args ...string) licensestate.Snapshot {
	t.Helper()
	out, err := execute(t, append(args, "--json")...)
	require.NoError(t, err)
	var snap licensestate.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	return snap
}

type signer struct {
	issuer *license.Issuer
}

// setupClient points the CLI at a fresh state dir and a local public key.
func setupClient(t *testing.T) *signer {
	t.Helper()
	for _, key := range []string{
		"SHOPCALC_LICENSE_SERVER", "SHOPCALC_USE_SERVER_TRIAL_LEDGER",
		"SHOPCALC_ADMIN_OIDC_ISSUER", "SHOPCALC_ADMIN_OIDC_CLIENT_ID",
		"SHOPCALC_ADMIN_OIDC_CLIENT_SECRET", "SHOPCALC_ADMIN_EMAILS",
		"SHOPCALC_LOG_LEVEL", "SHOPCALC_LOG_FILE",
	} {
		t.Setenv(key, "")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	t.Setenv("SHOPCALC_STATE_DIR", t.TempDir())
	t.Setenv("SHOPCALC_LICENSE_PUBLIC_KEY", licensing.EncodeKey(pub))

	key, err := license.NewSigningKey(priv)
	require.NoError(t, err)
	pool, err := license.NewRotatingKeyPool([]license.SigningKey{key}, 0, nil)
	require.NoError(t, err)
	issuer, err := license.NewIssuer(license.IssuerConfig{Pool: pool})
	require.NoError(t, err)
	return &signer{issuer: issuer}
}

func (s *signer) issue(t *testing.T, deviceID, plan string) string {
	t.Helper()
	issued, err := s.issuer.Issue(context.Background(), license.IssueParams{DeviceID: deviceID, Plan: plan}, "")
	require.NoError(t, err)
	return issued.Token
}

func deviceID(t *testing.T) string {
	t.Helper()
	out, err := execute(t, "device-id")
	require.NoError(t, err)
	return strings.TrimSpace(out)
}

func TestVersionCmd(t *testing.T) {
	oldVersion := Version
	defer func() { Version = oldVersion }()
	Version = "9.9.9"

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shopcalc 9.9.9")
}

func TestDeviceIDIsStable(t *testing.T) {
	setupClient(t)
	first := deviceID(t)
	assert.Len(t, first, deviceid.IDLength)
	assert.Equal(t, first, deviceID(t))
}

func TestFirstRunStartsTrialOnce(t *testing.T) {
	setupClient(t)

	fresh := status(t, "status")
	assert.Equal(t, licensestate.StatusUnlicensed, fresh.Status)

	snap := status(t)
	assert.Equal(t, licensestate.StatusTrialActive, snap.Status)
	require.NotNil(t, snap.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(licensing.DefaultTrialDuration), *snap.ExpiresAt, time.Minute)

	_, err := execute(t, "trial")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been used")

	out, err := execute(t, "features", "--json")
	require.NoError(t, err)
	var features map[string]bool
	require.NoError(t, json.Unmarshal([]byte(out), &features))
	assert.True(t, features[licensing.FeatureVoice])
	assert.False(t, features[licensing.FeatureLiveRates])

	out, err = execute(t, "voice")
	require.NoError(t, err)
	assert.Contains(t, out, "Voice session started")
}

func TestActivateAndClear(t *testing.T) {
	s := setupClient(t)
	id := deviceID(t)

	snap := status(t, "activate", s.issue(t, id, "lifetime"))
	assert.Equal(t, licensestate.StatusPaidActive, snap.Status)
	assert.Equal(t, licensing.PlanLifetime, snap.Plan)

	_, err := execute(t, "activate", s.issue(t, "some-other-device", "monthly"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another device")
	assert.Equal(t, licensestate.StatusPaidActive, status(t, "status").Status, "a rejected code never downgrades")

	_, err = execute(t, "activate", "not-a-code")
	require.Error(t, err)
	assert.Equal(t, licensestate.StatusPaidActive, status(t, "status").Status)

	cleared := status(t, "clear")
	assert.Equal(t, licensestate.StatusUnlicensed, cleared.Status)

	_, err = execute(t, "voice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an active license")
}

func TestActivateFromFlagAndStdin(t *testing.T) {
	s := setupClient(t)
	token := s.issue(t, deviceID(t), "monthly")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(token + "\n"))
	cmd.SetArgs([]string{"activate", "--code", "-", "--json"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var snap licensestate.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, licensestate.StatusPaidActive, snap.Status)
}

func TestHumanStatusOutput(t *testing.T) {
	s := setupClient(t)
	id := deviceID(t)
	_, err := execute(t, "activate", s.issue(t, id, "lifetime"))
	require.NoError(t, err)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "paid_active")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "Lifetime")
}

func TestAdminOverrideRequiresConfiguration(t *testing.T) {
	setupClient(t)
	_, err := execute(t, "admin-override", "--id-token", "x")
	assert.ErrorIs(t, err, licensestate.ErrAdminOverrideUnavailable)
}

func TestAdminOverrideWithIDToken(t *testing.T) {
	setupClient(t)
	const issuerURL = "https://login.example.com"
	t.Setenv("SHOPCALC_ADMIN_OIDC_ISSUER", issuerURL)
	t.Setenv("SHOPCALC_ADMIN_OIDC_CLIENT_ID", "shopcalc")
	t.Setenv("SHOPCALC_ADMIN_EMAILS", "*@example.com")

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	old := newAdminAuthenticator
	defer func() { newAdminAuthenticator = old }()
	newAdminAuthenticator = func(ctx context.Context, cfg *config.Client) (*licensestate.OIDCAdminAuthenticator, error) {
		keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&rsaKey.PublicKey}}
		verifier := oidc.NewVerifier(cfg.AdminOIDCIssuer, keySet, &oidc.Config{ClientID: cfg.AdminOIDCClientID})
		return licensestate.NewOIDCAdminAuthenticatorWithVerifier(verifier, cfg.AdminEmails), nil
	}

	sign := func(email string) string {
		now := time.Now()
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":   issuerURL,
			"aud":   "shopcalc",
			"sub":   "admin-1",
			"email": email,
			"iat":   now.Unix(),
			"exp":   now.Add(time.Hour).Unix(),
		}).SignedString(rsaKey)
		require.NoError(t, err)
		return token
	}

	_, err = execute(t, "admin-override", "--id-token", sign("mallory@evil.test"))
	assert.ErrorIs(t, err, licensing.ErrUnauthorized)
	assert.Equal(t, licensestate.StatusUnlicensed, status(t, "status").Status)

	snap := status(t, "admin-override", "--id-token", sign("owner@example.com"))
	assert.Equal(t, licensestate.StatusPaidActive, snap.Status)
	assert.Equal(t, licensestate.SourceAdminOverride, snap.Source)
	assert.Equal(t, "owner@example.com", snap.AdminSubject)

	out, err := execute(t, "features", "--json")
	require.NoError(t, err)
	var features map[string]bool
	require.NoError(t, json.Unmarshal([]byte(out), &features))
	for _, name := range licensing.BaselineFeatures {
		assert.True(t, features[name], name)
	}
}
