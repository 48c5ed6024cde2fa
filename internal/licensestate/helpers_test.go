package licensestate

import (
	"context"
	"crypto/ed25519"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

const testDevice = "device-aaaaaaaaaaaaaaaaaaaaaaaaaa"

var testEpoch = time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticIDs string

func (s staticIDs) GetOrCreate(context.Context) string { return string(s) }

type authority struct {
	issuer   *license.Issuer
	verifier *license.Verifier
}

func newAuthority(t *testing.T, clock *testClock) *authority {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key, err := license.NewSigningKey(priv)
	require.NoError(t, err)
	pool, err := license.NewRotatingKeyPool([]license.SigningKey{key}, 0, clock.Now)
	require.NoError(t, err)
	issuer, err := license.NewIssuer(license.IssuerConfig{Pool: pool, Now: clock.Now})
	require.NoError(t, err)
	verifier, err := license.NewVerifier(license.VerifierConfig{PublicKeys: pool.PublicKeys(), Now: clock.Now})
	require.NoError(t, err)
	return &authority{issuer: issuer, verifier: verifier}
}

func (a *authority) issue(t *testing.T, deviceID string, plan licensing.Plan, months int) string {
	t.Helper()
	issued, err := a.issuer.Issue(context.Background(), license.IssueParams{
		DeviceID: deviceID,
		Plan:     string(plan),
		Months:   &months,
	}, "")
	require.NoError(t, err)
	return issued.Token
}

type fakeLedger struct {
	mu      sync.Mutex
	claims  map[string]TrialClaim
	err     error
	clock   *testClock
	calls   int
	windows time.Duration
}

func newFakeLedger(clock *testClock) *fakeLedger {
	return &fakeLedger{claims: map[string]TrialClaim{}, clock: clock, windows: licensing.DefaultTrialDuration}
}

func (l *fakeLedger) ClaimTrial(_ context.Context, deviceID string) (TrialClaim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return TrialClaim{}, l.err
	}
	if existing, ok := l.claims[deviceID]; ok {
		existing.Granted = false
		return existing, nil
	}
	start := l.clock.Now().UTC()
	claim := TrialClaim{Granted: true, StartedAt: start, ExpiresAt: start.Add(l.windows)}
	l.claims[deviceID] = claim
	return claim, nil
}

type fakeAdmin struct {
	identity AdminIdentity
	err      error
}

func (f fakeAdmin) Authenticate(context.Context, string) (AdminIdentity, error) {
	return f.identity, f.err
}

func newTestController(t *testing.T, clock *testClock, store Store, opts Options) *Controller {
	t.Helper()
	opts.Store = store
	if opts.DeviceIDs == nil {
		opts.DeviceIDs = staticIDs(testDevice)
	}
	opts.Now = clock.Now
	c, err := NewController(opts)
	require.NoError(t, err)
	_, err = c.Load(context.Background())
	require.NoError(t, err)
	return c
}

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o600)
}
