package license

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

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

func newTestSigningKey(t *testing.T) SigningKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := NewSigningKey(priv)
	if err != nil {
		t.Fatalf("NewSigningKey: %v", err)
	}
	return key
}

// newTestAuthority returns an issuer and a verifier that share one key and
// one clock.
func newTestAuthority(t *testing.T, clock *testClock, secret string) (*Issuer, *Verifier) {
	t.Helper()
	key := newTestSigningKey(t)
	pool, err := NewRotatingKeyPool([]SigningKey{key}, 0, clock.Now)
	if err != nil {
		t.Fatalf("NewRotatingKeyPool: %v", err)
	}
	issuer, err := NewIssuer(IssuerConfig{Pool: pool, OperatorSecret: secret, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := NewVerifier(VerifierConfig{PublicKeys: pool.PublicKeys(), Now: clock.Now})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return issuer, verifier
}

func mustIssue(t *testing.T, issuer *Issuer, params IssueParams, secret string) *Issued {
	t.Helper()
	issued, err := issuer.Issue(context.Background(), params, secret)
	if err != nil {
		t.Fatalf("Issue(%+v): %v", params, err)
	}
	return issued
}

func intPtr(v int) *int { return &v }

type failingSigner struct {
	pub ed25519.PublicKey
}

func (f failingSigner) Public() crypto.PublicKey { return f.pub }

func (f failingSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errors.New("signer offline")
}

type recordingRecorder struct {
	mu     sync.Mutex
	issued []*Issued
	err    error
}

func (r *recordingRecorder) RecordIssuance(_ context.Context, issued *Issued) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued = append(r.issued, issued)
	return r.err
}
