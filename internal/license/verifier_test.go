package license

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

func TestNewVerifierRequiresKeys(t *testing.T) {
	if _, err := NewVerifier(VerifierConfig{}); !errors.Is(err, licensing.ErrConfiguration) {
		t.Fatalf("NewVerifier error = %v, want ErrConfiguration", err)
	}
	if _, err := NewVerifier(VerifierConfig{PublicKeys: []ed25519.PublicKey{[]byte("short")}}); !errors.Is(err, licensing.ErrConfiguration) {
		t.Fatalf("NewVerifier with bad key error = %v, want ErrConfiguration", err)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	clock := newTestClock(testEpoch)
	issuer, verifier := newTestAuthority(t, clock, "")

	devices := []string{"dev-A", "machine-123", "café-📱", strings.Repeat("z", MaxDeviceIDLength)}
	for _, plan := range []licensing.Plan{licensing.PlanMonthly, licensing.PlanLifetime} {
		for _, device := range devices {
			issued := mustIssue(t, issuer, IssueParams{DeviceID: device, Plan: string(plan), Months: intPtr(24)}, "")
			result, err := verifier.Verify(context.Background(), issued.Token, device)
			if err != nil {
				t.Fatalf("Verify error: %v", err)
			}
			if !result.Valid || result.Plan != plan {
				t.Fatalf("Verify(%s, %q) = %+v, want valid %s", plan, device, result, plan)
			}
			if !result.ExpiresAt.Equal(issued.ExpiresAt) || result.LicenseID != issued.LicenseID {
				t.Fatalf("verified claims %+v differ from issued %+v", result, issued)
			}
		}
	}
}

func TestVerifyDeviceMismatch(t *testing.T) {
	issuer, verifier := newTestAuthority(t, newTestClock(testEpoch), "")

	pairs := [][2]string{
		{"d1", "d2"},
		{"machine-123", "machine-456"},
		{"Device", "device"},
		{"dev", "dev "},
		{"dev", ""},
	}
	for _, p := range pairs {
		issued := mustIssue(t, issuer, IssueParams{DeviceID: p[0], Plan: "lifetime"}, "")
		result := verifier.Check(issued.Token, p[1])
		if result.Valid || result.Reason != licensing.CodeDeviceMismatch {
			t.Fatalf("token for %q verified against %q = %+v, want DEVICE_MISMATCH", p[0], p[1], result)
		}
	}
}

func TestVerifyTamperedTokenEveryByte(t *testing.T) {
	issuer, verifier := newTestAuthority(t, newTestClock(testEpoch), "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "dev-1", Plan: "monthly", Features: []string{"voice"}}, "")
	token := issued.Token

	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			continue
		}
		replacement := byte('A')
		if token[i] == 'A' {
			replacement = 'B'
		}
		tampered := token[:i] + string(replacement) + token[i+1:]
		result := verifier.Check(tampered, "dev-1")
		if result.Valid || result.Reason != licensing.CodeSignatureInvalid {
			t.Fatalf("byte %d tampered: result = %+v, want SIGNATURE_INVALID", i, result)
		}
	}
}

func TestVerifyForgedClaimsNeverLeak(t *testing.T) {
	issuer, verifier := newTestAuthority(t, newTestClock(testEpoch), "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "dev-1", Plan: "monthly"}, "")
	parts := strings.Split(issued.Token, ".")

	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"dev-1","plan":"lifetime","exp":9999999999}`))
	result := verifier.Check(parts[0]+"."+forged+"."+parts[2], "dev-1")
	if result.Valid || result.Reason != licensing.CodeSignatureInvalid || result.Plan != "" {
		t.Fatalf("forged payload result = %+v", result)
	}

	garbage := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	result = verifier.Check(parts[0]+"."+garbage+"."+parts[2], "dev-1")
	if result.Reason != licensing.CodeSignatureInvalid {
		t.Fatalf("unsigned garbage payload reason = %s, want SIGNATURE_INVALID", result.Reason)
	}
}

func TestVerifyMalformed(t *testing.T) {
	_, verifier := newTestAuthority(t, newTestClock(testEpoch), "")

	for _, token := range []string{"", "   ", "abc", "a.b", "a..c", ".b.c", "a.b.c.d"} {
		result := verifier.Check(token, "dev-1")
		if result.Reason != licensing.CodeMalformed {
			t.Fatalf("Check(%q) reason = %s, want MALFORMED", token, result.Reason)
		}
	}

	noneAlg := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"dev-1"}`)) + "."
	if result := verifier.Check(noneAlg, "dev-1"); result.Valid {
		t.Fatal("alg=none token must never verify")
	}

	if result := verifier.Check("xx.yy.zz", "dev-1"); result.Reason != licensing.CodeSignatureInvalid {
		t.Fatalf("short signature reason = %s, want SIGNATURE_INVALID", result.Reason)
	}
}

func TestVerifySignedButIncompleteClaims(t *testing.T) {
	clock := newTestClock(testEpoch)
	key := newTestSigningKey(t)
	verifier, err := NewVerifier(VerifierConfig{PublicKeys: []ed25519.PublicKey{key.PublicKey()}, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	missingPlan := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Subject:   "dev-1",
		ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Hour)),
	})
	signed, err := missingPlan.SignedString(key.Signer)
	if err != nil {
		t.Fatal(err)
	}
	if result := verifier.Check(signed, "dev-1"); result.Reason != licensing.CodeMalformed {
		t.Fatalf("missing plan reason = %s, want MALFORMED", result.Reason)
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte("not json"))
	priv := key.Signer.(ed25519.PrivateKey)
	sig := ed25519.Sign(priv, []byte(header+"."+payload))
	token := header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig)
	if result := verifier.Check(token, "dev-1"); result.Reason != licensing.CodeMalformed {
		t.Fatalf("signed non-JSON payload reason = %s, want MALFORMED", result.Reason)
	}
}

func TestVerifyExpiry(t *testing.T) {
	clock := newTestClock(testEpoch)
	issuer, verifier := newTestAuthority(t, clock, "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "dev-A", Plan: "monthly", Months: intPtr(1)}, "")

	clock.Advance(issued.ExpiresAt.Sub(clock.Now()) - time.Second)
	if result := verifier.Check(issued.Token, "dev-A"); !result.Valid {
		t.Fatalf("one second before expiry = %+v, want valid", result)
	}

	clock.Advance(time.Second)
	if result := verifier.Check(issued.Token, "dev-A"); result.Reason != licensing.CodeExpired {
		t.Fatalf("at expiry reason = %s, want EXPIRED", result.Reason)
	}
}

func TestVerifyWrongDeviceBeatsExpiry(t *testing.T) {
	clock := newTestClock(testEpoch)
	issuer, verifier := newTestAuthority(t, clock, "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "dev-A"}, "")
	clock.Advance(365 * 24 * time.Hour)

	if result := verifier.Check(issued.Token, "dev-B"); result.Reason != licensing.CodeDeviceMismatch {
		t.Fatalf("expired token on another device reason = %s, want DEVICE_MISMATCH", result.Reason)
	}
}

func TestVerifyClockSkewLeeway(t *testing.T) {
	clock := newTestClock(testEpoch)
	key := newTestSigningKey(t)
	pool, err := NewRotatingKeyPool([]SigningKey{key}, 0, clock.Now)
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := NewIssuer(IssuerConfig{Pool: pool, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "dev-1"}, "")

	// Verifier clock running 30s past expiry.
	skewed := func() time.Time { return issued.ExpiresAt.Add(30 * time.Second) }
	strict, err := NewVerifier(VerifierConfig{PublicKeys: pool.PublicKeys(), Now: skewed})
	if err != nil {
		t.Fatal(err)
	}
	tolerant, err := NewVerifier(VerifierConfig{PublicKeys: pool.PublicKeys(), Now: skewed, Leeway: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	if result := strict.Check(issued.Token, "dev-1"); result.Reason != licensing.CodeExpired {
		t.Fatalf("strict verifier reason = %s, want EXPIRED", result.Reason)
	}
	if result := tolerant.Check(issued.Token, "dev-1"); !result.Valid {
		t.Fatalf("tolerant verifier = %+v, want valid", result)
	}

	// An issuer clock ahead of the verifier does not matter: iat is not checked.
	early := func() time.Time { return issued.IssuedAt.Add(-time.Hour) }
	behind, err := NewVerifier(VerifierConfig{PublicKeys: pool.PublicKeys(), Now: early})
	if err != nil {
		t.Fatal(err)
	}
	if result := behind.Check(issued.Token, "dev-1"); !result.Valid {
		t.Fatalf("verifier behind issuer = %+v, want valid", result)
	}
}

func TestVerifyKeyRotation(t *testing.T) {
	clock := newTestClock(testEpoch)
	oldKey, newKey, strangerKey := newTestSigningKey(t), newTestSigningKey(t), newTestSigningKey(t)

	issueWith := func(key SigningKey) string {
		pool, err := NewRotatingKeyPool([]SigningKey{key}, 0, clock.Now)
		if err != nil {
			t.Fatal(err)
		}
		issuer, err := NewIssuer(IssuerConfig{Pool: pool, Now: clock.Now})
		if err != nil {
			t.Fatal(err)
		}
		return mustIssue(t, issuer, IssueParams{DeviceID: "dev-1"}, "").Token
	}

	verifier, err := NewVerifier(VerifierConfig{
		PublicKeys: []ed25519.PublicKey{newKey.PublicKey(), oldKey.PublicKey()},
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}

	if result := verifier.Check(issueWith(oldKey), "dev-1"); !result.Valid {
		t.Fatalf("token from previous key = %+v, want valid", result)
	}
	if result := verifier.Check(issueWith(newKey), "dev-1"); !result.Valid {
		t.Fatalf("token from current key = %+v, want valid", result)
	}
	if result := verifier.Check(issueWith(strangerKey), "dev-1"); result.Reason != licensing.CodeSignatureInvalid {
		t.Fatalf("token from unknown key reason = %s, want SIGNATURE_INVALID", result.Reason)
	}

	// Without a kid header every configured key is tried.
	claims := licensing.Claims{
		Plan: licensing.PlanMonthly,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dev-1",
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Hour)),
		},
	}
	noKid, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(oldKey.Signer)
	if err != nil {
		t.Fatal(err)
	}
	if result := verifier.Check(noKid, "dev-1"); !result.Valid {
		t.Fatalf("token without kid = %+v, want valid", result)
	}
}

func TestScenarioLifetimeMachineBinding(t *testing.T) {
	issuer, verifier := newTestAuthority(t, newTestClock(testEpoch), "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "machine-123", Plan: "lifetime"}, "")

	ok := licensing.NewVerifyResponse(verifier.Check(issued.Token, "machine-123"), testEpoch)
	if !ok.Valid || ok.Plan != "lifetime" || ok.ExpiresAt != nil {
		t.Fatalf("machine-123 response = %+v, want valid lifetime with null expiry", ok)
	}

	other := licensing.NewVerifyResponse(verifier.Check(issued.Token, "machine-456"), testEpoch)
	if other.Valid || other.Error != string(licensing.CodeDeviceMismatch) || !strings.Contains(other.Message, "another device") {
		t.Fatalf("machine-456 response = %+v, want device mismatch", other)
	}
}

func TestScenarioMonthlyExpiresAfterThirtyOneDays(t *testing.T) {
	clock := newTestClock(testEpoch)
	issuer, verifier := newTestAuthority(t, clock, "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "dev-A", Plan: "monthly", Months: intPtr(1)}, "")

	clock.Advance(31 * 24 * time.Hour)
	resp := licensing.NewVerifyResponse(verifier.Check(issued.Token, "dev-A"), clock.Now())
	if resp.Valid || resp.Error != string(licensing.CodeExpired) {
		t.Fatalf("response after 31 days = %+v, want EXPIRED", resp)
	}
}

func TestUnverifiedSubject(t *testing.T) {
	issuer, _ := newTestAuthority(t, newTestClock(testEpoch), "")
	issued := mustIssue(t, issuer, IssueParams{DeviceID: "machine-123"}, "")

	sub, err := UnverifiedSubject(issued.Token)
	if err != nil || sub != "machine-123" {
		t.Fatalf("UnverifiedSubject = %q, %v", sub, err)
	}
	if _, err := UnverifiedSubject("garbage"); !errors.Is(err, licensing.ErrMalformed) {
		t.Fatalf("garbage error = %v, want ErrMalformed", err)
	}
}

func TestResolvePublicKeys(t *testing.T) {
	key := newTestSigningKey(t)
	encoded := licensing.EncodeKey(key.PublicKey())

	keys := ResolvePublicKeys([]string{"", "bogus", encoded})
	if len(keys) != 1 || !keys[0].Equal(key.PublicKey()) {
		t.Fatalf("ResolvePublicKeys = %v", keys)
	}

	orig := EmbeddedPublicKey
	t.Cleanup(func() { EmbeddedPublicKey = orig })
	EmbeddedPublicKey = encoded
	if keys := ResolvePublicKeys(nil); len(keys) != 1 {
		t.Fatalf("embedded fallback returned %d keys", len(keys))
	}
	EmbeddedPublicKey = ""
	if keys := ResolvePublicKeys(nil); keys != nil {
		t.Fatalf("expected no keys, got %v", keys)
	}
}
