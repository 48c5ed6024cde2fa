package licensestate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

var (
	ErrAdminNotAllowed   = errors.New("identity is not an allowed admin")
	ErrAdminEmailMissing = errors.New("id token carries no email")
	ErrDeviceLoginAbsent = errors.New("identity provider does not support device login")
)

// AdminConfig configures the OIDC admin channel.
type AdminConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	// AllowedEmails holds wildcard patterns such as "*@example.com".
	AllowedEmails []string
}

type idTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCAdminAuthenticator accepts ID tokens from one issuer whose verified
// email matches an allow pattern.
type OIDCAdminAuthenticator struct {
	verifier idTokenVerifier
	allowed  []string
	oauth    *oauth2.Config
}

// NewOIDCAdminAuthenticator discovers the issuer and builds an authenticator.
func NewOIDCAdminAuthenticator(ctx context.Context, cfg AdminConfig) (*OIDCAdminAuthenticator, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("admin OIDC issuer and client id are required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover admin OIDC issuer: %w", err)
	}

	a := newAdminAuthenticator(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg.AllowedEmails)
	a.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}

	log.Debug().Str("issuer", cfg.IssuerURL).Int("allow_patterns", len(a.allowed)).Msg("Admin OIDC authenticator initialized")
	return a, nil
}

// NewOIDCAdminAuthenticatorWithVerifier uses an already configured verifier,
// skipping discovery. Device login is unavailable.
func NewOIDCAdminAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier, allowedEmails []string) *OIDCAdminAuthenticator {
	return newAdminAuthenticator(verifier, allowedEmails)
}

func newAdminAuthenticator(verifier idTokenVerifier, allowedEmails []string) *OIDCAdminAuthenticator {
	allowed := make([]string, 0, len(allowedEmails))
	for _, p := range allowedEmails {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			allowed = append(allowed, p)
		}
	}
	return &OIDCAdminAuthenticator{verifier: verifier, allowed: allowed}
}

// Authenticate verifies rawIDToken and checks the email allow list. An empty
// allow list admits nobody.
func (a *OIDCAdminAuthenticator) Authenticate(ctx context.Context, rawIDToken string) (AdminIdentity, error) {
	idToken, err := a.verifier.Verify(ctx, strings.TrimSpace(rawIDToken))
	if err != nil {
		return AdminIdentity{}, fmt.Errorf("verify id token: %w", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return AdminIdentity{}, fmt.Errorf("decode id token claims: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return AdminIdentity{}, ErrAdminEmailMissing
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return AdminIdentity{}, fmt.Errorf("%w: email %s is not verified", ErrAdminNotAllowed, email)
	}
	if !a.allows(email) {
		log.Warn().Str("email", email).Msg("Admin override refused for identity outside allow list")
		return AdminIdentity{}, fmt.Errorf("%w: %s", ErrAdminNotAllowed, email)
	}

	return AdminIdentity{Subject: idToken.Subject, Email: email}, nil
}

func (a *OIDCAdminAuthenticator) allows(email string) bool {
	for _, pattern := range a.allowed {
		if wildcard.Match(pattern, email) {
			return true
		}
	}
	return false
}

// DeviceLogin runs the OAuth device authorization flow and returns the raw
// ID token. prompt is called once with the code the admin must enter.
func (a *OIDCAdminAuthenticator) DeviceLogin(ctx context.Context, prompt func(*oauth2.DeviceAuthResponse)) (string, error) {
	if a.oauth == nil || a.oauth.Endpoint.DeviceAuthURL == "" {
		return "", ErrDeviceLoginAbsent
	}

	auth, err := a.oauth.DeviceAuth(ctx)
	if err != nil {
		return "", fmt.Errorf("start device login: %w", err)
	}
	if prompt != nil {
		prompt(auth)
	}

	token, err := a.oauth.DeviceAccessToken(ctx, auth)
	if err != nil {
		return "", fmt.Errorf("complete device login: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", errors.New("token response carries no id_token")
	}
	return rawIDToken, nil
}
