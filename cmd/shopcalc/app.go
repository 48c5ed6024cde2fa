package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/shopcalc/internal/config"
	"github.com/rcourtman/shopcalc/internal/deviceid"
	"github.com/rcourtman/shopcalc/internal/featuregate"
	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/licensestate"
	"github.com/rcourtman/shopcalc/internal/netutil"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// app is the wired license runtime for one command invocation.
type app struct {
	cfg        *config.Client
	controller *licensestate.Controller
	gate       *featuregate.Gate
	voice      *featuregate.VoiceGuard
	admin      *licensestate.OIDCAdminAuthenticator
}

// newAdminAuthenticator is replaced in tests to avoid OIDC discovery.
var newAdminAuthenticator = func(ctx context.Context, cfg *config.Client) (*licensestate.OIDCAdminAuthenticator, error) {
	return licensestate.NewOIDCAdminAuthenticator(ctx, licensestate.AdminConfig{
		IssuerURL:     cfg.AdminOIDCIssuer,
		ClientID:      cfg.AdminOIDCClientID,
		ClientSecret:  cfg.AdminOIDCSecret,
		AllowedEmails: cfg.AdminEmails,
	})
}

// withApp loads configuration, wires the runtime and runs fn. The admin
// channel is only set up when withAdmin is true since it needs OIDC
// discovery over the network.
func withApp(cmd *cobra.Command, withAdmin bool, fn func(*app) error) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := buildApp(ctx, cfg, withAdmin)
	if err != nil {
		return err
	}
	return fn(a)
}

func buildApp(ctx context.Context, cfg *config.Client, withAdmin bool) (*app, error) {
	ids := deviceid.NewProvider(deviceid.HostSource{Version: Version}, deviceid.NewFileStore(cfg.StateDir))

	opts := licensestate.Options{
		Store:     licensestate.NewFileStore(cfg.StateDir),
		DeviceIDs: ids,
	}

	if cfg.LicenseServer != "" {
		remote, err := licensestate.NewRemoteClient(cfg.LicenseServer, cfg.VerifyTimeout, nil)
		if err != nil {
			return nil, err
		}
		go netutil.RunDNSRefresh(ctx, netutil.DefaultDNSRefresh)
		opts.Verifier = remote
		if cfg.UseServerTrial {
			opts.TrialLedger = remote
		}
	} else if keys := license.ResolvePublicKeys(splitNonEmpty(cfg.PublicKey)); len(keys) > 0 {
		verifier, err := license.NewVerifier(license.VerifierConfig{PublicKeys: keys})
		if err != nil {
			return nil, err
		}
		opts.Verifier = verifier
	} else {
		log.Warn().Msg("No license server or public key configured; activation codes cannot be checked")
	}

	a := &app{cfg: cfg}
	if withAdmin {
		if !cfg.AdminOverrideConfigured() {
			return nil, licensestate.ErrAdminOverrideUnavailable
		}
		admin, err := newAdminAuthenticator(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("set up admin sign-in: %w", err)
		}
		a.admin = admin
		opts.Admin = admin
	}

	controller, err := licensestate.NewController(opts)
	if err != nil {
		return nil, err
	}
	a.controller = controller
	a.gate = featuregate.New(controller)
	a.voice = featuregate.NewVoiceGuard(a.gate)
	return a, nil
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	return []string{raw}
}

// RemoteClient is wired as both verifier and trial ledger.
var (
	_ licensing.CredentialVerifier = (*licensestate.RemoteClient)(nil)
	_ licensestate.TrialLedger     = (*licensestate.RemoteClient)(nil)
)
