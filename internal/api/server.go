// Package api is the license server's HTTP surface: issuance, verification,
// the trial ledger, admin queries, health and metrics.
package api

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/shopcalc/internal/config"
	"github.com/rcourtman/shopcalc/internal/ledger"
	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/logging"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

const shutdownTimeout = 30 * time.Second

// Authority is the signing and verification side built from configuration.
type Authority struct {
	Issuer   *license.Issuer // nil in verify-only mode
	Verifier *license.Verifier
	Pool     *license.RotatingKeyPool
}

// BuildAuthority parses the configured keys. Without signing keys the server
// runs verify-only; without any key at all it cannot run.
func BuildAuthority(cfg *config.Server, recorder license.Recorder) (*Authority, error) {
	keys, err := license.ParseSigningKeys(cfg.SigningKeys)
	if err != nil {
		return nil, err
	}

	auth := &Authority{}
	var publicKeys []ed25519.PublicKey
	if len(keys) > 0 {
		auth.Pool, err = license.NewRotatingKeyPool(keys, cfg.KeyCooldown, nil)
		if err != nil {
			return nil, err
		}
		auth.Issuer, err = license.NewIssuer(license.IssuerConfig{
			Pool:           auth.Pool,
			OperatorSecret: cfg.OperatorSecret,
			Recorder:       recorder,
		})
		if err != nil {
			return nil, err
		}
		publicKeys = auth.Pool.PublicKeys()
		for _, pub := range publicKeys {
			log.Info().Str("key_id", licensing.KeyID(pub)).Str("fingerprint", licensing.PublicKeyFingerprint(pub)).Msg("Signing key loaded")
		}
		if cfg.OperatorSecret == "" {
			log.Warn().Msg("No operator secret configured; issuance is open to any caller that can reach the server")
		}
	} else {
		log.Warn().Msg("No signing keys configured; running verify-only")
	}

	publicKeys = append(publicKeys, license.ResolvePublicKeys(cfg.VerifyKeys)...)
	auth.Verifier, err = license.NewVerifier(license.VerifierConfig{
		PublicKeys: publicKeys,
		Leeway:     cfg.VerifyLeeway,
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// Run starts the license server and blocks until ctx is cancelled or a
// termination signal arrives.
func Run(ctx context.Context, version string) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "license-server",
		FilePath:  cfg.Log.File,
	})
	defer logging.Shutdown()

	log.Info().Str("version", version).Msg("Starting shopcalc license server")

	store, err := ledger.Open(cfg.LedgerDir())
	if err != nil {
		return fmt.Errorf("open license ledger: %w", err)
	}
	defer store.Close()

	auth, err := BuildAuthority(cfg, ledgerRecorder{ledger: store})
	if err != nil {
		return fmt.Errorf("build license authority: %w", err)
	}

	if cfg.AdminKey == "" {
		log.Warn().Msg("No admin key configured; admin routes and private metrics are disabled")
	}

	limiter := NewRateLimiter(cfg.RateLimit, cfg.TrustProxy)
	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: NewHandler(&Deps{
			Issuer:        auth.Issuer,
			Verifier:      auth.Verifier,
			Ledger:        store,
			Limiter:       limiter,
			AdminKey:      cfg.AdminKey,
			PublicMetrics: cfg.PublicMetrics,
			TrialDuration: cfg.TrialDuration,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Bool("issuing", auth.Issuer != nil).Msg("License server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down license server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("License server stopped")
	return err
}
