package licensestate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/logging"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// ErrAdminOverrideUnavailable is returned when no admin authenticator is
// configured.
var ErrAdminOverrideUnavailable = errors.New("admin override is not configured")

// DeviceIDSource yields the current device id.
type DeviceIDSource interface {
	GetOrCreate(ctx context.Context) string
}

// TrialClaim is a server-side trial ledger decision.
type TrialClaim struct {
	Granted   bool
	StartedAt time.Time
	ExpiresAt time.Time
}

// TrialLedger is the server authority for one-trial-per-device.
type TrialLedger interface {
	ClaimTrial(ctx context.Context, deviceID string) (TrialClaim, error)
}

// AdminIdentity is an authenticated higher-trust caller.
type AdminIdentity struct {
	Subject string
	Email   string
}

// AdminAuthenticator authenticates the admin override channel. It never
// sees license credentials.
type AdminAuthenticator interface {
	Authenticate(ctx context.Context, rawIDToken string) (AdminIdentity, error)
}

// RejectionError reports a credential the verifier rejected. It matches the
// licensing sentinel for its reason under errors.Is.
type RejectionError struct {
	Reason licensing.Code
}

func (e *RejectionError) Error() string {
	return "credential rejected: " + string(e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return &licensing.Error{Code: e.Reason}
}

// Message returns user-facing copy for the rejection.
func (e *RejectionError) Message() string {
	return licensing.ReasonMessage(e.Reason)
}

// Options configures a Controller.
type Options struct {
	Store     Store
	DeviceIDs DeviceIDSource
	// Verifier is required for AcceptCredential only.
	Verifier      licensing.CredentialVerifier
	TrialLedger   TrialLedger
	Admin         AdminAuthenticator
	Now           func() time.Time
	TrialDuration time.Duration
}

// Controller serializes every read-modify-persist cycle on one mutex. Several
// processes sharing one state file resolve as last write wins.
type Controller struct {
	mu            sync.Mutex
	store         Store
	ids           DeviceIDSource
	verifier      licensing.CredentialVerifier
	ledger        TrialLedger
	admin         AdminAuthenticator
	now           func() time.Time
	trialDuration time.Duration

	loaded   bool
	deviceID string
	record   *Record
}

// NewController fails with CONFIGURATION_ERROR without a store or device id
// source.
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.DeviceIDs == nil {
		return nil, licensing.NewError(licensing.CodeConfiguration, "license state needs a store and a device id source", nil)
	}
	c := &Controller{
		store:         opts.Store,
		ids:           opts.DeviceIDs,
		verifier:      opts.Verifier,
		ledger:        opts.TrialLedger,
		admin:         opts.Admin,
		now:           opts.Now,
		trialDuration: opts.TrialDuration,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.trialDuration <= 0 {
		c.trialDuration = licensing.DefaultTrialDuration
	}
	return c, nil
}

// Load reads the persisted record and discards it when it belongs to a
// different device. A missing or unreadable record yields a fresh,
// unpersisted unlicensed state.
func (c *Controller) Load(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(c.record, c.now()), nil
}

func (c *Controller) ensureLoadedLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	return c.loadLocked(ctx)
}

func (c *Controller) loadLocked(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	deviceID := c.ids.GetOrCreate(ctx)

	rec, err := c.store.Load()
	switch {
	case errors.Is(err, ErrNoRecord):
		rec = nil
	case err != nil:
		logger.Warn().Err(err).Msg("License state unreadable; starting unlicensed")
		rec = nil
	}

	c.deviceID = deviceID
	c.loaded = true

	if rec == nil {
		c.record = newRecord(deviceID)
		return nil
	}

	if reason := mismatchReason(rec, deviceID); reason != "" {
		logger.Warn().Str("reason", reason).Msg("Discarding license state that does not belong to this device")
		fresh := newRecord(deviceID)
		if rec.DeviceID == deviceID {
			fresh = rec.history(deviceID, c.now())
		}
		if err := c.persistLocked(fresh); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist discarded license state")
			c.record = fresh
		}
		return nil
	}

	if rec.Source == SourceCredential && c.verifier != nil {
		rec = c.revalidateLocked(ctx, rec)
	}
	c.record = rec
	return nil
}

// revalidateLocked re-runs verification on a stored credential so edits to
// the persisted expiry or features are not trusted. An expired credential is
// kept so the state reads paid_expired; any other rejection discards it. If
// no decision can be made the stored record stands.
func (c *Controller) revalidateLocked(ctx context.Context, rec *Record) *Record {
	logger := logging.FromContext(ctx)
	result, err := c.verifier.Verify(ctx, rec.Credential, c.deviceID)
	if err != nil {
		logger.Debug().Err(err).Msg("Stored credential not re-verified")
		return rec
	}
	if result.Valid {
		rec.ExpiresAt = timePtr(result.ExpiresAt.UTC())
		rec.GrantedFeatures = licensing.EffectiveFeatures(result.Features)
		rec.Plan = result.Plan
		rec.Tier = licensing.TierForPlan(result.Plan)
		return rec
	}
	if result.Reason == licensing.CodeExpired {
		if rec.ExpiresAt == nil || rec.ExpiresAt.After(c.now()) {
			rec.ExpiresAt = timePtr(c.now().UTC())
		}
		return rec
	}

	logger.Warn().Str("reason", string(result.Reason)).Msg("Discarding stored credential that no longer verifies")
	fresh := rec.history(c.deviceID, c.now())
	if err := c.persistLocked(fresh); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist discarded license state")
	}
	return fresh
}

// mismatchReason explains why rec cannot apply to deviceID, or returns "".
func mismatchReason(rec *Record, deviceID string) string {
	if rec.DeviceID != deviceID {
		return "device id changed"
	}
	switch rec.Source {
	case SourceCredential:
		if rec.Credential == "" {
			return "credential missing"
		}
		sub, err := license.UnverifiedSubject(rec.Credential)
		if err != nil {
			return "credential unreadable"
		}
		if sub != deviceID {
			return "credential bound to another device"
		}
	case SourceNone, SourceTrial, SourceAdminOverride:
	default:
		return "unknown source"
	}
	return ""
}

// Snapshot evaluates the current state against the clock. Expiry is
// re-checked on every call.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return snapshotOf(nil, c.now())
	}
	return snapshotOf(c.record, c.now())
}

// DeviceID returns the device id the state is bound to, loading it if needed.
func (c *Controller) DeviceID(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.deviceID
	}
	return c.ids.GetOrCreate(ctx)
}

// EnsureTrial is the automatic first-use path. An unreachable trial ledger
// is reported as a denial, not an error, so the caller can retry later.
func (c *Controller) EnsureTrial(ctx context.Context) (licensing.TrialDecision, error) {
	decision, err := c.GrantTrial(ctx)
	if err != nil && errors.Is(err, licensing.ErrNetwork) {
		logging.FromContext(ctx).Warn().Err(err).Msg("Trial ledger unreachable; trial deferred")
		return licensing.TrialDecision{Granted: false, Reason: licensing.TrialDeniedUnavailable}, nil
	}
	return decision, err
}

// GrantTrial starts the one trial this device is entitled to.
func (c *Controller) GrantTrial(ctx context.Context) (licensing.TrialDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return licensing.TrialDecision{}, err
	}

	rec := c.record
	decision := licensing.EvaluateTrialEligibility(licensing.TrialHistory{
		HasCredential:    rec.Source == SourceCredential,
		HasAdminOverride: rec.Source == SourceAdminOverride,
		TrialGrantedAt:   rec.TrialGrantedAt,
		LicensedAt:       rec.LicensedAt,
	})
	if !decision.Granted {
		return decision, nil
	}

	start, end := licensing.TrialWindow(c.now(), c.trialDuration)
	if c.ledger != nil {
		claim, err := c.ledger.ClaimTrial(ctx, c.deviceID)
		if err != nil {
			if code, ok := licensing.CodeOf(err); ok && code != licensing.CodeNetworkError {
				return licensing.TrialDecision{}, err
			}
			return licensing.TrialDecision{}, licensing.NewError(licensing.CodeNetworkError, "trial ledger unavailable", err)
		}
		if !claim.Granted {
			// Restore the window the server recorded so clearing local
			// storage cannot extend or restart it.
			next := rec.clone()
			next.Source = SourceTrial
			next.Tier = licensing.TierTrial
			next.TrialGrantedAt = timePtr(claim.StartedAt.UTC())
			next.ExpiresAt = timePtr(claim.ExpiresAt.UTC())
			next.GrantedFeatures = append([]string(nil), licensing.TrialFeatures...)
			if err := c.persistLocked(next); err != nil {
				return licensing.TrialDecision{}, err
			}
			return licensing.TrialDecision{Granted: false, Reason: licensing.TrialDeniedLedger}, nil
		}
		if !claim.StartedAt.IsZero() && claim.ExpiresAt.After(claim.StartedAt) {
			start, end = claim.StartedAt.UTC(), claim.ExpiresAt.UTC()
		}
	}

	next := rec.clone()
	next.Source = SourceTrial
	next.Tier = licensing.TierTrial
	next.TrialGrantedAt = timePtr(start)
	next.ExpiresAt = timePtr(end)
	next.GrantedFeatures = append([]string(nil), licensing.TrialFeatures...)
	next.Credential = ""
	next.Plan = ""
	next.LicenseID = ""
	if err := c.persistLocked(next); err != nil {
		return licensing.TrialDecision{}, err
	}

	logging.FromContext(ctx).Info().Time("expires_at", end).Msg("Trial started")
	return decision, nil
}

// AcceptCredential verifies token for this device and, when valid, makes it
// the active entitlement. Any failure leaves the prior state untouched.
func (c *Controller) AcceptCredential(ctx context.Context, token string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	if c.verifier == nil {
		return Snapshot{}, licensing.NewError(licensing.CodeConfiguration, "no credential verifier configured", nil)
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return Snapshot{}, &RejectionError{Reason: licensing.CodeMalformed}
	}

	result, err := c.verifier.Verify(ctx, token, c.deviceID)
	if err != nil {
		if code, ok := licensing.CodeOf(err); ok && code != licensing.CodeNetworkError {
			return Snapshot{}, err
		}
		return Snapshot{}, licensing.NewError(licensing.CodeNetworkError, "credential could not be verified", err)
	}
	if !result.Valid {
		logging.FromContext(ctx).Info().Str("reason", string(result.Reason)).Msg("Credential rejected")
		return Snapshot{}, &RejectionError{Reason: result.Reason}
	}

	next := c.record.clone()
	next.Source = SourceCredential
	next.Tier = licensing.TierForPlan(result.Plan)
	next.Plan = result.Plan
	next.ExpiresAt = timePtr(result.ExpiresAt.UTC())
	next.Credential = token
	next.GrantedFeatures = licensing.EffectiveFeatures(result.Features)
	next.LicenseID = result.LicenseID
	next.AdminSubject = ""
	if next.LicensedAt == nil {
		next.LicensedAt = timePtr(c.now().UTC())
	}
	if err := c.persistLocked(next); err != nil {
		return Snapshot{}, err
	}

	logging.FromContext(ctx).Info().
		Str("plan", string(result.Plan)).
		Str("license_id", result.LicenseID).
		Msg("Credential accepted")
	return snapshotOf(c.record, c.now()), nil
}

// ApplyAdminOverride grants an unconditional lifetime entitlement to an
// authenticated admin. It is the only path to SourceAdminOverride and never
// accepts license credentials.
func (c *Controller) ApplyAdminOverride(ctx context.Context, rawIDToken string) (Snapshot, error) {
	if c.admin == nil {
		return Snapshot{}, ErrAdminOverrideUnavailable
	}

	identity, err := c.admin.Authenticate(ctx, rawIDToken)
	if err != nil {
		return Snapshot{}, licensing.NewError(licensing.CodeUnauthorized, "admin authentication failed", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return Snapshot{}, err
	}

	now := c.now().UTC()
	next := c.record.clone()
	next.Source = SourceAdminOverride
	next.Tier = licensing.TierLifetime
	next.Plan = licensing.PlanLifetime
	next.ExpiresAt = timePtr(now.AddDate(licensing.LifetimeYears, 0, 0))
	next.Credential = ""
	next.LicenseID = ""
	next.GrantedFeatures = append([]string(nil), licensing.BaselineFeatures...)
	next.AdminSubject = identity.Email
	if next.AdminSubject == "" {
		next.AdminSubject = identity.Subject
	}
	if next.LicensedAt == nil {
		next.LicensedAt = timePtr(now)
	}
	if err := c.persistLocked(next); err != nil {
		return Snapshot{}, err
	}

	logging.FromContext(ctx).Info().Str("admin", next.AdminSubject).Msg("Admin override applied")
	return snapshotOf(c.record, c.now()), nil
}

// Clear returns to unlicensed. The trial and license markers survive so
// clearing cannot regenerate a trial.
func (c *Controller) Clear(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLoadedLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	next := c.record.history(c.deviceID, c.now())
	if err := c.persistLocked(next); err != nil {
		return Snapshot{}, err
	}
	logging.FromContext(ctx).Info().Msg("License state cleared")
	return snapshotOf(c.record, c.now()), nil
}

// persistLocked saves next and adopts it only after the save succeeded.
func (c *Controller) persistLocked(next *Record) error {
	now := c.now().UTC()
	next.Version = RecordVersion
	next.DeviceID = c.deviceID
	next.UpdatedAt = now
	next.Active = next.StatusAt(now).Active()
	if err := c.store.Save(next); err != nil {
		return fmt.Errorf("persist license state: %w", err)
	}
	c.record = next
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
