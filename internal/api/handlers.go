package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/shopcalc/internal/ledger"
	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/internal/logging"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// LedgerStore is the part of the ledger the handlers use.
type LedgerStore interface {
	Ping(ctx context.Context) error
	ListIssuances(ctx context.Context, deviceID string, limit int) ([]ledger.Issuance, error)
	ClaimTrial(ctx context.Context, deviceID string, now time.Time, duration time.Duration) (ledger.TrialGrant, error)
}

// handleIssue serves POST /api/license/issue.
func handleIssue(issuer *license.Issuer, remoteIP func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if issuer == nil {
			IssuancesTotal.WithLabelValues(string(licensing.CodeConfiguration)).Inc()
			logger.Error().Msg("Issuance requested but no signing key is configured")
			licensing.WriteError(w, licensing.CodeConfiguration, "")
			return
		}

		var req licensing.IssueRequest
		decodeErr := decodeJSON(r, &req)

		secret := strings.TrimSpace(r.Header.Get(licensing.OperatorSecretHeader))
		if secret == "" {
			secret = req.OperatorSecret
		}
		if err := issuer.Authorize(secret); err != nil {
			IssuancesTotal.WithLabelValues(string(licensing.CodeUnauthorized)).Inc()
			logger.Warn().Str("client_ip", remoteIP(r)).Msg("Issuance refused: operator secret mismatch")
			licensing.WriteError(w, licensing.CodeUnauthorized, "")
			return
		}

		if decodeErr != nil {
			IssuancesTotal.WithLabelValues(string(licensing.CodeInvalidRequest)).Inc()
			licensing.WriteError(w, licensing.CodeInvalidRequest, decodeErr.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			IssuancesTotal.WithLabelValues(string(licensing.CodeInvalidRequest)).Inc()
			licensing.WriteError(w, licensing.CodeInvalidRequest, validationMessage(err))
			return
		}

		issued, err := issuer.Issue(ctx, license.IssueParams{
			DeviceID: req.DeviceID,
			Plan:     req.Plan,
			Months:   req.Months,
			Features: req.Features,
		}, secret)
		if err != nil {
			code, ok := licensing.CodeOf(err)
			if !ok {
				code = licensing.CodeConfiguration
			}
			IssuancesTotal.WithLabelValues(string(code)).Inc()
			switch code {
			case licensing.CodeUnauthorized:
				licensing.WriteError(w, code, "")
			case licensing.CodeInvalidRequest:
				var le *licensing.Error
				msg := ""
				if errors.As(err, &le) {
					msg = le.Message
				}
				licensing.WriteError(w, code, msg)
			default:
				logger.Error().Err(err).Msg("Issuance failed")
				licensing.WriteError(w, licensing.CodeConfiguration, "")
			}
			return
		}

		IssuancesTotal.WithLabelValues("issued").Inc()
		licensing.WriteJSON(w, http.StatusOK, licensing.IssueResponse{
			Token:     issued.Token,
			DeviceID:  issued.DeviceID,
			Plan:      string(issued.Plan),
			IssuedAt:  issued.IssuedAt.UTC().Format(time.RFC3339),
			ExpiresAt: licensing.FormatExpiry(issued.Plan, issued.ExpiresAt, issued.IssuedAt),
			Features:  issued.Features,
			LicenseID: issued.LicenseID,
		})
	}
}

// handleVerify serves POST /api/license/verify. Both outcomes are 200.
func handleVerify(verifier licensing.CredentialVerifier, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req licensing.VerifyRequest
		if err := decodeJSON(r, &req); err != nil {
			licensing.WriteError(w, licensing.CodeInvalidRequest, err.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			licensing.WriteError(w, licensing.CodeInvalidRequest, validationMessage(err))
			return
		}

		result, err := verifier.Verify(ctx, req.Token, req.DeviceID)
		if err != nil {
			logging.FromContext(ctx).Error().Err(err).Msg("Verification could not complete")
			licensing.WriteError(w, licensing.CodeNetworkError, "")
			return
		}

		label := "valid"
		if !result.Valid {
			label = string(result.Reason)
			logging.FromContext(ctx).Info().Str("reason", label).Msg("Credential rejected")
		}
		VerificationsTotal.WithLabelValues(label).Inc()
		licensing.WriteJSON(w, http.StatusOK, licensing.NewVerifyResponse(result, now()))
	}
}

// handleTrialClaim serves POST /api/trial/claim.
func handleTrialClaim(store LedgerStore, duration time.Duration, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req licensing.TrialClaimRequest
		if err := decodeJSON(r, &req); err != nil {
			licensing.WriteError(w, licensing.CodeInvalidRequest, err.Error())
			return
		}
		if err := validate.Struct(req); err != nil {
			licensing.WriteError(w, licensing.CodeInvalidRequest, validationMessage(err))
			return
		}

		grant, err := store.ClaimTrial(ctx, strings.TrimSpace(req.DeviceID), now(), duration)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidDeviceID) {
				licensing.WriteError(w, licensing.CodeInvalidRequest, "deviceId is required")
				return
			}
			logging.FromContext(ctx).Error().Err(err).Msg("Trial claim failed")
			licensing.WriteError(w, licensing.CodeConfiguration, "")
			return
		}

		resp := licensing.TrialClaimResponse{
			Granted:   grant.Granted,
			StartedAt: grant.StartedAt.UTC().Format(time.RFC3339),
			ExpiresAt: grant.ExpiresAt.UTC().Format(time.RFC3339),
		}
		result := "granted"
		if !grant.Granted {
			resp.Reason = string(licensing.TrialDeniedLedger)
			result = "already_used"
		}
		TrialClaimsTotal.WithLabelValues(result).Inc()
		licensing.WriteJSON(w, http.StatusOK, resp)
	}
}

// handleListIssuances serves GET /admin/issuances.
func handleListIssuances(store LedgerStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				licensing.WriteError(w, licensing.CodeInvalidRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		records, err := store.ListIssuances(r.Context(), strings.TrimSpace(q.Get("device_id")), limit)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("Failed to list issuances")
			licensing.WriteError(w, licensing.CodeConfiguration, "")
			return
		}
		if records == nil {
			records = []ledger.Issuance{}
		}
		licensing.WriteJSON(w, http.StatusOK, map[string]any{
			"issuances": records,
			"count":     len(records),
		})
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	licensing.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(store LedgerStore, canIssue bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logging.FromContext(r.Context()).Warn().Err(err).Msg("Readiness check failed")
				licensing.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
				return
			}
		}
		licensing.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "issuing": canIssue})
	}
}
