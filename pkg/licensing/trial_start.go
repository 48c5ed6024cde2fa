package licensing

import "time"

// DefaultTrialDuration is the length of the one-per-device local trial.
// All trial window arithmetic MUST use this constant.
const DefaultTrialDuration = 24 * time.Hour

type TrialDenialReason string

const (
	TrialAllowed           TrialDenialReason = ""
	TrialDeniedLicense     TrialDenialReason = "license_active"
	TrialDeniedAlreadyUsed TrialDenialReason = "already_used"
	TrialDeniedLedger      TrialDenialReason = "ledger_already_used"
	TrialDeniedUnavailable TrialDenialReason = "ledger_unavailable"
)

// TrialDecision is the result of a trial grant attempt.
type TrialDecision struct {
	Granted bool
	Reason  TrialDenialReason
}

// TrialHistory summarizes what a device record has seen, as far as trial
// eligibility is concerned.
type TrialHistory struct {
	HasCredential    bool
	HasAdminOverride bool
	TrialGrantedAt   *time.Time
	LicensedAt       *time.Time
}

// EvaluateTrialEligibility decides whether a local trial may start. A device
// gets exactly one trial per license record, and none once it has held a
// license; clearing the record through the controller keeps both markers.
func EvaluateTrialEligibility(h TrialHistory) TrialDecision {
	if h.HasCredential || h.HasAdminOverride || h.LicensedAt != nil {
		return TrialDecision{Granted: false, Reason: TrialDeniedLicense}
	}
	if h.TrialGrantedAt != nil {
		return TrialDecision{Granted: false, Reason: TrialDeniedAlreadyUsed}
	}
	return TrialDecision{Granted: true, Reason: TrialAllowed}
}

// TrialMessage returns user-facing copy for a trial denial.
func TrialMessage(reason TrialDenialReason) string {
	switch reason {
	case TrialDeniedLicense:
		return "A license is already active on this device"
	case TrialDeniedAlreadyUsed, TrialDeniedLedger:
		return "The trial has already been used on this device"
	case TrialDeniedUnavailable:
		return "The trial could not be started right now. Try again in a moment."
	default:
		return ""
	}
}

// TrialWindow returns the start and end of a trial beginning at now.
func TrialWindow(now time.Time, duration time.Duration) (startedAt, endsAt time.Time) {
	if duration <= 0 {
		duration = DefaultTrialDuration
	}
	startedAt = now.UTC()
	return startedAt, startedAt.Add(duration)
}
