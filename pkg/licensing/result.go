package licensing

import "time"

// VerificationResult is the outcome of checking a credential against a
// device. Exactly one of Valid or Reason is meaningful.
type VerificationResult struct {
	Valid     bool
	Reason    Code
	Plan      Plan
	ExpiresAt time.Time
	// Features is nil when the credential carried no features claim.
	Features  []string
	LicenseID string
}

// ValidResult builds a successful verification.
func ValidResult(plan Plan, expiresAt time.Time, features []string, licenseID string) VerificationResult {
	return VerificationResult{
		Valid:     true,
		Plan:      plan,
		ExpiresAt: expiresAt.UTC(),
		Features:  features,
		LicenseID: licenseID,
	}
}

// InvalidResult builds a rejected verification.
func InvalidResult(reason Code) VerificationResult {
	return VerificationResult{Reason: reason}
}

// Err converts a rejected result into an error wrapping the matching
// sentinel. A valid result returns nil.
func (r VerificationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &Error{Code: r.Reason, Message: ReasonMessage(r.Reason)}
}
