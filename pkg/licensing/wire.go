package licensing

import "time"

// OperatorSecretHeader carries the pre-shared operator secret on issuance.
const OperatorSecretHeader = "X-Operator-Secret"

// IssueRequest is the body of POST /api/license/issue.
type IssueRequest struct {
	DeviceID string   `json:"deviceId" validate:"required,max=256"`
	Plan     string   `json:"plan,omitempty"`
	Months   *int     `json:"months,omitempty"`
	Features []string `json:"features,omitempty" validate:"max=32,dive,max=64"`

	// OperatorSecret is accepted in the body for callers that cannot set
	// headers. The header wins when both are present.
	OperatorSecret string `json:"operatorSecret,omitempty"`
}

// IssueResponse is the success body of POST /api/license/issue.
type IssueResponse struct {
	Token     string   `json:"token"`
	DeviceID  string   `json:"deviceId"`
	Plan      string   `json:"plan"`
	IssuedAt  string   `json:"issuedAt"`
	ExpiresAt *string  `json:"expiresAt"`
	Features  []string `json:"features,omitempty"`
	LicenseID string   `json:"licenseId"`
}

// VerifyRequest is the body of POST /api/license/verify.
type VerifyRequest struct {
	Token    string `json:"token" validate:"required,max=8192"`
	DeviceID string `json:"deviceId" validate:"required,max=256"`
}

// VerifyResponse is returned with HTTP 200 for both outcomes; Valid=false is
// a business result, not a server error.
type VerifyResponse struct {
	Valid     bool     `json:"valid"`
	Plan      string   `json:"plan,omitempty"`
	ExpiresAt *string  `json:"expiresAt,omitempty"`
	Features  []string `json:"features,omitempty"`
	Error     string   `json:"error,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// TrialClaimRequest is the body of POST /api/trial/claim.
type TrialClaimRequest struct {
	DeviceID string `json:"deviceId" validate:"required,max=256"`
}

// TrialClaimResponse reports the server-side trial ledger decision.
type TrialClaimResponse struct {
	Granted   bool   `json:"granted"`
	StartedAt string `json:"startedAt"`
	ExpiresAt string `json:"expiresAt"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// FormatExpiry normalizes an expiry for the wire: lifetime plans and
// perpetual instants become null, everything else RFC 3339 UTC.
func FormatExpiry(plan Plan, expiresAt, now time.Time) *string {
	if plan == PlanLifetime || expiresAt.IsZero() || IsPerpetual(expiresAt, now) {
		return nil
	}
	s := expiresAt.UTC().Format(time.RFC3339)
	return &s
}

// ParseExpiry is the inverse of FormatExpiry. A nil value maps to a lifetime
// expiry measured from now.
func ParseExpiry(raw *string, now time.Time) (time.Time, error) {
	if raw == nil || *raw == "" {
		return now.AddDate(LifetimeYears, 0, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, *raw)
}

// NewVerifyResponse renders a verification result for the wire.
func NewVerifyResponse(result VerificationResult, now time.Time) VerifyResponse {
	if !result.Valid {
		return VerifyResponse{
			Valid:   false,
			Error:   string(result.Reason),
			Message: ReasonMessage(result.Reason),
		}
	}
	return VerifyResponse{
		Valid:     true,
		Plan:      string(result.Plan),
		ExpiresAt: FormatExpiry(result.Plan, result.ExpiresAt, now),
		Features:  result.Features,
	}
}

// Result converts a wire verification response back into a result.
func (v VerifyResponse) Result(now time.Time) (VerificationResult, error) {
	if !v.Valid {
		reason := Code(v.Error)
		if reason == "" {
			reason = CodeSignatureInvalid
		}
		return InvalidResult(reason), nil
	}
	exp, err := ParseExpiry(v.ExpiresAt, now)
	if err != nil {
		return VerificationResult{}, NewError(CodeMalformed, "unparseable expiresAt in verify response", err)
	}
	plan, _ := NormalizePlan(v.Plan)
	return ValidResult(plan, exp, v.Features, ""), nil
}
