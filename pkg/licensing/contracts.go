package licensing

import "context"

// FeatureChecker exposes feature-gate checks for the current device.
type FeatureChecker interface {
	RequireFeature(feature string) error
	HasFeature(feature string) bool
}

// CredentialVerifier checks a credential against a device id. A returned
// error means no decision could be made (network failure, timeout); a
// rejected credential is reported through the result, never as an error.
type CredentialVerifier interface {
	Verify(ctx context.Context, token, deviceID string) (VerificationResult, error)
}
