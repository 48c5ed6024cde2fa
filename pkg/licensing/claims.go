package licensing

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialIssuer is the JWT issuer written into every credential.
const CredentialIssuer = "shopcalc-license"

// Claims is the closed claim set of a license credential. The device id is
// carried in the registered subject claim.
type Claims struct {
	Plan Plan `json:"plan"`

	// Features is optional; nil means the credential predates feature
	// scoping and grants BaselineFeatures.
	Features []string `json:"features,omitempty"`

	jwt.RegisteredClaims
}

// DeviceID returns the subject the credential is bound to.
func (c *Claims) DeviceID() string {
	return c.Subject
}

// IssuedTime returns iat, or the zero time when absent.
func (c *Claims) IssuedTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time.UTC()
}

// ExpiryTime returns exp, or the zero time when absent.
func (c *Claims) ExpiryTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time.UTC()
}

// FeatureSet returns the explicit feature list, or nil when the claim was
// absent.
func (c *Claims) FeatureSet() []string {
	if c.Features == nil {
		return nil
	}
	return append([]string(nil), c.Features...)
}

// EffectiveFeatures resolves the features a valid credential unlocks.
func EffectiveFeatures(explicit []string) []string {
	if explicit == nil {
		return append([]string(nil), BaselineFeatures...)
	}
	return append([]string(nil), explicit...)
}
