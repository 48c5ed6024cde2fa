package ledger

import "time"

// Issuance is one audit record of a signed credential. The token itself is
// never stored.
type Issuance struct {
	ID        string    `json:"id"`
	LicenseID string    `json:"license_id"`
	DeviceID  string    `json:"device_id"`
	Plan      string    `json:"plan"`
	Features  []string  `json:"features,omitempty"`
	KeyID     string    `json:"key_id"`
	RequestID string    `json:"request_id,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TrialGrant is the server-side trial window for one device. Granted is true
// only on the claim that created the window.
type TrialGrant struct {
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Granted   bool      `json:"granted"`
}
