// Package licensestate holds the client-side license state machine: the
// accepted credential, the one-per-device trial, the admin override, and
// their persistence across restarts.
package licensestate

import (
	"time"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// RecordVersion is the persisted schema version.
const RecordVersion = 1

// Status is the evaluated state of a record at a point in time.
type Status string

const (
	StatusUnlicensed   Status = "unlicensed"
	StatusTrialActive  Status = "trial_active"
	StatusTrialExpired Status = "trial_expired"
	StatusPaidActive   Status = "paid_active"
	StatusPaidExpired  Status = "paid_expired"
)

// Active reports whether the status unlocks anything.
func (s Status) Active() bool {
	return s == StatusTrialActive || s == StatusPaidActive
}

// Source records how the current entitlement was obtained.
type Source string

const (
	SourceNone          Source = ""
	SourceTrial         Source = "trial"
	SourceCredential    Source = "credential"
	SourceAdminOverride Source = "admin_override"
)

// Record is the persisted license state for one device.
type Record struct {
	Version         int            `json:"version"`
	DeviceID        string         `json:"device_id"`
	Active          bool           `json:"active"`
	Tier            licensing.Tier `json:"tier"`
	Source          Source         `json:"source,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	Credential      string         `json:"credential,omitempty"`
	GrantedFeatures []string       `json:"granted_features,omitempty"`
	Plan            licensing.Plan `json:"plan,omitempty"`
	LicenseID       string         `json:"license_id,omitempty"`
	TrialGrantedAt  *time.Time     `json:"trial_granted_at,omitempty"`
	LicensedAt      *time.Time     `json:"licensed_at,omitempty"`
	AdminSubject    string         `json:"admin_subject,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func newRecord(deviceID string) *Record {
	return &Record{Version: RecordVersion, DeviceID: deviceID, Tier: licensing.TierNone}
}

// StatusAt evaluates the record against now. The persisted Active flag is
// informational only and never consulted.
func (r *Record) StatusAt(now time.Time) Status {
	if r == nil {
		return StatusUnlicensed
	}
	unexpired := r.ExpiresAt != nil && now.Before(*r.ExpiresAt)
	switch r.Source {
	case SourceTrial:
		if unexpired {
			return StatusTrialActive
		}
		return StatusTrialExpired
	case SourceCredential:
		if unexpired && r.Credential != "" {
			return StatusPaidActive
		}
		return StatusPaidExpired
	case SourceAdminOverride:
		if unexpired {
			return StatusPaidActive
		}
		return StatusPaidExpired
	default:
		return StatusUnlicensed
	}
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.ExpiresAt = cloneTime(r.ExpiresAt)
	out.TrialGrantedAt = cloneTime(r.TrialGrantedAt)
	out.LicensedAt = cloneTime(r.LicensedAt)
	out.GrantedFeatures = append([]string(nil), r.GrantedFeatures...)
	return &out
}

// history returns a fresh unlicensed record for the same device that keeps
// the trial and license markers of r. A record that holds a license but
// predates the licensed_at field is stamped with now.
func (r *Record) history(deviceID string, now time.Time) *Record {
	out := newRecord(deviceID)
	if r == nil {
		return out
	}
	out.TrialGrantedAt = cloneTime(r.TrialGrantedAt)
	out.LicensedAt = cloneTime(r.LicensedAt)
	if out.LicensedAt == nil && (r.Source == SourceCredential || r.Source == SourceAdminOverride) {
		stamp := now.UTC()
		out.LicensedAt = &stamp
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Snapshot is an immutable view of the license state evaluated at
// EvaluatedAt.
type Snapshot struct {
	Status         Status         `json:"status"`
	Tier           licensing.Tier `json:"tier"`
	Source         Source         `json:"source,omitempty"`
	Plan           licensing.Plan `json:"plan,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Features       []string       `json:"features,omitempty"`
	Credential     string         `json:"-"`
	LicenseID      string         `json:"license_id,omitempty"`
	DeviceID       string         `json:"device_id"`
	TrialGrantedAt *time.Time     `json:"trial_granted_at,omitempty"`
	LicensedAt     *time.Time     `json:"licensed_at,omitempty"`
	AdminSubject   string         `json:"admin_subject,omitempty"`
	EvaluatedAt    time.Time      `json:"evaluated_at"`
}

// Active reports whether the snapshot unlocks anything.
func (s Snapshot) Active() bool {
	return s.Status.Active()
}

// IsAdminOverride reports whether the entitlement came from the admin path.
func (s Snapshot) IsAdminOverride() bool {
	return s.Source == SourceAdminOverride
}

func snapshotOf(r *Record, now time.Time) Snapshot {
	if r == nil {
		return Snapshot{Status: StatusUnlicensed, Tier: licensing.TierNone, EvaluatedAt: now}
	}
	return Snapshot{
		Status:         r.StatusAt(now),
		Tier:           r.Tier,
		Source:         r.Source,
		Plan:           r.Plan,
		ExpiresAt:      cloneTime(r.ExpiresAt),
		Features:       append([]string(nil), r.GrantedFeatures...),
		Credential:     r.Credential,
		LicenseID:      r.LicenseID,
		DeviceID:       r.DeviceID,
		TrialGrantedAt: cloneTime(r.TrialGrantedAt),
		LicensedAt:     cloneTime(r.LicensedAt),
		AdminSubject:   r.AdminSubject,
		EvaluatedAt:    now,
	}
}
