// Package featuregate answers whether a capability is unlocked for the
// current license state.
package featuregate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/rcourtman/shopcalc/internal/licensestate"
	"github.com/rcourtman/shopcalc/internal/logging"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// ErrFeatureLocked is returned when a capability is not unlocked.
var ErrFeatureLocked = errors.New("feature locked")

// LockedError names the capability that was refused.
type LockedError struct {
	Feature string
	Status  licensestate.Status
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s requires an active license (status %s)", licensing.GetFeatureDisplayName(e.Feature), e.Status)
}

func (e *LockedError) Unwrap() error { return ErrFeatureLocked }

// HasFeature evaluates a snapshot. The snapshot must have been taken at the
// time of the check; expiry is already folded into its Status.
func HasFeature(snap licensestate.Snapshot, feature string) bool {
	switch snap.Status {
	case licensestate.StatusTrialActive:
		return licensing.ContainsFeature(licensing.TrialFeatures, feature)
	case licensestate.StatusPaidActive:
		if snap.IsAdminOverride() {
			return licensing.ContainsFeature(licensing.BaselineFeatures, feature)
		}
		return licensing.ContainsFeature(snap.Features, feature)
	default:
		return false
	}
}

// SnapshotSource yields a freshly evaluated license snapshot.
type SnapshotSource interface {
	Snapshot() licensestate.Snapshot
}

// Gate checks features against the current license state on every call.
type Gate struct {
	source SnapshotSource
}

var _ licensing.FeatureChecker = (*Gate)(nil)

func New(source SnapshotSource) *Gate {
	return &Gate{source: source}
}

func (g *Gate) HasFeature(feature string) bool {
	return HasFeature(g.source.Snapshot(), feature)
}

// RequireFeature returns a *LockedError wrapping ErrFeatureLocked when the
// feature is unavailable.
func (g *Gate) RequireFeature(feature string) error {
	snap := g.source.Snapshot()
	if HasFeature(snap, feature) {
		return nil
	}
	return &LockedError{Feature: feature, Status: snap.Status}
}

// Features reports every known feature and whether it is unlocked, plus any
// extra feature a credential lists explicitly.
func (g *Gate) Features() map[string]bool {
	snap := g.source.Snapshot()
	out := make(map[string]bool, len(licensing.BaselineFeatures))
	for _, f := range licensing.BaselineFeatures {
		out[f] = HasFeature(snap, f)
	}
	for _, f := range snap.Features {
		if _, ok := out[f]; !ok {
			out[f] = HasFeature(snap, f)
		}
	}
	return out
}

// Unlocked lists the unlocked features in sorted order.
func (g *Gate) Unlocked() []string {
	var names []string
	for name, ok := range g.Features() {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// VoiceGuard refuses to start voice sessions unless voice is unlocked.
type VoiceGuard struct {
	gate *Gate
}

func NewVoiceGuard(gate *Gate) *VoiceGuard {
	return &VoiceGuard{gate: gate}
}

// StartSession calls start only when voice is unlocked at call time.
func (v *VoiceGuard) StartSession(ctx context.Context, start func(context.Context) error) error {
	if err := v.gate.RequireFeature(licensing.FeatureVoice); err != nil {
		logging.FromContext(ctx).Info().Err(err).Msg("Voice session refused")
		return err
	}
	return start(ctx)
}

// RequireFeatureHandler answers 402 with the feature name unless feature is
// unlocked when the request arrives.
func (g *Gate) RequireFeatureHandler(feature string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.RequireFeature(feature); err != nil {
			logging.FromContext(r.Context()).Debug().Str("feature", feature).Msg("Request refused: feature locked")
			licensing.WriteFeatureLocked(w, feature)
			return
		}
		next(w, r)
	}
}
