// Package licensing defines the shared shopcalc license contracts: plans,
// tiers, feature names, credential claims, verification outcomes, error codes
// and the JSON wire shapes spoken between the license server and clients.
//
// This package exists so clients (the shopcalc app, admin tooling) can depend
// on canonical licensing metadata without importing internal packages.
package licensing

import (
	"sort"
	"strings"
)

// Feature constants name the capabilities a license can unlock.
// They are embedded in credential claims and checked by the feature gate.
const (
	FeatureVoice       = "voice"        // Realtime voice assistant sessions
	FeatureChat        = "chat"         // Chat widget that can edit the cart
	FeatureLiveRates   = "live_rates"   // Live exchange-rate refresh
	FeatureHistorySync = "history_sync" // Shopping history beyond the local device
)

// BaselineFeatures is what a paid credential grants when it carries no
// features claim. Credentials issued before feature scoping existed rely on it.
var BaselineFeatures = []string{
	FeatureVoice,
	FeatureChat,
	FeatureLiveRates,
	FeatureHistorySync,
}

// TrialFeatures is the fixed policy set unlocked during the local trial.
var TrialFeatures = []string{
	FeatureVoice,
	FeatureChat,
}

var featureDisplayNames = map[string]string{
	FeatureVoice:       "Voice Assistant",
	FeatureChat:        "Chat Assistant",
	FeatureLiveRates:   "Live Exchange Rates",
	FeatureHistorySync: "History Sync",
}

// GetFeatureDisplayName returns a human-readable name for a feature.
func GetFeatureDisplayName(feature string) string {
	if name, ok := featureDisplayNames[feature]; ok {
		return name
	}
	return feature
}

// ContainsFeature reports whether feature is present in features.
func ContainsFeature(features []string, feature string) bool {
	for _, f := range features {
		if f == feature {
			return true
		}
	}
	return false
}

// NormalizeFeatures trims, de-duplicates and sorts a feature list.
// Empty input (or input containing only blanks) returns nil.
func NormalizeFeatures(features []string) []string {
	if len(features) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
