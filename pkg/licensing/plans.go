package licensing

import (
	"strings"
	"time"
)

// Plan is the commercial plan named in a credential.
type Plan string

const (
	PlanMonthly  Plan = "monthly"
	PlanLifetime Plan = "lifetime"
)

// DefaultPlan is used when an issuance request names no plan or an
// unrecognized one.
const DefaultPlan = PlanMonthly

// Tier is the entitlement level held by a device.
type Tier string

const (
	TierNone     Tier = "none"
	TierTrial    Tier = "trial"
	TierMonthly  Tier = "paid_monthly"
	TierLifetime Tier = "lifetime"
)

const (
	// DefaultMonths is the term used when a monthly request omits months.
	DefaultMonths = 1
	MinMonths     = 1
	MaxMonths     = 24

	// MonthDuration is the billing month used for expiry arithmetic.
	MonthDuration = 30 * 24 * time.Hour

	// LifetimeYears places lifetime expiry far enough out to be unreachable
	// while keeping every expiry comparison uniform.
	LifetimeYears = 100

	// PerpetualThresholdYears marks expiries that the wire format reports
	// as null.
	PerpetualThresholdYears = 50
)

var recognizedPlans = map[Plan]struct{}{
	PlanMonthly:  {},
	PlanLifetime: {},
}

// NormalizePlan maps raw input onto a recognized plan. Unknown or empty input
// returns DefaultPlan and ok=false so callers can log the substitution.
func NormalizePlan(raw string) (plan Plan, ok bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	if p.IsRecognized() {
		return p, true
	}
	return DefaultPlan, false
}

// IsRecognized reports whether p is a plan this build understands.
func (p Plan) IsRecognized() bool {
	_, ok := recognizedPlans[p]
	return ok
}

// TierForPlan maps a credential plan onto the tier it grants.
func TierForPlan(p Plan) Tier {
	if p == PlanLifetime {
		return TierLifetime
	}
	return TierMonthly
}

// ClampMonths bounds a requested term to [MinMonths, MaxMonths].
func ClampMonths(months int) int {
	if months < MinMonths {
		return MinMonths
	}
	if months > MaxMonths {
		return MaxMonths
	}
	return months
}

// ExpiryFor computes the credential expiry for plan starting at issuedAt.
// months is ignored for lifetime plans.
func ExpiryFor(plan Plan, months int, issuedAt time.Time) time.Time {
	if plan == PlanLifetime {
		return issuedAt.AddDate(LifetimeYears, 0, 0)
	}
	return issuedAt.Add(time.Duration(ClampMonths(months)) * MonthDuration)
}

// IsPerpetual reports whether expiresAt lies beyond the perpetual threshold
// measured from now.
func IsPerpetual(expiresAt, now time.Time) bool {
	return expiresAt.After(now.AddDate(PerpetualThresholdYears, 0, 0))
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierTrial:
		return "Trial"
	case TierMonthly:
		return "Monthly"
	case TierLifetime:
		return "Lifetime"
	default:
		return "Free"
	}
}
