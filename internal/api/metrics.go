package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IssuancesTotal counts issuance attempts by outcome code.
	IssuancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopcalc",
		Subsystem: "license",
		Name:      "issuances_total",
		Help:      "License issuance attempts by outcome.",
	}, []string{"outcome"})

	// VerificationsTotal counts verification outcomes ("valid" or a reason code).
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopcalc",
		Subsystem: "license",
		Name:      "verifications_total",
		Help:      "Credential verifications by result.",
	}, []string{"result"})

	// TrialClaimsTotal counts trial ledger decisions.
	TrialClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shopcalc",
		Subsystem: "license",
		Name:      "trial_claims_total",
		Help:      "Trial ledger claims by result.",
	}, []string{"result"})

	// RateLimitedTotal counts requests refused by the per-client limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shopcalc",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})

	// RequestDuration tracks handler latency by route and status.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shopcalc",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)
