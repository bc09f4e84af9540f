package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counters holds the substrate's operational counters. Instruments are
// created lazily so Init ordering does not matter.
type Counters struct {
	claimsWon       metric.Int64Counter
	claimsLost      metric.Int64Counter
	lockTimeouts    metric.Int64Counter
	staleReclaims   metric.Int64Counter
	verdicts        metric.Int64Counter
	roundsExhausted metric.Int64Counter
}

var (
	countersOnce sync.Once
	counters     *Counters
)

// Default returns the process-wide counter set.
func Default() *Counters {
	countersOnce.Do(func() {
		m := Meter("")
		c := &Counters{}
		// Instrument creation only fails on malformed names; fall through to
		// nil instruments which the record helpers treat as disabled.
		c.claimsWon, _ = m.Int64Counter("skein.claims.won")
		c.claimsLost, _ = m.Int64Counter("skein.claims.lost")
		c.lockTimeouts, _ = m.Int64Counter("skein.locks.timeouts")
		c.staleReclaims, _ = m.Int64Counter("skein.sessions.stale_reclaims")
		c.verdicts, _ = m.Int64Counter("skein.validators.verdicts")
		c.roundsExhausted, _ = m.Int64Counter("skein.qa.rounds_exhausted")
		counters = c
	})
	return counters
}

// ClaimWon records a successful task claim.
func (c *Counters) ClaimWon(ctx context.Context) {
	if c.claimsWon != nil {
		c.claimsWon.Add(ctx, 1)
	}
}

// ClaimLost records a claim that lost its race.
func (c *Counters) ClaimLost(ctx context.Context) {
	if c.claimsLost != nil {
		c.claimsLost.Add(ctx, 1)
	}
}

// LockTimeout records a bounded lock wait that expired.
func (c *Counters) LockTimeout(ctx context.Context, resource string) {
	if c.lockTimeouts != nil {
		c.lockTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
	}
}

// StaleReclaim records a stale-session recovery.
func (c *Counters) StaleReclaim(ctx context.Context) {
	if c.staleReclaims != nil {
		c.staleReclaims.Add(ctx, 1)
	}
}

// VerdictRecorded records one validator verdict by tier and outcome.
func (c *Counters) VerdictRecorded(ctx context.Context, tier, verdict string) {
	if c.verdicts != nil {
		c.verdicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("verdict", verdict),
		))
	}
}

// RoundsExhausted records a QA brief hitting the max-rounds bound.
func (c *Counters) RoundsExhausted(ctx context.Context) {
	if c.roundsExhausted != nil {
		c.roundsExhausted.Add(ctx, 1)
	}
}
