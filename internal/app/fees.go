package app

import "github.com/parkloop/settlement-service/internal/domain"

// DefaultPlatformFeeBasisPoints is the platform's cut of a booking's gross
// charge when no rate is configured (15%).
const DefaultPlatformFeeBasisPoints = 1500

// ComputeFeeSplit derives the platform fee and host net payout for one
// booking. grossCents must be a non-negative amount in minor currency units;
// callers normalize before calling. The fee is rounded half-up on cents and
// the net is computed by subtraction, so FeeCents + NetCents always equals
// GrossCents exactly.
func ComputeFeeSplit(grossCents int64, waiveFee bool, rateBasisPoints int64) domain.FeeSplit {
	if waiveFee || rateBasisPoints <= 0 {
		return domain.FeeSplit{GrossCents: grossCents, FeeCents: 0, NetCents: grossCents}
	}

	// Integer round-half-up: floor(gross*bps/10000 + 1/2) for non-negative inputs.
	fee := (grossCents*rateBasisPoints + 5000) / 10000
	return domain.FeeSplit{
		GrossCents: grossCents,
		FeeCents:   fee,
		NetCents:   grossCents - fee,
	}
}
