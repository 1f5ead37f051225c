package vault

import "math/big"

// Time is partitioned into fixed-width buckets; a loan's scheduled tranche
// returns are recorded in the bucket containing its maturity. Each bucket's
// return accrues linearly over a window of prorationBuckets bucket widths
// ending at the bucket's end, so share price rises smoothly instead of
// jumping at maturity.
const (
	// bucketWidthSeconds is one week.
	bucketWidthSeconds = 7 * 24 * 60 * 60
	// prorationBuckets is the accrual horizon in buckets.
	prorationBuckets = 6
)

// bucketOf maps a unix timestamp to its time bucket.
func bucketOf(ts uint64) uint64 { return ts / bucketWidthSeconds }

// accruedContribution prorates a scheduled return against now. The return for
// bucket b accrues over [end(b) - prorationBuckets*width, end(b)]: zero
// before the window opens, full once the bucket has ended, linear between.
func accruedContribution(amount *big.Int, bucket, now uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	windowEnd := (bucket + 1) * bucketWidthSeconds
	windowWidth := uint64(prorationBuckets * bucketWidthSeconds)
	if now >= windowEnd {
		return new(big.Int).Set(amount)
	}
	var windowStart uint64
	if windowEnd > windowWidth {
		windowStart = windowEnd - windowWidth
	}
	if now <= windowStart {
		return big.NewInt(0)
	}
	elapsed := now - windowStart
	return mulDiv(amount, new(big.Int).SetUint64(elapsed), new(big.Int).SetUint64(windowWidth))
}

// estimatedValue is the realized deposit value plus the prorated portion of
// every scheduled return.
func estimatedValue(t *Tranche, now uint64) *big.Int {
	value := new(big.Int).Set(t.DepositValue)
	for bucket, amount := range t.PendingReturns {
		value.Add(value, accruedContribution(amount, bucket, now))
	}
	return value
}

// sharePrice converts estimated value into price per share, defined as one
// wad when no shares are outstanding.
func sharePrice(t *Tranche, now uint64) *big.Int {
	if t.TotalShares.Sign() == 0 {
		return new(big.Int).Set(wad)
	}
	return wadDiv(estimatedValue(t, now), t.TotalShares)
}

// redemptionSharePrice prices redemptions off realized deposit value only.
// Projected accrual is never paid out before it is certain.
func redemptionSharePrice(t *Tranche) *big.Int {
	if t.TotalShares.Sign() == 0 {
		return new(big.Int).Set(wad)
	}
	return wadDiv(t.DepositValue, t.TotalShares)
}

// scheduleReturn records a scheduled return in the maturity bucket.
func (t *Tranche) schedulePendingReturn(bucket uint64, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	existing, ok := t.PendingReturns[bucket]
	if !ok {
		existing = big.NewInt(0)
	}
	t.PendingReturns[bucket] = new(big.Int).Add(existing, amount)
}

// unschedulePendingReturn removes a scheduled return, evicting the bucket
// once it reaches zero.
func (t *Tranche) unschedulePendingReturn(bucket uint64, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	existing, ok := t.PendingReturns[bucket]
	if !ok {
		return
	}
	remaining := new(big.Int).Sub(existing, amount)
	if remaining.Sign() > 0 {
		t.PendingReturns[bucket] = remaining
	} else {
		delete(t.PendingReturns, bucket)
	}
}
