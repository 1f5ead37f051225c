package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TrancheID selects one of the two capital tranches.
type TrancheID uint8

const (
	// TrancheSenior receives a capped, prioritized return and is last to
	// absorb losses.
	TrancheSenior TrancheID = iota
	// TrancheJunior receives the residual return and absorbs losses first.
	TrancheJunior
	trancheCount
)

func (id TrancheID) String() string {
	switch id {
	case TrancheSenior:
		return "senior"
	case TrancheJunior:
		return "junior"
	}
	return "unknown"
}

// Valid reports whether the identifier names a real tranche.
func (id TrancheID) Valid() bool { return id < trancheCount }

// Tranche captures the realized accounting state for one capital slice.
// DepositValue is the source of truth for redemption pricing; scheduled
// returns live in PendingReturns until realized by repayment.
type Tranche struct {
	// DepositValue is the realized value backing outstanding shares.
	DepositValue *big.Int
	// TotalShares is the outstanding share supply.
	TotalShares *big.Int
	// RedemptionQueueTotal is the cumulative amount ever queued for
	// redemption.
	RedemptionQueueTotal *big.Int
	// RedemptionQueueProcessed is the cumulative amount released to the
	// withdrawal balance. Processed never exceeds Total.
	RedemptionQueueProcessed *big.Int
	// PendingReturns maps a maturity time bucket to the scheduled return
	// amount maturing in that bucket. Zeroed buckets are evicted lazily.
	PendingReturns map[uint64]*big.Int
}

// PendingRedemptions returns the queued amount not yet released.
func (t *Tranche) PendingRedemptions() *big.Int {
	if t == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(t.RedemptionQueueTotal, t.RedemptionQueueProcessed)
}

// Clone returns a deep copy of the tranche.
func (t *Tranche) Clone() *Tranche {
	if t == nil {
		return nil
	}
	clone := &Tranche{
		DepositValue:             new(big.Int).Set(t.DepositValue),
		TotalShares:              new(big.Int).Set(t.TotalShares),
		RedemptionQueueTotal:     new(big.Int).Set(t.RedemptionQueueTotal),
		RedemptionQueueProcessed: new(big.Int).Set(t.RedemptionQueueProcessed),
		PendingReturns:           make(map[uint64]*big.Int, len(t.PendingReturns)),
	}
	for bucket, amount := range t.PendingReturns {
		clone.PendingReturns[bucket] = new(big.Int).Set(amount)
	}
	return clone
}

func (t *Tranche) ensureDefaults() {
	if t.DepositValue == nil {
		t.DepositValue = big.NewInt(0)
	}
	if t.TotalShares == nil {
		t.TotalShares = big.NewInt(0)
	}
	if t.RedemptionQueueTotal == nil {
		t.RedemptionQueueTotal = big.NewInt(0)
	}
	if t.RedemptionQueueProcessed == nil {
		t.RedemptionQueueProcessed = big.NewInt(0)
	}
	if t.PendingReturns == nil {
		t.PendingReturns = make(map[uint64]*big.Int)
	}
}

// DepositorRedemption records one outstanding redemption for a depositor in a
// tranche. The record is deleted once fully withdrawn, enabling the next
// redemption request.
type DepositorRedemption struct {
	// PendingAmount is the cash owed, fixed at the redemption share price at
	// request time.
	PendingAmount *big.Int
	// WithdrawnAmount is the portion already transferred out.
	WithdrawnAmount *big.Int
	// QueueTargetPosition is the queue total at request time; the record's
	// funds become available as the processed counter advances through the
	// segment (target-pending, target].
	QueueTargetPosition *big.Int
}

// Clone returns a deep copy of the redemption record.
func (r *DepositorRedemption) Clone() *DepositorRedemption {
	if r == nil {
		return nil
	}
	return &DepositorRedemption{
		PendingAmount:       new(big.Int).Set(r.PendingAmount),
		WithdrawnAmount:     new(big.Int).Set(r.WithdrawnAmount),
		QueueTargetPosition: new(big.Int).Set(r.QueueTargetPosition),
	}
}

// Loan records a purchased receivable across its lifecycle. TrancheReturns
// holds the scheduled returns while the loan is performing and the recovery
// entitlements once it has defaulted.
type Loan struct {
	// ID is the blake3 digest of the external reference and the purchase
	// terms, fixing the loan identity at purchase time.
	ID [32]byte
	// Reference is the external receivable identifier.
	Reference string
	// Collateral names the collateral class the loan was priced against.
	Collateral string
	// Borrower is the obligor reported by the receivable adapter.
	Borrower common.Address
	// PurchasePrice is the cash paid for the receivable.
	PurchasePrice *big.Int
	// RepaymentAmount is the amount owed at maturity.
	RepaymentAmount *big.Int
	// MaturityTimestamp is the unix second the repayment falls due.
	MaturityTimestamp uint64
	// TrancheReturns is the scheduled return (performing) or recovery
	// entitlement (defaulted) per tranche.
	TrancheReturns [trancheCount]*big.Int
	// Liquidated is set when the loan defaults and collateral is released to
	// a liquidator.
	Liquidated bool
	// Active is cleared once the loan is fully resolved; resolved loans
	// reject further lifecycle transitions.
	Active bool
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		ID:                l.ID,
		Reference:         l.Reference,
		Collateral:        l.Collateral,
		Borrower:          l.Borrower,
		MaturityTimestamp: l.MaturityTimestamp,
		Liquidated:        l.Liquidated,
		Active:            l.Active,
		PurchasePrice:     new(big.Int).Set(l.PurchasePrice),
		RepaymentAmount:   new(big.Int).Set(l.RepaymentAmount),
	}
	for i, amount := range l.TrancheReturns {
		if amount != nil {
			clone.TrancheReturns[i] = new(big.Int).Set(amount)
		}
	}
	return clone
}

// Balances tracks the pool-wide cash and loan book totals. At every settled
// state: sum(tranche deposit value) + TotalWithdrawalBalance ==
// TotalCashBalance + TotalLoanBalance.
type Balances struct {
	// TotalLoanBalance is the capital deployed into outstanding receivables,
	// at purchase price.
	TotalLoanBalance *big.Int
	// TotalCashBalance is all cash held by the pool, including reserves and
	// processed redemptions awaiting withdrawal.
	TotalCashBalance *big.Int
	// TotalReservesBalance is the configured fraction of cash held back from
	// redemption draining.
	TotalReservesBalance *big.Int
	// TotalWithdrawalBalance is cash earmarked for processed redemptions.
	TotalWithdrawalBalance *big.Int
}

// Clone returns a deep copy of the balances.
func (b *Balances) Clone() *Balances {
	if b == nil {
		return nil
	}
	return &Balances{
		TotalLoanBalance:       new(big.Int).Set(b.TotalLoanBalance),
		TotalCashBalance:       new(big.Int).Set(b.TotalCashBalance),
		TotalReservesBalance:   new(big.Int).Set(b.TotalReservesBalance),
		TotalWithdrawalBalance: new(big.Int).Set(b.TotalWithdrawalBalance),
	}
}

func (b *Balances) ensureDefaults() {
	if b.TotalLoanBalance == nil {
		b.TotalLoanBalance = big.NewInt(0)
	}
	if b.TotalCashBalance == nil {
		b.TotalCashBalance = big.NewInt(0)
	}
	if b.TotalReservesBalance == nil {
		b.TotalReservesBalance = big.NewInt(0)
	}
	if b.TotalWithdrawalBalance == nil {
		b.TotalWithdrawalBalance = big.NewInt(0)
	}
}
