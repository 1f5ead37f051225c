package vault

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

// maxSeniorRateWad administratively bounds the senior coupon at 100% APR.
var maxSeniorRateWad = big.NewInt(1_000_000_000_000_000_000)

// LedgerState is the persistence boundary for the tranche ledger. A nil
// result with a nil error means the record is absent.
type LedgerState interface {
	GetTranche(id TrancheID) (*Tranche, error)
	PutTranche(id TrancheID, tranche *Tranche) error
	GetBalances() (*Balances, error)
	PutBalances(balances *Balances) error
	GetLoan(reference string) (*Loan, error)
	PutLoan(loan *Loan) error
	GetShares(id TrancheID, depositor common.Address) (*big.Int, error)
	PutShares(id TrancheID, depositor common.Address, shares *big.Int) error
	GetRedemption(id TrancheID, depositor common.Address) (*DepositorRedemption, error)
	PutRedemption(id TrancheID, depositor common.Address, redemption *DepositorRedemption) error
	DeleteRedemption(id TrancheID, depositor common.Address) error
}

// AuditEntry describes one committed ledger mutation for the audit journal.
type AuditEntry struct {
	Operation string
	Actor     common.Address
	Tranche   string
	Reference string
	Amount    *big.Int
	Balances  *Balances
}

// AuditSink receives committed mutations. Sinks must not call back into the
// engine.
type AuditSink interface {
	Record(entry AuditEntry)
}

// Engine is the authoritative sequential state machine for the tranched
// lending pool. Every mutating operation executes as one serialized
// transaction: validation precedes mutation, outbound transfers run last.
type Engine struct {
	mu sync.Mutex

	state     LedgerState
	transfers AssetTransfer
	adapter   ReceivableAdapter
	custody   CollateralCustody
	policy    Policy
	audit     AuditSink

	utilizationModel *RateModel
	collateral       map[string]CollateralRiskParameters
	seniorRateWad    *big.Int
	reserveRatioBps  uint64
	minLoanDuration  uint64
	paused           bool

	nowFn func() time.Time
}

// NewEngine constructs an engine with the supplied collaborators. Parameters
// are applied afterwards through the administrative setters.
func NewEngine(transfers AssetTransfer, adapter ReceivableAdapter, policy Policy) *Engine {
	return &Engine{
		transfers:     transfers,
		adapter:       adapter,
		policy:        policy,
		collateral:    make(map[string]CollateralRiskParameters),
		seniorRateWad: big.NewInt(0),
		nowFn:         time.Now,
	}
}

// SetState wires the engine to its persistence layer.
func (e *Engine) SetState(state LedgerState) { e.state = state }

// SetCustody wires the collateral custody collaborator.
func (e *Engine) SetCustody(custody CollateralCustody) { e.custody = custody }

// SetAuditSink wires the audit journal.
func (e *Engine) SetAuditSink(sink AuditSink) { e.audit = sink }

// SetClock overrides the time source. Used by tests and replay tooling.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

func (e *Engine) now() uint64 { return uint64(e.nowFn().UTC().Unix()) }

func (e *Engine) guard() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) authorize(actor common.Address, role Role) error {
	if e.policy == nil {
		return ErrUnauthorized
	}
	return e.policy.Authorize(actor, role)
}

func (e *Engine) record(entry AuditEntry) {
	if e.audit != nil {
		e.audit.Record(entry)
	}
}

// ---------------------------------------------------------------------------
// Administration

// SetUtilizationModel replaces the global utilization curve.
func (e *Engine) SetUtilizationModel(actor common.Address, model *RateModel) error {
	if err := e.authorize(actor, RoleAdmin); err != nil {
		return err
	}
	if model == nil || model.Kink.Gt(model.Max) {
		return ErrInvalidRateModel
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.utilizationModel = model.Clone()
	return nil
}

// SetCollateralRiskParameters creates or replaces the risk parameters for a
// collateral class wholesale.
func (e *Engine) SetCollateralRiskParameters(actor common.Address, collateral string, params CollateralRiskParameters) error {
	if err := e.authorize(actor, RoleAdmin); err != nil {
		return err
	}
	collateral = strings.TrimSpace(collateral)
	if collateral == "" {
		return ErrUnsupportedCollateral
	}
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collateral[collateral] = params.Clone()
	return nil
}

// SetSeniorTrancheRate sets the administered annual senior coupon rate (wad).
func (e *Engine) SetSeniorTrancheRate(actor common.Address, rateWad *big.Int) error {
	if err := e.authorize(actor, RoleAdmin); err != nil {
		return err
	}
	if rateWad == nil || rateWad.Sign() < 0 || rateWad.Cmp(maxSeniorRateWad) > 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seniorRateWad = new(big.Int).Set(rateWad)
	return nil
}

// SetReserveRatio sets the fraction of free cash held back from redemption
// draining, in basis points.
func (e *Engine) SetReserveRatio(actor common.Address, bps uint64) error {
	if err := e.authorize(actor, RoleAdmin); err != nil {
		return err
	}
	if bps > 10_000 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserveRatioBps = bps
	if e.state == nil {
		return nil
	}
	balances, err := e.loadBalances()
	if err != nil {
		return err
	}
	e.refreshReserves(balances)
	return e.state.PutBalances(balances)
}

// SetMinLoanDuration sets the minimum remaining duration for purchases, in
// seconds.
func (e *Engine) SetMinLoanDuration(actor common.Address, seconds uint64) error {
	if err := e.authorize(actor, RoleAdmin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minLoanDuration = seconds
	return nil
}

// SetPaused toggles the pool-wide pause flag.
func (e *Engine) SetPaused(actor common.Address, paused bool) error {
	if err := e.authorize(actor, RoleAdmin); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
	return nil
}

// ---------------------------------------------------------------------------
// Deposits and redemptions

// Deposit pulls the amount from the depositor and mints tranche shares at the
// current (accrual-inclusive) share price. Freed cash drains the redemption
// queues in the same transaction.
func (e *Engine) Deposit(depositor common.Address, id TrancheID, amount *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if !id.Valid() {
		return nil, ErrInvalidAmount
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return nil, err
	}
	tranche := senior
	if id == TrancheJunior {
		tranche = junior
	}
	if err := insolvencyGuard(tranche); err != nil {
		return nil, err
	}

	now := e.now()
	minted := wadDiv(amount, sharePrice(tranche, now))
	if minted.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	held, err := e.loadShares(id, depositor)
	if err != nil {
		return nil, err
	}
	balances, err := e.loadBalances()
	if err != nil {
		return nil, err
	}

	// Incoming transfer settles before the ledger is credited.
	if err := e.transfers.Pull(depositor, amount); err != nil {
		return nil, fmt.Errorf("deposit transfer: %w", err)
	}

	tranche.DepositValue = new(big.Int).Add(tranche.DepositValue, amount)
	tranche.TotalShares = new(big.Int).Add(tranche.TotalShares, minted)
	held = new(big.Int).Add(held, minted)
	balances.TotalCashBalance = new(big.Int).Add(balances.TotalCashBalance, amount)
	e.drainQueues(senior, junior, balances)

	if err := e.persistAll(senior, junior, balances); err != nil {
		return nil, err
	}
	if err := e.state.PutShares(id, depositor, held); err != nil {
		return nil, err
	}

	e.record(AuditEntry{Operation: "deposit", Actor: depositor, Tranche: id.String(), Amount: amount, Balances: balances.Clone()})
	return minted, nil
}

// Redeem burns shares immediately, fixes the owed amount at the realized
// redemption share price and queues it. At most one redemption may be
// outstanding per depositor per tranche.
func (e *Engine) Redeem(depositor common.Address, id TrancheID, shares *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if !id.Valid() || shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return nil, err
	}
	tranche := senior
	if id == TrancheJunior {
		tranche = junior
	}
	if err := insolvencyGuard(tranche); err != nil {
		return nil, err
	}

	held, err := e.loadShares(id, depositor)
	if err != nil {
		return nil, err
	}
	if held.Cmp(shares) < 0 {
		return nil, ErrInsufficientShares
	}
	existing, err := e.state.GetRedemption(id, depositor)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.PendingAmount != nil && existing.PendingAmount.Sign() > 0 {
		return nil, ErrRedemptionInProgress
	}

	amount := wadMul(shares, redemptionSharePrice(tranche))
	if amount.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	balances, err := e.loadBalances()
	if err != nil {
		return nil, err
	}

	held = new(big.Int).Sub(held, shares)
	tranche.TotalShares = new(big.Int).Sub(tranche.TotalShares, shares)
	tranche.RedemptionQueueTotal = new(big.Int).Add(tranche.RedemptionQueueTotal, amount)
	redemption := &DepositorRedemption{
		PendingAmount:       new(big.Int).Set(amount),
		WithdrawnAmount:     big.NewInt(0),
		QueueTargetPosition: new(big.Int).Set(tranche.RedemptionQueueTotal),
	}
	e.drainQueues(senior, junior, balances)

	if err := e.persistAll(senior, junior, balances); err != nil {
		return nil, err
	}
	if err := e.state.PutShares(id, depositor, held); err != nil {
		return nil, err
	}
	if err := e.state.PutRedemption(id, depositor, redemption); err != nil {
		return nil, err
	}

	e.record(AuditEntry{Operation: "redeem", Actor: depositor, Tranche: id.String(), Amount: amount, Balances: balances.Clone()})
	return amount, nil
}

// Withdraw transfers previously drained redemption cash out of the pool. A
// nil amount withdraws the maximum currently available.
func (e *Engine) Withdraw(depositor common.Address, id TrancheID, amount *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if !id.Valid() {
		return nil, ErrInvalidAmount
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return nil, err
	}
	tranche := senior
	if id == TrancheJunior {
		tranche = junior
	}
	redemption, err := e.state.GetRedemption(id, depositor)
	if err != nil {
		return nil, err
	}
	available := withdrawable(tranche, redemption)
	if available.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount == nil {
		amount = available
	} else if amount.Sign() <= 0 || amount.Cmp(available) > 0 {
		return nil, ErrInvalidAmount
	}

	balances, err := e.loadBalances()
	if err != nil {
		return nil, err
	}

	redemption.WithdrawnAmount = new(big.Int).Add(redemption.WithdrawnAmount, amount)
	balances.TotalWithdrawalBalance = new(big.Int).Sub(balances.TotalWithdrawalBalance, amount)
	balances.TotalCashBalance = new(big.Int).Sub(balances.TotalCashBalance, amount)
	e.refreshReserves(balances)

	if redemption.WithdrawnAmount.Cmp(redemption.PendingAmount) == 0 {
		if err := e.state.DeleteRedemption(id, depositor); err != nil {
			return nil, err
		}
	} else {
		if err := e.state.PutRedemption(id, depositor, redemption); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutBalances(balances); err != nil {
		return nil, err
	}

	// Outbound transfer happens last, after all ledger effects.
	if err := e.transfers.Push(depositor, amount); err != nil {
		return nil, fmt.Errorf("withdraw transfer: %w", err)
	}

	e.record(AuditEntry{Operation: "withdraw", Actor: depositor, Tranche: id.String(), Amount: amount, Balances: balances.Clone()})
	return amount, nil
}

// withdrawable computes the cash a depositor may withdraw right now: the
// drained portion of their queue segment (target-pending, target], less what
// they already took.
func withdrawable(t *Tranche, r *DepositorRedemption) *big.Int {
	if r == nil || r.PendingAmount == nil || r.PendingAmount.Sign() == 0 {
		return big.NewInt(0)
	}
	segmentStart := new(big.Int).Sub(r.QueueTargetPosition, r.PendingAmount)
	drained := new(big.Int).Sub(t.RedemptionQueueProcessed, segmentStart)
	drained = clampZero(drained)
	drained = minBig(drained, r.PendingAmount)
	return clampZero(drained.Sub(drained, r.WithdrawnAmount))
}

// ---------------------------------------------------------------------------
// Pricing and loan lifecycle

// QuoteLoan computes an advisory purchase price for the referenced
// receivable. Quotes are pure reads; the purchase re-validates against
// current parameters.
func (e *Engine) QuoteLoan(reference string) (Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return Quote{}, ErrNilState
	}
	terms, err := e.adapter.Terms(reference)
	if err != nil {
		return Quote{}, fmt.Errorf("receivable terms: %w", err)
	}
	balances, err := e.loadBalances()
	if err != nil {
		return Quote{}, err
	}
	return e.quote(terms, balances, e.now())
}

func (e *Engine) quote(terms LoanTerms, balances *Balances, now uint64) (Quote, error) {
	if terms.Principal == nil || terms.Principal.Sign() <= 0 ||
		terms.Repayment == nil || terms.Repayment.Sign() <= 0 ||
		terms.CollateralValue == nil || terms.CollateralValue.Sign() <= 0 {
		return Quote{}, ErrInvalidAmount
	}
	if terms.Maturity <= now || terms.Maturity-now < e.minLoanDuration {
		return Quote{}, ErrInsufficientTimeRemaining
	}
	params, ok := e.collateral[terms.Collateral]
	if !ok || !params.Enabled {
		return Quote{}, ErrUnsupportedCollateral
	}
	if e.utilizationModel == nil {
		return Quote{}, ErrUnsupportedCollateral
	}
	return priceLoan(params, e.utilizationModel, terms, utilization(balances), terms.Maturity-now)
}

// utilization is deployed capital over total pool assets, as a wad ratio.
func utilization(b *Balances) *big.Int {
	total := new(big.Int).Add(b.TotalLoanBalance, b.TotalCashBalance)
	if total.Sign() == 0 {
		return big.NewInt(0)
	}
	return wadDiv(b.TotalLoanBalance, total)
}

// Purchase executes a loan purchase at the offered price. The price is
// recomputed against current parameters and must match exactly; the check
// order is price match, repayment spread, liquidity, senior coupon fit.
func (e *Engine) Purchase(actor common.Address, reference string, offeredPrice *big.Int) (*Loan, error) {
	if err := e.authorize(actor, RoleOperator); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return nil, err
	}

	existing, err := e.state.GetLoan(reference)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active {
		return nil, ErrLoanExists
	}

	terms, err := e.adapter.Terms(reference)
	if err != nil {
		return nil, fmt.Errorf("receivable terms: %w", err)
	}
	balances, err := e.loadBalances()
	if err != nil {
		return nil, err
	}
	now := e.now()
	quote, err := e.quote(terms, balances, now)
	if err != nil {
		return nil, err
	}
	price := quote.PurchasePrice
	if offeredPrice == nil || price.Cmp(offeredPrice) != 0 {
		return nil, ErrPriceMismatch
	}
	if terms.Repayment.Cmp(price) <= 0 {
		return nil, ErrRepaymentTooLow
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return nil, err
	}
	e.refreshReserves(balances)
	if e.availableCash(balances).Cmp(price) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	duration := terms.Maturity - now
	spread := new(big.Int).Sub(terms.Repayment, price)
	seniorReturn := big.NewInt(0)
	if senior.DepositValue.Sign() > 0 {
		seniorReturn = annualized(wadMul(price, e.seniorRateWad), duration)
	}
	if seniorReturn.Cmp(spread) >= 0 {
		return nil, ErrSeniorReturnExceedsSpread
	}
	juniorReturn := new(big.Int).Sub(spread, seniorReturn)

	bucket := bucketOf(terms.Maturity)
	senior.schedulePendingReturn(bucket, seniorReturn)
	junior.schedulePendingReturn(bucket, juniorReturn)
	balances.TotalCashBalance = new(big.Int).Sub(balances.TotalCashBalance, price)
	balances.TotalLoanBalance = new(big.Int).Add(balances.TotalLoanBalance, price)
	e.refreshReserves(balances)

	loan := &Loan{
		ID:                loanID(reference, price, terms),
		Reference:         reference,
		Collateral:        terms.Collateral,
		Borrower:          terms.Borrower,
		PurchasePrice:     new(big.Int).Set(price),
		RepaymentAmount:   new(big.Int).Set(terms.Repayment),
		MaturityTimestamp: terms.Maturity,
		Active:            true,
	}
	loan.TrancheReturns[TrancheSenior] = seniorReturn
	loan.TrancheReturns[TrancheJunior] = juniorReturn

	if err := e.persistAll(senior, junior, balances); err != nil {
		return nil, err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}

	e.record(AuditEntry{Operation: "purchase", Actor: actor, Reference: reference, Amount: price, Balances: balances.Clone()})
	return loan.Clone(), nil
}

// OnLoanRepaid realizes a verified repayment: scheduled returns become
// deposit value, cash returns to the pool and the queues drain.
func (e *Engine) OnLoanRepaid(actor common.Address, reference string) error {
	if err := e.authorize(actor, RoleOperator); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}

	loan, err := e.state.GetLoan(reference)
	if err != nil {
		return err
	}
	if loan == nil || !loan.Active {
		return ErrUnknownLoan
	}
	if loan.Liquidated {
		return ErrLoanNotRepaid
	}
	repaid, err := e.adapter.IsRepaid(reference)
	if err != nil {
		return fmt.Errorf("receivable status: %w", err)
	}
	if !repaid {
		return ErrLoanNotRepaid
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return err
	}
	balances, err := e.loadBalances()
	if err != nil {
		return err
	}

	bucket := bucketOf(loan.MaturityTimestamp)
	senior.unschedulePendingReturn(bucket, loan.TrancheReturns[TrancheSenior])
	junior.unschedulePendingReturn(bucket, loan.TrancheReturns[TrancheJunior])
	senior.DepositValue = new(big.Int).Add(senior.DepositValue, loan.TrancheReturns[TrancheSenior])
	junior.DepositValue = new(big.Int).Add(junior.DepositValue, loan.TrancheReturns[TrancheJunior])
	balances.TotalCashBalance = new(big.Int).Add(balances.TotalCashBalance, loan.RepaymentAmount)
	balances.TotalLoanBalance = new(big.Int).Sub(balances.TotalLoanBalance, loan.PurchasePrice)
	e.drainQueues(senior, junior, balances)
	loan.Active = false

	if err := e.persistAll(senior, junior, balances); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}

	e.record(AuditEntry{Operation: "repayment", Actor: actor, Reference: reference, Amount: loan.RepaymentAmount, Balances: balances.Clone()})
	return nil
}

// OnLoanExpired applies the default waterfall for a matured, unrepaid loan:
// projected returns are voided and the purchase price is written off
// junior-first. The loan stays active, carrying the recovery entitlements
// until liquidation proceeds arrive.
func (e *Engine) OnLoanExpired(actor common.Address, reference string) error {
	if err := e.authorize(actor, RoleOperator); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}

	loan, err := e.state.GetLoan(reference)
	if err != nil {
		return err
	}
	if loan == nil || !loan.Active {
		return ErrUnknownLoan
	}
	if loan.Liquidated {
		return ErrLoanNotExpired
	}
	if e.now() < loan.MaturityTimestamp {
		return ErrLoanNotExpired
	}
	repaid, err := e.adapter.IsRepaid(reference)
	if err != nil {
		return fmt.Errorf("receivable status: %w", err)
	}
	if repaid {
		return ErrLoanNotExpired
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return err
	}
	balances, err := e.loadBalances()
	if err != nil {
		return err
	}

	bucket := bucketOf(loan.MaturityTimestamp)
	senior.unschedulePendingReturn(bucket, loan.TrancheReturns[TrancheSenior])
	junior.unschedulePendingReturn(bucket, loan.TrancheReturns[TrancheJunior])

	loss := loan.PurchasePrice
	juniorLoss := minBig(loss, junior.DepositValue)
	seniorLoss := new(big.Int).Sub(loss, juniorLoss)
	junior.DepositValue = new(big.Int).Sub(junior.DepositValue, juniorLoss)
	senior.DepositValue = new(big.Int).Sub(senior.DepositValue, seniorLoss)
	balances.TotalLoanBalance = new(big.Int).Sub(balances.TotalLoanBalance, loss)

	// The written-off amounts become recovery entitlements: senior holds
	// first claim on liquidation proceeds up to its loss.
	loan.TrancheReturns[TrancheSenior] = seniorLoss
	loan.TrancheReturns[TrancheJunior] = juniorLoss
	loan.Liquidated = true

	if err := e.persistAll(senior, junior, balances); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}

	e.record(AuditEntry{Operation: "default", Actor: actor, Reference: reference, Amount: loss, Balances: balances.Clone()})
	return nil
}

// ReleaseCollateral hands the defaulted loan's collateral reference to a
// liquidator. Only valid once the loan is marked liquidated.
func (e *Engine) ReleaseCollateral(actor common.Address, reference string, liquidator common.Address) error {
	if err := e.authorize(actor, RoleOperator); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	loan, err := e.state.GetLoan(reference)
	if err != nil {
		return err
	}
	if loan == nil || !loan.Active {
		return ErrUnknownLoan
	}
	if !loan.Liquidated {
		return ErrLoanNotLiquidated
	}
	if e.custody == nil {
		return ErrNilState
	}
	return e.custody.Release(reference, liquidator)
}

// OnCollateralLiquidated settles liquidation proceeds senior-first and
// resolves the loan. Zero proceeds resolve a total loss.
func (e *Engine) OnCollateralLiquidated(actor common.Address, reference string, proceeds *big.Int) error {
	if err := e.authorize(actor, RoleOperator); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}

	loan, err := e.state.GetLoan(reference)
	if err != nil {
		return err
	}
	if loan == nil || !loan.Active {
		return ErrUnknownLoan
	}
	if !loan.Liquidated {
		return ErrLoanNotLiquidated
	}
	if proceeds == nil || proceeds.Sign() < 0 {
		return ErrInvalidAmount
	}

	senior, junior, err := e.loadTranches()
	if err != nil {
		return err
	}
	balances, err := e.loadBalances()
	if err != nil {
		return err
	}

	seniorRecovery := minBig(proceeds, loan.TrancheReturns[TrancheSenior])
	juniorRecovery := new(big.Int).Sub(proceeds, seniorRecovery)
	senior.DepositValue = new(big.Int).Add(senior.DepositValue, seniorRecovery)
	junior.DepositValue = new(big.Int).Add(junior.DepositValue, juniorRecovery)
	balances.TotalCashBalance = new(big.Int).Add(balances.TotalCashBalance, proceeds)
	e.drainQueues(senior, junior, balances)
	loan.Active = false

	if err := e.persistAll(senior, junior, balances); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}

	e.record(AuditEntry{Operation: "liquidation", Actor: actor, Reference: reference, Amount: proceeds, Balances: balances.Clone()})
	return nil
}

// ---------------------------------------------------------------------------
// Queries

// TrancheState returns a copy of the tranche record.
func (e *Engine) TrancheState(id TrancheID) (*Tranche, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !id.Valid() {
		return nil, ErrInvalidAmount
	}
	tranche, err := e.loadTranche(id)
	if err != nil {
		return nil, err
	}
	return tranche.Clone(), nil
}

// SharePrice returns the accrual-inclusive price per share.
func (e *Engine) SharePrice(id TrancheID) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !id.Valid() {
		return nil, ErrInvalidAmount
	}
	tranche, err := e.loadTranche(id)
	if err != nil {
		return nil, err
	}
	return sharePrice(tranche, e.now()), nil
}

// RedemptionSharePrice returns the realized-value share price used to fix
// redemption amounts.
func (e *Engine) RedemptionSharePrice(id TrancheID) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !id.Valid() {
		return nil, ErrInvalidAmount
	}
	tranche, err := e.loadTranche(id)
	if err != nil {
		return nil, err
	}
	return redemptionSharePrice(tranche), nil
}

// PoolBalances returns a copy of the global balances.
func (e *Engine) PoolBalances() (*Balances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	balances, err := e.loadBalances()
	if err != nil {
		return nil, err
	}
	return balances.Clone(), nil
}

// LoanByReference returns a copy of the loan record, resolved or not.
func (e *Engine) LoanByReference(reference string) (*Loan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loan, err := e.state.GetLoan(reference)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrUnknownLoan
	}
	return loan.Clone(), nil
}

// ShareBalance returns the depositor's share balance in a tranche.
func (e *Engine) ShareBalance(id TrancheID, depositor common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if !id.Valid() {
		return nil, ErrInvalidAmount
	}
	return e.loadShares(id, depositor)
}

// RedemptionStatus returns the depositor's outstanding redemption record and
// the amount currently withdrawable. A nil record means none is outstanding.
func (e *Engine) RedemptionStatus(id TrancheID, depositor common.Address) (*DepositorRedemption, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e == nil || e.state == nil {
		return nil, nil, ErrNilState
	}
	if !id.Valid() {
		return nil, nil, ErrInvalidAmount
	}
	tranche, err := e.loadTranche(id)
	if err != nil {
		return nil, nil, err
	}
	redemption, err := e.state.GetRedemption(id, depositor)
	if err != nil {
		return nil, nil, err
	}
	if redemption == nil {
		return nil, big.NewInt(0), nil
	}
	return redemption.Clone(), withdrawable(tranche, redemption), nil
}

// ---------------------------------------------------------------------------
// Internals

func insolvencyGuard(t *Tranche) error {
	if t.DepositValue.Sign() == 0 && t.TotalShares.Sign() > 0 {
		return ErrTrancheInsolvent
	}
	return nil
}

// refreshReserves recomputes the reserve holdback as the configured fraction
// of free (non-earmarked) cash.
func (e *Engine) refreshReserves(b *Balances) {
	free := clampZero(new(big.Int).Sub(b.TotalCashBalance, b.TotalWithdrawalBalance))
	reserves := new(big.Int).Mul(free, new(big.Int).SetUint64(e.reserveRatioBps))
	b.TotalReservesBalance = reserves.Quo(reserves, basisPoints)
}

// availableCash is the cash neither reserved nor earmarked for withdrawal.
func (e *Engine) availableCash(b *Balances) *big.Int {
	available := new(big.Int).Sub(b.TotalCashBalance, b.TotalWithdrawalBalance)
	available.Sub(available, b.TotalReservesBalance)
	return clampZero(available)
}

// drainQueues releases available cash against the redemption queues, senior
// always before junior, within the same transaction as the cash increase.
func (e *Engine) drainQueues(senior, junior *Tranche, b *Balances) {
	e.refreshReserves(b)
	drainable := e.availableCash(b)
	for _, tranche := range []*Tranche{senior, junior} {
		if drainable.Sign() == 0 {
			break
		}
		release := minBig(tranche.PendingRedemptions(), drainable)
		release = minBig(release, tranche.DepositValue)
		if release.Sign() <= 0 {
			continue
		}
		tranche.RedemptionQueueProcessed = new(big.Int).Add(tranche.RedemptionQueueProcessed, release)
		tranche.DepositValue = new(big.Int).Sub(tranche.DepositValue, release)
		b.TotalWithdrawalBalance = new(big.Int).Add(b.TotalWithdrawalBalance, release)
		drainable = new(big.Int).Sub(drainable, release)
	}
	e.refreshReserves(b)
}

func (e *Engine) loadTranche(id TrancheID) (*Tranche, error) {
	tranche, err := e.state.GetTranche(id)
	if err != nil {
		return nil, err
	}
	if tranche == nil {
		tranche = &Tranche{}
	}
	tranche.ensureDefaults()
	return tranche, nil
}

func (e *Engine) loadTranches() (*Tranche, *Tranche, error) {
	senior, err := e.loadTranche(TrancheSenior)
	if err != nil {
		return nil, nil, err
	}
	junior, err := e.loadTranche(TrancheJunior)
	if err != nil {
		return nil, nil, err
	}
	return senior, junior, nil
}

func (e *Engine) loadBalances() (*Balances, error) {
	balances, err := e.state.GetBalances()
	if err != nil {
		return nil, err
	}
	if balances == nil {
		balances = &Balances{}
	}
	balances.ensureDefaults()
	return balances, nil
}

func (e *Engine) loadShares(id TrancheID, depositor common.Address) (*big.Int, error) {
	shares, err := e.state.GetShares(id, depositor)
	if err != nil {
		return nil, err
	}
	if shares == nil {
		return big.NewInt(0), nil
	}
	return shares, nil
}

func (e *Engine) persistAll(senior, junior *Tranche, balances *Balances) error {
	if err := e.state.PutTranche(TrancheSenior, senior); err != nil {
		return err
	}
	if err := e.state.PutTranche(TrancheJunior, junior); err != nil {
		return err
	}
	return e.state.PutBalances(balances)
}

// loanID derives the loan identity from the reference and the purchase
// terms, fixed at purchase time.
func loanID(reference string, price *big.Int, terms LoanTerms) [32]byte {
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(reference))
	hasher.Write([]byte{0})
	hasher.Write(price.Bytes())
	hasher.Write([]byte{0})
	hasher.Write(terms.Repayment.Bytes())
	hasher.Write([]byte{0})
	var maturity [8]byte
	for i := 0; i < 8; i++ {
		maturity[i] = byte(terms.Maturity >> (56 - 8*i))
	}
	hasher.Write(maturity[:])
	var id [32]byte
	copy(id[:], hasher.Sum(nil))
	return id
}
