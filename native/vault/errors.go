package vault

import "errors"

var (
	// ErrNilState indicates the engine was used before its persistence layer
	// was wired.
	ErrNilState = errors.New("vault engine: state not configured")
	// ErrPaused is returned by every mutating operation while the pool is
	// administratively paused.
	ErrPaused = errors.New("vault engine: pool paused")
	// ErrInvalidAmount rejects nil, zero or negative amounts, and withdraw
	// requests exceeding the caller's available balance.
	ErrInvalidAmount = errors.New("vault engine: invalid amount")
	// ErrInvalidWeights rejects collateral risk parameters whose component
	// weights do not sum to exactly 100.
	ErrInvalidWeights = errors.New("vault engine: component weights must sum to 100")
	// ErrInvalidRateModel rejects rate models violating kink <= max.
	ErrInvalidRateModel = errors.New("vault engine: rate model kink exceeds max")
	// ErrParameterOutOfRange signals a rate model input beyond the model's
	// declared maximum.
	ErrParameterOutOfRange = errors.New("vault engine: rate model input out of range")
	// ErrInsufficientTimeRemaining rejects loans maturing sooner than the
	// configured minimum duration.
	ErrInsufficientTimeRemaining = errors.New("vault engine: insufficient time remaining on loan")
	// ErrUnsupportedCollateral signals pricing was requested for a collateral
	// class with no enabled risk parameters.
	ErrUnsupportedCollateral = errors.New("vault engine: unsupported collateral class")
	// ErrPriceMismatch is returned when the offered purchase price disagrees
	// with the freshly recomputed price.
	ErrPriceMismatch = errors.New("vault engine: offered price does not match computed price")
	// ErrRepaymentTooLow rejects loans whose repayment does not exceed the
	// purchase price.
	ErrRepaymentTooLow = errors.New("vault engine: repayment does not exceed purchase price")
	// ErrSeniorReturnExceedsSpread rejects purchases where the senior coupon
	// would leave the junior tranche a non-positive spread.
	ErrSeniorReturnExceedsSpread = errors.New("vault engine: senior return exceeds available spread")
	// ErrInsufficientLiquidity signals the non-reserved cash cannot cover the
	// requested purchase.
	ErrInsufficientLiquidity = errors.New("vault engine: insufficient liquidity")
	// ErrLoanExists rejects a purchase for a receivable already held.
	ErrLoanExists = errors.New("vault engine: loan already purchased")
	// ErrUnknownLoan signals the referenced loan is absent or already
	// resolved.
	ErrUnknownLoan = errors.New("vault engine: unknown or resolved loan")
	// ErrLoanNotRepaid is returned when a repayment claim is not corroborated
	// by the receivable adapter.
	ErrLoanNotRepaid = errors.New("vault engine: repayment not corroborated")
	// ErrLoanNotExpired is returned when a default claim is raised before the
	// loan maturity has elapsed or while the adapter reports repayment.
	ErrLoanNotExpired = errors.New("vault engine: loan not expired")
	// ErrLoanNotLiquidated signals liquidation proceeds were reported for a
	// loan that never defaulted.
	ErrLoanNotLiquidated = errors.New("vault engine: loan not liquidated")
	// ErrInsufficientShares rejects redemptions beyond the caller's share
	// balance.
	ErrInsufficientShares = errors.New("vault engine: insufficient shares")
	// ErrRedemptionInProgress enforces one outstanding redemption per
	// depositor per tranche.
	ErrRedemptionInProgress = errors.New("vault engine: redemption already in progress")
	// ErrTrancheInsolvent blocks deposits and redemptions against a tranche
	// whose deposit value was driven to zero by losses.
	ErrTrancheInsolvent = errors.New("vault engine: tranche insolvent")
	// ErrUnauthorized signals the acting address lacks the required role.
	ErrUnauthorized = errors.New("vault engine: unauthorized")
)
