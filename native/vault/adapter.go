package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// LoanTerms is the normalized view of an external receivable as reported by a
// platform adapter. The engine treats these values as ground truth at call
// time and re-reads them before any lifecycle transition.
type LoanTerms struct {
	Principal       *big.Int
	Repayment       *big.Int
	CollateralValue *big.Int
	Maturity        uint64
	DurationTotal   uint64
	Collateral      string
	Borrower        common.Address
}

// ReceivableAdapter normalizes external loan data for a lending platform and
// answers the lifecycle predicates the engine uses to corroborate repayment
// and default claims.
type ReceivableAdapter interface {
	Terms(reference string) (LoanTerms, error)
	IsRepaid(reference string) (bool, error)
	IsExpired(reference string) (bool, error)
	IsLiquidated(reference string) (bool, error)
}

// AssetTransfer moves the deposit asset between the pool and depositors. Both
// methods succeed or fail atomically with the counterparty balance check; the
// engine never assumes a partial transfer.
type AssetTransfer interface {
	Pull(from common.Address, amount *big.Int) error
	Push(to common.Address, amount *big.Int) error
}

// CollateralCustody releases a defaulted loan's collateral reference to a
// liquidator. The engine gates the call on the loan being marked liquidated.
type CollateralCustody interface {
	Release(reference string, liquidator common.Address) error
}
