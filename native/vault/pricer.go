package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Weight indexes into CollateralRiskParameters.Weights.
const (
	WeightUtilization = iota
	WeightLoanToValue
	WeightDuration
	weightCount
)

const weightTotal = 100

// CollateralRiskParameters holds the per-collateral-class pricing inputs. The
// utilization model is global and lives on the engine; the loan-to-value and
// duration curves are class specific. Weights are integer percents and must
// sum to exactly 100.
type CollateralRiskParameters struct {
	Enabled          bool
	LoanToValueModel *RateModel
	DurationModel    *RateModel
	Weights          [weightCount]uint64
}

// Validate checks the weight sum and the embedded rate models.
func (p CollateralRiskParameters) Validate() error {
	var sum uint64
	for _, w := range p.Weights {
		sum += w
	}
	if sum != weightTotal {
		return ErrInvalidWeights
	}
	if p.LoanToValueModel == nil || p.DurationModel == nil {
		return ErrUnsupportedCollateral
	}
	if p.LoanToValueModel.Kink.Gt(p.LoanToValueModel.Max) || p.DurationModel.Kink.Gt(p.DurationModel.Max) {
		return ErrInvalidRateModel
	}
	return nil
}

// Clone returns a deep copy of the risk parameters.
func (p CollateralRiskParameters) Clone() CollateralRiskParameters {
	clone := CollateralRiskParameters{Enabled: p.Enabled, Weights: p.Weights}
	clone.LoanToValueModel = p.LoanToValueModel.Clone()
	clone.DurationModel = p.DurationModel.Clone()
	return clone
}

// discountRate combines the three component rates using the collateral
// weights. All inputs and the result are annualized wad rates.
func discountRate(params CollateralRiskParameters, utilizationModel *RateModel, utilization, loanToValue, durationYears *uint256.Int) (*uint256.Int, error) {
	utilizationRate, err := utilizationModel.Evaluate(utilization)
	if err != nil {
		return nil, err
	}
	loanToValueRate, err := params.LoanToValueModel.Evaluate(loanToValue)
	if err != nil {
		return nil, err
	}
	durationRate, err := params.DurationModel.Evaluate(durationYears)
	if err != nil {
		return nil, err
	}

	combined := new(uint256.Int).Mul(utilizationRate, uint256.NewInt(params.Weights[WeightUtilization]))
	combined.Add(combined, new(uint256.Int).Mul(loanToValueRate, uint256.NewInt(params.Weights[WeightLoanToValue])))
	combined.Add(combined, new(uint256.Int).Mul(durationRate, uint256.NewInt(params.Weights[WeightDuration])))
	return combined.Div(combined, uint256.NewInt(weightTotal)), nil
}

// presentValue discounts the repayment to now with simple interest:
// repayment*WAD / (WAD + rate*duration/secondsPerYear), truncating.
func presentValue(repayment *big.Int, rate *uint256.Int, durationSeconds uint64) *big.Int {
	accrual := new(uint256.Int).Mul(rate, uint256.NewInt(durationSeconds))
	accrual.Div(accrual, uint256.NewInt(secondsPerYear))
	denominator := new(uint256.Int).Add(wadU, accrual)
	return wadDiv(repayment, denominator.ToBig())
}

// Quote captures a computed purchase price alongside the inputs that produced
// it so callers can verify the figure off-process.
type Quote struct {
	PurchasePrice *big.Int
	DiscountRate  *big.Int
	Utilization   *big.Int
	LoanToValue   *big.Int
}

/// priceLoan is the pure pricing function: it combines the utilization,
// loan-to-value and remaining-duration rates into a discount rate and
// converts the repayment into a present-value purchase price. Callers are
// responsible for the minimum-duration and enabled-collateral guards.
func priceLoan(params CollateralRiskParameters, utilizationModel *RateModel, terms LoanTerms, utilization *big.Int, durationSeconds uint64) (Quote, error) {
	loanToValue := wadDiv(terms.Principal, terms.CollateralValue)
	durationYears := wadDiv(new(big.Int).SetUint64(durationSeconds), big.NewInt(secondsPerYear))

	utilizationU, overflow := uint256.FromBig(utilization)
	if overflow {
		return Quote{}, ErrParameterOutOfRange
	}
	loanToValueU, overflow := uint256.FromBig(loanToValue)
	if overflow {
		return Quote{}, ErrParameterOutOfRange
	}
	durationU, overflow := uint256.FromBig(durationYears)
	if overflow {
		return Quote{}, ErrParameterOutOfRange
	}

	rate, err := discountRate(params, utilizationModel, utilizationU, loanToValueU, durationU)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		PurchasePrice: presentValue(terms.Repayment, rate, durationSeconds),
		DiscountRate:  rate.ToBig(),
		Utilization:   utilization,
		LoanToValue:   loanToValue,
	}, nil
}
