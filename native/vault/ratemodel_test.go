package vault

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func wadU64(milli uint64) *uint256.Int {
	value := uint256.NewInt(milli)
	value.Mul(value, uint256.NewInt(1_000_000_000_000_000))
	return value
}

func testModel(t *testing.T) *RateModel {
	t.Helper()
	model, err := NewRateModel(
		wadU64(20),   // 2% offset
		wadU64(100),  // 10% slope below the kink
		wadU64(1000), // 100% slope above the kink
		wadU64(800),  // kink at 0.8
		wadU64(1000), // max input 1.0
	)
	if err != nil {
		t.Fatalf("new rate model: %v", err)
	}
	return model
}

func TestRateModelRejectsInvalidKink(t *testing.T) {
	if _, err := NewRateModel(wadU64(0), wadU64(0), wadU64(0), wadU64(1000), wadU64(800)); !errors.Is(err, ErrInvalidRateModel) {
		t.Fatalf("kink beyond max: got %v", err)
	}
}

func TestRateModelBounds(t *testing.T) {
	model := testModel(t)
	// Exactly at max succeeds.
	if _, err := model.Evaluate(wadU64(1000)); err != nil {
		t.Fatalf("input at max: %v", err)
	}
	// One unit above max fails.
	above := new(uint256.Int).AddUint64(wadU64(1000), 1)
	if _, err := model.Evaluate(above); !errors.Is(err, ErrParameterOutOfRange) {
		t.Fatalf("input above max: got %v", err)
	}
}

// TestRateModelKinkContinuity checks the curve is continuous at the kink: the
// rate at the kink equals both linear pieces evaluated there.
func TestRateModelKinkContinuity(t *testing.T) {
	model := testModel(t)
	atKink, err := model.Evaluate(wadU64(800))
	if err != nil {
		t.Fatalf("evaluate at kink: %v", err)
	}
	// Piece one: offset + slope1*kink.
	pieceOne := new(uint256.Int).Add(model.Offset, wadMulU(model.Slope1, model.Kink))
	if atKink.Cmp(pieceOne) != 0 {
		t.Fatalf("kink disagrees with lower piece: %s vs %s", atKink, pieceOne)
	}
	// Piece two: offset + slope1*kink + slope2*0.
	pieceTwo := new(uint256.Int).Add(pieceOne, wadMulU(model.Slope2, uint256.NewInt(0)))
	if atKink.Cmp(pieceTwo) != 0 {
		t.Fatalf("kink disagrees with upper piece: %s vs %s", atKink, pieceTwo)
	}
	// 2% + 10%*0.8 = 10%.
	if atKink.Cmp(wadU64(100)) != 0 {
		t.Fatalf("rate at kink: got %s want 0.1 wad", atKink)
	}
}

func TestRateModelSlopes(t *testing.T) {
	model := testModel(t)
	below, err := model.Evaluate(wadU64(400))
	if err != nil {
		t.Fatalf("evaluate below kink: %v", err)
	}
	// 2% + 10%*0.4 = 6%.
	if below.Cmp(wadU64(60)) != 0 {
		t.Fatalf("below kink: got %s want 0.06 wad", below)
	}
	aboveKink, err := model.Evaluate(wadU64(900))
	if err != nil {
		t.Fatalf("evaluate above kink: %v", err)
	}
	// 2% + 10%*0.8 + 100%*0.1 = 20%.
	if aboveKink.Cmp(wadU64(200)) != 0 {
		t.Fatalf("above kink: got %s want 0.2 wad", aboveKink)
	}
}

func TestDiscountRateWeighting(t *testing.T) {
	utilizationModel := testModel(t)
	params := CollateralRiskParameters{
		Enabled:          true,
		LoanToValueModel: testModel(t),
		DurationModel:    testModel(t),
		Weights:          [weightCount]uint64{50, 30, 20},
	}
	if err := params.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// Identical inputs through identical curves weight-average to the same
	// rate regardless of the split.
	rate, err := discountRate(params, utilizationModel, wadU64(400), wadU64(400), wadU64(400))
	if err != nil {
		t.Fatalf("discount rate: %v", err)
	}
	if rate.Cmp(wadU64(60)) != 0 {
		t.Fatalf("uniform inputs: got %s want 0.06 wad", rate)
	}
	// Mixed inputs respect the weights: 50%*6% + 30%*10% + 20%*20% = 10%.
	rate, err = discountRate(params, utilizationModel, wadU64(400), wadU64(800), wadU64(900))
	if err != nil {
		t.Fatalf("discount rate: %v", err)
	}
	if rate.Cmp(wadU64(100)) != 0 {
		t.Fatalf("weighted inputs: got %s want 0.1 wad", rate)
	}
}

func TestWeightsMustSumToHundred(t *testing.T) {
	params := CollateralRiskParameters{
		Enabled:          true,
		LoanToValueModel: testModel(t),
		DurationModel:    testModel(t),
		Weights:          [weightCount]uint64{50, 30, 21},
	}
	if err := params.Validate(); !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("bad weight sum: got %v", err)
	}
}

func TestPresentValue(t *testing.T) {
	repayment := wadAmount(11)
	// 10% discount over one year prices 11 at exactly 10.
	price := presentValue(repayment, wadU64(100), secondsPerYear)
	if price.Cmp(wadAmount(10)) != 0 {
		t.Fatalf("present value: got %s want 10", price)
	}
	// Zero rate prices at par.
	if got := presentValue(repayment, uint256.NewInt(0), secondsPerYear); got.Cmp(repayment) != 0 {
		t.Fatalf("zero rate present value: got %s", got)
	}
}

func TestPresentValueTruncates(t *testing.T) {
	// 1/3-style division must truncate toward zero, never round up.
	repayment := big.NewInt(10)
	price := presentValue(repayment, wadU64(2000), secondsPerYear) // 200%/yr
	if price.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("truncating present value: got %s want 3", price)
	}
}
