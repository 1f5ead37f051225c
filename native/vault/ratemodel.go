package vault

import "github.com/holiman/uint256"

// RateModel is a piecewise-linear curve mapping a normalized wad input to an
// annualized wad rate. The curve is continuous at the kink:
//
//	rate(x) = Offset + Slope1*min(x, Kink) + Slope2*max(0, x-Kink)
//
// Inputs beyond Max are rejected rather than extrapolated.
type RateModel struct {
	// Offset is the rate at zero input.
	Offset *uint256.Int
	// Slope1 is the rate increase per unit of input below the kink.
	Slope1 *uint256.Int
	// Slope2 is the rate increase per unit of input beyond the kink.
	Slope2 *uint256.Int
	// Kink is the input where the slope changes.
	Kink *uint256.Int
	// Max is the largest input the model accepts.
	Max *uint256.Int
}

// NewRateModel constructs a rate model from wad parameters and validates the
// kink does not exceed the declared maximum input.
func NewRateModel(offset, slope1, slope2, kink, max *uint256.Int) (*RateModel, error) {
	model := &RateModel{
		Offset: cloneU(offset),
		Slope1: cloneU(slope1),
		Slope2: cloneU(slope2),
		Kink:   cloneU(kink),
		Max:    cloneU(max),
	}
	if model.Kink.Gt(model.Max) {
		return nil, ErrInvalidRateModel
	}
	return model, nil
}

// Clone returns a deep copy of the rate model.
func (m *RateModel) Clone() *RateModel {
	if m == nil {
		return nil
	}
	return &RateModel{
		Offset: cloneU(m.Offset),
		Slope1: cloneU(m.Slope1),
		Slope2: cloneU(m.Slope2),
		Kink:   cloneU(m.Kink),
		Max:    cloneU(m.Max),
	}
}

// Evaluate resolves the rate for the supplied wad input. Inputs above Max fail
// with ErrParameterOutOfRange.
func (m *RateModel) Evaluate(x *uint256.Int) (*uint256.Int, error) {
	if m == nil {
		return nil, ErrUnsupportedCollateral
	}
	if x == nil {
		x = uint256.NewInt(0)
	}
	if x.Gt(m.Max) {
		return nil, ErrParameterOutOfRange
	}

	below := x
	if x.Gt(m.Kink) {
		below = m.Kink
	}
	rate := new(uint256.Int).Add(cloneU(m.Offset), wadMulU(m.Slope1, below))
	if x.Gt(m.Kink) {
		excess := new(uint256.Int).Sub(x, m.Kink)
		rate.Add(rate, wadMulU(m.Slope2, excess))
	}
	return rate, nil
}

func cloneU(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}
