package vault

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RateModelConfig describes one piecewise-linear rate curve. All values are
// 18-decimal fixed point and must fit in a uint64, which covers every rate
// below roughly 1844%.
type RateModelConfig struct {
	OffsetWad uint64 `toml:"OffsetWad"`
	Slope1Wad uint64 `toml:"Slope1Wad"`
	Slope2Wad uint64 `toml:"Slope2Wad"`
	KinkWad   uint64 `toml:"KinkWad"`
	MaxWad    uint64 `toml:"MaxWad"`
}

// Model materializes the configured curve.
func (c RateModelConfig) Model() (*RateModel, error) {
	return NewRateModel(
		uint256.NewInt(c.OffsetWad),
		uint256.NewInt(c.Slope1Wad),
		uint256.NewInt(c.Slope2Wad),
		uint256.NewInt(c.KinkWad),
		uint256.NewInt(c.MaxWad),
	)
}

// CollateralConfig captures the pricing parameters for one collateral class.
type CollateralConfig struct {
	Class             string          `toml:"Class"`
	LoanToValueModel  RateModelConfig `toml:"ltv"`
	DurationModel     RateModelConfig `toml:"duration"`
	UtilizationWeight uint64          `toml:"UtilizationWeight"`
	LoanToValueWeight uint64          `toml:"LoanToValueWeight"`
	DurationWeight    uint64          `toml:"DurationWeight"`
}

// Config captures the runtime configuration for the vault module.
type Config struct {
	SeniorRateWad          uint64             `toml:"SeniorRateWad"`
	ReserveRatioBps        uint64             `toml:"ReserveRatioBps"`
	MinLoanDurationSeconds uint64             `toml:"MinLoanDurationSeconds"`
	Utilization            RateModelConfig    `toml:"utilization"`
	Collateral             []CollateralConfig `toml:"collateral"`
	Admins                 []string           `toml:"Admins"`
	Operators              []string           `toml:"Operators"`
}

// Validate checks the configuration without touching an engine.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("vault config: nil config")
	}
	if c.SeniorRateWad > 1_000_000_000_000_000_000 {
		return fmt.Errorf("vault config: senior rate above 100%%")
	}
	if c.ReserveRatioBps > 10_000 {
		return fmt.Errorf("vault config: reserve ratio above 100%%")
	}
	if _, err := c.Utilization.Model(); err != nil {
		return fmt.Errorf("vault config: utilization model: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Collateral))
	for _, entry := range c.Collateral {
		class := strings.TrimSpace(entry.Class)
		if class == "" {
			return fmt.Errorf("vault config: collateral class name required")
		}
		if _, dup := seen[class]; dup {
			return fmt.Errorf("vault config: duplicate collateral class %q", class)
		}
		seen[class] = struct{}{}
		if _, err := entry.riskParameters(); err != nil {
			return fmt.Errorf("vault config: collateral %q: %w", class, err)
		}
	}
	for _, raw := range append(append([]string{}, c.Admins...), c.Operators...) {
		if !common.IsHexAddress(strings.TrimSpace(raw)) {
			return fmt.Errorf("vault config: invalid address %q", raw)
		}
	}
	return nil
}

// RiskParameters materializes the pricing parameters for the class. Callers
// updating a live engine go through Engine.SetCollateralRiskParameters.
func (c CollateralConfig) RiskParameters() (CollateralRiskParameters, error) {
	return c.riskParameters()
}

func (c CollateralConfig) riskParameters() (CollateralRiskParameters, error) {
	ltv, err := c.LoanToValueModel.Model()
	if err != nil {
		return CollateralRiskParameters{}, fmt.Errorf("ltv model: %w", err)
	}
	duration, err := c.DurationModel.Model()
	if err != nil {
		return CollateralRiskParameters{}, fmt.Errorf("duration model: %w", err)
	}
	params := CollateralRiskParameters{
		Enabled:          true,
		LoanToValueModel: ltv,
		DurationModel:    duration,
		Weights: [weightCount]uint64{
			WeightUtilization: c.UtilizationWeight,
			WeightLoanToValue: c.LoanToValueWeight,
			WeightDuration:    c.DurationWeight,
		},
	}
	if err := params.Validate(); err != nil {
		return CollateralRiskParameters{}, err
	}
	return params, nil
}

// Apply pushes the configuration into the engine through the admin surface.
// The actor must already hold the admin role.
func (c *Config) Apply(engine *Engine, actor common.Address) error {
	if engine == nil {
		return ErrNilState
	}
	if err := c.Validate(); err != nil {
		return err
	}
	model, err := c.Utilization.Model()
	if err != nil {
		return err
	}
	if err := engine.SetUtilizationModel(actor, model); err != nil {
		return err
	}
	if err := engine.SetSeniorTrancheRate(actor, uint256.NewInt(c.SeniorRateWad).ToBig()); err != nil {
		return err
	}
	if err := engine.SetReserveRatio(actor, c.ReserveRatioBps); err != nil {
		return err
	}
	if err := engine.SetMinLoanDuration(actor, c.MinLoanDurationSeconds); err != nil {
		return err
	}
	for _, entry := range c.Collateral {
		params, err := entry.riskParameters()
		if err != nil {
			return err
		}
		if err := engine.SetCollateralRiskParameters(actor, strings.TrimSpace(entry.Class), params); err != nil {
			return err
		}
	}
	return nil
}

// GrantRoles seeds a static policy from the configured address lists.
func (c *Config) GrantRoles(policy *StaticPolicy) error {
	if policy == nil {
		return fmt.Errorf("vault config: nil policy")
	}
	for _, raw := range c.Admins {
		policy.Grant(common.HexToAddress(strings.TrimSpace(raw)), RoleAdmin)
	}
	for _, raw := range c.Operators {
		policy.Grant(common.HexToAddress(strings.TrimSpace(raw)), RoleOperator)
	}
	return nil
}
