package vault

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

const paramsFixture = `
SeniorRateWad = 50000000000000000
ReserveRatioBps = 500
MinLoanDurationSeconds = 86400
Admins = ["0x00000000000000000000000000000000000000a1"]
Operators = ["0x00000000000000000000000000000000000000b1"]

[utilization]
OffsetWad = 20000000000000000
Slope1Wad = 100000000000000000
Slope2Wad = 1000000000000000000
KinkWad = 800000000000000000
MaxWad = 1000000000000000000

[[collateral]]
Class = "invoice"
UtilizationWeight = 50
LoanToValueWeight = 30
DurationWeight = 20

[collateral.ltv]
OffsetWad = 20000000000000000
Slope1Wad = 100000000000000000
Slope2Wad = 1000000000000000000
KinkWad = 800000000000000000
MaxWad = 1000000000000000000

[collateral.duration]
OffsetWad = 20000000000000000
Slope1Wad = 100000000000000000
Slope2Wad = 1000000000000000000
KinkWad = 800000000000000000
MaxWad = 1000000000000000000
`

func decodeParams(t *testing.T, fixture string) *Config {
	t.Helper()
	cfg := &Config{}
	if _, err := toml.Decode(fixture, cfg); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	return cfg
}

func TestConfigDecodeAndApply(t *testing.T) {
	cfg := decodeParams(t, paramsFixture)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Collateral) != 1 || cfg.Collateral[0].Class != "invoice" {
		t.Fatalf("collateral classes: %+v", cfg.Collateral)
	}

	policy := NewStaticPolicy()
	if err := cfg.GrantRoles(policy); err != nil {
		t.Fatalf("grant roles: %v", err)
	}
	if err := policy.Authorize(adminAddr, RoleAdmin); err != nil {
		t.Fatalf("admin grant: %v", err)
	}
	if err := policy.Authorize(operatorAddr, RoleOperator); err != nil {
		t.Fatalf("operator grant: %v", err)
	}

	adapter := newMockAdapter()
	engine := NewEngine(&mockTransfer{}, adapter, policy)
	engine.SetState(newMockLedgerState())
	engine.SetClock(func() time.Time { return time.Unix(int64(testEpoch), 0).UTC() })
	if err := cfg.Apply(engine, adminAddr); err != nil {
		t.Fatalf("apply: %v", err)
	}
	terms := LoanTerms{
		Principal:       wadAmount(1),
		Repayment:       milliWad(1100),
		CollateralValue: wadAmount(2),
		Maturity:        testEpoch + thirtyDays,
		DurationTotal:   thirtyDays,
		Collateral:      "invoice",
		Borrower:        bobAddr,
	}
	adapter.terms["inv-1"] = terms
	terms.Collateral = "equipment"
	adapter.terms["eq-1"] = terms

	// The configured class prices; an unconfigured one does not.
	if _, err := engine.QuoteLoan("inv-1"); err != nil {
		t.Fatalf("quote through configured class: %v", err)
	}
	if _, err := engine.QuoteLoan("eq-1"); !errors.Is(err, ErrUnsupportedCollateral) {
		t.Fatalf("unconfigured class: got %v", err)
	}
}

func TestConfigRejectsBadInput(t *testing.T) {
	cfg := decodeParams(t, paramsFixture)
	cfg.ReserveRatioBps = 10_001
	if err := cfg.Validate(); err == nil {
		t.Fatalf("reserve ratio above 100%% accepted")
	}

	cfg = decodeParams(t, paramsFixture)
	cfg.Collateral[0].DurationWeight = 21
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "invoice") {
		t.Fatalf("bad weights: got %v", err)
	}

	cfg = decodeParams(t, paramsFixture)
	cfg.Admins = append(cfg.Admins, "not-an-address")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("invalid address accepted")
	}
}
