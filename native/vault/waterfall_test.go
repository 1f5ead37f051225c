package vault

import (
	"errors"
	"math/big"
	"testing"
)

// TestScenarioDefaultHighRecovery defaults the reference loan and settles
// liquidation proceeds covering the full capital at risk: junior absorbs no
// net loss and senior is untouched.
func TestScenarioDefaultHighRecovery(t *testing.T) {
	env := newTestEnv(t, scenarioDiscountRate())
	env.mustDeposit(t, aliceAddr, TrancheSenior, wadAmount(10))
	env.mustDeposit(t, bobAddr, TrancheJunior, wadAmount(5))
	maturity := env.now + thirtyDays
	env.addLoan(t, testLoanRef, wadAmount(2), milliWad(2200), maturity)
	loan := env.mustPurchase(t, testLoanRef)

	if err := env.engine.OnLoanExpired(operatorAddr, testLoanRef); !errors.Is(err, ErrLoanNotExpired) {
		t.Fatalf("premature default: got %v", err)
	}
	env.advance(thirtyDays)
	if err := env.engine.OnLoanExpired(operatorAddr, testLoanRef); err != nil {
		t.Fatalf("default: %v", err)
	}

	senior := env.state.tranches[TrancheSenior]
	junior := env.state.tranches[TrancheJunior]
	// Junior covers the whole write-off; senior stays whole.
	if senior.DepositValue.Cmp(wadAmount(10)) != 0 {
		t.Fatalf("senior must not absorb loss within junior capacity, got %s", senior.DepositValue)
	}
	wantJunior := new(big.Int).Sub(wadAmount(5), loan.PurchasePrice)
	if junior.DepositValue.Cmp(wantJunior) != 0 {
		t.Fatalf("junior deposit value: got %s want %s", junior.DepositValue, wantJunior)
	}
	if len(senior.PendingReturns) != 0 || len(junior.PendingReturns) != 0 {
		t.Fatalf("default must void scheduled returns")
	}
	stored := env.state.loans[testLoanRef]
	if !stored.Liquidated || !stored.Active {
		t.Fatalf("defaulted loan must stay active awaiting proceeds")
	}
	if stored.TrancheReturns[TrancheSenior].Sign() != 0 {
		t.Fatalf("senior recovery entitlement should be zero, got %s", stored.TrancheReturns[TrancheSenior])
	}
	if stored.TrancheReturns[TrancheJunior].Cmp(loan.PurchasePrice) != 0 {
		t.Fatalf("junior recovery entitlement should equal the loss")
	}
	checkConservation(t, env)

	// Proceeds covering the loss make junior whole again.
	if err := env.engine.OnCollateralLiquidated(operatorAddr, testLoanRef, loan.PurchasePrice); err != nil {
		t.Fatalf("liquidation: %v", err)
	}
	junior = env.state.tranches[TrancheJunior]
	if junior.DepositValue.Cmp(wadAmount(5)) != 0 {
		t.Fatalf("junior should be restored, got %s", junior.DepositValue)
	}
	if senior.DepositValue.Cmp(wadAmount(10)) != 0 {
		t.Fatalf("senior should be unchanged, got %s", senior.DepositValue)
	}
	checkConservation(t, env)

	// The loan is resolved; a second settlement must fail untouched.
	before := env.state.balances.Clone()
	if err := env.engine.OnCollateralLiquidated(operatorAddr, testLoanRef, wadAmount(1)); !errors.Is(err, ErrUnknownLoan) {
		t.Fatalf("double settlement: got %v", err)
	}
	if env.state.balances.TotalCashBalance.Cmp(before.TotalCashBalance) != 0 {
		t.Fatalf("double settlement mutated balances")
	}
}

// TestScenarioDefaultLowRecovery drives the loss past junior capacity: junior
// is wiped to its capacity, senior takes only the excess, and scarce proceeds
// repay senior first.
func TestScenarioDefaultLowRecovery(t *testing.T) {
	env := newTestEnv(t, scenarioDiscountRate())
	env.mustDeposit(t, aliceAddr, TrancheSenior, wadAmount(10))
	env.mustDeposit(t, bobAddr, TrancheJunior, wadAmount(1))
	maturity := env.now + thirtyDays
	env.addLoan(t, testLoanRef, wadAmount(2), milliWad(2200), maturity)
	loan := env.mustPurchase(t, testLoanRef)

	env.advance(thirtyDays)
	if err := env.engine.OnLoanExpired(operatorAddr, testLoanRef); err != nil {
		t.Fatalf("default: %v", err)
	}

	senior := env.state.tranches[TrancheSenior]
	junior := env.state.tranches[TrancheJunior]
	if junior.DepositValue.Sign() != 0 {
		t.Fatalf("junior must be wiped to capacity, got %s", junior.DepositValue)
	}
	seniorLoss := new(big.Int).Sub(loan.PurchasePrice, wadAmount(1))
	wantSenior := new(big.Int).Sub(wadAmount(10), seniorLoss)
	if senior.DepositValue.Cmp(wantSenior) != 0 {
		t.Fatalf("senior absorbs only the excess: got %s want %s", senior.DepositValue, wantSenior)
	}
	checkConservation(t, env)

	// 0.7 of proceeds go entirely to senior (its entitlement is ~1.0).
	proceeds := milliWad(700)
	if err := env.engine.OnCollateralLiquidated(operatorAddr, testLoanRef, proceeds); err != nil {
		t.Fatalf("liquidation: %v", err)
	}
	senior = env.state.tranches[TrancheSenior]
	junior = env.state.tranches[TrancheJunior]
	wantSenior.Add(wantSenior, proceeds)
	if senior.DepositValue.Cmp(wantSenior) != 0 {
		t.Fatalf("senior recovery first: got %s want %s", senior.DepositValue, wantSenior)
	}
	if junior.DepositValue.Sign() != 0 {
		t.Fatalf("junior must recover nothing while senior is short, got %s", junior.DepositValue)
	}
	checkConservation(t, env)
}

func TestLiquidationRequiresDefault(t *testing.T) {
	env := newTestEnv(t, scenarioDiscountRate())
	env.mustDeposit(t, aliceAddr, TrancheSenior, wadAmount(10))
	env.mustDeposit(t, bobAddr, TrancheJunior, wadAmount(5))
	env.addLoan(t, testLoanRef, wadAmount(2), milliWad(2200), env.now+thirtyDays)
	env.mustPurchase(t, testLoanRef)

	if err := env.engine.OnCollateralLiquidated(operatorAddr, testLoanRef, wadAmount(1)); !errors.Is(err, ErrLoanNotLiquidated) {
		t.Fatalf("liquidation before default: got %v", err)
	}
	if err := env.engine.ReleaseCollateral(operatorAddr, testLoanRef, bobAddr); !errors.Is(err, ErrLoanNotLiquidated) {
		t.Fatalf("custody release before default: got %v", err)
	}
}

func TestDefaultRejectedWhenAdapterReportsRepaid(t *testing.T) {
	env := newTestEnv(t, scenarioDiscountRate())
	env.mustDeposit(t, aliceAddr, TrancheSenior, wadAmount(10))
	env.mustDeposit(t, bobAddr, TrancheJunior, wadAmount(5))
	env.addLoan(t, testLoanRef, wadAmount(2), milliWad(2200), env.now+thirtyDays)
	env.mustPurchase(t, testLoanRef)

	env.advance(thirtyDays)
	env.adapter.repaid[testLoanRef] = true
	if err := env.engine.OnLoanExpired(operatorAddr, testLoanRef); !errors.Is(err, ErrLoanNotExpired) {
		t.Fatalf("default of repaid loan: got %v", err)
	}
}

// TestInsolventTrancheRejectsFlows wipes junior with a total loss and checks
// the insolvency guard on both deposit and redeem.
func TestInsolventTrancheRejectsFlows(t *testing.T) {
	env := newTestEnv(t, scenarioDiscountRate())
	env.mustDeposit(t, aliceAddr, TrancheSenior, wadAmount(10))
	env.mustDeposit(t, bobAddr, TrancheJunior, wadAmount(1))
	env.addLoan(t, testLoanRef, wadAmount(2), milliWad(2200), env.now+thirtyDays)
	env.mustPurchase(t, testLoanRef)
	env.advance(thirtyDays)
	if err := env.engine.OnLoanExpired(operatorAddr, testLoanRef); err != nil {
		t.Fatalf("default: %v", err)
	}

	if _, err := env.engine.Deposit(aliceAddr, TrancheJunior, wadAmount(1)); !errors.Is(err, ErrTrancheInsolvent) {
		t.Fatalf("deposit into zeroed tranche: got %v", err)
	}
	if _, err := env.engine.Redeem(bobAddr, TrancheJunior, wadAmount(1)); !errors.Is(err, ErrTrancheInsolvent) {
		t.Fatalf("redeem from zeroed tranche: got %v", err)
	}
}
