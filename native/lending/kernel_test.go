package lending

import (
	"math/big"
	"testing"
)

func TestOwedAtMaturityTruncates(t *testing.T) {
	principal := big.NewInt(50)
	rate := uint64(100_000_000) // 10%
	term := uint64(30 * 86400)

	got := owedAtMaturity(principal, rate, term)

	num := new(big.Int).Mul(principal, new(big.Int).SetUint64(term))
	num.Mul(num, new(big.Int).SetUint64(rate))
	den := new(big.Int).Mul(rateScale, yearBig)
	want := new(big.Int).Add(principal, num.Quo(num, den))

	if got.Cmp(want) != 0 {
		t.Fatalf("owedAtMaturity = %s, want %s", got, want)
	}
}

func TestOwedNowCapsAtTerm(t *testing.T) {
	principal := big.NewInt(1_000_000)
	rate := uint64(100_000_000)
	term := uint64(1000)

	atTerm := owedNow(principal, rate, term, 0, term)
	pastTerm := owedNow(principal, rate, term, 0, term+500)
	if atTerm.Cmp(pastTerm) != 0 {
		t.Fatalf("owedNow should cap at term: atTerm=%s pastTerm=%s", atTerm, pastTerm)
	}

	beforeStart := owedNow(principal, rate, term, 1000, 500)
	if beforeStart.Cmp(principal) != 0 {
		t.Fatalf("owedNow before start should equal principal, got %s", beforeStart)
	}
}

func TestFeeSplitRemainderToLiquidator(t *testing.T) {
	total := big.NewInt(101)
	borrower, lender, liquidator := feeSplit(total)

	sum := new(big.Int).Add(borrower, lender)
	sum.Add(sum, liquidator)
	if sum.Cmp(total) != 0 {
		t.Fatalf("fee split does not conserve total: got %s want %s", sum, total)
	}
	if borrower.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected borrower share: %s", borrower)
	}
	if lender.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("unexpected lender share: %s", lender)
	}
	if liquidator.Cmp(big.NewInt(26)) != 0 {
		t.Fatalf("unexpected liquidator share: %s", liquidator)
	}
}

func TestEquitySplitRemainderToLiquidator(t *testing.T) {
	lender, liquidator := equitySplit(big.NewInt(13))
	if lender.Cmp(big.NewInt(6)) != 0 || liquidator.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected equity split: lender=%s liquidator=%s", lender, liquidator)
	}
}

func TestTokenStake(t *testing.T) {
	stake := tokenStake(big.NewInt(100_000), 100) // 1%
	if stake.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected stake: %s", stake)
	}
}

func TestLiquidationBreached(t *testing.T) {
	supply := big.NewInt(100)
	threshold := uint64(8_000_000) // 80%
	if !liquidationBreached(supply, big.NewInt(81), threshold) {
		t.Fatalf("expected breach at 81 > 80")
	}
	if liquidationBreached(supply, big.NewInt(80), threshold) {
		t.Fatalf("did not expect breach at exactly threshold")
	}
}

func TestDebtInSupplyTerms(t *testing.T) {
	ratio := OracleRatio{Collateral: big.NewInt(40), Debt: big.NewInt(32)}
	got := debtInSupplyTerms(big.NewInt(32), ratio)
	if got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected debtInSupplyTerms: %s", got)
	}
}
