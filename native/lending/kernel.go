package lending

import (
	"math/big"

	"github.com/holiman/uint256"
)

// YearSeconds is exactly 365 days; the engine never accounts for leap years.
const YearSeconds uint64 = 365 * 86400

// rateScale, thresholdScale and stakeScale are the fixed-point denominators
// documented in the wire format: rate is annualized against 1e9 (1e8 == 10%),
// liquidation threshold against 1e7 (8e6 == 80%), and stake against 1e4
// (100 == 1%).
var (
	rateScale      = big.NewInt(1_000_000_000)
	thresholdScale = big.NewInt(10_000_000)
	stakeScale     = big.NewInt(10_000)
	yearBig        = new(big.Int).SetUint64(YearSeconds)
)

// owedAtMaturity computes principal + simple interest accrued over the full
// term: principal + principal*term*rate/(1e9*YEAR), truncating.
func owedAtMaturity(principal *big.Int, rate uint64, term uint64) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	interest := interestOver(principal, rate, term)
	return new(big.Int).Add(principal, interest)
}

// owedNow computes principal plus interest accrued up to now, capped at the
// full term. If now <= start the interest term is zero.
func owedNow(principal *big.Int, rate uint64, term uint64, start, now uint64) *big.Int {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0)
	}
	var elapsed uint64
	if now > start {
		elapsed = now - start
	}
	if elapsed > term {
		elapsed = term
	}
	interest := interestOver(principal, rate, elapsed)
	return new(big.Int).Add(principal, interest)
}

// interestOver is the shared fixed-point core of owedAtMaturity/owedNow:
// principal * seconds * rate / (1e9 * YEAR), truncating division.
func interestOver(principal *big.Int, rate uint64, seconds uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || rate == 0 || seconds == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(principal, new(big.Int).SetUint64(seconds))
	num.Mul(num, new(big.Int).SetUint64(rate))
	den := new(big.Int).Mul(rateScale, yearBig)
	return num.Quo(num, den)
}

// OracleRatio is the oracle's final settled price expressed as
// (collateral-units, debt-units): one debt unit converts to
// Collateral/Debt collateral units.
type OracleRatio struct {
	Collateral *big.Int
	Debt       *big.Int
}

// debtInSupplyTerms converts a debt-asset amount into collateral-asset terms
// using the oracle's final ratio: debtAmount * ratio.Collateral / ratio.Debt.
func debtInSupplyTerms(debtAmount *big.Int, ratio OracleRatio) *big.Int {
	if debtAmount == nil || debtAmount.Sign() <= 0 {
		return big.NewInt(0)
	}
	if ratio.Debt == nil || ratio.Debt.Sign() <= 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(debtAmount, ratio.Collateral)
	// Guard the intermediate product against exceeding 256-bit working
	// precision, mirroring the overflow check the ledger layer performs
	// before committing a balance (see core/state account persistence in
	// the wider node).
	if _, overflow := uint256.FromBig(num); overflow {
		return max256()
	}
	return num.Quo(num, ratio.Debt)
}

// max256 returns the maximum representable uint256 value.
func max256() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	return max.Sub(max, big.NewInt(1))
}

// liquidationBreached reports whether the debt, expressed in supply terms,
// exceeds the collateral's liquidation threshold: debtSupplyTerms >
// supply*threshold/1e7.
func liquidationBreached(supply, debtSupplyTerms *big.Int, threshold uint64) bool {
	if debtSupplyTerms == nil {
		return false
	}
	limit := new(big.Int).Mul(supply, new(big.Int).SetUint64(threshold))
	limit.Quo(limit, thresholdScale)
	return debtSupplyTerms.Cmp(limit) > 0
}

// equitySplit divides the collateral buffer remaining after a breached-but-
// solvent liquidation: half to the lender, half (plus the odd unit) to the
// liquidator.
func equitySplit(bufferSupply *big.Int) (lenderPiece, liquidatorPiece *big.Int) {
	if bufferSupply == nil || bufferSupply.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	lender := new(big.Int).Quo(bufferSupply, big.NewInt(2))
	liquidator := new(big.Int).Sub(bufferSupply, lender)
	return lender, liquidator
}

// feeSplit divides a protocol/oracle fee three ways: 50% borrower, 25%
// lender, the remainder (25% plus any rounding dust) to the liquidator, who
// bears the oracle gas/stake risk.
func feeSplit(totalFee *big.Int) (borrowerShare, lenderShare, liquidatorShare *big.Int) {
	if totalFee == nil || totalFee.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0), big.NewInt(0)
	}
	borrower := new(big.Int).Quo(totalFee, big.NewInt(2))
	lender := new(big.Int).Quo(borrower, big.NewInt(2))
	liquidator := new(big.Int).Sub(totalFee, borrower)
	liquidator.Sub(liquidator, lender)
	return borrower, lender, liquidator
}

// tokenStake computes the liquidator's collateral bond: supply*stakeBps/1e4.
func tokenStake(supply *big.Int, stakeBps uint64) *big.Int {
	if supply == nil || supply.Sign() <= 0 || stakeBps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(supply, new(big.Int).SetUint64(stakeBps))
	return out.Quo(out, stakeScale)
}
