package lending

import (
	"errors"
	"math/big"
	"testing"

	"github.com/nhbprotocol/p2plend/crypto"
	nativecommon "github.com/nhbprotocol/p2plend/native/common"
)

type fakeClock struct {
	now uint64
}

func (c *fakeClock) Now() uint64 { return c.now }

func (c *fakeClock) advance(seconds uint64) { c.now += seconds }

func makeAddress(t *testing.T, suffix byte) crypto.Address {
	t.Helper()
	b := make([]byte, 20)
	b[19] = suffix
	addr, err := crypto.NewAddress(crypto.DefaultPrefix, b)
	if err != nil {
		t.Fatalf("makeAddress: %v", err)
	}
	return addr
}

const testAsset = AssetID("USD")
const testCollateral = AssetID("COL")

func newTestEngine(t *testing.T) (*Engine, *MemLedger, *fakeClock) {
	t.Helper()
	store := NewMemStore()
	ledger := NewMemLedger()
	clock := &fakeClock{now: 1_000_000}
	oracle := NewInProcessOracle(clock)
	engine := NewEngine(store, ledger, oracle, clock)
	return engine, ledger, clock
}

func TestFullRepayHappyPath(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender, big.NewInt(50))

	id, err := engine.Request(borrower, 30*86400, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	number, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}

	if err := engine.AcceptOffer(borrower, id, number); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	clock.advance(30 * 86400)
	owed := owedAtMaturity(big.NewInt(50), 100_000_000, 30*86400)

	ledger.Credit(testAsset, borrower, owed)
	if err := engine.RepayDebt(borrower, id, owed); err != nil {
		t.Fatalf("RepayDebt: %v", err)
	}

	loan, err := engine.store.GetLoan(id)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if loan.Status != StatusFinished {
		t.Fatalf("expected Finished, got %s", loan.Status)
	}
	if ledger.BalanceOf(testCollateral, borrower).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected collateral returned to borrower, got %s", ledger.BalanceOf(testCollateral, borrower))
	}
	if ledger.BalanceOf(testAsset, lender).Cmp(owed) != 0 {
		t.Fatalf("expected lender paid owed=%s, got %s", owed, ledger.BalanceOf(testAsset, lender))
	}
}

func TestCancelBorrowOfferExactTiming(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender, big.NewInt(50))

	id, err := engine.Request(borrower, 30*86400, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	number, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}

	clock.advance(offerCancelWaitSeconds - 1)
	if err := engine.CancelBorrowOffer(lender, id, number); !IsInvalidInput(err, ReasonCancelTooSoon) {
		t.Fatalf("expected cancel-too-soon at t=59, got %v", err)
	}

	clock.advance(1)
	if err := engine.CancelBorrowOffer(lender, id, number); err != nil {
		t.Fatalf("CancelBorrowOffer at t=60: %v", err)
	}
	if ledger.BalanceOf(testAsset, lender).Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected lender refunded in full, got %s", ledger.BalanceOf(testAsset, lender))
	}
}

func TestRefiCycleCompoundsBorrowAmount(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender1 := makeAddress(t, 2)
	lender2 := makeAddress(t, 3)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender1, big.NewInt(50))
	ledger.Credit(testAsset, lender2, big.NewInt(200))

	id, err := engine.Request(borrower, 30*86400, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	number, err := engine.OfferBorrow(lender1, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}
	if err := engine.AcceptOffer(borrower, id, number); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	clock.advance(15 * 86400)
	if err := engine.ChangeRefiParams(borrower, id, big.NewInt(10), big.NewInt(0)); err != nil {
		t.Fatalf("ChangeRefiParams: %v", err)
	}

	refiNumber, nonce, err := engine.OfferRefiBorrow(lender2, id, 200_000_000, true, big.NewInt(0), big.NewInt(10), big.NewInt(0))
	if err != nil {
		t.Fatalf("OfferRefiBorrow: %v", err)
	}

	if err := engine.AcceptRefiOffer(borrower, id, refiNumber, nonce); err != nil {
		t.Fatalf("AcceptRefiOffer: %v", err)
	}

	loan, err := engine.store.GetLoan(id)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	wantBorrow := new(big.Int).Add(owedAtMaturity(big.NewInt(50), 100_000_000, 30*86400), big.NewInt(10))
	if loan.BorrowAmount.Cmp(wantBorrow) != 0 {
		t.Fatalf("unexpected post-refi borrowAmount: got %s want %s", loan.BorrowAmount, wantBorrow)
	}
	if loan.Rate != 200_000_000 {
		t.Fatalf("unexpected post-refi rate: %d", loan.Rate)
	}
	if !loan.Lender.Equal(lender2) {
		t.Fatalf("expected lender rotated to lender2")
	}
}

func TestLiquidationWithEquitySplitsBetweenLenderAndLiquidator(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)
	liquidator := makeAddress(t, 3)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender, big.NewInt(50))
	ledger.Credit(testCollateral, liquidator, big.NewInt(100))
	ledger.Credit(testAsset, liquidator, big.NewInt(100))

	id, err := engine.Request(borrower, 30*86400, clock.now+3600, testCollateral, testAsset, 5_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	number, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}
	if err := engine.AcceptOffer(borrower, id, number); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	loan, _ := engine.store.GetLoan(id)
	stake := tokenStake(loan.SupplyAmount, loan.StakeBps)
	initialLiquidity := new(big.Int).Quo(loan.SupplyAmount, big.NewInt(10))

	// debtSupplyTerms = 50*40/32 = 62, which breaches the 50% threshold but
	// stays below the full 100-unit supply, landing in the equity-split path.
	err = engine.Liquidate(liquidator, id, loan.SupplyAmount, big.NewInt(40), big.NewInt(32), loan.BorrowAmount, loan.Start, stake, initialLiquidity)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	loan, _ = engine.store.GetLoan(id)
	if loan.Status != StatusInLiquidation {
		t.Fatalf("expected InLiquidation, got %s", loan.Status)
	}

	oracle := engine.oracle.(*InProcessOracle)
	if err := oracle.TriggerSettle(loan.PendingReportID, big.NewInt(40), big.NewInt(32), big.NewInt(0), big.NewInt(0)); err != nil {
		t.Fatalf("TriggerSettle: %v", err)
	}

	loan, _ = engine.store.GetLoan(id)
	if loan.Status != StatusFinished {
		t.Fatalf("expected Finished after breached equitable settlement, got %s", loan.Status)
	}
	if ledger.BalanceOf(testCollateral, lender).Sign() <= 0 {
		t.Fatalf("expected lender to receive an equity share")
	}
	if ledger.BalanceOf(testCollateral, liquidator).Sign() <= 0 {
		t.Fatalf("expected liquidator to recover stake plus an equity share")
	}
}

func TestLiquidationUnderwaterNoEquitySplit(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)
	liquidator := makeAddress(t, 3)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender, big.NewInt(50))
	ledger.Credit(testCollateral, liquidator, big.NewInt(100))
	ledger.Credit(testAsset, liquidator, big.NewInt(100))

	id, err := engine.Request(borrower, 30*86400, clock.now+3600, testCollateral, testAsset, 5_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	number, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}
	if err := engine.AcceptOffer(borrower, id, number); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	loan, _ := engine.store.GetLoan(id)
	stake := tokenStake(loan.SupplyAmount, loan.StakeBps)
	initialLiquidity := new(big.Int).Quo(loan.SupplyAmount, big.NewInt(10))

	err = engine.Liquidate(liquidator, id, loan.SupplyAmount, big.NewInt(40), big.NewInt(32), loan.BorrowAmount, loan.Start, stake, initialLiquidity)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	loan, _ = engine.store.GetLoan(id)
	if loan.Status != StatusInLiquidation {
		t.Fatalf("expected InLiquidation, got %s", loan.Status)
	}

	// A 100:1 final ratio puts debtSupplyTerms far above the 100-unit
	// supply, so the loan settles underwater: the lender takes the whole
	// supply and the liquidator keeps only its stake and seed liquidity.
	oracle := engine.oracle.(*InProcessOracle)
	if err := oracle.TriggerSettle(loan.PendingReportID, big.NewInt(100), big.NewInt(1), big.NewInt(0), big.NewInt(0)); err != nil {
		t.Fatalf("TriggerSettle: %v", err)
	}

	loan, _ = engine.store.GetLoan(id)
	if loan.Status != StatusFinished {
		t.Fatalf("expected Finished after underwater settlement, got %s", loan.Status)
	}
	if ledger.BalanceOf(testCollateral, lender).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected lender to receive the entire supply, got %s", ledger.BalanceOf(testCollateral, lender))
	}
	// The liquidator was seeded with 100 collateral units and paid
	// stake+initialLiquidity into Liquidate; recovering exactly that amount
	// and nothing more leaves it back at 100.
	wantLiquidator := big.NewInt(100)
	if ledger.BalanceOf(testCollateral, liquidator).Cmp(wantLiquidator) != 0 {
		t.Fatalf("expected liquidator to recover only stake+initialLiquidity (balance back to %s), got %s", wantLiquidator, ledger.BalanceOf(testCollateral, liquidator))
	}
}

func TestLateRepayThenClaim(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender, big.NewInt(50))

	id, err := engine.Request(borrower, 30*86400, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	number, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}
	if err := engine.AcceptOffer(borrower, id, number); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	// No liquidation is ever attempted, so gracePeriod stays 0: repaying one
	// second past maturity is unconditionally late.
	clock.advance(30*86400 + 1)
	ledger.Credit(testAsset, borrower, big.NewInt(1000))
	if err := engine.RepayDebt(borrower, id, big.NewInt(1000)); !IsInvalidInput(err, ReasonExpired) {
		t.Fatalf("expected expired repay past maturity with no grace period, got %v", err)
	}

	if err := engine.ClaimCollateral(id); err != nil {
		t.Fatalf("ClaimCollateral: %v", err)
	}
	loan, _ := engine.store.GetLoan(id)
	if loan.Status != StatusFinished {
		t.Fatalf("expected Finished after claim, got %s", loan.Status)
	}
	if ledger.BalanceOf(testCollateral, lender).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected lender credited the full 100-unit supply, got %s", ledger.BalanceOf(testCollateral, lender))
	}
}

func TestGracePeriodBeyondMaturityAllowsClaim(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)
	liquidator := makeAddress(t, 3)

	ledger.Credit(testCollateral, borrower, big.NewInt(100))
	ledger.Credit(testAsset, lender, big.NewInt(50))
	ledger.Credit(testCollateral, liquidator, big.NewInt(100))
	ledger.Credit(testAsset, liquidator, big.NewInt(100))

	id, err := engine.Request(borrower, 1000, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	number, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true)
	if err != nil {
		t.Fatalf("OfferBorrow: %v", err)
	}
	if err := engine.AcceptOffer(borrower, id, number); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	clock.advance(900)
	loan, _ := engine.store.GetLoan(id)
	stake := tokenStake(loan.SupplyAmount, loan.StakeBps)
	initialLiquidity := new(big.Int).Quo(loan.SupplyAmount, big.NewInt(10))
	if err := engine.Liquidate(liquidator, id, loan.SupplyAmount, big.NewInt(1), big.NewInt(1), loan.BorrowAmount, loan.Start, stake, initialLiquidity); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	loan, _ = engine.store.GetLoan(id)
	clock.advance(2 * 86400)
	oracle := engine.oracle.(*InProcessOracle)
	if err := oracle.TriggerSettle(loan.PendingReportID, big.NewInt(1), big.NewInt(1), big.NewInt(0), big.NewInt(0)); err != nil {
		t.Fatalf("TriggerSettle: %v", err)
	}

	loan, _ = engine.store.GetLoan(id)
	if loan.Status != StatusActive {
		t.Fatalf("expected reinstated Active after non-breached settlement, got %s", loan.Status)
	}
	wantGrace := uint64(300 + 2*2*86400)
	if loan.GracePeriod != wantGrace {
		t.Fatalf("unexpected grace period: got %d want %d", loan.GracePeriod, wantGrace)
	}

	clock.advance(loan.Start + loan.Term + loan.GracePeriod - clock.now + 1)
	if err := engine.ClaimCollateral(id); err != nil {
		t.Fatalf("ClaimCollateral after grace period: %v", err)
	}
	loan, _ = engine.store.GetLoan(id)
	if loan.Status != StatusFinished {
		t.Fatalf("expected Finished after claim, got %s", loan.Status)
	}
}

func TestActionPauseBlocksTransition(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	ledger.Credit(testCollateral, borrower, big.NewInt(100))

	engine.SetRiskParameters(RiskParameters{Pauses: ActionPauses{Request: true}})
	_, err := engine.Request(borrower, 1000, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if !errors.Is(err, ErrActionPaused) {
		t.Fatalf("expected ErrActionPaused, got %v", err)
	}
}

func TestOfferBorrowQuotaExceeded(t *testing.T) {
	engine, ledger, clock := newTestEngine(t)
	borrower := makeAddress(t, 1)
	lender := makeAddress(t, 2)

	ledger.Credit(testCollateral, borrower, big.NewInt(300))
	ledger.Credit(testAsset, lender, big.NewInt(300))

	engine.SetQuotaStore(nativecommon.NewMemStore())
	params := DefaultRiskParameters()
	params.OfferBorrowQuota = nativecommon.Quota{MaxRequestsPerMin: 1, EpochSeconds: 60}
	engine.SetRiskParameters(params)

	id, err := engine.Request(borrower, 1000, clock.now+3600, testCollateral, testAsset, 8_000_000, big.NewInt(100), big.NewInt(50), 100)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true); err != nil {
		t.Fatalf("first OfferBorrow: %v", err)
	}
	if _, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true); !IsInvalidInput(err, ReasonQuotaExceeded) {
		t.Fatalf("expected quota-exceeded on second offer within the same epoch, got %v", err)
	}

	clock.advance(60)
	if _, err := engine.OfferBorrow(lender, id, big.NewInt(50), 100_000_000, true); err != nil {
		t.Fatalf("OfferBorrow after epoch rollover: %v", err)
	}
}
