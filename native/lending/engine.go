package lending

import (
	"errors"
	"math/big"

	nativecommon "github.com/nhbprotocol/p2plend/native/common"

	"github.com/nhbprotocol/p2plend/crypto"
)

const moduleName = "lending"

const (
	offerCancelWaitSeconds  = 60
	gracePeriodFloorSeconds = 300
)

// ErrActionPaused is returned when a specific transition has been disabled
// via RiskParameters.Pauses, independent of the module-wide breaker.
var ErrActionPaused = errors.New("lending: action paused")

type oracleCallbackRegistrar interface {
	SetCallback(cb SettleCallback)
}

// Engine is the LoanStateMachine: every public transition against a
// bilateral fixed-term loan. It holds no state of its own beyond its
// collaborators — Store, Ledger, OracleBridge and Clock are all injected so
// the machine can be driven deterministically in tests.
type Engine struct {
	store      Store
	ledger     Ledger
	oracle     OracleBridge
	clock      Clock
	pauses     nativecommon.PauseView
	params     RiskParameters
	quotaStore nativecommon.Store

	// onLiquidationSettled, if set, is invoked synchronously after every
	// oracle settlement reaches a terminal or reinstated state, letting the
	// daemon write an audit-log entry without the engine itself knowing
	// about logging.
	onLiquidationSettled func(id LendingID, status Status)
}

// NewEngine wires the state machine to its collaborators. If oracle also
// implements oracleCallbackRegistrar (as InProcessOracle does), the engine
// registers itself as the settlement callback. Risk parameters start at
// DefaultRiskParameters; call SetRiskParameters to override.
func NewEngine(store Store, ledger Ledger, oracle OracleBridge, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	e := &Engine{store: store, ledger: ledger, oracle: oracle, clock: clock, params: DefaultRiskParameters()}
	if reg, ok := oracle.(oracleCallbackRegistrar); ok {
		reg.SetCallback(e.onOracleSettle)
	}
	return e
}

// SetPauses wires the module-wide pause circuit breaker.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetRiskParameters replaces the governance-tunable dials wholesale.
func (e *Engine) SetRiskParameters(p RiskParameters) {
	if e == nil {
		return
	}
	e.params = p
}

// SetQuotaStore wires the per-caller request/volume quota guard for
// offerBorrow and liquidate. A nil store (the default) disables quota
// enforcement entirely.
func (e *Engine) SetQuotaStore(store nativecommon.Store) {
	if e == nil {
		return
	}
	e.quotaStore = store
}

// checkQuota applies the named quota against caller for the current epoch,
// incrementing its request count by one and its volume by volume. A nil
// quotaStore is a no-op, matching the module-wide pause guard's fail-open
// convention for undeployed optional features.
func (e *Engine) checkQuota(module string, caller crypto.Address, q nativecommon.Quota, volume *big.Int) error {
	if e.quotaStore == nil {
		return nil
	}
	epochSeconds := uint64(q.EpochSeconds)
	if epochSeconds == 0 {
		epochSeconds = 60
	}
	epoch := e.now() / epochSeconds
	addVolume := uint64(0)
	switch {
	case volume == nil:
	case volume.IsUint64():
		addVolume = volume.Uint64()
	case volume.Sign() > 0:
		addVolume = ^uint64(0)
	}
	if _, err := nativecommon.Apply(e.quotaStore, module, epoch, caller.Bytes(), q, 1, addVolume); err != nil {
		return invalidInput(ReasonQuotaExceeded)
	}
	return nil
}

// SetOnLiquidationSettled registers a callback invoked after each oracle
// settlement resolves a loan out of InLiquidation (back to Active, or to
// Finished).
func (e *Engine) SetOnLiquidationSettled(cb func(id LendingID, status Status)) {
	if e == nil {
		return
	}
	e.onLiquidationSettled = cb
}

func (e *Engine) now() uint64 {
	return e.clock.Now()
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, moduleName)
}

// actionGuard returns ErrActionPaused when the given per-action switch is
// engaged, independent of the module-wide breaker checked by guard().
func (e *Engine) actionGuard(paused bool) error {
	if paused {
		return ErrActionPaused
	}
	return nil
}

// loanStatusError maps a loan's current status to the InvalidInput reason
// used when a transition expected a different status. Requested has no
// dedicated reason in the closed set; by convention transitions that expect
// Active and instead find Requested report "lendingId active" for symmetry
// with the InLiquidation/Finished/Cancelled siblings.
func loanStatusError(s Status) error {
	switch s {
	case StatusCancelled:
		return invalidInput(ReasonLendingCancelled)
	case StatusFinished:
		return invalidInput(ReasonLendingFinished)
	case StatusInLiquidation:
		return invalidInput(ReasonLendingInLiquidation)
	default:
		return invalidInput(ReasonLendingActive)
	}
}

func requireRequested(loan *Loan) error {
	if loan.Status != StatusRequested {
		return loanStatusError(loan.Status)
	}
	return nil
}

func requireActive(loan *Loan) error {
	if loan.Status != StatusActive {
		return loanStatusError(loan.Status)
	}
	return nil
}

// requireActiveCustody is the Active precondition used by TopUpCollateral and
// RepayDebt, which report the short "in liquidation" reason rather than the
// generic "lendingId in liquidation" every other transition uses.
func requireActiveCustody(loan *Loan) error {
	if loan.Status == StatusInLiquidation {
		return invalidInput(ReasonInLiquidation)
	}
	if loan.Status != StatusActive {
		return loanStatusError(loan.Status)
	}
	return nil
}

func requireBorrower(loan *Loan, caller crypto.Address) error {
	if !loan.Borrower.Equal(caller) {
		return invalidInput(ReasonWrongSender)
	}
	return nil
}

func bigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Request opens a new loan: the caller becomes the borrower, supplies
// collateral up front, and publishes borrow terms for lenders to bid
// against.
func (e *Engine) Request(caller crypto.Address, term, offerExpiration uint64, collateralAsset, debtAsset AssetID, liquidationThreshold uint64, supplyAmount, borrowAmount *big.Int, stakeBps uint64) (LendingID, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	if err := e.actionGuard(e.params.Pauses.Request); err != nil {
		return 0, err
	}
	if supplyAmount == nil || supplyAmount.Sign() <= 0 {
		return 0, invalidInput(ReasonCantSupplyZero)
	}
	if borrowAmount == nil || borrowAmount.Sign() <= 0 {
		return 0, invalidInput(ReasonCantBorrowZero)
	}
	if err := e.ledger.Pull(collateralAsset, caller, supplyAmount); err != nil {
		return 0, custodyFailure(err)
	}
	loan := &Loan{
		Borrower:             caller,
		CollateralAsset:      collateralAsset,
		DebtAsset:            debtAsset,
		SupplyAmount:         new(big.Int).Set(supplyAmount),
		BorrowAmount:         new(big.Int).Set(borrowAmount),
		Term:                 term,
		OfferExpiration:      offerExpiration,
		LiquidationThreshold: liquidationThreshold,
		StakeBps:             stakeBps,
		RepaidDebt:           big.NewInt(0),
		Status:               StatusRequested,
	}
	return e.store.CreateLoan(loan)
}

// OfferBorrow is a lender's bid to fill an open borrow request.
func (e *Engine) OfferBorrow(caller crypto.Address, id LendingID, amount *big.Int, rate uint64, allowAnyLiquidator bool) (uint64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	if err := e.actionGuard(e.params.Pauses.OfferBorrow); err != nil {
		return 0, err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return 0, err
	}
	if err := requireRequested(loan); err != nil {
		return 0, err
	}
	if e.now() > loan.OfferExpiration {
		return 0, invalidInput(ReasonExpired)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, invalidInput(ReasonNoBorrowOffer)
	}
	if err := e.checkQuota("lending.offerBorrow", caller, e.params.OfferBorrowQuota, amount); err != nil {
		return 0, err
	}
	if err := e.ledger.Pull(loan.DebtAsset, caller, amount); err != nil {
		return 0, custodyFailure(err)
	}
	offer := &Offer{
		Lender:             caller,
		Amount:             new(big.Int).Set(amount),
		Rate:               rate,
		AllowAnyLiquidator: allowAnyLiquidator,
		CreatedAt:          e.now(),
	}
	return e.store.AppendOffer(id, offer)
}

// AcceptOffer moves a Requested loan to Active against one chosen offer.
func (e *Engine) AcceptOffer(caller crypto.Address, id LendingID, offerNumber uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.AcceptOffer); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireBorrower(loan, caller); err != nil {
		return err
	}
	if err := requireRequested(loan); err != nil {
		return err
	}
	offer, err := e.store.GetOffer(id, offerNumber)
	if err != nil {
		return err
	}
	if offer.Cancelled {
		return invalidInput(ReasonOfferCancelled)
	}
	if offer.Chosen {
		return invalidInput(ReasonChosen)
	}
	offer.Chosen = true
	if err := e.store.UpdateOffer(offer); err != nil {
		return err
	}
	loan.Lender = offer.Lender
	loan.BorrowAmount = new(big.Int).Set(offer.Amount)
	loan.Rate = offer.Rate
	loan.AllowAnyLiquidator = offer.AllowAnyLiquidator
	loan.Start = e.now()
	loan.Status = StatusActive
	if err := e.ledger.Push(loan.DebtAsset, caller, loan.BorrowAmount); err != nil {
		return custodyFailure(err)
	}
	return e.store.UpdateLoan(loan)
}

// CancelBorrowRequest withdraws an unfilled borrow request, returning
// collateral to the borrower. Offers already placed against it remain
// independently cancellable by their lenders.
func (e *Engine) CancelBorrowRequest(caller crypto.Address, id LendingID) error {
	if err := e.guard(); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireBorrower(loan, caller); err != nil {
		return err
	}
	if err := requireRequested(loan); err != nil {
		return err
	}
	loan.Status = StatusCancelled
	if err := e.ledger.Push(loan.CollateralAsset, caller, loan.SupplyAmount); err != nil {
		return custodyFailure(err)
	}
	return e.store.UpdateLoan(loan)
}

// CancelBorrowOffer lets a losing (or withdrawing) lender recover a pledged
// offer amount once it has sat for at least 60 seconds unchosen.
func (e *Engine) CancelBorrowOffer(caller crypto.Address, id LendingID, offerNumber uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	offer, err := e.store.GetOffer(id, offerNumber)
	if err != nil {
		return err
	}
	if !offer.Lender.Equal(caller) {
		return invalidInput(ReasonWrongSender)
	}
	if offer.Amount == nil || offer.Amount.Sign() == 0 {
		return invalidInput(ReasonNoBorrowOffer)
	}
	if offer.Chosen {
		return invalidInput(ReasonChosen)
	}
	if e.now()-offer.CreatedAt < offerCancelWaitSeconds {
		return invalidInput(ReasonCancelTooSoon)
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	refund := offer.Amount
	offer.Cancelled = true
	offer.Amount = big.NewInt(0)
	if err := e.store.UpdateOffer(offer); err != nil {
		return err
	}
	if err := e.ledger.Push(loan.DebtAsset, caller, refund); err != nil {
		return custodyFailure(err)
	}
	return nil
}

// ChangeRefiParams opens a new refinance request against an Active loan.
func (e *Engine) ChangeRefiParams(caller crypto.Address, id LendingID, extraDemanded, supplyPulled *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.Refinance); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireBorrower(loan, caller); err != nil {
		return err
	}
	if err := requireActive(loan); err != nil {
		return err
	}
	params, err := e.store.GetRefiParams(id)
	if err != nil {
		return err
	}
	if params.Set {
		return invalidInput(ReasonParamsAlreadySet)
	}
	return e.store.SetRefiParams(id, &RefiParams{
		Set:           true,
		ExtraDemanded: new(big.Int).Set(extraDemanded),
		SupplyPulled:  new(big.Int).Set(supplyPulled),
		Nonce:         loan.RefiNonce + 1,
	})
}

// OfferRefiBorrow is a lender's bid to refinance an existing loan under its
// currently open refi-params.
func (e *Engine) OfferRefiBorrow(caller crypto.Address, id LendingID, rate uint64, allowAnyLiquidator bool, repaidDebtExpected, extraDemandedExpected, minSupplyPostRefi *big.Int) (uint64, uint64, error) {
	if err := e.guard(); err != nil {
		return 0, 0, err
	}
	if err := e.actionGuard(e.params.Pauses.Refinance); err != nil {
		return 0, 0, err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return 0, 0, err
	}
	params, err := e.store.GetRefiParams(id)
	if err != nil {
		return 0, 0, err
	}
	if !params.Set {
		return 0, 0, invalidInput(ReasonRefiParamsNotSet)
	}
	pull := owedNow(loan.BorrowAmount, loan.Rate, loan.Term, loan.Start, e.now())
	pull.Add(pull, extraDemandedExpected)
	pull.Sub(pull, repaidDebtExpected)
	if pull.Sign() > 0 {
		if err := e.ledger.Pull(loan.DebtAsset, caller, pull); err != nil {
			return 0, 0, custodyFailure(err)
		}
	} else {
		pull = big.NewInt(0)
	}
	offer := &RefiOffer{
		Nonce:                 params.Nonce,
		Lender:                caller,
		Rate:                  rate,
		AllowAnyLiquidator:    allowAnyLiquidator,
		CreatedAt:             e.now(),
		RepaidDebtExpected:    new(big.Int).Set(repaidDebtExpected),
		ExtraDemandedExpected: new(big.Int).Set(extraDemandedExpected),
		MinSupplyPostRefi:     new(big.Int).Set(minSupplyPostRefi),
		PulledAmount:          pull,
	}
	number, err := e.store.AppendRefiOffer(id, offer)
	if err != nil {
		return 0, 0, err
	}
	return number, params.Nonce, nil
}

// AcceptRefiOffer rotates a loan onto a new lender/rate, compounding the
// prior principal into the new borrowAmount.
func (e *Engine) AcceptRefiOffer(caller crypto.Address, id LendingID, offerNumber, nonce uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.Refinance); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireBorrower(loan, caller); err != nil {
		return err
	}
	if err := requireActive(loan); err != nil {
		return err
	}
	if e.now() > loan.Start+loan.Term {
		return invalidInput(ReasonExpired)
	}
	params, err := e.store.GetRefiParams(id)
	if err != nil {
		return err
	}
	if !params.Set || params.Nonce != nonce {
		return invalidInput(ReasonRefiNonceAlreadyAccepted)
	}
	offer, err := e.store.GetRefiOffer(id, nonce, offerNumber)
	if err != nil {
		return err
	}
	if offer.Cancelled {
		return invalidInput(ReasonOfferCancelled)
	}
	if offer.Chosen {
		return invalidInput(ReasonChosen)
	}
	if loan.RepaidDebt.Cmp(offer.RepaidDebtExpected) != 0 {
		return invalidInput(ReasonRepaidDebtChanged)
	}
	if params.ExtraDemanded.Cmp(offer.ExtraDemandedExpected) != 0 {
		return invalidInput(ReasonRepaidDebtChanged)
	}
	postRefiSupply := new(big.Int).Sub(loan.SupplyAmount, params.SupplyPulled)
	if postRefiSupply.Cmp(offer.MinSupplyPostRefi) < 0 {
		return invalidInput(ReasonRepaidDebtChanged)
	}

	payoffOldLender := owedNow(loan.BorrowAmount, loan.Rate, loan.Term, loan.Start, e.now())
	payoffOldLender.Sub(payoffOldLender, loan.RepaidDebt)
	if payoffOldLender.Sign() > 0 {
		if err := e.ledger.Push(loan.DebtAsset, loan.Lender, payoffOldLender); err != nil {
			return custodyFailure(err)
		}
	}
	if params.ExtraDemanded.Sign() > 0 {
		if err := e.ledger.Push(loan.DebtAsset, loan.Borrower, params.ExtraDemanded); err != nil {
			return custodyFailure(err)
		}
	}
	if params.SupplyPulled.Sign() > 0 {
		if err := e.ledger.Push(loan.CollateralAsset, loan.Borrower, params.SupplyPulled); err != nil {
			return custodyFailure(err)
		}
	}

	newBorrowAmount := owedAtMaturity(loan.BorrowAmount, loan.Rate, loan.Term)
	newBorrowAmount.Add(newBorrowAmount, params.ExtraDemanded)

	offer.Chosen = true
	if err := e.store.UpdateRefiOffer(offer); err != nil {
		return err
	}

	loan.Lender = offer.Lender
	loan.Rate = offer.Rate
	loan.AllowAnyLiquidator = offer.AllowAnyLiquidator
	loan.BorrowAmount = newBorrowAmount
	loan.SupplyAmount = postRefiSupply
	loan.Start = e.now()
	loan.RepaidDebt = big.NewInt(0)
	loan.GracePeriod = 0
	loan.RefiNonce = nonce
	if err := e.store.UpdateLoan(loan); err != nil {
		return err
	}
	return e.store.ClearRefiParams(id)
}

// CancelRefiBorrowOffer is the refi-offer analogue of CancelBorrowOffer,
// scoped by (nonce, offerNumber).
func (e *Engine) CancelRefiBorrowOffer(caller crypto.Address, id LendingID, nonce, offerNumber uint64) error {
	if err := e.guard(); err != nil {
		return err
	}
	offer, err := e.store.GetRefiOffer(id, nonce, offerNumber)
	if err != nil {
		return err
	}
	if !offer.Lender.Equal(caller) {
		return invalidInput(ReasonWrongSender)
	}
	if offer.PulledAmount == nil || offer.PulledAmount.Sign() == 0 {
		return invalidInput(ReasonNoBorrowOffer)
	}
	if offer.Chosen {
		return invalidInput(ReasonChosen)
	}
	if e.now()-offer.CreatedAt < offerCancelWaitSeconds {
		return invalidInput(ReasonCancelTooSoon)
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	refund := offer.PulledAmount
	offer.Cancelled = true
	offer.PulledAmount = big.NewInt(0)
	if err := e.store.UpdateRefiOffer(offer); err != nil {
		return err
	}
	if err := e.ledger.Push(loan.DebtAsset, caller, refund); err != nil {
		return custodyFailure(err)
	}
	return nil
}

// TopUpCollateral lets the borrower add collateral to an Active loan.
func (e *Engine) TopUpCollateral(caller crypto.Address, id LendingID, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.TopUp); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireBorrower(loan, caller); err != nil {
		return err
	}
	if err := requireActiveCustody(loan); err != nil {
		return err
	}
	if err := e.ledger.Pull(loan.CollateralAsset, caller, amount); err != nil {
		return custodyFailure(err)
	}
	loan.SupplyAmount = new(big.Int).Add(loan.SupplyAmount, amount)
	return e.store.UpdateLoan(loan)
}

// RepayDebt applies a (possibly partial) repayment. Partial repayments
// accrue in repaidDebt and are only disbursed to the lender at the
// repayment that finishes the loan, alongside the collateral return.
func (e *Engine) RepayDebt(caller crypto.Address, id LendingID, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.Repay); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireBorrower(loan, caller); err != nil {
		return err
	}
	if err := requireActiveCustody(loan); err != nil {
		return err
	}
	if e.now() > loan.Start+loan.Term+loan.GracePeriod {
		return invalidInput(ReasonExpired)
	}
	outstanding := new(big.Int).Sub(owedAtMaturity(loan.BorrowAmount, loan.Rate, loan.Term), loan.RepaidDebt)
	transfer := bigMin(amount, outstanding)
	if transfer.Sign() <= 0 {
		return nil
	}
	if err := e.ledger.Pull(loan.DebtAsset, caller, transfer); err != nil {
		return custodyFailure(err)
	}
	if transfer.Cmp(outstanding) == 0 {
		settlement := new(big.Int).Add(transfer, loan.RepaidDebt)
		if err := e.ledger.Push(loan.DebtAsset, loan.Lender, settlement); err != nil {
			return custodyFailure(err)
		}
		if err := e.ledger.Push(loan.CollateralAsset, loan.Borrower, loan.SupplyAmount); err != nil {
			return custodyFailure(err)
		}
		loan.RepaidDebt = big.NewInt(0)
		loan.Status = StatusFinished
	} else {
		loan.RepaidDebt = new(big.Int).Add(loan.RepaidDebt, transfer)
	}
	return e.store.UpdateLoan(loan)
}

// Liquidate opens an oracle price report and locks the loan in
// InLiquidation until the oracle settles it. The expected* parameters guard
// against front-running a refi, topup or repay submitted between the
// caller's read and this transaction's execution.
func (e *Engine) Liquidate(caller crypto.Address, id LendingID, expectedSupplyAmount *big.Int, oracleAmount1Opt, oracleAmount2 *big.Int, expectedBorrowAmount *big.Int, expectedStart uint64, expectedStake, expectedInitialLiquidity *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.Liquidate); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireActive(loan); err != nil {
		return err
	}
	if e.now() > loan.Start+loan.Term {
		return invalidInput(ReasonArrangementExpired)
	}
	if !loan.AllowAnyLiquidator && !loan.Lender.Equal(caller) {
		return invalidInput(ReasonWrongLiquidator)
	}
	if err := e.checkQuota("lending.liquidate", caller, e.params.LiquidateQuota, oracleAmount2); err != nil {
		return err
	}

	stake := tokenStake(loan.SupplyAmount, loan.StakeBps)
	initialLiquidity := new(big.Int).Quo(loan.SupplyAmount, big.NewInt(10))

	if expectedSupplyAmount.Cmp(loan.SupplyAmount) != 0 ||
		expectedBorrowAmount.Cmp(loan.BorrowAmount) != 0 ||
		expectedStart != loan.Start ||
		expectedStake.Cmp(stake) != 0 ||
		expectedInitialLiquidity.Cmp(initialLiquidity) != 0 {
		return invalidInput(ReasonRepaidDebtChanged)
	}

	if err := e.ledger.Pull(loan.CollateralAsset, caller, stake); err != nil {
		return custodyFailure(err)
	}
	if err := e.ledger.Pull(loan.CollateralAsset, caller, initialLiquidity); err != nil {
		return custodyFailure(err)
	}
	if err := e.ledger.Pull(loan.DebtAsset, caller, oracleAmount2); err != nil {
		return custodyFailure(err)
	}

	proposalCollateral := initialLiquidity
	if oracleAmount1Opt != nil && oracleAmount1Opt.Sign() > 0 {
		proposalCollateral = oracleAmount1Opt
	}
	requiredStake := new(big.Int).Quo(stake, big.NewInt(1000))

	reportID, err := e.oracle.OpenReport(OracleParams{
		CollateralAsset:      loan.CollateralAsset,
		DebtAsset:            loan.DebtAsset,
		ProposalCollateral:   proposalCollateral,
		ProposalDebt:         oracleAmount2,
		LiquiditySeed:        initialLiquidity,
		ProtocolFeeRate:      e.params.OracleProtocolFeeRate,
		SettlementDelay:      e.params.OracleSettlementDelay,
		DisputeDelay:         e.params.OracleDisputeDelay,
		FeeBracketMultiplier: e.params.OracleFeeBracketMultiplier,
		RequiredStake:        requiredStake,
	})
	if err != nil {
		return err
	}

	loan.Status = StatusInLiquidation
	loan.Liquidator = caller
	loan.LiquidationStart = e.now()
	loan.PendingReportID = reportID
	if err := e.store.UpdateLoan(loan); err != nil {
		return err
	}
	return e.store.RouteReport(reportID, id)
}

// onOracleSettle is the OracleBridge inbound callback. It is infallible from
// the protocol's perspective: an unrecognized reportId, or one belonging to
// a loan that is no longer InLiquidation, is silently ignored.
func (e *Engine) onOracleSettle(reportID ReportID, finalRatio OracleRatio, feesCollateral, feesDebt *big.Int, settleTime uint64) {
	id, ok := e.store.ResolveReport(reportID)
	if !ok {
		return
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return
	}
	if loan.Status != StatusInLiquidation || loan.PendingReportID != reportID {
		return
	}
	e.store.ClearReport(reportID)

	stake := tokenStake(loan.SupplyAmount, loan.StakeBps)
	initialLiquidity := new(big.Int).Quo(loan.SupplyAmount, big.NewInt(10))
	_ = e.ledger.Push(loan.CollateralAsset, loan.Liquidator, new(big.Int).Add(stake, initialLiquidity))

	debtNow := owedNow(loan.BorrowAmount, loan.Rate, loan.Term, loan.Start, settleTime)
	debtSupplyTerms := debtInSupplyTerms(debtNow, finalRatio)
	breached := liquidationBreached(loan.SupplyAmount, debtSupplyTerms, loan.LiquidationThreshold)

	e.distributeFees(loan, feesCollateral, feesDebt)

	switch {
	case !breached:
		loan.SupplyAmount = new(big.Int).Add(loan.SupplyAmount, stake)
		loan.GracePeriod = e.computeGracePeriod(loan, settleTime)
		loan.Status = StatusActive
		loan.Liquidator = crypto.Address{}
		loan.LiquidationStart = 0
		loan.PendingReportID = ""
	case debtSupplyTerms.Cmp(loan.SupplyAmount) >= 0:
		_ = e.ledger.Push(loan.CollateralAsset, loan.Lender, loan.SupplyAmount)
		loan.Status = StatusFinished
	default:
		buffer := new(big.Int).Sub(loan.SupplyAmount, debtSupplyTerms)
		lenderPiece, liquidatorPiece := equitySplit(buffer)
		lenderShare := new(big.Int).Add(debtSupplyTerms, lenderPiece)
		_ = e.ledger.Push(loan.CollateralAsset, loan.Lender, lenderShare)
		_ = e.ledger.Push(loan.CollateralAsset, loan.Liquidator, liquidatorPiece)
		loan.Status = StatusFinished
	}
	_ = e.store.UpdateLoan(loan)
	if e.onLiquidationSettled != nil {
		e.onLiquidationSettled(loan.ID, loan.Status)
	}
}

// computeGracePeriod implements the unified near-maturity/past-maturity
// formula: 300 + 2*liquidationDuration whenever settlement lands within 5
// minutes of maturity or later, clamped to a 300-second floor; otherwise 0.
func (e *Engine) computeGracePeriod(loan *Loan, settleTime uint64) uint64 {
	maturity := loan.Start + loan.Term
	if settleTime <= maturity-gracePeriodFloorSeconds {
		return 0
	}
	duration := settleTime - loan.LiquidationStart
	gp := gracePeriodFloorSeconds + 2*duration
	if gp < gracePeriodFloorSeconds {
		gp = gracePeriodFloorSeconds
	}
	return gp
}

func (e *Engine) distributeFees(loan *Loan, feesCollateral, feesDebt *big.Int) {
	bC, lC, qC := feeSplit(feesCollateral)
	if bC.Sign() > 0 {
		_ = e.ledger.Push(loan.CollateralAsset, loan.Borrower, bC)
	}
	if lC.Sign() > 0 {
		_ = e.ledger.Push(loan.CollateralAsset, loan.Lender, lC)
	}
	if qC.Sign() > 0 {
		_ = e.ledger.Push(loan.CollateralAsset, loan.Liquidator, qC)
	}
	bD, lD, qD := feeSplit(feesDebt)
	if bD.Sign() > 0 {
		_ = e.ledger.Push(loan.DebtAsset, loan.Borrower, bD)
	}
	if lD.Sign() > 0 {
		_ = e.ledger.Push(loan.DebtAsset, loan.Lender, lD)
	}
	if qD.Sign() > 0 {
		_ = e.ledger.Push(loan.DebtAsset, loan.Liquidator, qD)
	}
}

// ClaimCollateral settles an Active loan that ran past its grace window
// without being liquidated or repaid. Any caller may trigger it.
func (e *Engine) ClaimCollateral(id LendingID) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.actionGuard(e.params.Pauses.ClaimCollateral); err != nil {
		return err
	}
	loan, err := e.store.GetLoan(id)
	if err != nil {
		return err
	}
	if err := requireActive(loan); err != nil {
		return err
	}
	if e.now() <= loan.Start+loan.Term+loan.GracePeriod {
		return invalidInput(ReasonNotExpired)
	}
	loan.Status = StatusFinished
	if err := e.ledger.Push(loan.CollateralAsset, loan.Lender, loan.SupplyAmount); err != nil {
		return custodyFailure(err)
	}
	if loan.RepaidDebt.Sign() > 0 {
		if err := e.ledger.Push(loan.DebtAsset, loan.Lender, loan.RepaidDebt); err != nil {
			return custodyFailure(err)
		}
	}
	return e.store.UpdateLoan(loan)
}
