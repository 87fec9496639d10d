package lending

import "math/big"

// Views exposes read-only projections of loan, offer and refi state for
// clients (dashboards, liquidation bots, the HTTP gateway) without giving
// them a handle on the mutable Store.
type Views struct {
	store Store
	clock Clock
}

// NewViews constructs a Views reader over store, using clock for any
// as-of-now computations (e.g. OwedNow).
func NewViews(store Store, clock Clock) *Views {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Views{store: store, clock: clock}
}

// LoanView is a snapshot of a loan safe to hand to a client.
type LoanView struct {
	ID                   LendingID
	Borrower             string
	Lender               string
	CollateralAsset      AssetID
	DebtAsset            AssetID
	SupplyAmount         *big.Int
	BorrowAmount         *big.Int
	Rate                 uint64
	Term                 uint64
	OfferExpiration      uint64
	LiquidationThreshold uint64
	StakeBps             uint64
	Start                uint64
	RepaidDebt           *big.Int
	AllowAnyLiquidator   bool
	GracePeriod          uint64
	Status               Status
	Liquidator           string
	LiquidationStart     uint64
	PendingReportID      ReportID
	RefiNonce            uint64
	// OwedNow is principal plus interest accrued as of the view's clock,
	// minus RepaidDebt; it is zero unless the loan is Active. Included for
	// convenience so clients don't need to reimplement the kernel's math.
	OwedNow *big.Int
}

// Loan returns a client-safe snapshot of the loan, including the currently
// owed amount computed as of now.
func (v *Views) Loan(id LendingID) (LoanView, error) {
	loan, err := v.store.GetLoan(id)
	if err != nil {
		return LoanView{}, err
	}
	return v.loanView(loan), nil
}

func (v *Views) loanView(loan *Loan) LoanView {
	owed := big.NewInt(0)
	if loan.Status == StatusActive {
		owed = owedNow(loan.BorrowAmount, loan.Rate, loan.Term, loan.Start, v.clock.Now())
		owed.Sub(owed, loan.RepaidDebt)
	}
	return LoanView{
		ID:                   loan.ID,
		Borrower:             loan.Borrower.String(),
		Lender:               loan.Lender.String(),
		CollateralAsset:      loan.CollateralAsset,
		DebtAsset:            loan.DebtAsset,
		SupplyAmount:         new(big.Int).Set(loan.SupplyAmount),
		BorrowAmount:         new(big.Int).Set(loan.BorrowAmount),
		Rate:                 loan.Rate,
		Term:                 loan.Term,
		OfferExpiration:      loan.OfferExpiration,
		LiquidationThreshold: loan.LiquidationThreshold,
		StakeBps:             loan.StakeBps,
		Start:                loan.Start,
		RepaidDebt:           new(big.Int).Set(loan.RepaidDebt),
		AllowAnyLiquidator:   loan.AllowAnyLiquidator,
		GracePeriod:          loan.GracePeriod,
		Status:               loan.Status,
		Liquidator:           loan.Liquidator.String(),
		LiquidationStart:     loan.LiquidationStart,
		PendingReportID:      loan.PendingReportID,
		RefiNonce:            loan.RefiNonce,
		OwedNow:              owed,
	}
}

// OfferView is a client-safe snapshot of a borrow offer.
type OfferView struct {
	LendingID          LendingID
	Number             uint64
	Lender             string
	Amount             *big.Int
	Rate               uint64
	AllowAnyLiquidator bool
	CreatedAt          uint64
	Chosen             bool
	Cancelled          bool
}

// Offer returns a client-safe snapshot of a single offer.
func (v *Views) Offer(id LendingID, number uint64) (OfferView, error) {
	offer, err := v.store.GetOffer(id, number)
	if err != nil {
		return OfferView{}, err
	}
	return OfferView{
		LendingID:          offer.LendingID,
		Number:             offer.Number,
		Lender:             offer.Lender.String(),
		Amount:             new(big.Int).Set(offer.Amount),
		Rate:               offer.Rate,
		AllowAnyLiquidator: offer.AllowAnyLiquidator,
		CreatedAt:          offer.CreatedAt,
		Chosen:             offer.Chosen,
		Cancelled:          offer.Cancelled,
	}, nil
}

// RefiParamsView is a client-safe snapshot of a loan's open refi request.
type RefiParamsView struct {
	Set           bool
	ExtraDemanded *big.Int
	SupplyPulled  *big.Int
	Nonce         uint64
}

// RefiParams returns the currently open refi-params for a loan, if any.
func (v *Views) RefiParams(id LendingID) (RefiParamsView, error) {
	params, err := v.store.GetRefiParams(id)
	if err != nil {
		return RefiParamsView{}, err
	}
	view := RefiParamsView{Set: params.Set, Nonce: params.Nonce}
	if params.ExtraDemanded != nil {
		view.ExtraDemanded = new(big.Int).Set(params.ExtraDemanded)
	} else {
		view.ExtraDemanded = big.NewInt(0)
	}
	if params.SupplyPulled != nil {
		view.SupplyPulled = new(big.Int).Set(params.SupplyPulled)
	} else {
		view.SupplyPulled = big.NewInt(0)
	}
	return view, nil
}

// RefiOfferView is a client-safe snapshot of a refinance bid.
type RefiOfferView struct {
	LendingID             LendingID
	Nonce                 uint64
	Number                uint64
	Lender                string
	Rate                  uint64
	AllowAnyLiquidator    bool
	CreatedAt             uint64
	RepaidDebtExpected    *big.Int
	ExtraDemandedExpected *big.Int
	MinSupplyPostRefi     *big.Int
	PulledAmount          *big.Int
	Chosen                bool
	Cancelled             bool
}

// RefiOffer returns a client-safe snapshot of a single refi-offer.
func (v *Views) RefiOffer(id LendingID, nonce, number uint64) (RefiOfferView, error) {
	offer, err := v.store.GetRefiOffer(id, nonce, number)
	if err != nil {
		return RefiOfferView{}, err
	}
	return RefiOfferView{
		LendingID:             offer.LendingID,
		Nonce:                 offer.Nonce,
		Number:                offer.Number,
		Lender:                offer.Lender.String(),
		Rate:                  offer.Rate,
		AllowAnyLiquidator:    offer.AllowAnyLiquidator,
		CreatedAt:             offer.CreatedAt,
		RepaidDebtExpected:    new(big.Int).Set(offer.RepaidDebtExpected),
		ExtraDemandedExpected: new(big.Int).Set(offer.ExtraDemandedExpected),
		MinSupplyPostRefi:     new(big.Int).Set(offer.MinSupplyPostRefi),
		PulledAmount:          new(big.Int).Set(offer.PulledAmount),
		Chosen:                offer.Chosen,
		Cancelled:             offer.Cancelled,
	}, nil
}
