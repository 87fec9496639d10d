package lending

import (
	"math/big"

	"github.com/nhbprotocol/p2plend/crypto"
)

// AssetID identifies a fungible asset custodied by the ledger layer. The
// engine never inspects decimals or issuance policy; it only moves amounts
// denominated in an asset's smallest unit.
type AssetID string

// Status enumerates the primary state of a loan. Exactly one of these holds
// at any time.
type Status uint8

const (
	StatusRequested Status = iota
	StatusActive
	StatusInLiquidation
	StatusFinished
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusActive:
		return "active"
	case StatusInLiquidation:
		return "in_liquidation"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LendingID is the dense, monotonically increasing identifier assigned to a
// loan at creation time.
type LendingID uint64

// ReportID identifies an in-flight oracle price report, returned by
// OracleBridge.OpenReport and later echoed back through Settle.
type ReportID string

// Loan is the central record for a single bilateral fixed-term loan.
type Loan struct {
	ID LendingID

	// Borrower is fixed at request time. Lender is the zero address until
	// an offer is accepted.
	Borrower crypto.Address
	Lender   crypto.Address

	// CollateralAsset and DebtAsset are immutable for the life of the loan.
	CollateralAsset AssetID
	DebtAsset       AssetID

	// SupplyAmount is the collateral currently held against this loan.
	SupplyAmount *big.Int
	// BorrowAmount is the current principal.
	BorrowAmount *big.Int

	// Rate is annualized, scaled by 1e9 (1e8 == 10%).
	Rate uint64
	// Term is the loan duration in seconds, immutable.
	Term uint64

	// OfferExpiration is the deadline for the request to be filled, only
	// meaningful before acceptance.
	OfferExpiration uint64

	// LiquidationThreshold is scaled by 1e7 (8e6 == 80%).
	LiquidationThreshold uint64
	// StakeBps is the liquidator-stake fraction of supply, scaled by 1e4.
	StakeBps uint64

	// Start is the timestamp of acceptance or the most recent refi.
	Start uint64

	// RepaidDebt is the running partial-repay total, held in-contract and
	// disbursed at terminal settlement; reset to zero on refi.
	RepaidDebt *big.Int

	// AllowAnyLiquidator is copied from the accepted offer, resettable on
	// refi.
	AllowAnyLiquidator bool

	// GracePeriod is additional seconds past Start+Term granted after a
	// failed liquidation near or past maturity.
	GracePeriod uint64

	Status Status

	// Liquidator, LiquidationStart and PendingReportID are only valid while
	// Status == StatusInLiquidation.
	Liquidator       crypto.Address
	LiquidationStart uint64
	PendingReportID  ReportID

	// RefiNonce starts at 1 for the first accepted refi and increments on
	// each subsequent one.
	RefiNonce uint64
}

// Clone returns a deep copy so callers cannot mutate store-owned state via an
// aliased pointer.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.SupplyAmount = cloneBig(l.SupplyAmount)
	clone.BorrowAmount = cloneBig(l.BorrowAmount)
	clone.RepaidDebt = cloneBig(l.RepaidDebt)
	return &clone
}

// Offer is a lender's bid to fill an open borrow request. Keyed by
// (LendingID, Number), Number starting at 1 per loan.
type Offer struct {
	LendingID LendingID
	Number    uint64

	Lender             crypto.Address
	Amount             *big.Int
	Rate               uint64
	AllowAnyLiquidator bool
	CreatedAt          uint64
	Chosen             bool
	Cancelled          bool
}

func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBig(o.Amount)
	return &clone
}

// RefiParams is the at-most-one active refinance request a borrower has
// opened against their loan.
type RefiParams struct {
	Set bool
	// ExtraDemanded is debt-asset units the borrower wants cashed out.
	ExtraDemanded *big.Int
	// SupplyPulled is collateral the borrower withdraws as part of the
	// refinance.
	SupplyPulled *big.Int
	// Nonce is incremented on each accepted refi, starting at 1.
	Nonce uint64
}

func (p *RefiParams) Clone() *RefiParams {
	if p == nil {
		return nil
	}
	clone := *p
	clone.ExtraDemanded = cloneBig(p.ExtraDemanded)
	clone.SupplyPulled = cloneBig(p.SupplyPulled)
	return &clone
}

// RefiOffer is a lender's bid to refinance an existing loan at a given
// nonce. Keyed by (LendingID, Nonce, Number).
type RefiOffer struct {
	LendingID LendingID
	Nonce     uint64
	Number    uint64

	Lender                crypto.Address
	Rate                  uint64
	AllowAnyLiquidator    bool
	CreatedAt             uint64
	RepaidDebtExpected    *big.Int
	ExtraDemandedExpected *big.Int
	MinSupplyPostRefi     *big.Int
	Chosen                bool
	Cancelled             bool

	// PulledAmount is the debt-asset amount actually pulled from the lender
	// at offer time (owedNow + extraDemandedExpected - repaidDebtExpected,
	// evaluated against the loan's state as of the offer). It is not named
	// in the wire data model but is required to refund the offer exactly on
	// cancellation, since recomputing it later would drift as the loan
	// continues to accrue.
	PulledAmount *big.Int
}

func (r *RefiOffer) Clone() *RefiOffer {
	if r == nil {
		return nil
	}
	clone := *r
	clone.RepaidDebtExpected = cloneBig(r.RepaidDebtExpected)
	clone.ExtraDemandedExpected = cloneBig(r.ExtraDemandedExpected)
	clone.MinSupplyPostRefi = cloneBig(r.MinSupplyPostRefi)
	clone.PulledAmount = cloneBig(r.PulledAmount)
	return &clone
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
