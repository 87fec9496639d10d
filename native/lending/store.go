package lending

import "fmt"

// Store is the indexed collection of loans and their subordinate offers,
// refi-offers and refi-params. It performs no policy checks — callers
// (the engine) are responsible for validating transitions before mutating
// anything here.
type Store interface {
	CreateLoan(loan *Loan) (LendingID, error)
	GetLoan(id LendingID) (*Loan, error)
	UpdateLoan(loan *Loan) error

	AppendOffer(id LendingID, offer *Offer) (uint64, error)
	GetOffer(id LendingID, number uint64) (*Offer, error)
	UpdateOffer(offer *Offer) error

	GetRefiParams(id LendingID) (*RefiParams, error)
	SetRefiParams(id LendingID, params *RefiParams) error
	ClearRefiParams(id LendingID) error

	AppendRefiOffer(id LendingID, offer *RefiOffer) (uint64, error)
	GetRefiOffer(id LendingID, nonce, number uint64) (*RefiOffer, error)
	UpdateRefiOffer(offer *RefiOffer) error

	// RouteReport records which loan an oracle report belongs to, so the
	// settlement callback can find it via ResolveReport.
	RouteReport(reportID ReportID, id LendingID) error
	ResolveReport(reportID ReportID) (LendingID, bool)
	ClearReport(reportID ReportID)
}

type loanOfferKey struct {
	id     LendingID
	number uint64
}

type refiOfferKey struct {
	id     LendingID
	nonce  uint64
	number uint64
}

// MemStore is an in-memory Store implementation. Every public Store method
// takes and returns deep copies so callers can never mutate stored state
// through an aliased pointer — the engine always round-trips through
// GetLoan/UpdateLoan.
type MemStore struct {
	nextID uint64
	loans  map[LendingID]*Loan

	nextOfferNumber map[LendingID]uint64
	offers          map[loanOfferKey]*Offer

	refiParams map[LendingID]*RefiParams

	nextRefiOfferNumber map[LendingID]uint64
	refiOffers          map[refiOfferKey]*RefiOffer

	reportRoutes map[ReportID]LendingID
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		loans:               make(map[LendingID]*Loan),
		nextOfferNumber:     make(map[LendingID]uint64),
		offers:              make(map[loanOfferKey]*Offer),
		refiParams:          make(map[LendingID]*RefiParams),
		nextRefiOfferNumber: make(map[LendingID]uint64),
		refiOffers:          make(map[refiOfferKey]*RefiOffer),
		reportRoutes:        make(map[ReportID]LendingID),
	}
}

func (s *MemStore) CreateLoan(loan *Loan) (LendingID, error) {
	if loan == nil {
		return 0, fmt.Errorf("store: nil loan")
	}
	s.nextID++
	id := LendingID(s.nextID)
	clone := loan.Clone()
	clone.ID = id
	s.loans[id] = clone
	return id, nil
}

func (s *MemStore) GetLoan(id LendingID) (*Loan, error) {
	loan, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("store: loan %d not found", id)
	}
	return loan.Clone(), nil
}

func (s *MemStore) UpdateLoan(loan *Loan) error {
	if loan == nil {
		return fmt.Errorf("store: nil loan")
	}
	if _, ok := s.loans[loan.ID]; !ok {
		return fmt.Errorf("store: loan %d not found", loan.ID)
	}
	s.loans[loan.ID] = loan.Clone()
	return nil
}

func (s *MemStore) AppendOffer(id LendingID, offer *Offer) (uint64, error) {
	if offer == nil {
		return 0, fmt.Errorf("store: nil offer")
	}
	s.nextOfferNumber[id]++
	number := s.nextOfferNumber[id]
	clone := offer.Clone()
	clone.LendingID = id
	clone.Number = number
	s.offers[loanOfferKey{id, number}] = clone
	return number, nil
}

func (s *MemStore) GetOffer(id LendingID, number uint64) (*Offer, error) {
	offer, ok := s.offers[loanOfferKey{id, number}]
	if !ok {
		return nil, fmt.Errorf("store: offer %d/%d not found", id, number)
	}
	return offer.Clone(), nil
}

func (s *MemStore) UpdateOffer(offer *Offer) error {
	if offer == nil {
		return fmt.Errorf("store: nil offer")
	}
	key := loanOfferKey{offer.LendingID, offer.Number}
	if _, ok := s.offers[key]; !ok {
		return fmt.Errorf("store: offer %d/%d not found", offer.LendingID, offer.Number)
	}
	s.offers[key] = offer.Clone()
	return nil
}

func (s *MemStore) GetRefiParams(id LendingID) (*RefiParams, error) {
	params, ok := s.refiParams[id]
	if !ok {
		return &RefiParams{}, nil
	}
	return params.Clone(), nil
}

func (s *MemStore) SetRefiParams(id LendingID, params *RefiParams) error {
	if params == nil {
		return fmt.Errorf("store: nil refi params")
	}
	s.refiParams[id] = params.Clone()
	return nil
}

func (s *MemStore) ClearRefiParams(id LendingID) error {
	delete(s.refiParams, id)
	return nil
}

func (s *MemStore) AppendRefiOffer(id LendingID, offer *RefiOffer) (uint64, error) {
	if offer == nil {
		return 0, fmt.Errorf("store: nil refi offer")
	}
	s.nextRefiOfferNumber[id]++
	number := s.nextRefiOfferNumber[id]
	clone := offer.Clone()
	clone.LendingID = id
	clone.Number = number
	s.refiOffers[refiOfferKey{id, offer.Nonce, number}] = clone
	return number, nil
}

func (s *MemStore) GetRefiOffer(id LendingID, nonce, number uint64) (*RefiOffer, error) {
	offer, ok := s.refiOffers[refiOfferKey{id, nonce, number}]
	if !ok {
		return nil, fmt.Errorf("store: refi offer %d/%d/%d not found", id, nonce, number)
	}
	return offer.Clone(), nil
}

func (s *MemStore) UpdateRefiOffer(offer *RefiOffer) error {
	if offer == nil {
		return fmt.Errorf("store: nil refi offer")
	}
	key := refiOfferKey{offer.LendingID, offer.Nonce, offer.Number}
	if _, ok := s.refiOffers[key]; !ok {
		return fmt.Errorf("store: refi offer %d/%d/%d not found", offer.LendingID, offer.Nonce, offer.Number)
	}
	s.refiOffers[key] = offer.Clone()
	return nil
}

func (s *MemStore) RouteReport(reportID ReportID, id LendingID) error {
	s.reportRoutes[reportID] = id
	return nil
}

func (s *MemStore) ResolveReport(reportID ReportID) (LendingID, bool) {
	id, ok := s.reportRoutes[reportID]
	return id, ok
}

func (s *MemStore) ClearReport(reportID ReportID) {
	delete(s.reportRoutes, reportID)
}
