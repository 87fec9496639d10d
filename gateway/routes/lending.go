// Package routes wires the lending state machine to an HTTP surface: a
// chi router with JSON handlers calling directly into native/lending,
// rather than a protobuf/gRPC transcoding layer.
package routes

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nhbprotocol/p2plend/crypto"
	"github.com/nhbprotocol/p2plend/gateway/middleware"
	"github.com/nhbprotocol/p2plend/native/lending"
	"github.com/nhbprotocol/p2plend/observability/metrics"
)

// Server bundles the lending engine and views behind HTTP handlers.
type Server struct {
	Engine  *lending.Engine
	Views   *lending.Views
	Metrics *metrics.Registry
}

// Mount registers every lending endpoint under r, wrapped with auth and
// rate-limit middleware supplied by the caller (cmd/lendingd wires the
// concrete Authenticator/RateLimiter instances).
func (s *Server) Mount(r chi.Router, auth *middleware.Authenticator, limiter *middleware.RateLimiter) {
	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		}

		r.Post("/v1/loans", s.handleRequest)
		if limiter != nil {
			r.With(limiter.Middleware("offerBorrow")).Post("/v1/loans/{id}/offers", s.handleOfferBorrow)
		} else {
			r.Post("/v1/loans/{id}/offers", s.handleOfferBorrow)
		}
		r.Post("/v1/loans/{id}/offers/{number}/accept", s.handleAcceptOffer)
		r.Post("/v1/loans/{id}/cancel", s.handleCancelBorrowRequest)
		r.Post("/v1/loans/{id}/offers/{number}/cancel", s.handleCancelBorrowOffer)
		r.Post("/v1/loans/{id}/refi/params", s.handleChangeRefiParams)
		r.Post("/v1/loans/{id}/refi/offers", s.handleOfferRefiBorrow)
		r.Post("/v1/loans/{id}/refi/{nonce}/offers/{number}/accept", s.handleAcceptRefiOffer)
		r.Post("/v1/loans/{id}/refi/{nonce}/offers/{number}/cancel", s.handleCancelRefiBorrowOffer)
		r.Post("/v1/loans/{id}/topup", s.handleTopUpCollateral)
		r.Post("/v1/loans/{id}/repay", s.handleRepayDebt)
		if limiter != nil {
			r.With(limiter.Middleware("liquidate")).Post("/v1/loans/{id}/liquidate", s.handleLiquidate)
		} else {
			r.Post("/v1/loans/{id}/liquidate", s.handleLiquidate)
		}
		r.Post("/v1/loans/{id}/claim", s.handleClaimCollateral)

		r.Get("/v1/loans/{id}", s.handleGetLoan)
		r.Get("/v1/loans/{id}/offers/{number}", s.handleGetOffer)
		r.Get("/v1/loans/{id}/refi/params", s.handleGetRefiParams)
		r.Get("/v1/loans/{id}/refi/{nonce}/offers/{number}", s.handleGetRefiOffer)
	})
}

func (s *Server) observe(operation string, err error) {
	if s.Metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.Metrics.ObserveTransition(operation, "ok")
	case errors.Is(err, lending.ErrCustodyFailure):
		s.Metrics.ObserveTransition(operation, "custody_failure")
		s.Metrics.CustodyFailures.Inc()
	default:
		var ii *lending.InvalidInputError
		if errors.As(err, &ii) {
			s.Metrics.ObserveTransition(operation, "invalid_input")
			s.Metrics.ObserveInvalidInput(operation, ii.Reason)
			return
		}
		s.Metrics.ObserveTransition(operation, "error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ii *lending.InvalidInputError
	switch {
	case errors.As(err, &ii):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"reason": ii.Reason})
	case errors.Is(err, lending.ErrCustodyFailure):
		writeJSON(w, http.StatusConflict, map[string]string{"reason": "custody failure"})
	case errors.Is(err, lending.ErrActionPaused):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "action paused"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "internal error"})
	}
}

func callerAddress(r *http.Request) (crypto.Address, error) {
	sub := middleware.Subject(r.Context())
	if sub == "" {
		return crypto.Address{}, errors.New("missing caller identity")
	}
	return crypto.DecodeAddress(sub)
}

func pathLendingID(r *http.Request) (lending.LendingID, error) {
	raw := chi.URLParam(r, "id")
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, errors.New("invalid loan id")
	}
	return lending.LendingID(n.Uint64()), nil
}

func pathUint(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, errors.New("invalid " + name)
	}
	return n.Uint64(), nil
}

type requestLoanBody struct {
	Term                 uint64   `json:"term"`
	OfferExpiration      uint64   `json:"offerExpiration"`
	CollateralAsset      string   `json:"collateralAsset"`
	DebtAsset            string   `json:"debtAsset"`
	LiquidationThreshold uint64   `json:"liquidationThreshold"`
	SupplyAmount         *big.Int `json:"supplyAmount"`
	BorrowAmount         *big.Int `json:"borrowAmount"`
	StakeBps             uint64   `json:"stakeBps"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	var body requestLoanBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	id, err := s.Engine.Request(caller, body.Term, body.OfferExpiration,
		lending.AssetID(body.CollateralAsset), lending.AssetID(body.DebtAsset),
		body.LiquidationThreshold, body.SupplyAmount, body.BorrowAmount, body.StakeBps)
	s.observe("request", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"lendingId": uint64(id)})
}

type offerBorrowBody struct {
	Amount             *big.Int `json:"amount"`
	Rate               uint64   `json:"rate"`
	AllowAnyLiquidator bool     `json:"allowAnyLiquidator"`
}

func (s *Server) handleOfferBorrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var body offerBorrowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	number, err := s.Engine.OfferBorrow(caller, id, body.Amount, body.Rate, body.AllowAnyLiquidator)
	s.observe("offerBorrow", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"number": number})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	number, err := pathUint(r, "number")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	err = s.Engine.AcceptOffer(caller, id, number)
	s.observe("acceptOffer", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancelBorrowRequest(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	err = s.Engine.CancelBorrowRequest(caller, id)
	s.observe("cancelBorrowRequest", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancelBorrowOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	number, err := pathUint(r, "number")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	err = s.Engine.CancelBorrowOffer(caller, id, number)
	s.observe("cancelBorrowOffer", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type refiParamsBody struct {
	ExtraDemanded *big.Int `json:"extraDemanded"`
	SupplyPulled  *big.Int `json:"supplyPulled"`
}

func (s *Server) handleChangeRefiParams(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var body refiParamsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	err = s.Engine.ChangeRefiParams(caller, id, body.ExtraDemanded, body.SupplyPulled)
	s.observe("changeRefiParams", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type offerRefiBorrowBody struct {
	Rate                  uint64   `json:"rate"`
	AllowAnyLiquidator    bool     `json:"allowAnyLiquidator"`
	RepaidDebtExpected    *big.Int `json:"repaidDebtExpected"`
	ExtraDemandedExpected *big.Int `json:"extraDemandedExpected"`
	MinSupplyPostRefi     *big.Int `json:"minSupplyPostRefi"`
}

func (s *Server) handleOfferRefiBorrow(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var body offerRefiBorrowBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	number, nonce, err := s.Engine.OfferRefiBorrow(caller, id, body.Rate, body.AllowAnyLiquidator,
		body.RepaidDebtExpected, body.ExtraDemandedExpected, body.MinSupplyPostRefi)
	s.observe("offerRefiBorrow", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"nonce": nonce, "number": number})
}

func (s *Server) handleAcceptRefiOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	nonce, err := pathUint(r, "nonce")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	number, err := pathUint(r, "number")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	err = s.Engine.AcceptRefiOffer(caller, id, number, nonce)
	s.observe("acceptRefiOffer", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancelRefiBorrowOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	nonce, err := pathUint(r, "nonce")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	number, err := pathUint(r, "number")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	err = s.Engine.CancelRefiBorrowOffer(caller, id, nonce, number)
	s.observe("cancelRefiBorrowOffer", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type amountBody struct {
	Amount *big.Int `json:"amount"`
}

func (s *Server) handleTopUpCollateral(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var body amountBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	err = s.Engine.TopUpCollateral(caller, id, body.Amount)
	s.observe("topUpCollateral", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRepayDebt(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var body amountBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	err = s.Engine.RepayDebt(caller, id, body.Amount)
	s.observe("repayDebt", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type liquidateBody struct {
	ExpectedSupplyAmount     *big.Int `json:"expectedSupplyAmount"`
	OracleAmount1            *big.Int `json:"oracleAmount1"`
	OracleAmount2            *big.Int `json:"oracleAmount2"`
	ExpectedBorrowAmount     *big.Int `json:"expectedBorrowAmount"`
	ExpectedStart            uint64   `json:"expectedStart"`
	ExpectedStake            *big.Int `json:"expectedStake"`
	ExpectedInitialLiquidity *big.Int `json:"expectedInitialLiquidity"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, err := callerAddress(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": err.Error()})
		return
	}
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	var body liquidateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "malformed body"})
		return
	}
	err = s.Engine.Liquidate(caller, id, body.ExpectedSupplyAmount, body.OracleAmount1, body.OracleAmount2,
		body.ExpectedBorrowAmount, body.ExpectedStart, body.ExpectedStake, body.ExpectedInitialLiquidity)
	s.observe("liquidate", err)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.Liquidations.WithLabelValues("opened").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClaimCollateral(w http.ResponseWriter, r *http.Request) {
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	err = s.Engine.ClaimCollateral(id)
	s.observe("claimCollateral", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	view, err := s.Views.Loan(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	number, err := pathUint(r, "number")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	view, err := s.Views.Offer(id, number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRefiParams(w http.ResponseWriter, r *http.Request) {
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	view, err := s.Views.RefiParams(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRefiOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathLendingID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	nonce, err := pathUint(r, "nonce")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	number, err := pathUint(r, "number")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}
	view, err := s.Views.RefiOffer(id, nonce, number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
