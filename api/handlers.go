package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tranchepool/native/vault"
)

type depositRequest struct {
	Depositor string `json:"depositor"`
	Tranche   string `json:"tranche"`
	Amount    string `json:"amount"`
}

type redeemRequest struct {
	Depositor string `json:"depositor"`
	Tranche   string `json:"tranche"`
	Shares    string `json:"shares"`
}

type withdrawRequest struct {
	Depositor string `json:"depositor"`
	Tranche   string `json:"tranche"`
	// Amount is optional; empty withdraws everything available.
	Amount string `json:"amount,omitempty"`
}

type purchaseRequest struct {
	Price string `json:"price"`
}

type liquidatedRequest struct {
	Proceeds string `json:"proceeds"`
}

type releaseRequest struct {
	Recipient string `json:"recipient"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type loanResponse struct {
	ID            string `json:"id"`
	Reference     string `json:"reference"`
	Collateral    string `json:"collateral"`
	Borrower      string `json:"borrower"`
	PurchasePrice string `json:"purchasePrice"`
	Repayment     string `json:"repaymentAmount"`
	Maturity      uint64 `json:"maturityTimestamp"`
	SeniorReturn  string `json:"seniorReturn"`
	JuniorReturn  string `json:"juniorReturn"`
	Liquidated    bool   `json:"liquidated"`
	Active        bool   `json:"active"`
}

func newLoanResponse(loan *vault.Loan) loanResponse {
	return loanResponse{
		ID:            fmt.Sprintf("%x", loan.ID),
		Reference:     loan.Reference,
		Collateral:    loan.Collateral,
		Borrower:      loan.Borrower.Hex(),
		PurchasePrice: bigString(loan.PurchasePrice),
		Repayment:     bigString(loan.RepaymentAmount),
		Maturity:      loan.MaturityTimestamp,
		SeniorReturn:  bigString(loan.TrancheReturns[vault.TrancheSenior]),
		JuniorReturn:  bigString(loan.TrancheReturns[vault.TrancheJunior]),
		Liquidated:    loan.Liquidated,
		Active:        loan.Active,
	}
}

// observe feeds the operation metrics and, after successful mutations, the
// balance sheet gauges.
func (s *Server) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Observe(operation, time.Since(start), err)
	if err != nil {
		return
	}
	if balances, berr := s.engine.PoolBalances(); berr == nil {
		s.metrics.RecordBalances(
			balances.TotalLoanBalance,
			balances.TotalCashBalance,
			balances.TotalReservesBalance,
			balances.TotalWithdrawalBalance,
		)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req depositRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	depositor, err := parseAddress(req.Depositor)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tranche, err := parseTranche(req.Tranche)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	shares, err := s.engine.Deposit(depositor, tranche, amount)
	s.observe("deposit", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("deposit accepted", "depositor", depositor.Hex(), "tranche", tranche.String(), "amount", amount.String())
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req redeemRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	depositor, err := parseAddress(req.Depositor)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tranche, err := parseTranche(req.Tranche)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := s.engine.Redeem(depositor, tranche, shares)
	s.observe("redeem", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("redemption queued", "depositor", depositor.Hex(), "tranche", tranche.String(), "amount", amount.String())
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	depositor, err := parseAddress(req.Depositor)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	tranche, err := parseTranche(req.Tranche)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	withdrawn, err := s.engine.Withdraw(depositor, tranche, amount)
	s.observe("withdraw", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("withdrawal paid", "depositor", depositor.Hex(), "tranche", tranche.String(), "amount", withdrawn.String())
	writeJSON(w, http.StatusOK, map[string]string{"amount": withdrawn.String()})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	quote, err := s.engine.QuoteLoan(reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"purchasePrice": bigString(quote.PurchasePrice),
		"discountRate":  bigString(quote.DiscountRate),
		"utilization":   bigString(quote.Utilization),
		"loanToValue":   bigString(quote.LoanToValue),
	})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req purchaseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	reference := chi.URLParam(r, "reference")
	loan, err := s.engine.Purchase(actor, reference, price)
	s.observe("purchase", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("loan purchased", "reference", reference, "price", price.String(), "actor", actor.Hex())
	writeJSON(w, http.StatusOK, newLoanResponse(loan))
}

func (s *Server) handleRepaid(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	reference := chi.URLParam(r, "reference")
	err := s.engine.OnLoanRepaid(actor, reference)
	s.observe("repayment", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("loan repaid", "reference", reference, "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleExpired(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	reference := chi.URLParam(r, "reference")
	err := s.engine.OnLoanExpired(actor, reference)
	s.observe("default", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Warn("loan defaulted", "reference", reference, "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"status": "defaulted"})
}

func (s *Server) handleLiquidated(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req liquidatedRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	proceeds, err := parseAmount(req.Proceeds)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	reference := chi.URLParam(r, "reference")
	err = s.engine.OnCollateralLiquidated(actor, reference, proceeds)
	s.observe("liquidation", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("collateral proceeds settled", "reference", reference, "proceeds", proceeds.String(), "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleReleaseCollateral(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req releaseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	reference := chi.URLParam(r, "reference")
	err = s.engine.ReleaseCollateral(actor, reference, recipient)
	s.observe("collateral_release", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("collateral released", "reference", reference, "recipient", recipient.Hex(), "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SetPaused(actor, req.Paused); err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetPause(req.Paused)
	}
	s.log.Warn("pause toggled", "paused", req.Paused, "actor", actor.Hex())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handlePoolBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.engine.PoolBalances()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"totalLoanBalance":       bigString(balances.TotalLoanBalance),
		"totalCashBalance":       bigString(balances.TotalCashBalance),
		"totalReservesBalance":   bigString(balances.TotalReservesBalance),
		"totalWithdrawalBalance": bigString(balances.TotalWithdrawalBalance),
	})
}

func (s *Server) handleTrancheState(w http.ResponseWriter, r *http.Request) {
	tranche, err := parseTranche(chi.URLParam(r, "tranche"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	state, err := s.engine.TrancheState(tranche)
	if err != nil {
		writeError(w, err)
		return
	}
	price, err := s.engine.SharePrice(tranche)
	if err != nil {
		writeError(w, err)
		return
	}
	redemptionPrice, err := s.engine.RedemptionSharePrice(tranche)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSharePrice(tranche.String(), price)
		s.metrics.RecordQueueBacklog(tranche.String(), state.PendingRedemptions())
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tranche":              tranche.String(),
		"depositValue":         bigString(state.DepositValue),
		"totalShares":          bigString(state.TotalShares),
		"queueTotal":           bigString(state.RedemptionQueueTotal),
		"queueProcessed":       bigString(state.RedemptionQueueProcessed),
		"pendingRedemptions":   bigString(state.PendingRedemptions()),
		"sharePrice":           bigString(price),
		"redemptionSharePrice": bigString(redemptionPrice),
	})
}

func (s *Server) handleDepositorState(w http.ResponseWriter, r *http.Request) {
	tranche, err := parseTranche(chi.URLParam(r, "tranche"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	depositor, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	shares, err := s.engine.ShareBalance(tranche, depositor)
	if err != nil {
		writeError(w, err)
		return
	}
	redemption, available, err := s.engine.RedemptionStatus(tranche, depositor)
	if err != nil {
		writeError(w, err)
		return
	}
	payload := map[string]string{
		"shares":    bigString(shares),
		"available": bigString(available),
	}
	if redemption != nil {
		payload["pendingAmount"] = bigString(redemption.PendingAmount)
		payload["withdrawnAmount"] = bigString(redemption.WithdrawnAmount)
		payload["queueTargetPosition"] = bigString(redemption.QueueTargetPosition)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := s.engine.LoanByReference(chi.URLParam(r, "reference"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanResponse(loan))
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAuditByReference(w http.ResponseWriter, r *http.Request) {
	entries, err := s.journal.ByReference(chi.URLParam(r, "reference"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
