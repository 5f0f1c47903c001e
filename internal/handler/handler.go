package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/auth"
	"github.com/honeynil/lendme-ledger/internal/models"
	service "github.com/honeynil/lendme-ledger/internal/services"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	maxWebhookBody  = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 200
)

type Handler struct {
	ledger      service.LedgerService
	listings    service.ListingService
	negotiator  service.NegotiatorService
	repayments  service.RepaymentService
	reconciler  service.ReconcilerService
	withdrawals service.WithdrawalService
	currency    string
	validate    *validator.Validate
}

func NewHandler(
	ledger service.LedgerService,
	listings service.ListingService,
	negotiator service.NegotiatorService,
	repayments service.RepaymentService,
	reconciler service.ReconcilerService,
	withdrawals service.WithdrawalService,
	currency string,
) *Handler {
	return &Handler{
		ledger:      ledger,
		listings:    listings,
		negotiator:  negotiator,
		repayments:  repayments,
		reconciler:  reconciler,
		withdrawals: withdrawals,
		currency:    currency,
		validate:    validator.New(),
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Shortfall string `json:"shortfall,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var insufficient *pkgerrors.InsufficientFundsError
	if errors.As(err, &insufficient) {
		resp.Shortfall = insufficient.Shortfall().StringFixed(2)
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps domain errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInvalidAmount),
		errors.Is(err, pkgerrors.ErrInvalidTransactionKind):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, pkgerrors.ErrInvalidSignature):
		h.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, pkgerrors.ErrForbidden):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, pkgerrors.ErrAccountNotFound),
		errors.Is(err, pkgerrors.ErrListingNotFound),
		errors.Is(err, pkgerrors.ErrLoanRequestNotFound),
		errors.Is(err, pkgerrors.ErrLoanNotFound),
		errors.Is(err, pkgerrors.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pkgerrors.ErrAlreadyCompleted),
		errors.Is(err, pkgerrors.ErrLoanAlreadyCompleted),
		errors.Is(err, pkgerrors.ErrListingNotActive),
		errors.Is(err, pkgerrors.ErrRequestNotPending),
		errors.Is(err, pkgerrors.ErrRequestAlreadyProcessed),
		errors.Is(err, pkgerrors.ErrDuplicateReference),
		errors.Is(err, pkgerrors.ErrInvalidTransactionState),
		errors.Is(err, pkgerrors.ErrConcurrentModification):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, pkgerrors.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		slog.Error("unhandled service error", "error", err)
		h.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/webhooks/paystack", h.PaystackWebhook).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	verified := func(f http.HandlerFunc) http.Handler { return auth.RequireVerified(f) }

	r.HandleFunc("/accounts", h.OpenAccount).Methods("POST")
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/transactions", h.GetTransactionHistory).Methods("GET")
	r.HandleFunc("/deposits", h.InitiateDeposit).Methods("POST")
	r.Handle("/withdrawals", verified(h.Withdraw)).Methods("POST")

	r.HandleFunc("/listings", h.CreateListing).Methods("POST")
	r.HandleFunc("/listings", h.ListListings).Methods("GET")
	r.HandleFunc("/listings/{id}", h.GetListing).Methods("GET")
	r.HandleFunc("/listings/{id}/cancel", h.CancelListing).Methods("POST")
	r.HandleFunc("/listings/{id}/requests", h.SubmitLoanRequest).Methods("POST")
	r.HandleFunc("/listings/{id}/requests", h.ListLoanRequests).Methods("GET")

	r.Handle("/loan-requests/{id}/accept", verified(h.AcceptLoanRequest)).Methods("POST")
	r.HandleFunc("/loan-requests/{id}/decline", h.DeclineLoanRequest).Methods("POST")

	r.HandleFunc("/loans", h.ListLoans).Methods("GET")
	r.HandleFunc("/loans/{id}", h.GetLoan).Methods("GET")
	r.HandleFunc("/loans/{id}/schedule", h.GetLoanSchedule).Methods("GET")
	r.Handle("/loans/{id}/payments", verified(h.ApplyPayment)).Methods("POST")

	r.HandleFunc("/repayment-behavior", h.GetRepaymentBehavior).Methods("GET")
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
	}
	return userID, ok
}

func (h *Handler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Paystack-Signature")
	}

	outcome, err := h.reconciler.HandleWebhook(r.Context(), body, signature)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Currency string `json:"currency" validate:"omitempty,len=3,uppercase"`
	}
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}

	account, err := h.ledger.OpenAccount(r.Context(), userID, req.Currency)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance":  balance.StringFixed(2),
		"currency": h.currency,
	})
}

func (h *Handler) GetTransactionHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	transactions, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}
	var req struct {
		Amount   decimal.Decimal          `json:"amount"`
		Currency string                   `json:"currency" validate:"omitempty,len=3"`
		Method   models.PaymentMethodType `json:"method" validate:"omitempty,oneof=bank_account mobile_money card paypal"`
		Email    string                   `json:"email" validate:"omitempty,email"`
	}
	if err := h.decode(r, &req); err != nil {
		h.writeServiceError(w, err)
		return
	}
	email := req.Email
	if email == "" {
		email = claims.Email
	}

	session, err := h.reconciler.InitiateDeposit(r.Context(), service.DepositRequest{
		AccountID: claims.UserID,
		Email:     email,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    req.Method,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount      decimal.Decimal              `json:"amount"`
		Destination models.PaymentMethodEnvelope `json:"destination"`
	}
	if err := h.decode(r, &req); err != nil {
		h.writeServiceError(w, err)
		return
	}
	destination, err := models.DecodePaymentMethod(req.Destination)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.withdrawals.Withdraw(r.Context(), userID, req.Amount, destination, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Type                models.ListingType `json:"type" validate:"required,oneof=borrow lend"`
		Amount              decimal.Decimal    `json:"amount"`
		InterestRatePercent decimal.Decimal    `json:"interest_rate_percent"`
		TermMonths          int                `json:"term_months" validate:"required,gt=0"`
		Purpose             string             `json:"purpose" validate:"max=500"`
	}
	if err := h.decode(r, &req); err != nil {
		h.writeServiceError(w, err)
		return
	}

	listing, err := h.listings.Create(r.Context(), userID, service.CreateListingInput{
		Type:                req.Type,
		Amount:              req.Amount,
		InterestRatePercent: req.InterestRatePercent,
		TermMonths:          req.TermMonths,
		Purpose:             req.Purpose,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ListingFilter{
		Type:    models.ListingType(q.Get("type")),
		Status:  models.ListingStatus(q.Get("status")),
		OwnerID: q.Get("owner_id"),
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	listings := make([]models.Listing, 0, limit)
	for l, err := range h.listings.List(r.Context(), filter, limit) {
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		listings = append(listings, l)
		if len(listings) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := h.listings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	listing, err := h.listings.Cancel(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) SubmitLoanRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount              decimal.Decimal  `json:"amount"`
		InterestRatePercent *decimal.Decimal `json:"interest_rate_percent"`
		TermMonths          int              `json:"term_months" validate:"gte=0"`
	}
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}

	loanRequest, err := h.negotiator.Submit(r.Context(), mux.Vars(r)["id"], userID, service.LoanTerms{
		Amount:              req.Amount,
		InterestRatePercent: req.InterestRatePercent,
		TermMonths:          req.TermMonths,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanRequest)
}

func (h *Handler) ListLoanRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	requests, err := h.negotiator.ListForListing(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *Handler) AcceptLoanRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	loan, err := h.negotiator.Accept(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) DeclineLoanRequest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	loanRequest, err := h.negotiator.Decline(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanRequest)
}

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	loans, err := h.repayments.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) GetRepaymentBehavior(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	behavior, err := h.repayments.Behavior(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, behavior)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	loan, err := h.repayments.Get(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) GetLoanSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	schedule, err := h.repayments.Schedule(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}

	loan, err := h.repayments.ApplyPayment(r.Context(), mux.Vars(r)["id"], userID, req.Amount, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", pkgerrors.ErrInvalidInput, key)
	}
	return n, nil
}
