package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/lendme-ledger/internal/amortization"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/kafka"
	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// LoanTerms are the proposed terms of a request. Zero values fall back to the listing's terms.
type LoanTerms struct {
	Amount              decimal.Decimal
	InterestRatePercent *decimal.Decimal
	TermMonths          int
}

type NegotiatorService interface {
	Submit(ctx context.Context, listingID, requesterID string, terms LoanTerms) (*models.LoanRequest, error)
	// Accept funds the loan: the loan record, the lender to borrower transfer, and the status
	// changes of the request and listing commit together or not at all.
	Accept(ctx context.Context, requestID, ownerID string) (*models.Loan, error)
	Decline(ctx context.Context, requestID, ownerID string) (*models.LoanRequest, error)
	ListForListing(ctx context.Context, listingID, userID string) ([]models.LoanRequest, error)
}

type negotiatorService struct {
	txm         repository.TxManager
	requestRepo repository.LoanRequestRepository
	listingRepo repository.ListingRepository
	loanRepo    repository.LoanRepository
	listings    ListingService
	ledger      LedgerService
	events      *eventPublisher
	now         func() time.Time
}

func NewNegotiatorService(
	txm repository.TxManager,
	requestRepo repository.LoanRequestRepository,
	listingRepo repository.ListingRepository,
	loanRepo repository.LoanRepository,
	listings ListingService,
	ledger LedgerService,
	producer kafka.KafkaProducer,
	eventsTopic string,
) *negotiatorService {
	return &negotiatorService{
		txm:         txm,
		requestRepo: requestRepo,
		listingRepo: listingRepo,
		loanRepo:    loanRepo,
		listings:    listings,
		ledger:      ledger,
		events:      newEventPublisher(producer, eventsTopic),
		now:         time.Now,
	}
}

func (s *negotiatorService) Submit(ctx context.Context, listingID, requesterID string, terms LoanTerms) (*models.LoanRequest, error) {
	tracer := otel.Tracer("negotiator-service")
	ctx, span := tracer.Start(ctx, "SubmitLoanRequest")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", listingID), attribute.String("requester_id", requesterID))

	if requesterID == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	listing, err := s.listingRepo.GetByID(ctx, listingID)
	if err != nil {
		recordErr(span, err, "listing lookup failed")
		return nil, err
	}
	if listing.Status != models.ListingActive {
		return nil, pkgerrors.ErrListingNotActive
	}
	if listing.OwnerID == requesterID {
		return nil, fmt.Errorf("%w: cannot request your own listing", pkgerrors.ErrForbidden)
	}

	req := &models.LoanRequest{
		ListingID:           listing.ID,
		RequesterID:         requesterID,
		ListingOwnerID:      listing.OwnerID,
		Amount:              listing.Amount,
		InterestRatePercent: listing.InterestRatePercent,
		TermMonths:          listing.TermMonths,
		Status:              models.RequestPending,
	}
	if !terms.Amount.IsZero() {
		if terms.Amount.IsNegative() {
			return nil, pkgerrors.ErrInvalidAmount
		}
		req.Amount = terms.Amount.Round(2)
	}
	if terms.InterestRatePercent != nil {
		if terms.InterestRatePercent.IsNegative() {
			return nil, fmt.Errorf("%w: interest rate must not be negative", pkgerrors.ErrInvalidInput)
		}
		req.InterestRatePercent = *terms.InterestRatePercent
	}
	if terms.TermMonths != 0 {
		if terms.TermMonths < 0 {
			return nil, fmt.Errorf("%w: term must be positive", pkgerrors.ErrInvalidInput)
		}
		req.TermMonths = terms.TermMonths
	}

	if err := s.requestRepo.Create(ctx, req); err != nil {
		recordErr(span, err, "request creation failed")
		slog.Error("failed to create loan request", "listing_id", listingID, "requester_id", requesterID, "error", err)
		return nil, err
	}

	s.events.publish(models.EventLoanRequestCreated, req.ID, req)
	slog.Info("loan request submitted", "request_id", req.ID, "listing_id", listingID, "requester_id", requesterID)
	return req, nil
}

func (s *negotiatorService) Accept(ctx context.Context, requestID, ownerID string) (*models.Loan, error) {
	tracer := otel.Tracer("negotiator-service")
	ctx, span := tracer.Start(ctx, "AcceptLoanRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID), attribute.String("owner_id", ownerID))

	unlocked, err := s.requestRepo.GetByID(ctx, requestID)
	if err != nil {
		recordErr(span, err, "request lookup failed")
		return nil, err
	}

	var loan *models.Loan
	err = s.txm.WithinTx(ctx, func(ctx context.Context) error {
		// lock order: listing, request, then accounts inside the ledger transfer
		listing, err := s.listingRepo.LockForUpdate(ctx, unlocked.ListingID)
		if err != nil {
			return err
		}
		req, err := s.requestRepo.LockForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.ListingOwnerID != ownerID {
			return pkgerrors.ErrForbidden
		}
		if req.Status != models.RequestPending {
			return pkgerrors.ErrRequestNotPending
		}
		switch listing.Status {
		case models.ListingCompleted:
			return pkgerrors.ErrAlreadyCompleted
		case models.ListingCancelled:
			return pkgerrors.ErrListingNotActive
		}

		payment, err := amortization.MonthlyPayment(req.Amount, req.InterestRatePercent, req.TermMonths)
		if err != nil {
			return fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
		}

		lenderID, borrowerID := listing.OwnerID, req.RequesterID
		if listing.Type == models.ListingBorrow {
			lenderID, borrowerID = req.RequesterID, listing.OwnerID
		}

		next := s.now().UTC().Add(amortization.PaymentInterval)
		loan = &models.Loan{
			ListingID:           listing.ID,
			RequestID:           req.ID,
			BorrowerID:          borrowerID,
			LenderID:            lenderID,
			Principal:           req.Amount,
			InterestRatePercent: req.InterestRatePercent,
			TermMonths:          req.TermMonths,
			MonthlyPayment:      payment,
			RemainingBalance:    req.Amount,
			PaymentsMade:        0,
			PaymentsLeft:        req.TermMonths,
			NextPaymentDate:     &next,
			Status:              models.LoanActive,
		}
		if err := s.loanRepo.Create(ctx, loan); err != nil {
			return err
		}

		if _, _, err := s.ledger.Transfer(ctx, lenderID, borrowerID, req.Amount,
			models.KindLoanDisbursement, models.KindLoanReceived, "Loan disbursement "+loan.ID); err != nil {
			return err
		}

		if err := s.requestRepo.UpdateStatus(ctx, req.ID, models.RequestAccepted); err != nil {
			return err
		}
		if _, err := s.listings.Complete(ctx, listing.ID); err != nil {
			return err
		}

		funded := *loan
		s.txm.AfterCommit(ctx, func(context.Context) {
			s.events.publish(models.EventLoanFunded, funded.ID, funded)
		})
		return nil
	})
	if err != nil {
		recordErr(span, err, "accept failed")
		slog.Warn("loan request accept rolled back", "request_id", requestID, "owner_id", ownerID, "error", err)
		return nil, err
	}

	slog.Info("loan funded", "loan_id", loan.ID, "request_id", requestID, "lender_id", loan.LenderID,
		"borrower_id", loan.BorrowerID, "principal", loan.Principal.StringFixed(2), "monthly_payment", loan.MonthlyPayment.StringFixed(2))
	return loan, nil
}

func (s *negotiatorService) Decline(ctx context.Context, requestID, ownerID string) (*models.LoanRequest, error) {
	tracer := otel.Tracer("negotiator-service")
	ctx, span := tracer.Start(ctx, "DeclineLoanRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	var result *models.LoanRequest
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		req, err := s.requestRepo.LockForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.ListingOwnerID != ownerID {
			return pkgerrors.ErrForbidden
		}
		if req.Status != models.RequestPending {
			return pkgerrors.ErrRequestNotPending
		}
		if err := s.requestRepo.UpdateStatus(ctx, requestID, models.RequestDeclined); err != nil {
			return err
		}
		req.Status = models.RequestDeclined
		result = req
		return nil
	})
	if err != nil {
		recordErr(span, err, "decline failed")
		return nil, err
	}

	s.events.publish(models.EventLoanRequestDeclined, requestID, result)
	slog.Info("loan request declined", "request_id", requestID, "owner_id", ownerID)
	return result, nil
}

func (s *negotiatorService) ListForListing(ctx context.Context, listingID, userID string) ([]models.LoanRequest, error) {
	tracer := otel.Tracer("negotiator-service")
	ctx, span := tracer.Start(ctx, "ListLoanRequests")
	defer span.End()

	listing, err := s.listingRepo.GetByID(ctx, listingID)
	if err != nil {
		recordErr(span, err, "listing lookup failed")
		return nil, err
	}
	all, err := s.requestRepo.ListByListing(ctx, listingID)
	if err != nil {
		recordErr(span, err, "list requests failed")
		return nil, err
	}
	if listing.OwnerID == userID {
		return all, nil
	}

	own := make([]models.LoanRequest, 0)
	for _, r := range all {
		if r.RequesterID == userID {
			own = append(own, r)
		}
	}
	return own, nil
}
