package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/kafka"
	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultPageSize = 20

type CreateListingInput struct {
	Type                models.ListingType `validate:"required,oneof=borrow lend"`
	Amount              decimal.Decimal
	InterestRatePercent decimal.Decimal
	TermMonths          int    `validate:"gt=0,lte=360"`
	Purpose             string `validate:"max=500"`
}

type ListingService interface {
	Create(ctx context.Context, ownerID string, in CreateListingInput) (*models.Listing, error)
	Get(ctx context.Context, id string) (*models.Listing, error)
	// Complete moves an active listing to completed. It fails with ErrAlreadyCompleted on a
	// second call.
	Complete(ctx context.Context, id string) (*models.Listing, error)
	Cancel(ctx context.Context, id, ownerID string) (*models.Listing, error)
	// List yields listings newest first. Each range over the result starts from the top.
	List(ctx context.Context, filter models.ListingFilter, pageSize int) iter.Seq2[models.Listing, error]
}

type listingService struct {
	txm         repository.TxManager
	listingRepo repository.ListingRepository
	events      *eventPublisher
	validate    *validator.Validate
}

func NewListingService(txm repository.TxManager, listingRepo repository.ListingRepository, producer kafka.KafkaProducer, eventsTopic string) *listingService {
	return &listingService{
		txm:         txm,
		listingRepo: listingRepo,
		events:      newEventPublisher(producer, eventsTopic),
		validate:    validator.New(),
	}
}

func (s *listingService) Create(ctx context.Context, ownerID string, in CreateListingInput) (*models.Listing, error) {
	tracer := otel.Tracer("listing-service")
	ctx, span := tracer.Start(ctx, "CreateListing")
	defer span.End()

	if ownerID == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	if err := s.validate.Struct(in); err != nil {
		recordErr(span, err, "invalid listing")
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}
	if !in.Amount.IsPositive() {
		return nil, pkgerrors.ErrInvalidAmount
	}
	if in.InterestRatePercent.IsNegative() {
		return nil, fmt.Errorf("%w: interest rate must not be negative", pkgerrors.ErrInvalidInput)
	}

	listing := &models.Listing{
		OwnerID:             ownerID,
		Type:                in.Type,
		Amount:              in.Amount.Round(2),
		InterestRatePercent: in.InterestRatePercent,
		TermMonths:          in.TermMonths,
		Purpose:             in.Purpose,
		Status:              models.ListingActive,
	}
	if err := s.listingRepo.Create(ctx, listing); err != nil {
		recordErr(span, err, "listing creation failed")
		slog.Error("failed to create listing", "owner_id", ownerID, "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.String("listing_id", listing.ID))
	s.events.publish(models.EventListingCreated, listing.ID, listing)
	slog.Info("listing created", "listing_id", listing.ID, "owner_id", ownerID, "type", listing.Type, "amount", listing.Amount.StringFixed(2))
	return listing, nil
}

func (s *listingService) Get(ctx context.Context, id string) (*models.Listing, error) {
	tracer := otel.Tracer("listing-service")
	ctx, span := tracer.Start(ctx, "GetListing")
	defer span.End()
	return s.listingRepo.GetByID(ctx, id)
}

func (s *listingService) Complete(ctx context.Context, id string) (*models.Listing, error) {
	tracer := otel.Tracer("listing-service")
	ctx, span := tracer.Start(ctx, "CompleteListing")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", id))

	var result *models.Listing
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		listing, err := s.listingRepo.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch listing.Status {
		case models.ListingCompleted:
			return pkgerrors.ErrAlreadyCompleted
		case models.ListingCancelled:
			return pkgerrors.ErrListingNotActive
		}
		if err := s.listingRepo.UpdateStatus(ctx, id, models.ListingCompleted); err != nil {
			return err
		}
		listing.Status = models.ListingCompleted
		result = listing
		return nil
	})
	if err != nil {
		recordErr(span, err, "complete listing failed")
		return nil, err
	}
	return result, nil
}

func (s *listingService) Cancel(ctx context.Context, id, ownerID string) (*models.Listing, error) {
	tracer := otel.Tracer("listing-service")
	ctx, span := tracer.Start(ctx, "CancelListing")
	defer span.End()
	span.SetAttributes(attribute.String("listing_id", id))

	var result *models.Listing
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		listing, err := s.listingRepo.LockForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if listing.OwnerID != ownerID {
			return pkgerrors.ErrForbidden
		}
		switch listing.Status {
		case models.ListingCompleted:
			return pkgerrors.ErrAlreadyCompleted
		case models.ListingCancelled:
			return pkgerrors.ErrListingNotActive
		}
		if err := s.listingRepo.UpdateStatus(ctx, id, models.ListingCancelled); err != nil {
			return err
		}
		listing.Status = models.ListingCancelled
		result = listing
		return nil
	})
	if err != nil {
		recordErr(span, err, "cancel listing failed")
		slog.Warn("failed to cancel listing", "listing_id", id, "owner_id", ownerID, "error", err)
		return nil, err
	}

	s.events.publish(models.EventListingCancelled, id, result)
	slog.Info("listing cancelled", "listing_id", id, "owner_id", ownerID)
	return result, nil
}

func (s *listingService) List(ctx context.Context, filter models.ListingFilter, pageSize int) iter.Seq2[models.Listing, error] {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return func(yield func(models.Listing, error) bool) {
		var cursor *models.ListingCursor
		for {
			page, err := s.listingRepo.List(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(models.Listing{}, err)
				return
			}
			for _, l := range page {
				if !yield(l, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &models.ListingCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}
