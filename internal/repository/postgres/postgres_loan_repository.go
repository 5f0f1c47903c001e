package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const loanRequestColumns = `id, listing_id, requester_id, listing_owner_id, amount, interest_rate_percent, term_months, status, created_at, updated_at`

type PostgresLoanRequestRepository struct {
	db *sql.DB
}

func NewPostgresLoanRequestRepository(db *sql.DB) *PostgresLoanRequestRepository {
	return &PostgresLoanRequestRepository{db: db}
}

func (r *PostgresLoanRequestRepository) Create(ctx context.Context, req *models.LoanRequest) (err error) {
	ctx, span, done := instrument(ctx, "loan-request-repository", "CreateLoanRequest")
	defer done(&err)

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("request_id", req.ID), attribute.String("listing_id", req.ListingID))

	query := `
		INSERT INTO loan_requests (id, listing_id, requester_id, listing_owner_id, amount, interest_rate_percent, term_months, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		req.ID, req.ListingID, req.RequesterID, req.ListingOwnerID, req.Amount, req.InterestRatePercent, req.TermMonths, req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		slog.Error("failed to create loan request", "method", "Create", "listing_id", req.ListingID, "error", err)
		return fmt.Errorf("failed to create loan request: %w", err)
	}
	return nil
}

func (r *PostgresLoanRequestRepository) GetByID(ctx context.Context, id string) (_ *models.LoanRequest, err error) {
	ctx, span, done := instrument(ctx, "loan-request-repository", "GetLoanRequestByID")
	defer done(&err)
	span.SetAttributes(attribute.String("request_id", id))

	return r.get(ctx, `SELECT `+loanRequestColumns+` FROM loan_requests WHERE id = $1`, id)
}

func (r *PostgresLoanRequestRepository) LockForUpdate(ctx context.Context, id string) (_ *models.LoanRequest, err error) {
	ctx, span, done := instrument(ctx, "loan-request-repository", "LockLoanRequest")
	defer done(&err)
	span.SetAttributes(attribute.String("request_id", id))

	if !inTx(ctx) {
		err = pkgerrors.ErrNotInTransaction
		return nil, err
	}
	return r.get(ctx, `SELECT `+loanRequestColumns+` FROM loan_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresLoanRequestRepository) get(ctx context.Context, query, id string) (*models.LoanRequest, error) {
	req, err := scanLoanRequest(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrLoanRequestNotFound
	}
	if err != nil {
		slog.Error("failed to get loan request", "request_id", id, "error", err)
		return nil, fmt.Errorf("failed to get loan request: %w", err)
	}
	return req, nil
}

func (r *PostgresLoanRequestRepository) UpdateStatus(ctx context.Context, id string, status models.LoanRequestStatus) (err error) {
	ctx, span, done := instrument(ctx, "loan-request-repository", "UpdateLoanRequestStatus")
	defer done(&err)
	span.SetAttributes(attribute.String("request_id", id), attribute.String("status", string(status)))

	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE loan_requests SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		slog.Error("failed to update loan request status", "method", "UpdateStatus", "request_id", id, "error", err)
		return fmt.Errorf("failed to update loan request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrLoanRequestNotFound
		return err
	}
	return nil
}

func (r *PostgresLoanRequestRepository) ListByListing(ctx context.Context, listingID string) (_ []models.LoanRequest, err error) {
	ctx, span, done := instrument(ctx, "loan-request-repository", "ListLoanRequests")
	defer done(&err)
	span.SetAttributes(attribute.String("listing_id", listingID))

	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+loanRequestColumns+` FROM loan_requests WHERE listing_id = $1 ORDER BY created_at, id`, listingID)
	if err != nil {
		slog.Error("failed to list loan requests", "method", "ListByListing", "listing_id", listingID, "error", err)
		return nil, fmt.Errorf("failed to list loan requests: %w", err)
	}
	defer rows.Close()

	var out []models.LoanRequest
	for rows.Next() {
		req, scanErr := scanLoanRequest(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan loan request: %w", scanErr)
			return nil, err
		}
		out = append(out, *req)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate loan requests: %w", err)
	}
	return out, nil
}

func scanLoanRequest(row rowScanner) (*models.LoanRequest, error) {
	var req models.LoanRequest
	err := row.Scan(&req.ID, &req.ListingID, &req.RequesterID, &req.ListingOwnerID, &req.Amount,
		&req.InterestRatePercent, &req.TermMonths, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

const loanColumns = `id, listing_id, request_id, borrower_id, lender_id, principal, interest_rate_percent, term_months,
	monthly_payment, remaining_balance, payments_made, payments_left, next_payment_date, on_time_payments, late_payments,
	status, created_at, updated_at`

type PostgresLoanRepository struct {
	db *sql.DB
}

func NewPostgresLoanRepository(db *sql.DB) *PostgresLoanRepository {
	return &PostgresLoanRepository{db: db}
}

func (r *PostgresLoanRepository) Create(ctx context.Context, loan *models.Loan) (err error) {
	ctx, span, done := instrument(ctx, "loan-repository", "CreateLoan")
	defer done(&err)

	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("loan_id", loan.ID),
		attribute.String("borrower_id", loan.BorrowerID),
		attribute.String("lender_id", loan.LenderID),
	)

	query := `
		INSERT INTO loans (id, listing_id, request_id, borrower_id, lender_id, principal, interest_rate_percent, term_months,
			monthly_payment, remaining_balance, payments_made, payments_left, next_payment_date, on_time_payments, late_payments, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		loan.ID, loan.ListingID, loan.RequestID, loan.BorrowerID, loan.LenderID, loan.Principal, loan.InterestRatePercent,
		loan.TermMonths, loan.MonthlyPayment, loan.RemainingBalance, loan.PaymentsMade, loan.PaymentsLeft,
		loan.NextPaymentDate, loan.OnTimePayments, loan.LatePayments, loan.Status,
	).Scan(&loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		slog.Error("failed to create loan", "method", "Create", "request_id", loan.RequestID, "error", err)
		return fmt.Errorf("failed to create loan: %w", err)
	}

	slog.Info("loan created", "method", "Create", "loan_id", loan.ID, "principal", loan.Principal.StringFixed(2))
	return nil
}

func (r *PostgresLoanRepository) GetByID(ctx context.Context, id string) (_ *models.Loan, err error) {
	ctx, span, done := instrument(ctx, "loan-repository", "GetLoanByID")
	defer done(&err)
	span.SetAttributes(attribute.String("loan_id", id))

	return r.get(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
}

func (r *PostgresLoanRepository) LockForUpdate(ctx context.Context, id string) (_ *models.Loan, err error) {
	ctx, span, done := instrument(ctx, "loan-repository", "LockLoan")
	defer done(&err)
	span.SetAttributes(attribute.String("loan_id", id))

	if !inTx(ctx) {
		err = pkgerrors.ErrNotInTransaction
		return nil, err
	}
	return r.get(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresLoanRepository) get(ctx context.Context, query, id string) (*models.Loan, error) {
	loan, err := scanLoan(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrLoanNotFound
	}
	if err != nil {
		slog.Error("failed to get loan", "loan_id", id, "error", err)
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

func (r *PostgresLoanRepository) Update(ctx context.Context, loan *models.Loan) (err error) {
	ctx, span, done := instrument(ctx, "loan-repository", "UpdateLoan")
	defer done(&err)
	span.SetAttributes(attribute.String("loan_id", loan.ID), attribute.Int("payments_left", loan.PaymentsLeft))

	query := `
		UPDATE loans SET remaining_balance = $1, payments_made = $2, payments_left = $3,
			next_payment_date = $4, on_time_payments = $5, late_payments = $6, status = $7, updated_at = now()
		WHERE id = $8
		RETURNING updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		loan.RemainingBalance, loan.PaymentsMade, loan.PaymentsLeft, loan.NextPaymentDate,
		loan.OnTimePayments, loan.LatePayments, loan.Status, loan.ID,
	).Scan(&loan.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrLoanNotFound
		return err
	}
	if err != nil {
		slog.Error("failed to update loan", "method", "Update", "loan_id", loan.ID, "error", err)
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return nil
}

func (r *PostgresLoanRepository) ListByUser(ctx context.Context, userID string) (_ []models.Loan, err error) {
	ctx, span, done := instrument(ctx, "loan-repository", "ListLoans")
	defer done(&err)
	span.SetAttributes(attribute.String("user_id", userID))

	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE borrower_id = $1 OR lender_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		slog.Error("failed to list loans", "method", "ListByUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var out []models.Loan
	for rows.Next() {
		loan, scanErr := scanLoan(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan loan: %w", scanErr)
			return nil, err
		}
		out = append(out, *loan)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate loans: %w", err)
	}
	return out, nil
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var (
		loan models.Loan
		next sql.NullTime
	)
	err := row.Scan(&loan.ID, &loan.ListingID, &loan.RequestID, &loan.BorrowerID, &loan.LenderID, &loan.Principal,
		&loan.InterestRatePercent, &loan.TermMonths, &loan.MonthlyPayment, &loan.RemainingBalance,
		&loan.PaymentsMade, &loan.PaymentsLeft, &next, &loan.OnTimePayments, &loan.LatePayments,
		&loan.Status, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if next.Valid {
		t := next.Time
		loan.NextPaymentDate = &t
	}
	return &loan, nil
}
