package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

const fundingColumns = `id, user_id, provider_payment_id, client_secret, amount_cents,
	currency, payment_method_type, status, error_message, created_at, updated_at, completed_at`

func scanFunding(row interface{ Scan(...interface{}) error }) (*models.FundingTransaction, error) {
	ft := &models.FundingTransaction{}
	var completedAt sql.NullTime
	err := row.Scan(&ft.ID, &ft.UserID, &ft.ProviderPaymentID, &ft.ClientSecret,
		&ft.AmountCents, &ft.Currency, &ft.PaymentMethodType, &ft.Status,
		&ft.ErrorMessage, &ft.CreatedAt, &ft.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		ft.CompletedAt = &completedAt.Time
	}
	return ft, nil
}

// CreateFunding records a newly initiated funding transaction
func (r *Repository) CreateFunding(ctx context.Context, ft *models.FundingTransaction) error {
	query := `
		INSERT INTO vaultcard.funding_transactions (id, user_id, provider_payment_id, client_secret,
			amount_cents, currency, payment_method_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		ft.ID, ft.UserID, ft.ProviderPaymentID, ft.ClientSecret,
		ft.AmountCents, ft.Currency, ft.PaymentMethodType, ft.Status).
		Scan(&ft.CreatedAt, &ft.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create funding transaction: %w", err)
	}
	return nil
}

// FindFundingByProviderPaymentID retrieves a funding transaction by the
// provider's payment reference
func (r *Repository) FindFundingByProviderPaymentID(ctx context.Context, providerPaymentID string) (*models.FundingTransaction, error) {
	query := `SELECT ` + fundingColumns + ` FROM vaultcard.funding_transactions WHERE provider_payment_id = $1`
	ft, err := scanFunding(r.db.QueryRowContext(ctx, query, providerPaymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("funding transaction %s: %w", providerPaymentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find funding transaction: %w", err)
	}
	return ft, nil
}

// ListFundingByUser returns the user's funding history, newest first
func (r *Repository) ListFundingByUser(ctx context.Context, userID string, limit int) ([]*models.FundingTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + fundingColumns + ` FROM vaultcard.funding_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list funding transactions: %w", err)
	}
	defer rows.Close()

	var list []*models.FundingTransaction
	for rows.Next() {
		ft, err := scanFunding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funding transaction: %w", err)
		}
		list = append(list, ft)
	}
	return list, rows.Err()
}

// MarkFundingStatus moves a funding transaction into a terminal or
// intermediate status. completedAt is set for terminal states only.
func (r *Repository) MarkFundingStatus(ctx context.Context, id string, status models.FundingStatus, errMsg string, completedAt *time.Time) error {
	query := `
		UPDATE vaultcard.funding_transactions
		SET status = $2, error_message = $3, completed_at = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, status, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("failed to update funding status: %w", err)
	}
	return requireRow(res, "funding transaction "+id)
}
