package repository

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// CreateIssuingTransaction records a settled card transaction. Replayed
// provider transaction ids are absorbed silently so webhook retries
// cannot duplicate rows.
func (r *Repository) CreateIssuingTransaction(ctx context.Context, tx *models.IssuingTransaction) error {
	query := `
		INSERT INTO vaultcard.issuing_transactions (id, user_id, card_id, provider_tx_id, provider_card_id,
			amount_cents, currency, merchant_name, merchant_mcc, merchant_city, merchant_country,
			type, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, CURRENT_TIMESTAMP)`
	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.UserID, tx.CardID, tx.ProviderTxID, tx.ProviderCardID,
		tx.AmountCents, tx.Currency, tx.MerchantName, tx.MerchantMCC,
		tx.MerchantCity, tx.MerchantCountry, tx.Type, tx.OccurredAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create issuing transaction: %w", err)
	}
	return nil
}

// ListTransactionsByCard returns the card's settled transactions, newest first
func (r *Repository) ListTransactionsByCard(ctx context.Context, cardID string, limit int) ([]*models.IssuingTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, card_id, provider_tx_id, provider_card_id, amount_cents, currency,
			merchant_name, merchant_mcc, merchant_city, merchant_country, type, occurred_at, created_at
		FROM vaultcard.issuing_transactions
		WHERE card_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var list []*models.IssuingTransaction
	for rows.Next() {
		tx := &models.IssuingTransaction{}
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.CardID, &tx.ProviderTxID, &tx.ProviderCardID,
			&tx.AmountCents, &tx.Currency, &tx.MerchantName, &tx.MerchantMCC,
			&tx.MerchantCity, &tx.MerchantCountry, &tx.Type, &tx.OccurredAt, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		list = append(list, tx)
	}
	return list, rows.Err()
}

// ListTransactionsByUser returns all of the user's settled transactions
// across cards, newest first
func (r *Repository) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*models.IssuingTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, card_id, provider_tx_id, provider_card_id, amount_cents, currency,
			merchant_name, merchant_mcc, merchant_city, merchant_country, type, occurred_at, created_at
		FROM vaultcard.issuing_transactions
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var list []*models.IssuingTransaction
	for rows.Next() {
		tx := &models.IssuingTransaction{}
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.CardID, &tx.ProviderTxID, &tx.ProviderCardID,
			&tx.AmountCents, &tx.Currency, &tx.MerchantName, &tx.MerchantMCC,
			&tx.MerchantCity, &tx.MerchantCountry, &tx.Type, &tx.OccurredAt, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		list = append(list, tx)
	}
	return list, rows.Err()
}
