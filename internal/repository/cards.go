package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

const cardColumns = `id, user_id, provider_card_id, last4, brand, exp_month, exp_year,
	status, nickname, per_transaction_limit_cents, per_period_limit_cents,
	period_spent_cents, spend_period, currency, created_at, updated_at, canceled_at`

func scanCard(row interface{ Scan(...interface{}) error }) (*models.Card, error) {
	card := &models.Card{}
	var canceledAt sql.NullTime
	var spendPeriod sql.NullString
	err := row.Scan(&card.ID, &card.UserID, &card.ProviderCardID, &card.Last4, &card.Brand,
		&card.ExpMonth, &card.ExpYear, &card.Status, &card.Nickname,
		&card.PerTransactionLimit, &card.PerPeriodLimit, &card.PeriodSpent, &spendPeriod,
		&card.Currency, &card.CreatedAt, &card.UpdatedAt, &canceledAt)
	if err != nil {
		return nil, err
	}
	if canceledAt.Valid {
		card.CanceledAt = &canceledAt.Time
	}
	return card, nil
}

// CreateCard creates a new virtual card record
func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	query := `
		INSERT INTO vaultcard.cards (id, user_id, provider_card_id, last4, brand, exp_month, exp_year,
			status, nickname, per_transaction_limit_cents, per_period_limit_cents, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		card.ID, card.UserID, card.ProviderCardID, card.Last4, card.Brand,
		card.ExpMonth, card.ExpYear, card.Status, card.Nickname,
		card.PerTransactionLimit, card.PerPeriodLimit, card.Currency).
		Scan(&card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

// FindCardByID retrieves a card by internal id
func (r *Repository) FindCardByID(ctx context.Context, id string) (*models.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM vaultcard.cards WHERE id = $1`
	card, err := scanCard(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}
	return card, nil
}

// FindCardByProviderID retrieves a card by the issuing provider's card id
func (r *Repository) FindCardByProviderID(ctx context.Context, providerCardID string) (*models.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM vaultcard.cards WHERE provider_card_id = $1`
	card, err := scanCard(r.db.QueryRowContext(ctx, query, providerCardID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", providerCardID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}
	return card, nil
}

// ListCardsByUser returns the user's cards, newest first
func (r *Repository) ListCardsByUser(ctx context.Context, userID string) ([]*models.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM vaultcard.cards WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards: %w", err)
	}
	defer rows.Close()

	var cards []*models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CountActiveCardsByUser counts the user's non-canceled cards
func (r *Repository) CountActiveCardsByUser(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM vaultcard.cards WHERE user_id = $1 AND status <> $2`
	if err := r.db.QueryRowContext(ctx, query, userID, models.CardCanceled).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cards: %w", err)
	}
	return count, nil
}

// UpdateCardStatus applies an already-validated status transition
func (r *Repository) UpdateCardStatus(ctx context.Context, cardID string, status models.CardStatus, canceledAt *time.Time) error {
	query := `
		UPDATE vaultcard.cards
		SET status = $2, canceled_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, cardID, status, canceledAt)
	if err != nil {
		return fmt.Errorf("failed to update card status: %w", err)
	}
	return requireRow(res, "card "+cardID)
}

// UpdateCardLimits changes the card's nickname and limit settings
func (r *Repository) UpdateCardLimits(ctx context.Context, cardID, nickname string, perTransaction, perPeriod int64) error {
	query := `
		UPDATE vaultcard.cards
		SET nickname = $2, per_transaction_limit_cents = $3, per_period_limit_cents = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, cardID, nickname, perTransaction, perPeriod)
	if err != nil {
		return fmt.Errorf("failed to update card limits: %w", err)
	}
	return requireRow(res, "card "+cardID)
}

// AddCardSpend mirrors a settled amount into the card's stored period
// counter. A row from an older period is rolled over, not accumulated.
func (r *Repository) AddCardSpend(ctx context.Context, cardID string, amountCents int64, period string) error {
	query := `
		UPDATE vaultcard.cards
		SET period_spent_cents = CASE WHEN spend_period = $3 THEN period_spent_cents + $2 ELSE $2 END,
		    spend_period = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, cardID, amountCents, period)
	if err != nil {
		return fmt.Errorf("failed to record card spend: %w", err)
	}
	return requireRow(res, "card "+cardID)
}

// ResetCardPeriods zeroes stored counters that belong to an elapsed
// period. Counters already in the current period are left alone, so the
// reset can be re-run safely.
func (r *Repository) ResetCardPeriods(ctx context.Context, currentPeriod string) (int64, error) {
	query := `
		UPDATE vaultcard.cards
		SET period_spent_cents = 0, spend_period = $1, updated_at = CURRENT_TIMESTAMP
		WHERE spend_period IS NOT NULL AND spend_period <> $1`
	res, err := r.db.ExecContext(ctx, query, currentPeriod)
	if err != nil {
		return 0, fmt.Errorf("failed to reset card periods: %w", err)
	}
	return res.RowsAffected()
}
