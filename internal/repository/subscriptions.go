package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

const profileColumns = `id, user_id, nickname, linked_card_id, monthly_limit_cents,
	current_period_spent_cents, spend_period, status, allowed_mccs, notes, created_at, updated_at`

func scanProfile(row interface{ Scan(...interface{}) error }) (*models.SubscriptionProfile, error) {
	p := &models.SubscriptionProfile{}
	var linkedCard, spendPeriod sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.Nickname, &linkedCard, &p.MonthlyLimitCents,
		&p.CurrentPeriodSpent, &spendPeriod, &p.Status, &p.AllowedMCCs, &p.Notes,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.LinkedCardID = linkedCard.String
	return p, nil
}

// CreateProfile creates a new subscription profile. An absent card link is
// stored as NULL so unlinked profiles never collide on the one-open-profile-
// per-card index.
func (r *Repository) CreateProfile(ctx context.Context, p *models.SubscriptionProfile) error {
	query := `
		INSERT INTO vaultcard.subscription_profiles (id, user_id, nickname, linked_card_id,
			monthly_limit_cents, status, allowed_mccs, notes, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		p.ID, p.UserID, p.Nickname, p.LinkedCardID, p.MonthlyLimitCents,
		p.Status, p.AllowedMCCs, p.Notes).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription profile: %w", err)
	}
	return nil
}

// FindProfileByID retrieves a subscription profile by id
func (r *Repository) FindProfileByID(ctx context.Context, id string) (*models.SubscriptionProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM vaultcard.subscription_profiles WHERE id = $1`
	p, err := scanProfile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription profile %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription profile: %w", err)
	}
	return p, nil
}

// FindActiveProfileByCardID retrieves the non-closed profile linked to a
// card. At most one such profile exists per card.
func (r *Repository) FindActiveProfileByCardID(ctx context.Context, cardID string) (*models.SubscriptionProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM vaultcard.subscription_profiles
		WHERE linked_card_id = $1 AND status <> $2`
	p, err := scanProfile(r.db.QueryRowContext(ctx, query, cardID, models.ProfileClosed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile for card %s: %w", cardID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription profile: %w", err)
	}
	return p, nil
}

// ListProfilesByUser returns the user's subscription profiles, newest first
func (r *Repository) ListProfilesByUser(ctx context.Context, userID string) ([]*models.SubscriptionProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM vaultcard.subscription_profiles
		WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*models.SubscriptionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// CountOpenProfilesByUser counts the user's non-closed profiles
func (r *Repository) CountOpenProfilesByUser(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM vaultcard.subscription_profiles WHERE user_id = $1 AND status <> $2`
	if err := r.db.QueryRowContext(ctx, query, userID, models.ProfileClosed).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count subscription profiles: %w", err)
	}
	return count, nil
}

// UpdateProfileStatus applies an already-validated status transition
func (r *Repository) UpdateProfileStatus(ctx context.Context, profileID string, status models.ProfileStatus) error {
	query := `
		UPDATE vaultcard.subscription_profiles
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, profileID, status)
	if err != nil {
		return fmt.Errorf("failed to update profile status: %w", err)
	}
	return requireRow(res, "subscription profile "+profileID)
}

// UpdateProfileSettings changes the profile's editable fields
func (r *Repository) UpdateProfileSettings(ctx context.Context, profileID, nickname string, monthlyLimit int64, allowedMCCs, notes string) error {
	query := `
		UPDATE vaultcard.subscription_profiles
		SET nickname = $2, monthly_limit_cents = $3, allowed_mccs = $4, notes = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, profileID, nickname, monthlyLimit, allowedMCCs, notes)
	if err != nil {
		return fmt.Errorf("failed to update profile settings: %w", err)
	}
	return requireRow(res, "subscription profile "+profileID)
}

// AddProfileSpend mirrors a settled amount into the profile's stored
// period counter, rolling over rows from an older period.
func (r *Repository) AddProfileSpend(ctx context.Context, profileID string, amountCents int64, period string) error {
	query := `
		UPDATE vaultcard.subscription_profiles
		SET current_period_spent_cents = CASE WHEN spend_period = $3 THEN current_period_spent_cents + $2 ELSE $2 END,
		    spend_period = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, profileID, amountCents, period)
	if err != nil {
		return fmt.Errorf("failed to record profile spend: %w", err)
	}
	return requireRow(res, "subscription profile "+profileID)
}

// ResetProfilePeriods zeroes stored counters from elapsed periods
func (r *Repository) ResetProfilePeriods(ctx context.Context, currentPeriod string) (int64, error) {
	query := `
		UPDATE vaultcard.subscription_profiles
		SET current_period_spent_cents = 0, spend_period = $1, updated_at = CURRENT_TIMESTAMP
		WHERE spend_period IS NOT NULL AND spend_period <> $1`
	res, err := r.db.ExecContext(ctx, query, currentPeriod)
	if err != nil {
		return 0, fmt.Errorf("failed to reset profile periods: %w", err)
	}
	return res.RowsAffected()
}
