package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// SaveProcessedEvent mirrors a processed webhook record. The in-memory
// dedup set answers replays within a process lifetime; FindProcessedEvent
// reads this table so replays after a restart see the same record.
// Duplicate event ids are absorbed.
func (r *Repository) SaveProcessedEvent(ctx context.Context, outcome *models.IngestOutcome) error {
	decision := ""
	if outcome.Decision != nil {
		if outcome.Decision.Approved {
			decision = "approved"
		} else {
			decision = "declined:" + outcome.Decision.Reason
		}
	}
	query := `
		INSERT INTO vaultcard.processed_events (event_id, kind, status, decision, message, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query,
		outcome.EventID, outcome.Kind, outcome.Status, decision, outcome.Message, outcome.ProcessedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save processed event: %w", err)
	}
	return nil
}

// FindProcessedEvent returns the recorded outcome for an event id, or
// models.ErrNotFound if the event was never processed.
func (r *Repository) FindProcessedEvent(ctx context.Context, eventID string) (*models.IngestOutcome, error) {
	out := &models.IngestOutcome{}
	var decision string
	query := `
		SELECT event_id, kind, status, decision, message, processed_at
		FROM vaultcard.processed_events
		WHERE event_id = $1`
	err := r.db.QueryRowContext(ctx, query, eventID).Scan(
		&out.EventID, &out.Kind, &out.Status, &decision, &out.Message, &out.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("processed event %s: %w", eventID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find processed event: %w", err)
	}

	switch {
	case decision == "approved":
		out.Decision = &models.Decision{Approved: true}
	case strings.HasPrefix(decision, "declined:"):
		out.Decision = &models.Decision{Reason: strings.TrimPrefix(decision, "declined:")}
	}
	return out, nil
}

// LoadSpentTotals returns the stored per-card and per-profile spend for
// the given period, used to prime the in-memory ledger on startup.
func (r *Repository) LoadSpentTotals(ctx context.Context, period string) (map[string]int64, error) {
	totals := make(map[string]int64)

	query := `
		SELECT id, period_spent_cents FROM vaultcard.cards
		WHERE spend_period = $1 AND period_spent_cents > 0
		UNION ALL
		SELECT id, current_period_spent_cents FROM vaultcard.subscription_profiles
		WHERE spend_period = $1 AND current_period_spent_cents > 0`
	rows, err := r.db.QueryContext(ctx, query, period)
	if err != nil {
		return nil, fmt.Errorf("failed to load spent totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var spent int64
		if err := rows.Scan(&id, &spent); err != nil {
			return nil, fmt.Errorf("failed to scan spent total: %w", err)
		}
		totals[id] = spent
	}
	return totals, rows.Err()
}
