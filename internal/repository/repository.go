package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// Repository provides database operations
type Repository struct {
	db *sql.DB
}

// NewRepository initializes a new repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser creates a new user in the database
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO vaultcard.users (id, username, email, password_hash, active, kyc_status, balance_cents, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.Active, user.KYCStatus, user.BalanceCents, user.Currency).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserByEmail retrieves a user by email
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	query := `
		SELECT id, username, email, password_hash, active, kyc_status, balance_cents, currency, created_at, updated_at
		FROM vaultcard.users
		WHERE email = $1`
	err := r.db.QueryRowContext(ctx, query, email).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
			&user.Active, &user.KYCStatus, &user.BalanceCents, &user.Currency,
			&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// FindUserByID retrieves a user by id
func (r *Repository) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	query := `
		SELECT id, username, email, password_hash, active, kyc_status, balance_cents, currency, created_at, updated_at
		FROM vaultcard.users
		WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash,
			&user.Active, &user.KYCStatus, &user.BalanceCents, &user.Currency,
			&user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// UpdateUserKYC sets the user's verification status
func (r *Repository) UpdateUserKYC(ctx context.Context, userID string, status string) error {
	query := `
		UPDATE vaultcard.users
		SET kyc_status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, userID, status)
	if err != nil {
		return fmt.Errorf("failed to update kyc status: %w", err)
	}
	return requireRow(res, "user "+userID)
}

// CreditUserBalance atomically adds funds to the user's stored balance.
func (r *Repository) CreditUserBalance(ctx context.Context, userID string, amountCents int64) (int64, error) {
	var balance int64
	query := `
		UPDATE vaultcard.users
		SET balance_cents = balance_cents + $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING balance_cents`
	err := r.db.QueryRowContext(ctx, query, userID, amountCents).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}
	return balance, nil
}

func requireRow(res sql.Result, subject string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", subject, models.ErrNotFound)
	}
	return nil
}
