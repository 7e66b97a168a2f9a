package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcard/vaultcard-service/internal/config"
	"github.com/vaultcard/vaultcard-service/internal/ledger"
	"github.com/vaultcard/vaultcard-service/internal/models"
	"github.com/vaultcard/vaultcard-service/internal/repository"
)

func newServiceWithMockDB(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := &config.Config{MaxSubscriptionsPerUser: 25}
	svc := NewService(repository.NewRepository(db), nil, ledger.New(72*time.Hour, log), nil, nil, log, cfg)
	return svc, mock
}

func TestCreateSubscriptionWithoutLinkedCard(t *testing.T) {
	svc, mock := newServiceWithMockDB(t)
	now := time.Now().UTC()

	// No card lookup happens for an unlinked profile; the only reads are
	// the per-user cap and the insert itself.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM vaultcard.subscription_profiles`)).
		WithArgs("user-1", string(models.ProfileClosed)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO vaultcard.subscription_profiles`)).
		WithArgs(sqlmock.AnyArg(), "user-1", "News site", "", int64(1500), string(models.ProfileActive), "", "").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	p, err := svc.CreateSubscription(context.Background(), "user-1", CreateSubscriptionRequest{
		Nickname:          "News site",
		MonthlyLimitCents: 1500,
	})
	require.NoError(t, err)
	assert.Empty(t, p.LinkedCardID)
	assert.Equal(t, models.ProfileActive, p.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubscriptionLinkedCardMustBeOwned(t *testing.T) {
	svc, mock := newServiceWithMockDB(t)
	now := time.Now().UTC()

	cols := []string{"id", "user_id", "provider_card_id", "last4", "brand", "exp_month", "exp_year",
		"status", "nickname", "per_transaction_limit_cents", "per_period_limit_cents",
		"period_spent_cents", "spend_period", "currency", "created_at", "updated_at", "canceled_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM vaultcard.cards WHERE id = $1`)).
		WithArgs("card-9").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"card-9", "someone-else", "ic_9", "4242", "visa", 12, 2030,
			string(models.CardActive), "", int64(0), int64(0), int64(0), nil, "usd", now, now, nil))

	_, err := svc.CreateSubscription(context.Background(), "user-1", CreateSubscriptionRequest{
		Nickname:     "Streaming",
		LinkedCardID: "card-9",
	})
	require.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
