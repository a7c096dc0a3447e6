package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkful/forkful-billing-api/internal/types"
)

func setupRepoTest(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgresRepository(mockPool, logger), mockPool
}

func subscriptionRows(sub *types.Subscription) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "tier_id", "status", "current_period_start", "current_period_end",
		"cancel_at_period_end", "provider", "provider_subscription_id", "provider_customer_id",
		"canceled_at", "created_at", "updated_at",
	}).AddRow(
		sub.ID, sub.UserID, sub.TierID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID,
		sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt,
	)
}

func TestPostgresRepository_GetActiveByUserID(t *testing.T) {
	ctx := context.Background()

	t.Run("returns active subscription", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		want := activeSubscription("user-1", 2)

		mockPool.ExpectQuery(`SELECT (.+) FROM subscriptions\s+WHERE user_id = \$1 AND status = 'active'`).
			WithArgs("user-1").
			WillReturnRows(subscriptionRows(want))

		got, err := repo.GetActiveByUserID(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, types.SubscriptionActive, got.Status)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps no rows to NotFound", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)

		mockPool.ExpectQuery(`SELECT (.+) FROM subscriptions`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		_, err := repo.GetActiveByUserID(ctx, "user-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestPostgresRepository_CreateWithSupersede(t *testing.T) {
	ctx := context.Background()

	t.Run("supersedes existing active subscription in one transaction", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		sub := activeSubscription("user-1", 3)
		prevID := uuid.New()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT id, tier_id\s+FROM subscriptions\s+WHERE user_id = \$1 AND status = 'active'\s+FOR UPDATE`).
			WithArgs("user-1").
			WillReturnRows(pgxmock.NewRows([]string{"id", "tier_id"}).AddRow(prevID, 2))
		mockPool.ExpectExec(`UPDATE subscriptions\s+SET status = 'canceled'`).
			WithArgs(prevID, sub.CreatedAt).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(prevID, "user-1", types.HistoryCanceled, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`INSERT INTO subscriptions`).
			WithArgs(sub.ID, sub.UserID, sub.TierID, sub.Status,
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
				sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(sub.ID, "user-1", types.HistoryCreated, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		require.NoError(t, repo.CreateWithSupersede(ctx, sub))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("inserts without supersede when user has no active subscription", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		sub := activeSubscription("user-2", 2)

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`FOR UPDATE`).
			WithArgs("user-2").
			WillReturnRows(pgxmock.NewRows([]string{"id", "tier_id"}))
		mockPool.ExpectExec(`INSERT INTO subscriptions`).
			WithArgs(sub.ID, sub.UserID, sub.TierID, sub.Status,
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
				sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(sub.ID, "user-2", types.HistoryCreated, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		require.NoError(t, repo.CreateWithSupersede(ctx, sub))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back when the insert fails", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		sub := activeSubscription("user-3", 2)

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`FOR UPDATE`).
			WithArgs("user-3").
			WillReturnRows(pgxmock.NewRows([]string{"id", "tier_id"}))
		mockPool.ExpectExec(`INSERT INTO subscriptions`).
			WithArgs(sub.ID, sub.UserID, sub.TierID, sub.Status,
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
				sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.CreatedAt).
			WillReturnError(errors.New("unique violation"))
		mockPool.ExpectRollback()

		require.Error(t, repo.CreateWithSupersede(ctx, sub))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps a unique index violation to Conflict", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		sub := activeSubscription("user-4", 2)

		// Two first-time creations race: neither sees a row to lock, the
		// loser's insert trips the partial unique index.
		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`FOR UPDATE`).
			WithArgs("user-4").
			WillReturnRows(pgxmock.NewRows([]string{"id", "tier_id"}))
		mockPool.ExpectExec(`INSERT INTO subscriptions`).
			WithArgs(sub.ID, sub.UserID, sub.TierID, sub.Status,
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
				sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.CreatedAt).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_subscriptions_active_user"})
		mockPool.ExpectRollback()

		err := repo.CreateWithSupersede(ctx, sub)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrConflict))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRepository_ClearScheduledCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("clears the flag and appends a resumed entry", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		id := uuid.New()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`UPDATE subscriptions\s+SET cancel_at_period_end = FALSE`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-1"))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(id, "user-1", types.HistoryResumed, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		changed, err := repo.ClearScheduledCancel(ctx, id)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("nothing scheduled is a no-op", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		id := uuid.New()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`UPDATE subscriptions\s+SET cancel_at_period_end = FALSE`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}))
		mockPool.ExpectRollback()

		changed, err := repo.ClearScheduledCancel(ctx, id)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRepository_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels active subscription and appends history", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		id := uuid.New()
		at := time.Now().UTC()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`UPDATE subscriptions\s+SET status = 'canceled'`).
			WithArgs(id, at).
			WillReturnRows(pgxmock.NewRows([]string{"user_id", "tier_id"}).AddRow("user-1", 2))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(id, "user-1", types.HistoryCanceled, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		changed, err := repo.Cancel(ctx, id, at)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("canceling a terminal subscription is a no-op", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		id := uuid.New()
		at := time.Now().UTC()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`UPDATE subscriptions\s+SET status = 'canceled'`).
			WithArgs(id, at).
			WillReturnRows(pgxmock.NewRows([]string{"user_id", "tier_id"}))
		mockPool.ExpectRollback()

		changed, err := repo.Cancel(ctx, id, at)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresRepository_ScheduleCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate schedule is a no-op", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		id := uuid.New()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SET cancel_at_period_end = TRUE`).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}))
		mockPool.ExpectRollback()

		changed, err := repo.ScheduleCancel(ctx, id, types.HistoryScheduledCancel)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestPostgresRepository_ExtendPeriod(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the period end forward", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		newEnd := time.Now().Add(60 * 24 * time.Hour).UTC()

		mockPool.ExpectQuery(`SET current_period_end = \$3, cancel_at_period_end = FALSE`).
			WithArgs(types.ProviderStripe, "sub_1", newEnd).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))

		changed, err := repo.ExtendPeriod(ctx, types.ProviderStripe, "sub_1", newEnd)
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("stale period end never regresses state", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		staleEnd := time.Now().Add(-time.Hour).UTC()

		mockPool.ExpectQuery(`current_period_end < \$3`).
			WithArgs(types.ProviderStripe, "sub_1", staleEnd).
			WillReturnRows(pgxmock.NewRows([]string{"id"}))

		changed, err := repo.ExtendPeriod(ctx, types.ProviderStripe, "sub_1", staleEnd)
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestPostgresRepository_SweepDue(t *testing.T) {
	ctx := context.Background()

	t.Run("flagged rows cancel, unflagged rows expire", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		now := time.Now().UTC()
		canceledID, expiredID := uuid.New(), uuid.New()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SET status = 'canceled'(.+)RETURNING id, user_id, tier_id`).
			WithArgs(now, true).
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "tier_id"}).AddRow(canceledID, "user-1", 2))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(canceledID, "user-1", types.HistoryCanceled, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectQuery(`SET status = 'expired'(.+)RETURNING id, user_id, tier_id`).
			WithArgs(now, false).
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "tier_id"}).AddRow(expiredID, "user-2", 3))
		mockPool.ExpectExec(`INSERT INTO subscription_history`).
			WithArgs(expiredID, "user-2", types.HistoryExpired, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		res, err := repo.SweepDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Canceled)
		assert.Equal(t, 1, res.Expired)
		assert.ElementsMatch(t, []string{"user-1", "user-2"}, res.AffectedUsers)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("quiet sweep changes nothing", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		now := time.Now().UTC()

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SET status = 'canceled'`).
			WithArgs(now, true).
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "tier_id"}))
		mockPool.ExpectQuery(`SET status = 'expired'`).
			WithArgs(now, false).
			WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "tier_id"}))
		mockPool.ExpectCommit()

		res, err := repo.SweepDue(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, res.Canceled)
		assert.Zero(t, res.Expired)
		assert.Empty(t, res.AffectedUsers)
	})
}

func TestPostgresRepository_ListHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("returns entries oldest first", func(t *testing.T) {
		repo, mockPool := setupRepoTest(t)
		subID := uuid.New()
		from, to := 1, 2

		mockPool.ExpectQuery(`SELECT id, subscription_id, user_id, action, from_tier_id, to_tier_id, created_at FROM subscription_history`).
			WithArgs(subID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "subscription_id", "user_id", "action", "from_tier_id", "to_tier_id", "created_at"}).
				AddRow(uuid.New(), subID, "user-1", types.HistoryCreated, nil, &to, time.Now().Add(-time.Hour)).
				AddRow(uuid.New(), subID, "user-1", types.HistoryUpgraded, &from, &to, time.Now()))

		entries, err := repo.ListHistory(ctx, subID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, types.HistoryCreated, entries[0].Action)
		assert.Equal(t, types.HistoryUpgraded, entries[1].Action)
	})
}
