package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/types"
)

var _ Repository = (*PostgresRepository)(nil)

// Repository is the persistence contract for subscription records and the
// append-only history log.
type Repository interface {
	GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*types.Subscription, error)
	GetByProviderRef(ctx context.Context, provider types.SubscriptionProvider, providerSubID string) (*types.Subscription, error)

	// CreateWithSupersede atomically cancels any existing active subscription
	// for the user and inserts the new record, appending history entries for
	// both transitions in the same transaction.
	CreateWithSupersede(ctx context.Context, sub *types.Subscription) error

	// UpdateTier moves an active subscription to a new tier and appends the
	// given history action. Returns ErrNoActiveSubscription if the record is
	// no longer active.
	UpdateTier(ctx context.Context, id uuid.UUID, fromTierID, toTierID int, action types.HistoryAction) error

	// Cancel transitions an active subscription to canceled. Reports whether
	// anything changed; canceling a terminal record is a no-op.
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// ScheduleCancel sets cancel_at_period_end. No-op if already set or not
	// active.
	ScheduleCancel(ctx context.Context, id uuid.UUID, action types.HistoryAction) (bool, error)

	// ClearScheduledCancel unsets cancel_at_period_end on an active
	// subscription. No-op if the flag is not set or the record is not active.
	ClearScheduledCancel(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkExpired transitions an active or paused subscription to expired.
	// No-op on terminal records.
	MarkExpired(ctx context.Context, id uuid.UUID) (bool, error)

	// ExtendPeriod pushes current_period_end forward, never backward, for an
	// active provider-correlated subscription. Reports whether the end moved.
	ExtendPeriod(ctx context.Context, provider types.SubscriptionProvider, providerSubID string, newEnd time.Time) (bool, error)

	// SweepDue transitions every active subscription whose period has ended:
	// to canceled when cancel_at_period_end is set, to expired otherwise.
	SweepDue(ctx context.Context, now time.Time) (*SweepResult, error)

	ListHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*types.SubscriptionHistoryEntry, error)
}

// SweepResult reports what a period-end sweep changed.
type SweepResult struct {
	Canceled      int
	Expired       int
	AffectedUsers []string
}

const subscriptionColumns = `id, user_id, tier_id, status, current_period_start, current_period_end,
		cancel_at_period_end, provider, provider_subscription_id, provider_customer_id,
		canceled_at, created_at, updated_at`

// PostgresRepository implements Repository over pgx.
type PostgresRepository struct {
	logger *slog.Logger
	pool   DBTX
}

// DBTX is the pgx surface shared by pgxpool.Pool and pgxmock.
type DBTX interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresRepository builds the repository over a pgx pool.
func NewPostgresRepository(pool DBTX, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{logger: logger, pool: pool}
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TierID,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.Provider,
		&s.ProviderSubscriptionID,
		&s.ProviderCustomerID,
		&s.CanceledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveByUserID fetches the user's single active subscription.
func (r *PostgresRepository) GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetActiveByUserID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "subscriptions"),
	))
	defer span.End()

	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1 AND status = 'active'
        ORDER BY created_at DESC
        LIMIT 1`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active subscription for user %s: %w", userID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching active subscription: %w", err)
	}
	return sub, nil
}

// GetByID fetches a subscription by primary key.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetByID", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.subscription.id", id.String()),
	))
	defer span.End()

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching subscription: %w", err)
	}
	return sub, nil
}

// GetByProviderRef fetches the most recent subscription correlated to a
// provider-native subscription id.
func (r *PostgresRepository) GetByProviderRef(ctx context.Context, provider types.SubscriptionProvider, providerSubID string) (*types.Subscription, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "GetByProviderRef", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("subscription.provider", string(provider)),
	))
	defer span.End()

	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE provider = $1 AND provider_subscription_id = $2
        ORDER BY created_at DESC
        LIMIT 1`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, provider, providerSubID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s/%s: %w", provider, providerSubID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching subscription by provider ref: %w", err)
	}
	return sub, nil
}

// CreateWithSupersede enforces the at-most-one-active invariant: inside one
// transaction it row-locks and cancels any existing active subscription for
// the user, then inserts the new record. History rows are written for the
// superseded cancellation and the creation.
func (r *PostgresRepository) CreateWithSupersede(ctx context.Context, sub *types.Subscription) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "CreateWithSupersede", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
		attribute.String("subscription.user_id", sub.UserID),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "CreateWithSupersede"), slog.String("userID", sub.UserID))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "BEGIN failed")
		return fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the user's active row so a concurrent transition cannot leave two
	// active subscriptions.
	lockQuery := `
        SELECT id, tier_id
        FROM subscriptions
        WHERE user_id = $1 AND status = 'active'
        FOR UPDATE`

	rows, err := tx.Query(ctx, lockQuery, sub.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock query failed")
		return fmt.Errorf("database error locking active subscription: %w", err)
	}
	type activeRow struct {
		id     uuid.UUID
		tierID int
	}
	var superseded []activeRow
	for rows.Next() {
		var a activeRow
		if err := rows.Scan(&a.id, &a.tierID); err != nil {
			rows.Close()
			span.RecordError(err)
			return fmt.Errorf("database error scanning active subscription: %w", err)
		}
		superseded = append(superseded, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("database error reading active subscriptions: %w", err)
	}

	for _, prev := range superseded {
		if _, err := tx.Exec(ctx, `
            UPDATE subscriptions
            SET status = 'canceled', canceled_at = COALESCE(canceled_at, $2), updated_at = $2
            WHERE id = $1`, prev.id, sub.CreatedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "supersede UPDATE failed")
			return fmt.Errorf("database error superseding subscription: %w", err)
		}
		if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
			SubscriptionID: prev.id,
			UserID:         sub.UserID,
			Action:         types.HistoryCanceled,
			FromTierID:     &prev.tierID,
		}); err != nil {
			return err
		}
		l.InfoContext(ctx, "superseded active subscription", slog.String("subscriptionID", prev.id.String()))
	}

	insertQuery := `
        INSERT INTO subscriptions (
            id, user_id, tier_id, status, current_period_start, current_period_end,
            cancel_at_period_end, provider, provider_subscription_id, provider_customer_id,
            created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`

	if _, err := tx.Exec(ctx, insertQuery,
		sub.ID, sub.UserID, sub.TierID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.Provider, sub.ProviderSubscriptionID, sub.ProviderCustomerID,
		sub.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// A concurrent transaction won the active-row race. The caller
			// resolves this to the surviving record.
			l.InfoContext(ctx, "concurrent active subscription insert lost the race")
			span.SetStatus(codes.Ok, "Concurrent insert")
			return fmt.Errorf("active subscription already exists for user %s: %w", sub.UserID, types.ErrConflict)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "INSERT failed")
		return fmt.Errorf("database error inserting subscription: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Action:         types.HistoryCreated,
		ToTierID:       &sub.TierID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "COMMIT failed")
		return fmt.Errorf("database error committing subscription create: %w", err)
	}

	span.SetStatus(codes.Ok, "Subscription created")
	return nil
}

// UpdateTier changes the tier of an active subscription in place. Period
// dates are untouched.
func (r *PostgresRepository) UpdateTier(ctx context.Context, id uuid.UUID, fromTierID, toTierID int, action types.HistoryAction) error {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "UpdateTier", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.subscription.id", id.String()),
		attribute.Int("subscription.to_tier", toTierID),
	))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET tier_id = $2, updated_at = now()
        WHERE id = $1 AND status = 'active'
        RETURNING user_id`, id, toTierID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("subscription %s is not active: %w", id, types.ErrNoActiveSubscription)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "UPDATE failed")
		return fmt.Errorf("database error updating tier: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
		SubscriptionID: id,
		UserID:         userID,
		Action:         action,
		FromTierID:     &fromTierID,
		ToTierID:       &toTierID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("database error committing tier update: %w", err)
	}
	span.SetStatus(codes.Ok, "Tier updated")
	return nil
}

// Cancel transitions an active subscription to canceled. canceled_at is set
// once and never reverted.
func (r *PostgresRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "Cancel", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.subscription.id", id.String()),
	))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var tierID int
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET status = 'canceled', canceled_at = COALESCE(canceled_at, $2), updated_at = $2
        WHERE id = $1 AND status = 'active'
        RETURNING user_id, tier_id`, id, at).Scan(&userID, &tierID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already terminal: idempotent no-op, not an anomaly.
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "UPDATE failed")
		return false, fmt.Errorf("database error canceling subscription: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
		SubscriptionID: id,
		UserID:         userID,
		Action:         types.HistoryCanceled,
		FromTierID:     &tierID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error committing cancel: %w", err)
	}
	span.SetStatus(codes.Ok, "Subscription canceled")
	return true, nil
}

// ScheduleCancel flags an active subscription for cancellation at period end.
func (r *PostgresRepository) ScheduleCancel(ctx context.Context, id uuid.UUID, action types.HistoryAction) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ScheduleCancel", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.subscription.id", id.String()),
	))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET cancel_at_period_end = TRUE, updated_at = now()
        WHERE id = $1 AND status = 'active' AND cancel_at_period_end = FALSE
        RETURNING user_id`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already flagged or terminal: duplicate delivery, no-op.
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "UPDATE failed")
		return false, fmt.Errorf("database error scheduling cancel: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
		SubscriptionID: id,
		UserID:         userID,
		Action:         action,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error committing scheduled cancel: %w", err)
	}
	span.SetStatus(codes.Ok, "Cancellation scheduled")
	return true, nil
}

// ClearScheduledCancel lifts a pending period-end cancellation, typically
// when the provider reports the user resumed.
func (r *PostgresRepository) ClearScheduledCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ClearScheduledCancel", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.subscription.id", id.String()),
	))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET cancel_at_period_end = FALSE, updated_at = now()
        WHERE id = $1 AND status = 'active' AND cancel_at_period_end = TRUE
        RETURNING user_id`, id).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Nothing scheduled or already terminal: duplicate delivery, no-op.
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "UPDATE failed")
		return false, fmt.Errorf("database error clearing scheduled cancel: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
		SubscriptionID: id,
		UserID:         userID,
		Action:         types.HistoryResumed,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error committing resume: %w", err)
	}
	span.SetStatus(codes.Ok, "Scheduled cancellation cleared")
	return true, nil
}

// MarkExpired forces a non-terminal subscription to expired.
func (r *PostgresRepository) MarkExpired(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "MarkExpired", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.subscription.id", id.String()),
	))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var tierID int
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET status = 'expired', updated_at = now()
        WHERE id = $1 AND status IN ('active', 'paused')
        RETURNING user_id, tier_id`, id).Scan(&userID, &tierID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "UPDATE failed")
		return false, fmt.Errorf("database error expiring subscription: %w", err)
	}

	if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
		SubscriptionID: id,
		UserID:         userID,
		Action:         types.HistoryExpired,
		FromTierID:     &tierID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("database error committing expiry: %w", err)
	}
	span.SetStatus(codes.Ok, "Subscription expired")
	return true, nil
}

// ExtendPeriod applies a renewal monotonically: the period end only moves
// forward, so a stale redelivered renewal never regresses state.
func (r *PostgresRepository) ExtendPeriod(ctx context.Context, provider types.SubscriptionProvider, providerSubID string, newEnd time.Time) (bool, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ExtendPeriod", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("subscription.provider", string(provider)),
	))
	defer span.End()

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
        UPDATE subscriptions
        SET current_period_end = $3, cancel_at_period_end = FALSE, updated_at = now()
        WHERE provider = $1 AND provider_subscription_id = $2
          AND status = 'active' AND current_period_end < $3
        RETURNING id`, provider, providerSubID, newEnd).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Stale, duplicate, or terminal: monotonic no-op.
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "UPDATE failed")
		return false, fmt.Errorf("database error extending period: %w", err)
	}
	span.SetStatus(codes.Ok, "Period extended")
	return true, nil
}

// SweepDue converts elapsed time into transitions: active subscriptions past
// their period end become canceled (when flagged) or expired. Runs in one
// transaction so it cannot race a live transition on the same rows.
func (r *PostgresRepository) SweepDue(ctx context.Context, now time.Time) (*SweepResult, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "SweepDue", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscriptions"),
	))
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res := &SweepResult{}

	sweep := func(setClause string, flagged bool, action types.HistoryAction) (int, error) {
		query := fmt.Sprintf(`
            UPDATE subscriptions
            SET %s, updated_at = $1
            WHERE status = 'active' AND current_period_end <= $1 AND cancel_at_period_end = $2
            RETURNING id, user_id, tier_id`, setClause)

		rows, err := tx.Query(ctx, query, now, flagged)
		if err != nil {
			return 0, fmt.Errorf("database error sweeping subscriptions: %w", err)
		}
		type swept struct {
			id     uuid.UUID
			userID string
			tierID int
		}
		var transitioned []swept
		for rows.Next() {
			var s swept
			if err := rows.Scan(&s.id, &s.userID, &s.tierID); err != nil {
				rows.Close()
				return 0, fmt.Errorf("database error scanning swept subscription: %w", err)
			}
			transitioned = append(transitioned, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("database error reading swept subscriptions: %w", err)
		}

		for _, s := range transitioned {
			if err := insertHistoryTx(ctx, tx, &types.SubscriptionHistoryEntry{
				SubscriptionID: s.id,
				UserID:         s.userID,
				Action:         action,
				FromTierID:     &s.tierID,
			}); err != nil {
				return 0, err
			}
			res.AffectedUsers = append(res.AffectedUsers, s.userID)
		}
		return len(transitioned), nil
	}

	if res.Canceled, err = sweep(`status = 'canceled', canceled_at = COALESCE(canceled_at, $1)`, true, types.HistoryCanceled); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancel sweep failed")
		return nil, err
	}
	if res.Expired, err = sweep(`status = 'expired'`, false, types.HistoryExpired); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire sweep failed")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("database error committing sweep: %w", err)
	}

	span.SetAttributes(attribute.Int("sweep.canceled", res.Canceled), attribute.Int("sweep.expired", res.Expired))
	span.SetStatus(codes.Ok, "Sweep completed")
	return res, nil
}

// ListHistory returns the audit log for a subscription, oldest first.
func (r *PostgresRepository) ListHistory(ctx context.Context, subscriptionID uuid.UUID) ([]*types.SubscriptionHistoryEntry, error) {
	ctx, span := otel.Tracer("SubscriptionRepo").Start(ctx, "ListHistory", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "subscription_history"),
	))
	defer span.End()

	query, args, err := squirrel.Select("id", "subscription_id", "user_id", "action", "from_tier_id", "to_tier_id", "created_at").
		From("subscription_history").
		Where(squirrel.Eq{"subscription_id": subscriptionID}).
		OrderBy("created_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error listing history: %w", err)
	}
	defer rows.Close()

	var entries []*types.SubscriptionHistoryEntry
	for rows.Next() {
		var e types.SubscriptionHistoryEntry
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &e.Action, &e.FromTierID, &e.ToTierID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("database error scanning history entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error reading history: %w", err)
	}
	return entries, nil
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, e *types.SubscriptionHistoryEntry) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO subscription_history (subscription_id, user_id, action, from_tier_id, to_tier_id)
        VALUES ($1, $2, $3, $4, $5)`,
		e.SubscriptionID, e.UserID, e.Action, e.FromTierID, e.ToTierID)
	if err != nil {
		return fmt.Errorf("database error appending history: %w", err)
	}
	return nil
}
