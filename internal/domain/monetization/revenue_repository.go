package monetization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/domain/catalog"
	"github.com/forkful/forkful-billing-api/internal/types"
)

var _ RevenueRecorder = (*PostgresRevenueRepository)(nil)

// RevenueRecorder is the creator revenue collaborator: it records affiliate
// conversions and recomputes a creator's current billing month.
type RevenueRecorder interface {
	// RecordConversion writes an affiliate conversion for a subscription.
	// Returns the creator the link code belongs to. Idempotent per
	// subscription id.
	RecordConversion(ctx context.Context, linkCode, subscriberID string, subscriptionID uuid.UUID, tierID int) (creatorID string, err error)

	// RecalculateMonthlyRevenue rebuilds the creator's revenue row for the
	// current month from recorded conversions.
	RecalculateMonthlyRevenue(ctx context.Context, creatorID string) error
}

// RevenuePool is the pgx surface the repository needs, narrowed for pgxmock.
type RevenuePool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRevenueRepository implements RevenueRecorder over pgx.
type PostgresRevenueRepository struct {
	logger  *slog.Logger
	pool    RevenuePool
	catalog *catalog.Catalog
}

// NewPostgresRevenueRepository builds the repository. The catalog supplies
// tier prices for gross revenue accounting.
func NewPostgresRevenueRepository(pool RevenuePool, cat *catalog.Catalog, logger *slog.Logger) *PostgresRevenueRepository {
	return &PostgresRevenueRepository{logger: logger, pool: pool, catalog: cat}
}

// RecordConversion resolves the link code to its creator and inserts the
// conversion. A unique constraint on subscription_id makes duplicate
// deliveries a conflict, which callers treat as already-recorded.
func (r *PostgresRevenueRepository) RecordConversion(ctx context.Context, linkCode, subscriberID string, subscriptionID uuid.UUID, tierID int) (string, error) {
	ctx, span := otel.Tracer("RevenueRepo").Start(ctx, "RecordConversion", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "affiliate_conversions"),
		attribute.String("affiliate.link_code", linkCode),
	))
	defer span.End()

	l := r.logger.With(slog.String("method", "RecordConversion"), slog.String("linkCode", linkCode))

	var creatorID string
	err := r.pool.QueryRow(ctx, `SELECT creator_id FROM affiliate_links WHERE code = $1`, linkCode).Scan(&creatorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("affiliate link %q: %w", linkCode, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return "", fmt.Errorf("database error resolving affiliate link: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
        INSERT INTO affiliate_conversions (creator_id, subscriber_id, subscription_id, tier_id, link_code)
        VALUES ($1, $2, $3, $4, $5)`,
		creatorID, subscriberID, subscriptionID, tierID, linkCode)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			l.DebugContext(ctx, "conversion already recorded for subscription",
				slog.String("subscriptionID", subscriptionID.String()))
			span.SetStatus(codes.Ok, "Conversion already recorded")
			return creatorID, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB INSERT failed")
		return "", fmt.Errorf("database error recording conversion: %w", err)
	}

	l.InfoContext(ctx, "affiliate conversion recorded",
		slog.String("creatorID", creatorID), slog.String("subscriptionID", subscriptionID.String()))
	span.SetStatus(codes.Ok, "Conversion recorded")
	return creatorID, nil
}

// RecalculateMonthlyRevenue upserts the creator's current-month revenue row
// from the recorded conversions. The new/lost referral columns are not part
// of this accounting and stay at zero.
func (r *PostgresRevenueRepository) RecalculateMonthlyRevenue(ctx context.Context, creatorID string) error {
	ctx, span := otel.Tracer("RevenueRepo").Start(ctx, "RecalculateMonthlyRevenue", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.sql.table", "creator_revenue_months"),
		attribute.String("creator.id", creatorID),
	))
	defer span.End()

	// Price per tier comes from the catalog, so the aggregation happens over
	// (tier_id, count) pairs rather than a price column.
	query := `
        INSERT INTO creator_revenue_months (creator_id, month, conversions, gross_minor_units, updated_at)
        SELECT $1, date_trunc('month', now())::date, count(*), COALESCE(sum(
            CASE tier_id ` + r.tierPriceCases() + ` ELSE 0 END
        ), 0), now()
        FROM affiliate_conversions
        WHERE creator_id = $1 AND created_at >= date_trunc('month', now())
        ON CONFLICT (creator_id, month) DO UPDATE
        SET conversions = EXCLUDED.conversions,
            gross_minor_units = EXCLUDED.gross_minor_units,
            updated_at = EXCLUDED.updated_at`

	if _, err := r.pool.Exec(ctx, query, creatorID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB UPSERT failed")
		return fmt.Errorf("database error recalculating revenue: %w", err)
	}

	span.SetStatus(codes.Ok, "Revenue recalculated")
	return nil
}

func (r *PostgresRevenueRepository) tierPriceCases() string {
	cases := ""
	for _, t := range r.catalog.Tiers() {
		cases += fmt.Sprintf(" WHEN %d THEN %d", t.ID, t.MonthlyPrice)
	}
	return cases
}
