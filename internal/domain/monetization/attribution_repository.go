package monetization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkful/forkful-billing-api/internal/types"
)

var _ AttributionRepository = (*PostgresAttributionRepository)(nil)

// ReferralAttribution links a user to the affiliate code that acquired them.
// Created by the acquisition-tracking system; this core only reads it.
type ReferralAttribution struct {
	UserID    string
	LinkCode  string
	CreatedAt time.Time
}

// AttributionRepository is the read-only referral attribution lookup.
type AttributionRepository interface {
	GetMostRecentAttribution(ctx context.Context, userID string) (*ReferralAttribution, error)
}

// PostgresAttributionRepository implements AttributionRepository over pgx.
type PostgresAttributionRepository struct {
	logger *slog.Logger
	pool   QueryRower
}

// QueryRower is the minimal pgx read surface, narrowed for pgxmock.
type QueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresAttributionRepository builds the repository.
func NewPostgresAttributionRepository(pool QueryRower, logger *slog.Logger) *PostgresAttributionRepository {
	return &PostgresAttributionRepository{logger: logger, pool: pool}
}

// GetMostRecentAttribution returns the newest attribution for the user, or
// ErrNotFound when the user arrived unattributed.
func (r *PostgresAttributionRepository) GetMostRecentAttribution(ctx context.Context, userID string) (*ReferralAttribution, error) {
	ctx, span := otel.Tracer("AttributionRepo").Start(ctx, "GetMostRecentAttribution", trace.WithAttributes(
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "referral_attributions"),
	))
	defer span.End()

	query := `
        SELECT user_id, link_code, created_at
        FROM referral_attributions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT 1`

	var a ReferralAttribution
	err := r.pool.QueryRow(ctx, query, userID).Scan(&a.UserID, &a.LinkCode, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("attribution for user %s: %w", userID, types.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB SELECT failed")
		return nil, fmt.Errorf("database error fetching attribution: %w", err)
	}
	return &a, nil
}
