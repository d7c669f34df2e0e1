/**
 * @description
 * PostgreSQL implementation of the billing-schedule half of the Repository
 * interface. Read-modify-write sequences (attempt counting, method switches)
 * run inside a single database transaction so concurrent webhook and
 * scheduled-job writers cannot lose updates.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5 and pgxpool: The PostgreSQL driver.
 * - internal/domain: For the billing domain models.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proteamcare/billing-service/internal/domain"
)

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const scheduleColumns = `
	id, contract_id, billing_cycle, billing_day, amount_per_cycle,
	next_billing_date, billing_method, is_active, attempt_count,
	last_attempt_at, auto_fallback_enabled, gateway_subscription_id,
	gateway_customer_id, created_at, updated_at
`

func scanSchedule(row pgx.Row) (*domain.BillingSchedule, error) {
	var s domain.BillingSchedule
	err := row.Scan(
		&s.ID,
		&s.ContractID,
		&s.BillingCycle,
		&s.BillingDay,
		&s.AmountPerCycle,
		&s.NextBillingDate,
		&s.BillingMethod,
		&s.IsActive,
		&s.AttemptCount,
		&s.LastAttemptAt,
		&s.AutoFallbackEnabled,
		&s.GatewaySubscriptionID,
		&s.GatewayCustomerID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSchedule inserts a new billing schedule. A partial unique index on
// (contract_id) WHERE is_active enforces at most one active schedule per
// contract; a violation maps to ErrDuplicateSchedule.
func (r *PostgresRepository) CreateSchedule(ctx context.Context, schedule *domain.BillingSchedule) (*domain.BillingSchedule, error) {
	query := `
        INSERT INTO billing_schedules (
            contract_id, billing_cycle, billing_day, amount_per_cycle,
            next_billing_date, billing_method, is_active, attempt_count,
            auto_fallback_enabled, gateway_subscription_id, gateway_customer_id
        )
        VALUES ($1, $2, $3, $4, $5, $6, TRUE, 0, $7, $8, $9)
        RETURNING ` + scheduleColumns
	row := r.db.QueryRow(ctx, query,
		schedule.ContractID,
		schedule.BillingCycle,
		schedule.BillingDay,
		schedule.AmountPerCycle,
		schedule.NextBillingDate,
		schedule.BillingMethod,
		schedule.AutoFallbackEnabled,
		schedule.GatewaySubscriptionID,
		schedule.GatewayCustomerID,
	)
	created, err := scanSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateSchedule
		}
		return nil, err
	}
	return created, nil
}

// GetScheduleByID retrieves a schedule by its id.
func (r *PostgresRepository) GetScheduleByID(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM billing_schedules WHERE id = $1`
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

// GetActiveScheduleByContractID retrieves the contract's active schedule.
func (r *PostgresRepository) GetActiveScheduleByContractID(ctx context.Context, contractID string) (*domain.BillingSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM billing_schedules WHERE contract_id = $1 AND is_active = TRUE`
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

// GetScheduleByGatewaySubscriptionID resolves the schedule behind a gateway
// subscription, used by the webhook reconciler.
func (r *PostgresRepository) GetScheduleByGatewaySubscriptionID(ctx context.Context, subscriptionID string) (*domain.BillingSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM billing_schedules WHERE gateway_subscription_id = $1 AND is_active = TRUE`
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

// ListDueSchedules returns active schedules due on or before dueBy.
func (r *PostgresRepository) ListDueSchedules(ctx context.Context, dueBy time.Time) ([]domain.BillingSchedule, error) {
	query := `
        SELECT ` + scheduleColumns + `
        FROM billing_schedules
        WHERE is_active = TRUE AND next_billing_date <= $1
        ORDER BY next_billing_date ASC
    `
	return r.querySchedules(ctx, query, dueBy)
}

// ListDueSchedulesByMethod returns due active schedules filtered by method.
func (r *PostgresRepository) ListDueSchedulesByMethod(ctx context.Context, dueBy time.Time, method domain.BillingMethod) ([]domain.BillingSchedule, error) {
	query := `
        SELECT ` + scheduleColumns + `
        FROM billing_schedules
        WHERE is_active = TRUE AND next_billing_date <= $1 AND billing_method = $2
        ORDER BY next_billing_date ASC
    `
	return r.querySchedules(ctx, query, dueBy, method)
}

// ListSchedulesPastFailureThreshold returns active recurrent schedules whose
// attempt count already reached maxAttempts, for the fallback sweep.
func (r *PostgresRepository) ListSchedulesPastFailureThreshold(ctx context.Context, maxAttempts int) ([]domain.BillingSchedule, error) {
	query := `
        SELECT ` + scheduleColumns + `
        FROM billing_schedules
        WHERE is_active = TRUE AND billing_method = 'recurrent' AND attempt_count >= $1
        ORDER BY last_attempt_at ASC NULLS FIRST
    `
	return r.querySchedules(ctx, query, maxAttempts)
}

func (r *PostgresRepository) querySchedules(ctx context.Context, query string, args ...interface{}) ([]domain.BillingSchedule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.BillingSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, rows.Err()
}

// UpdateScheduleNextBillingDate advances the schedule cadence after a
// successful billing cycle.
func (r *PostgresRepository) UpdateScheduleNextBillingDate(ctx context.Context, scheduleID string, next time.Time) error {
	query := `UPDATE billing_schedules SET next_billing_date = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, scheduleID, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// ResetScheduleAttempts zeroes the attempt counter after a billing success.
func (r *PostgresRepository) ResetScheduleAttempts(ctx context.Context, scheduleID string) error {
	query := `UPDATE billing_schedules SET attempt_count = 0, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, scheduleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// RecordFailedAttempt increments the attempt counter in one transaction and
// returns the updated schedule.
func (r *PostgresRepository) RecordFailedAttempt(ctx context.Context, scheduleID string, attemptAt time.Time) (*domain.BillingSchedule, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin failed-attempt tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        UPDATE billing_schedules
        SET attempt_count = attempt_count + 1,
            last_attempt_at = $2,
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + scheduleColumns
	schedule, err := scanSchedule(tx.QueryRow(ctx, query, scheduleID, attemptAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit failed-attempt tx: %w", err)
	}
	return schedule, nil
}

// SwitchToManual demotes the schedule to manual billing. Method change,
// subscription id clearing and attempt reset happen atomically.
func (r *PostgresRepository) SwitchToManual(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error) {
	query := `
        UPDATE billing_schedules
        SET billing_method = 'manual',
            gateway_subscription_id = NULL,
            attempt_count = 0,
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + scheduleColumns
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, scheduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

// SwitchToRecurrent promotes the schedule to recurrent billing with the
// gateway identifiers assigned at subscription creation.
func (r *PostgresRepository) SwitchToRecurrent(ctx context.Context, scheduleID, subscriptionID, customerID string) (*domain.BillingSchedule, error) {
	query := `
        UPDATE billing_schedules
        SET billing_method = 'recurrent',
            gateway_subscription_id = $2,
            gateway_customer_id = $3,
            attempt_count = 0,
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + scheduleColumns
	schedule, err := scanSchedule(r.db.QueryRow(ctx, query, scheduleID, subscriptionID, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return schedule, nil
}

// DeactivateSchedule soft-deactivates a schedule when its contract ends.
func (r *PostgresRepository) DeactivateSchedule(ctx context.Context, scheduleID string) error {
	query := `UPDATE billing_schedules SET is_active = FALSE, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, scheduleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}
