/**
 * @description
 * PostgreSQL implementation of the invoice and payment-transaction halves of
 * the Repository interface. Invoices are financial records and are never
 * deleted; cancellation is a status change.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/proteamcare/billing-service/internal/domain"
)

const invoiceColumns = `
	id, contract_id, invoice_number, period_start, period_end, lives_count,
	base_amount, additional_amount, discount_amount, tax_amount, total_amount,
	status, due_date, issued_at, paid_at, payment_method, payment_reference,
	created_at, updated_at
`

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(
		&inv.ID,
		&inv.ContractID,
		&inv.InvoiceNumber,
		&inv.PeriodStart,
		&inv.PeriodEnd,
		&inv.LivesCount,
		&inv.BaseAmount,
		&inv.AdditionalAmount,
		&inv.DiscountAmount,
		&inv.TaxAmount,
		&inv.TotalAmount,
		&inv.Status,
		&inv.DueDate,
		&inv.IssuedAt,
		&inv.PaidAt,
		&inv.PaymentMethod,
		&inv.PaymentReference,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreateInvoice inserts a new invoice row.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error) {
	query := `
        INSERT INTO invoices (
            contract_id, invoice_number, period_start, period_end, lives_count,
            base_amount, additional_amount, discount_amount, tax_amount,
            total_amount, status, due_date, issued_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING ` + invoiceColumns
	row := r.db.QueryRow(ctx, query,
		invoice.ContractID,
		invoice.InvoiceNumber,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.LivesCount,
		invoice.BaseAmount,
		invoice.AdditionalAmount,
		invoice.DiscountAmount,
		invoice.TaxAmount,
		invoice.TotalAmount,
		invoice.Status,
		invoice.DueDate,
		invoice.IssuedAt,
	)
	return scanInvoice(row)
}

// GetInvoiceByID retrieves an invoice by id.
func (r *PostgresRepository) GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, invoiceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// FindOverlappingInvoice returns the first non-cancelled invoice of the
// contract whose period intersects the given one, or ErrInvoiceNotFound.
// This query backs the idempotency guarantee of invoice generation.
func (r *PostgresRepository) FindOverlappingInvoice(ctx context.Context, contractID string, period domain.BillingPeriod) (*domain.Invoice, error) {
	query := `
        SELECT ` + invoiceColumns + `
        FROM invoices
        WHERE contract_id = $1
          AND status <> 'cancelled'
          AND period_start <= $3
          AND period_end >= $2
        ORDER BY created_at ASC
        LIMIT 1
    `
	invoice, err := scanInvoice(r.db.QueryRow(ctx, query, contractID, period.Start, period.End))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return invoice, nil
}

// ListInvoicesByContractID returns the contract's most recent invoices.
func (r *PostgresRepository) ListInvoicesByContractID(ctx context.Context, contractID string, limit int) ([]domain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT ` + invoiceColumns + `
        FROM invoices
        WHERE contract_id = $1
        ORDER BY period_start DESC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, contractID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

// CountInvoicesForContractMonth counts the contract's invoices issued within
// the calendar month of the given date, for invoice numbering.
func (r *PostgresRepository) CountInvoicesForContractMonth(ctx context.Context, contractID string, month time.Time) (int, error) {
	var count int
	query := `
        SELECT COUNT(*)
        FROM invoices
        WHERE contract_id = $1
          AND DATE_TRUNC('month', issued_at) = DATE_TRUNC('month', $2::timestamptz)
    `
	if err := r.db.QueryRow(ctx, query, contractID, month).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkInvoicePaid stamps payment metadata and flips the status to paid.
// Marking an already-paid invoice again is a no-op.
func (r *PostgresRepository) MarkInvoicePaid(ctx context.Context, invoiceID string, payment UpdateInvoicePaymentParams) error {
	query := `
        UPDATE invoices
        SET status = 'paid',
            paid_at = $2,
            payment_method = $3,
            payment_reference = $4,
            updated_at = NOW()
        WHERE id = $1 AND status <> 'paid'
    `
	_, err := r.db.Exec(ctx, query, invoiceID, payment.PaidAt, payment.PaymentMethod, payment.PaymentReference)
	return err
}

// CancelInvoice flips an invoice to cancelled.
func (r *PostgresRepository) CancelInvoice(ctx context.Context, invoiceID string) error {
	query := `UPDATE invoices SET status = 'cancelled', updated_at = NOW() WHERE id = $1 AND status <> 'paid'`
	tag, err := r.db.Exec(ctx, query, invoiceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// MarkInvoicesOverdue flips pending and sent invoices past their due date to
// overdue and returns them.
func (r *PostgresRepository) MarkInvoicesOverdue(ctx context.Context, asOf time.Time) ([]domain.Invoice, error) {
	query := `
        UPDATE invoices
        SET status = 'overdue', updated_at = NOW()
        WHERE status IN ('pending', 'sent') AND due_date < $1
        RETURNING ` + invoiceColumns
	rows, err := r.db.Query(ctx, query, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *invoice)
	}
	return invoices, rows.Err()
}

const transactionColumns = `
	id, invoice_id, type, gateway_charge_id, reference_id, status, amount,
	gateway_payload, created_at, updated_at
`

func scanTransaction(row pgx.Row) (*domain.PaymentTransaction, error) {
	var tx domain.PaymentTransaction
	err := row.Scan(
		&tx.ID,
		&tx.InvoiceID,
		&tx.Type,
		&tx.GatewayChargeID,
		&tx.ReferenceID,
		&tx.Status,
		&tx.Amount,
		&tx.GatewayPayload,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateTransaction inserts a new payment transaction. A unique index on
// gateway_charge_id maps violations to ErrDuplicateChargeID.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error) {
	query := `
        INSERT INTO payment_transactions (
            invoice_id, type, gateway_charge_id, reference_id, status, amount, gateway_payload
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING ` + transactionColumns
	row := r.db.QueryRow(ctx, query,
		tx.InvoiceID,
		tx.Type,
		tx.GatewayChargeID,
		tx.ReferenceID,
		tx.Status,
		tx.Amount,
		tx.GatewayPayload,
	)
	created, err := scanTransaction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateChargeID
		}
		return nil, err
	}
	return created, nil
}

// GetTransactionByID retrieves a transaction by id.
func (r *PostgresRepository) GetTransactionByID(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionByGatewayChargeID resolves a transaction by the gateway's
// charge id.
func (r *PostgresRepository) FindTransactionByGatewayChargeID(ctx context.Context, chargeID string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE gateway_charge_id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, chargeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionByReferenceID resolves a transaction by the structured
// reference id embedded at creation time.
func (r *PostgresRepository) FindTransactionByReferenceID(ctx context.Context, referenceID string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE reference_id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, referenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListPendingTransactions returns pending transactions created before
// olderThan, for the status-reconciliation sweep.
func (r *PostgresRepository) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT ` + transactionColumns + `
        FROM payment_transactions
        WHERE status = 'pending' AND created_at < $1
        ORDER BY created_at ASC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// UpdateTransactionStatus moves a transaction's status forward, assigning
// the gateway charge id when it becomes known and snapshotting the raw
// gateway payload. Terminal states are never overwritten.
func (r *PostgresRepository) UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, chargeID *string, payload []byte) error {
	query := `
        UPDATE payment_transactions
        SET status = $2,
            gateway_charge_id = COALESCE($3, gateway_charge_id),
            gateway_payload = COALESCE($4, gateway_payload),
            updated_at = NOW()
        WHERE id = $1 AND status = 'pending'
    `
	_, err := r.db.Exec(ctx, query, transactionID, status, chargeID, payload)
	return err
}
