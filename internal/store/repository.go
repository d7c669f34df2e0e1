/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all ledger-store operations required by the billing engine. Defining an
 * interface decouples the billing logic from PostgreSQL and lets tests use
 * hand-written stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the billing domain models.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
)

// Sentinel errors returned by the repository. Callers match them with
// errors.Is to distinguish not-found and conflict conditions from transport
// failures.
var (
	ErrScheduleNotFound    = errors.New("billing schedule not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrDuplicateSchedule   = errors.New("active billing schedule already exists for contract")
	ErrDuplicateChargeID   = errors.New("gateway charge id already recorded")
)

// UpdateInvoicePaymentParams carries the payment metadata stamped on an
// invoice when it is confirmed paid.
type UpdateInvoicePaymentParams struct {
	PaymentMethod    string
	PaymentReference string
	PaidAt           time.Time
}

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Billing schedule methods
	CreateSchedule(ctx context.Context, schedule *domain.BillingSchedule) (*domain.BillingSchedule, error)
	GetScheduleByID(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error)
	GetActiveScheduleByContractID(ctx context.Context, contractID string) (*domain.BillingSchedule, error)
	GetScheduleByGatewaySubscriptionID(ctx context.Context, subscriptionID string) (*domain.BillingSchedule, error)
	ListDueSchedules(ctx context.Context, dueBy time.Time) ([]domain.BillingSchedule, error)
	ListDueSchedulesByMethod(ctx context.Context, dueBy time.Time, method domain.BillingMethod) ([]domain.BillingSchedule, error)
	ListSchedulesPastFailureThreshold(ctx context.Context, maxAttempts int) ([]domain.BillingSchedule, error)
	UpdateScheduleNextBillingDate(ctx context.Context, scheduleID string, next time.Time) error
	ResetScheduleAttempts(ctx context.Context, scheduleID string) error
	// RecordFailedAttempt increments the attempt counter and stamps the
	// attempt date inside one database transaction, returning the updated
	// schedule. Concurrent webhook and scheduled-job writers must not lose
	// updates.
	RecordFailedAttempt(ctx context.Context, scheduleID string, attemptAt time.Time) (*domain.BillingSchedule, error)
	// SwitchToManual atomically sets the billing method to manual, clears the
	// gateway subscription id and resets the attempt counter.
	SwitchToManual(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error)
	SwitchToRecurrent(ctx context.Context, scheduleID, subscriptionID, customerID string) (*domain.BillingSchedule, error)
	DeactivateSchedule(ctx context.Context, scheduleID string) error

	// Invoice methods
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error)
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	FindOverlappingInvoice(ctx context.Context, contractID string, period domain.BillingPeriod) (*domain.Invoice, error)
	ListInvoicesByContractID(ctx context.Context, contractID string, limit int) ([]domain.Invoice, error)
	CountInvoicesForContractMonth(ctx context.Context, contractID string, month time.Time) (int, error)
	MarkInvoicePaid(ctx context.Context, invoiceID string, payment UpdateInvoicePaymentParams) error
	CancelInvoice(ctx context.Context, invoiceID string) error
	// MarkInvoicesOverdue flips pending and sent invoices past their due date
	// to overdue and returns the affected invoices.
	MarkInvoicesOverdue(ctx context.Context, asOf time.Time) ([]domain.Invoice, error)

	// Payment transaction methods
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error)
	GetTransactionByID(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error)
	FindTransactionByGatewayChargeID(ctx context.Context, chargeID string) (*domain.PaymentTransaction, error)
	FindTransactionByReferenceID(ctx context.Context, referenceID string) (*domain.PaymentTransaction, error)
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error)
	// UpdateTransactionStatus assigns the gateway charge id (when present)
	// and moves the status forward, snapshotting the raw gateway payload.
	UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, chargeID *string, payload []byte) error
}
