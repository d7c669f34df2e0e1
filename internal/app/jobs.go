/**
 * @description
 * Scheduled job implementations for the billing engine. Each job is launched
 * through the job registry, which enforces the at-most-one-in-flight rule
 * and records the run outcome. Job functions return a structured summary;
 * per-item failures never abort the batch.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
)

// JobsRepository defines the store operations the sweeps need.
type JobsRepository interface {
	ListSchedulesPastFailureThreshold(ctx context.Context, maxAttempts int) ([]domain.BillingSchedule, error)
	MarkInvoicesOverdue(ctx context.Context, asOf time.Time) ([]domain.Invoice, error)
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error)
}

// TransactionStatusClient is the slice of the gateway the reconciliation
// sweep uses.
type TransactionStatusClient interface {
	GetTransactionStatus(ctx context.Context, transactionID string) (*domain.TransactionStatusResponse, error)
}

// Jobs binds the billing components to the job registry.
type Jobs struct {
	registry    *JobRegistry
	generator   *InvoiceGenerator
	coordinator *RecurrentBillingCoordinator
	reconciler  *WebhookReconciler
	repo        JobsRepository
	gateway     TransactionStatusClient
	publisher   EventPublisher
	logger      *slog.Logger
	maxAttempts int
}

// NewJobs creates a new Jobs runner.
func NewJobs(registry *JobRegistry, generator *InvoiceGenerator, coordinator *RecurrentBillingCoordinator, reconciler *WebhookReconciler, repo JobsRepository, gateway TransactionStatusClient, publisher EventPublisher, logger *slog.Logger, maxAttempts int) *Jobs {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Jobs{
		registry:    registry,
		generator:   generator,
		coordinator: coordinator,
		reconciler:  reconciler,
		repo:        repo,
		gateway:     gateway,
		publisher:   publisher,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// RunInvoiceGeneration launches the automatic invoice generation job for the
// given billing date. The job key carries the date, so two requests for the
// same date cannot run concurrently while different dates can.
func (j *Jobs) RunInvoiceGeneration(billingDate time.Time, forceRegenerate bool) (domain.JobRun, error) {
	key := string(domain.JobInvoiceGeneration) + ":" + billingDate.Format("2006-01-02")
	return j.registry.Start(domain.JobInvoiceGeneration, key, func(ctx context.Context) (map[string]int, error) {
		result, err := j.generator.GenerateDueInvoices(ctx, billingDate, forceRegenerate)
		if err != nil {
			return nil, err
		}
		return map[string]int{
			"created":  len(result.CreatedInvoiceIDs),
			"reused":   len(result.ReusedInvoiceIDs),
			"failed":   len(result.Errors),
			"warnings": len(result.Warnings),
		}, nil
	})
}

// RunRecurrentBilling launches the recurrent billing cycle for the given
// billing date.
func (j *Jobs) RunRecurrentBilling(billingDate time.Time) (domain.JobRun, error) {
	key := string(domain.JobRecurrentBillingRun) + ":" + billingDate.Format("2006-01-02")
	return j.registry.Start(domain.JobRecurrentBillingRun, key, func(ctx context.Context) (map[string]int, error) {
		result, err := j.coordinator.Run(ctx, billingDate)
		if err != nil {
			return nil, err
		}
		return map[string]int{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"fallbacks": result.FallbacksTriggered,
		}, nil
	})
}

// RunFallbackSweep launches the sweep that demotes schedules stuck past the
// failure threshold and marks invoices past due as overdue.
func (j *Jobs) RunFallbackSweep() (domain.JobRun, error) {
	return j.registry.Start(domain.JobFallbackSweep, string(domain.JobFallbackSweep), func(ctx context.Context) (map[string]int, error) {
		summary := map[string]int{"fallbacks": 0, "overdue": 0, "failed": 0}

		schedules, err := j.repo.ListSchedulesPastFailureThreshold(ctx, j.maxAttempts)
		if err != nil {
			return nil, err
		}
		for i := range schedules {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			fellBack, err := j.coordinator.EvaluateFallback(ctx, &schedules[i])
			if err != nil {
				j.logger.Error("fallback sweep failed for schedule", "schedule_id", schedules[i].ID, "error", err)
				summary["failed"]++
				continue
			}
			if fellBack {
				summary["fallbacks"]++
			}
		}

		overdue, err := j.repo.MarkInvoicesOverdue(ctx, time.Now().UTC())
		if err != nil {
			return summary, err
		}
		summary["overdue"] = len(overdue)
		for i := range overdue {
			j.publishInvoiceOverdue(ctx, &overdue[i])
		}
		return summary, nil
	})
}

// RunStatusReconciliation launches the sweep that polls the gateway for
// pending transactions whose webhook may have been missed and applies the
// result through the reconciler's status logic.
func (j *Jobs) RunStatusReconciliation() (domain.JobRun, error) {
	return j.registry.Start(domain.JobStatusReconciliation, string(domain.JobStatusReconciliation), func(ctx context.Context) (map[string]int, error) {
		summary := map[string]int{"polled": 0, "applied": 0, "failed": 0}

		// Leave young transactions alone; their webhook is likely in flight.
		txs, err := j.repo.ListPendingTransactions(ctx, time.Now().UTC().Add(-time.Hour), 200)
		if err != nil {
			return nil, err
		}
		for i := range txs {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			tx := txs[i]
			if tx.GatewayChargeID == nil || *tx.GatewayChargeID == "" {
				continue
			}
			summary["polled"]++

			status, err := j.gateway.GetTransactionStatus(ctx, *tx.GatewayChargeID)
			if err != nil {
				j.logger.Warn("status poll failed for transaction", "transaction_id", tx.ID, "error", err)
				summary["failed"]++
				continue
			}

			payload, _ := json.Marshal(status)
			result, err := j.reconciler.SyncTransactionStatus(ctx, &tx, status.Status, status.TransactionID, payload)
			if err != nil {
				j.logger.Error("status sync failed for transaction", "transaction_id", tx.ID, "error", err)
				summary["failed"]++
				continue
			}
			if result.Applied {
				summary["applied"]++
			}
		}
		return summary, nil
	})
}

func (j *Jobs) publishInvoiceOverdue(ctx context.Context, invoice *domain.Invoice) {
	if j.publisher == nil {
		return
	}
	event := domain.InvoiceEvent{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		ContractID:    invoice.ContractID,
		TotalAmount:   invoice.TotalAmount,
		Status:        string(domain.InvoiceOverdue),
		DueDate:       invoice.DueDate,
		Timestamp:     time.Now().UTC(),
	}
	if err := j.publisher.Publish(ctx, BillingEventsExchange, domain.EventInvoiceOverdue, event); err != nil {
		j.logger.Warn("failed to publish invoice overdue event", "invoice_id", invoice.ID, "error", err)
	}
}
