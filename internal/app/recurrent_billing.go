/**
 * @description
 * The recurrent billing coordinator drives the recurring-payment lifecycle
 * for schedules on the automatic billing method: polling subscription status
 * at the gateway, tracking attempt counts, and demoting a schedule to manual
 * billing once the failure threshold is reached.
 *
 * @notes
 * - Attempt counting runs through the store's transactional
 *   RecordFailedAttempt so concurrent webhook and scheduled-job writers
 *   cannot lose updates.
 * - RecordSubscriptionFailure is the single code path shared by the
 *   scheduled poll and the webhook reconciler, so the two cannot diverge.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

// CoordinatorRepository defines the store operations the coordinator needs.
type CoordinatorRepository interface {
	ListDueSchedulesByMethod(ctx context.Context, dueBy time.Time, method domain.BillingMethod) ([]domain.BillingSchedule, error)
	GetScheduleByID(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error)
	RecordFailedAttempt(ctx context.Context, scheduleID string, attemptAt time.Time) (*domain.BillingSchedule, error)
	SwitchToManual(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error)
	ResetScheduleAttempts(ctx context.Context, scheduleID string) error
	UpdateScheduleNextBillingDate(ctx context.Context, scheduleID string, next time.Time) error
	MarkInvoicePaid(ctx context.Context, invoiceID string, payment store.UpdateInvoicePaymentParams) error
}

// SubscriptionStatusClient is the slice of the gateway the coordinator uses.
type SubscriptionStatusClient interface {
	GetSubscriptionStatus(ctx context.Context, subscriptionID string) (*domain.SubscriptionStatus, error)
}

// RecurrentRunResult summarizes one recurrent billing cycle.
type RecurrentRunResult struct {
	BillingDate        time.Time       `json:"billing_date"`
	Processed          int             `json:"processed"`
	Succeeded          int             `json:"succeeded"`
	Failed             int             `json:"failed"`
	FallbacksTriggered int             `json:"fallbacks_triggered"`
	Errors             []ScheduleError `json:"errors,omitempty"`
}

// RecurrentBillingCoordinator runs the per-schedule recurrent billing state
// machine.
type RecurrentBillingCoordinator struct {
	repo        CoordinatorRepository
	generator   *InvoiceGenerator
	gateway     SubscriptionStatusClient
	publisher   EventPublisher
	logger      *slog.Logger
	maxAttempts int
}

// NewRecurrentBillingCoordinator creates a new coordinator. maxAttempts is
// the fallback threshold; the policy default is 3.
func NewRecurrentBillingCoordinator(repo CoordinatorRepository, generator *InvoiceGenerator, gateway SubscriptionStatusClient, publisher EventPublisher, logger *slog.Logger, maxAttempts int) *RecurrentBillingCoordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RecurrentBillingCoordinator{
		repo:        repo,
		generator:   generator,
		gateway:     gateway,
		publisher:   publisher,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Run processes every due active schedule on the recurrent method. Schedules
// are processed sequentially; per-schedule failures do not abort the batch.
func (c *RecurrentBillingCoordinator) Run(ctx context.Context, billingDate time.Time) (*RecurrentRunResult, error) {
	schedules, err := c.repo.ListDueSchedulesByMethod(ctx, billingDate, domain.MethodRecurrent)
	if err != nil {
		return nil, err
	}

	result := &RecurrentRunResult{BillingDate: billingDate}
	for i := range schedules {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		schedule := schedules[i]
		result.Processed++
		if err := c.processSchedule(ctx, &schedule, billingDate, result); err != nil {
			result.Errors = append(result.Errors, ScheduleError{
				ScheduleID: schedule.ID,
				ContractID: schedule.ContractID,
				Error:      err.Error(),
			})
		}
	}

	c.logger.Info("recurrent billing run finished",
		"billing_date", billingDate.Format("2006-01-02"),
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"fallbacks", result.FallbacksTriggered)
	return result, nil
}

func (c *RecurrentBillingCoordinator) processSchedule(ctx context.Context, schedule *domain.BillingSchedule, billingDate time.Time, result *RecurrentRunResult) error {
	if schedule.GatewaySubscriptionID == nil || *schedule.GatewaySubscriptionID == "" {
		result.Failed++
		return Validationf("recurrent schedule %s has no gateway subscription id", schedule.ID)
	}

	status, err := c.gateway.GetSubscriptionStatus(ctx, *schedule.GatewaySubscriptionID)
	if err != nil {
		// A gateway failure or timeout counts as a failed attempt; the next
		// scheduled cycle retries, never a synchronous loop.
		result.Failed++
		fellBack, failErr := c.recordFailure(ctx, schedule, err.Error())
		if fellBack {
			result.FallbacksTriggered++
		}
		if failErr != nil {
			return failErr
		}
		return err
	}

	if !status.Healthy() {
		result.Failed++
		fellBack, failErr := c.recordFailure(ctx, schedule, "subscription status "+status.Status)
		if fellBack {
			result.FallbacksTriggered++
		}
		return failErr
	}

	invoice, _, _, err := c.generator.GenerateForSchedule(ctx, schedule, billingDate, false)
	if err != nil {
		result.Failed++
		return err
	}

	if status.LastChargePaid && invoice.Status != domain.InvoicePaid {
		payment := store.UpdateInvoicePaymentParams{
			PaymentMethod:    string(domain.MethodRecurrent),
			PaymentReference: *schedule.GatewaySubscriptionID,
			PaidAt:           time.Now().UTC(),
		}
		if err := c.repo.MarkInvoicePaid(ctx, invoice.ID, payment); err != nil {
			result.Failed++
			return err
		}
		c.publishInvoicePaid(ctx, invoice, payment.PaymentReference)
	}

	if err := c.repo.ResetScheduleAttempts(ctx, schedule.ID); err != nil {
		result.Failed++
		return err
	}

	// The cadence advances once per period, after the cycle completed. The
	// morning generation sweep usually creates the period's invoice before
	// this run, so the guard compares the schedule against the invoice's
	// period instead of checking whether the invoice was freshly created.
	if !schedule.NextBillingDate.After(invoice.PeriodEnd) {
		next := schedule.AdvanceNextBillingDate(billingDate)
		if err := c.repo.UpdateScheduleNextBillingDate(ctx, schedule.ID, next); err != nil {
			result.Failed++
			return err
		}
	}

	result.Succeeded++
	return nil
}

// RecordSubscriptionFailure feeds the attempt-increment and fallback logic
// for one schedule. The webhook reconciler and manual "sync now" calls use
// this same path as the scheduled poll. A schedule that already fell back to
// manual is a no-op, keeping replayed failure events idempotent.
func (c *RecurrentBillingCoordinator) RecordSubscriptionFailure(ctx context.Context, scheduleID, reason string) (fellBack bool, err error) {
	schedule, err := c.repo.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	if schedule.BillingMethod != domain.MethodRecurrent {
		c.logger.Info("ignoring subscription failure for non-recurrent schedule", "schedule_id", scheduleID)
		return false, nil
	}
	return c.recordFailure(ctx, schedule, reason)
}

func (c *RecurrentBillingCoordinator) recordFailure(ctx context.Context, schedule *domain.BillingSchedule, reason string) (fellBack bool, err error) {
	updated, err := c.repo.RecordFailedAttempt(ctx, schedule.ID, time.Now().UTC())
	if err != nil {
		return false, err
	}

	c.logger.Warn("recurrent billing attempt failed",
		"schedule_id", updated.ID,
		"contract_id", updated.ContractID,
		"attempt_count", updated.AttemptCount,
		"reason", reason)
	c.publishPaymentFailed(ctx, updated, reason)

	return c.EvaluateFallback(ctx, updated)
}

// EvaluateFallback demotes the schedule to manual billing when the attempt
// count reached the threshold and auto-fallback is enabled. The transition
// is terminal for the billing incident; re-enabling recurrent billing takes
// an explicit setup call.
func (c *RecurrentBillingCoordinator) EvaluateFallback(ctx context.Context, schedule *domain.BillingSchedule) (bool, error) {
	if schedule.AttemptCount < c.maxAttempts || !schedule.AutoFallbackEnabled {
		return false, nil
	}

	demoted, err := c.repo.SwitchToManual(ctx, schedule.ID)
	if err != nil {
		return false, err
	}

	c.logger.Warn("automatic fallback to manual billing triggered",
		"schedule_id", demoted.ID, "contract_id", demoted.ContractID)
	if c.publisher != nil {
		event := domain.FallbackTriggeredEvent{
			ScheduleID: demoted.ID,
			ContractID: demoted.ContractID,
			Timestamp:  time.Now().UTC(),
		}
		if err := c.publisher.Publish(ctx, BillingEventsExchange, domain.EventFallbackTriggered, event); err != nil {
			c.logger.Warn("failed to publish fallback event", "schedule_id", demoted.ID, "error", err)
		}
	}
	return true, nil
}

func (c *RecurrentBillingCoordinator) publishPaymentFailed(ctx context.Context, schedule *domain.BillingSchedule, reason string) {
	if c.publisher == nil {
		return
	}
	event := domain.PaymentFailedEvent{
		ScheduleID:   schedule.ID,
		ContractID:   schedule.ContractID,
		AttemptCount: schedule.AttemptCount,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, BillingEventsExchange, domain.EventPaymentFailed, event); err != nil {
		c.logger.Warn("failed to publish payment failed event", "schedule_id", schedule.ID, "error", err)
	}
}

func (c *RecurrentBillingCoordinator) publishInvoicePaid(ctx context.Context, invoice *domain.Invoice, reference string) {
	if c.publisher == nil {
		return
	}
	event := domain.InvoiceEvent{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		ContractID:    invoice.ContractID,
		TotalAmount:   invoice.TotalAmount,
		Status:        string(domain.InvoicePaid),
		DueDate:       invoice.DueDate,
		Timestamp:     time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, BillingEventsExchange, domain.EventInvoicePaid, event); err != nil {
		c.logger.Warn("failed to publish invoice paid event", "invoice_id", invoice.ID, "reference", reference, "error", err)
	}
}
