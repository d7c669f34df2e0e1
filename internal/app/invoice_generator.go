/**
 * @description
 * The invoice generator turns due billing schedules into invoices. It is the
 * idempotent heart of the engine: a due-schedule sweep run twice on the same
 * day must not double-bill, so an existing non-cancelled invoice whose period
 * overlaps the computed one short-circuits creation and is reused.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

// GeneratorRepository defines the store operations the generator needs.
type GeneratorRepository interface {
	ListDueSchedules(ctx context.Context, dueBy time.Time) ([]domain.BillingSchedule, error)
	FindOverlappingInvoice(ctx context.Context, contractID string, period domain.BillingPeriod) (*domain.Invoice, error)
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error)
	CountInvoicesForContractMonth(ctx context.Context, contractID string, month time.Time) (int, error)
}

// AdjustmentsCalculator computes additional services, discounts and taxes for
// a contract's billing period. A nil calculator means all adjustments are
// zero, which is a legitimate result.
type AdjustmentsCalculator interface {
	AdjustmentsFor(ctx context.Context, contractID string, period domain.BillingPeriod) (domain.InvoiceAdjustments, error)
}

// EventPublisher defines the interface for publishing billing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// BillingEventsExchange is the topic exchange billing events are published to.
const BillingEventsExchange = "proteamcare.events"

// ScheduleError records a per-schedule failure inside a generation batch.
type ScheduleError struct {
	ScheduleID string `json:"schedule_id"`
	ContractID string `json:"contract_id"`
	Error      string `json:"error"`
}

// GenerationResult summarizes one invoice-generation run.
type GenerationResult struct {
	BillingDate       time.Time       `json:"billing_date"`
	CreatedInvoiceIDs []string        `json:"created_invoice_ids"`
	ReusedInvoiceIDs  []string        `json:"reused_invoice_ids"`
	Errors            []ScheduleError `json:"errors,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
}

// InvoiceGenerator computes billing periods and idempotently creates invoices
// for due schedules.
type InvoiceGenerator struct {
	repo            GeneratorRepository
	adjustments     AdjustmentsCalculator
	publisher       EventPublisher
	logger          *slog.Logger
	gracePeriodDays int
}

// NewInvoiceGenerator creates a new invoice generator.
func NewInvoiceGenerator(repo GeneratorRepository, adjustments AdjustmentsCalculator, publisher EventPublisher, logger *slog.Logger, gracePeriodDays int) *InvoiceGenerator {
	if gracePeriodDays <= 0 {
		gracePeriodDays = 30
	}
	return &InvoiceGenerator{
		repo:            repo,
		adjustments:     adjustments,
		publisher:       publisher,
		logger:          logger,
		gracePeriodDays: gracePeriodDays,
	}
}

// GenerateDueInvoices selects every active schedule due on or before
// billingDate and creates (or reuses) the invoice for its billing period.
// Per-schedule failures are recorded and do not abort the batch; only a
// store failure at the start is fatal.
func (g *InvoiceGenerator) GenerateDueInvoices(ctx context.Context, billingDate time.Time, forceRegenerate bool) (*GenerationResult, error) {
	schedules, err := g.repo.ListDueSchedules(ctx, billingDate)
	if err != nil {
		return nil, err
	}

	result := &GenerationResult{BillingDate: billingDate}
	for i := range schedules {
		schedule := schedules[i]
		invoice, reused, warning, err := g.GenerateForSchedule(ctx, &schedule, billingDate, forceRegenerate)
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		if err != nil {
			g.logger.Error("invoice generation failed for schedule",
				"schedule_id", schedule.ID, "contract_id", schedule.ContractID, "error", err)
			result.Errors = append(result.Errors, ScheduleError{
				ScheduleID: schedule.ID,
				ContractID: schedule.ContractID,
				Error:      err.Error(),
			})
			continue
		}
		if reused {
			result.ReusedInvoiceIDs = append(result.ReusedInvoiceIDs, invoice.ID)
		} else {
			result.CreatedInvoiceIDs = append(result.CreatedInvoiceIDs, invoice.ID)
		}
	}

	g.logger.Info("invoice generation run finished",
		"billing_date", billingDate.Format("2006-01-02"),
		"created", len(result.CreatedInvoiceIDs),
		"reused", len(result.ReusedInvoiceIDs),
		"failed", len(result.Errors))
	return result, nil
}

// GenerateForSchedule creates or reuses the invoice for one schedule's
// billing period. The recurrent billing coordinator delegates here so both
// paths share the per-period idempotency check.
func (g *InvoiceGenerator) GenerateForSchedule(ctx context.Context, schedule *domain.BillingSchedule, billingDate time.Time, forceRegenerate bool) (invoice *domain.Invoice, reused bool, warning string, err error) {
	cycle := schedule.BillingCycle
	if !cycle.IsValid() {
		// Unknown cycles default to MONTHLY for backward compatibility. The
		// warning is surfaced in the result, never silently dropped.
		warning = "unknown billing cycle " + string(cycle) + " on schedule " + schedule.ID + ", defaulting to MONTHLY"
		g.logger.Warn("unknown billing cycle, defaulting to MONTHLY",
			"schedule_id", schedule.ID, "billing_cycle", string(cycle))
		cycle = domain.CycleMonthly
	}

	period := domain.PeriodFor(cycle, billingDate)

	if !forceRegenerate {
		existing, findErr := g.repo.FindOverlappingInvoice(ctx, schedule.ContractID, period)
		if findErr == nil {
			return existing, true, warning, nil
		}
		if !errors.Is(findErr, store.ErrInvoiceNotFound) {
			return nil, false, warning, findErr
		}
	}

	dueDate := billingDate.AddDate(0, 0, g.gracePeriodDays)
	if domain.ClampBillingDay(schedule.BillingDay, billingDate) != schedule.BillingDay && dueDate.After(period.End) {
		// The configured billing day does not exist in the target month;
		// the due date is clipped to the period end.
		dueDate = period.End
	}

	adjustments := domain.InvoiceAdjustments{}
	if g.adjustments != nil {
		adjustments, err = g.adjustments.AdjustmentsFor(ctx, schedule.ContractID, period)
		if err != nil {
			return nil, false, warning, err
		}
	}

	count, err := g.repo.CountInvoicesForContractMonth(ctx, schedule.ContractID, billingDate)
	if err != nil {
		return nil, false, warning, err
	}

	total := domain.ComputeTotal(schedule.AmountPerCycle, adjustments.AdditionalAmount, adjustments.DiscountAmount, adjustments.TaxAmount)
	created, err := g.repo.CreateInvoice(ctx, &domain.Invoice{
		ContractID:       schedule.ContractID,
		InvoiceNumber:    domain.BuildInvoiceNumber(schedule.ContractID, billingDate, count+1),
		PeriodStart:      period.Start,
		PeriodEnd:        period.End,
		LivesCount:       adjustments.LivesCount,
		BaseAmount:       schedule.AmountPerCycle,
		AdditionalAmount: adjustments.AdditionalAmount,
		DiscountAmount:   adjustments.DiscountAmount,
		TaxAmount:        adjustments.TaxAmount,
		TotalAmount:      total,
		Status:           domain.InvoicePending,
		DueDate:          dueDate,
		IssuedAt:         billingDate,
	})
	if err != nil {
		return nil, false, warning, err
	}

	g.publishInvoiceEvent(ctx, domain.EventInvoiceCreated, created)
	return created, false, warning, nil
}

func (g *InvoiceGenerator) publishInvoiceEvent(ctx context.Context, routingKey string, invoice *domain.Invoice) {
	if g.publisher == nil {
		return
	}
	payload := domain.InvoiceEvent{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		ContractID:    invoice.ContractID,
		TotalAmount:   invoice.TotalAmount,
		Status:        string(invoice.Status),
		DueDate:       invoice.DueDate,
		Timestamp:     time.Now().UTC(),
	}
	if err := g.publisher.Publish(ctx, BillingEventsExchange, routingKey, payload); err != nil {
		g.logger.Warn("failed to publish invoice event", "routing_key", routingKey, "invoice_id", invoice.ID, "error", err)
	}
}
