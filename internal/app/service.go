/**
 * @description
 * Core billing-method management: schedule creation on contract activation,
 * switching between manual and recurrent billing, manual payment
 * confirmation, and one-off checkout sessions for manual invoices.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

// ServiceRepository defines the store operations the billing service needs.
type ServiceRepository interface {
	CreateSchedule(ctx context.Context, schedule *domain.BillingSchedule) (*domain.BillingSchedule, error)
	GetActiveScheduleByContractID(ctx context.Context, contractID string) (*domain.BillingSchedule, error)
	SwitchToManual(ctx context.Context, scheduleID string) (*domain.BillingSchedule, error)
	SwitchToRecurrent(ctx context.Context, scheduleID, subscriptionID, customerID string) (*domain.BillingSchedule, error)
	DeactivateSchedule(ctx context.Context, scheduleID string) error
	UpdateScheduleNextBillingDate(ctx context.Context, scheduleID string, next time.Time) error
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	ListInvoicesByContractID(ctx context.Context, contractID string, limit int) ([]domain.Invoice, error)
	MarkInvoicePaid(ctx context.Context, invoiceID string, payment store.UpdateInvoicePaymentParams) error
	CancelInvoice(ctx context.Context, invoiceID string) error
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) (*domain.PaymentTransaction, error)
}

// Gateway is the payment-gateway surface the billing service depends on.
// The engine never touches a concrete transport directly.
type Gateway interface {
	CreatePlan(ctx context.Context, req domain.CreatePlanRequest) (*domain.CreatePlanResponse, error)
	CreateCustomer(ctx context.Context, req domain.CreateCustomerRequest) (*domain.CreateCustomerResponse, error)
	CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.CreateSubscriptionResponse, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutSession, error)
}

// CreateScheduleParams carries the inputs for schedule creation at contract
// activation time.
type CreateScheduleParams struct {
	ContractID          string              `json:"contract_id"`
	BillingCycle        domain.BillingCycle `json:"billing_cycle"`
	BillingDay          int                 `json:"billing_day"`
	AmountPerCycle      int64               `json:"amount_per_cycle"`
	NextBillingDate     time.Time           `json:"next_billing_date"`
	AutoFallbackEnabled bool                `json:"auto_fallback_enabled"`
}

// RecurrentSetupParams carries the payer and instrument details needed to
// open a subscription at the gateway.
type RecurrentSetupParams struct {
	PayerName  string                   `json:"payer_name"`
	PayerEmail string                   `json:"payer_email"`
	PayerTaxID string                   `json:"payer_tax_id,omitempty"`
	Instrument domain.PaymentInstrument `json:"payment_instrument"`
}

// BillingService manages billing schedules and manual payment confirmation.
type BillingService struct {
	repo      ServiceRepository
	gateway   Gateway
	publisher EventPublisher
	logger    *slog.Logger
}

// NewBillingService creates a new billing service.
func NewBillingService(repo ServiceRepository, gateway Gateway, publisher EventPublisher, logger *slog.Logger) *BillingService {
	return &BillingService{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateBillingSchedule creates the schedule for a newly activated contract.
// Unlike invoice generation, schedule creation validates the cycle strictly;
// a second active schedule for the contract is a hard conflict.
func (s *BillingService) CreateBillingSchedule(ctx context.Context, params CreateScheduleParams) (*domain.BillingSchedule, error) {
	if params.ContractID == "" {
		return nil, Validationf("contract id is required")
	}
	if !params.BillingCycle.IsValid() {
		return nil, Validationf("unknown billing cycle %q", params.BillingCycle)
	}
	if params.BillingDay < 1 || params.BillingDay > 31 {
		return nil, Validationf("billing day must be between 1 and 31, got %d", params.BillingDay)
	}
	if params.AmountPerCycle <= 0 {
		return nil, Validationf("amount per cycle must be positive")
	}

	next := params.NextBillingDate
	if next.IsZero() {
		now := time.Now().UTC()
		next = time.Date(now.Year(), now.Month(), domain.ClampBillingDay(params.BillingDay, now), 0, 0, 0, 0, time.UTC)
		if next.Before(now) {
			next = next.AddDate(0, 1, 0)
		}
	}

	return s.repo.CreateSchedule(ctx, &domain.BillingSchedule{
		ContractID:          params.ContractID,
		BillingCycle:        params.BillingCycle,
		BillingDay:          params.BillingDay,
		AmountPerCycle:      params.AmountPerCycle,
		NextBillingDate:     next,
		BillingMethod:       domain.MethodManual,
		AutoFallbackEnabled: params.AutoFallbackEnabled,
	})
}

// GetSchedule returns the contract's active billing schedule.
func (s *BillingService) GetSchedule(ctx context.Context, contractID string) (*domain.BillingSchedule, error) {
	return s.repo.GetActiveScheduleByContractID(ctx, contractID)
}

// DeactivateSchedule soft-deactivates the contract's schedule when the
// contract ends. An open gateway subscription is cancelled first.
func (s *BillingService) DeactivateSchedule(ctx context.Context, contractID string) error {
	schedule, err := s.repo.GetActiveScheduleByContractID(ctx, contractID)
	if err != nil {
		return err
	}
	if schedule.GatewaySubscriptionID != nil && *schedule.GatewaySubscriptionID != "" {
		if err := s.gateway.CancelSubscription(ctx, *schedule.GatewaySubscriptionID); err != nil {
			s.logger.Warn("failed to cancel gateway subscription on deactivation",
				"schedule_id", schedule.ID, "error", err)
		}
	}
	return s.repo.DeactivateSchedule(ctx, schedule.ID)
}

// SetupManualBilling switches the contract's schedule to manual billing.
// Gateway identifiers are cleared; auto_fallback_enabled is preserved so a
// later SetupRecurrentBilling call can re-enable automation.
func (s *BillingService) SetupManualBilling(ctx context.Context, contractID string) (*domain.BillingSchedule, error) {
	schedule, err := s.repo.GetActiveScheduleByContractID(ctx, contractID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return nil, Validationf("no active billing schedule for contract %s", contractID)
		}
		return nil, err
	}

	if schedule.GatewaySubscriptionID != nil && *schedule.GatewaySubscriptionID != "" {
		if err := s.gateway.CancelSubscription(ctx, *schedule.GatewaySubscriptionID); err != nil {
			s.logger.Warn("failed to cancel gateway subscription during manual setup",
				"schedule_id", schedule.ID, "error", err)
		}
	}

	return s.repo.SwitchToManual(ctx, schedule.ID)
}

// SetupRecurrentBilling opens a plan, customer and subscription at the
// gateway and promotes the contract's schedule to the recurrent method.
func (s *BillingService) SetupRecurrentBilling(ctx context.Context, contractID string, params RecurrentSetupParams) (*domain.BillingSchedule, error) {
	schedule, err := s.repo.GetActiveScheduleByContractID(ctx, contractID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return nil, Validationf("no active billing schedule for contract %s", contractID)
		}
		return nil, err
	}

	plan, err := s.gateway.CreatePlan(ctx, domain.CreatePlanRequest{
		Name:          "contract-" + contractID,
		Amount:        schedule.AmountPerCycle,
		IntervalUnit:  "MONTH",
		IntervalCount: schedule.BillingCycle.Months(),
		Description:   "home care contract " + contractID,
	})
	if err != nil {
		return nil, err
	}

	customer, err := s.gateway.CreateCustomer(ctx, domain.CreateCustomerRequest{
		Name:      params.PayerName,
		Email:     params.PayerEmail,
		TaxID:     params.PayerTaxID,
		Reference: domain.BuildReferenceID("cus", contractID, time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}

	subscription, err := s.gateway.CreateSubscription(ctx, domain.CreateSubscriptionRequest{
		PlanID:     plan.PlanID,
		CustomerID: customer.CustomerID,
		Instrument: params.Instrument,
		Reference:  domain.BuildReferenceID("sub", schedule.ID, time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("recurrent billing enabled",
		"contract_id", contractID,
		"schedule_id", schedule.ID,
		"subscription_id", subscription.SubscriptionID)
	return s.repo.SwitchToRecurrent(ctx, schedule.ID, subscription.SubscriptionID, customer.CustomerID)
}

// MarkInvoicePaid confirms payment of an invoice manually (receipt upload or
// manual reconciliation). Marking an already-paid invoice writes nothing new,
// but the cadence advance is re-attempted so a retried confirmation repairs a
// schedule whose advance failed the first time.
func (s *BillingService) MarkInvoicePaid(ctx context.Context, invoiceID, method, reference string) (*domain.Invoice, error) {
	invoice, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == domain.InvoicePaid {
		if err := s.advanceScheduleCadence(ctx, invoice); err != nil {
			return nil, err
		}
		return invoice, nil
	}
	if invoice.Status == domain.InvoiceCancelled {
		return nil, Validationf("invoice %s is cancelled", invoiceID)
	}
	if method == "" {
		method = string(domain.MethodManual)
	}

	if err := s.repo.MarkInvoicePaid(ctx, invoiceID, store.UpdateInvoicePaymentParams{
		PaymentMethod:    method,
		PaymentReference: reference,
		PaidAt:           time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	if err := s.advanceScheduleCadence(ctx, invoice); err != nil {
		return nil, err
	}

	paid, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	s.publishInvoicePaid(ctx, paid)
	return paid, nil
}

// advanceScheduleCadence moves the contract's schedule to the next cycle when
// the paid invoice covers the period the schedule still points at. The period
// guard keeps replayed confirmations from double-advancing; a contract with
// no active schedule (ended contract) is not an error.
func (s *BillingService) advanceScheduleCadence(ctx context.Context, invoice *domain.Invoice) error {
	schedule, err := s.repo.GetActiveScheduleByContractID(ctx, invoice.ContractID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return nil
		}
		return err
	}
	if schedule.NextBillingDate.After(invoice.PeriodEnd) {
		return nil
	}
	next := schedule.AdvanceNextBillingDate(schedule.NextBillingDate)
	return s.repo.UpdateScheduleNextBillingDate(ctx, schedule.ID, next)
}

// CancelInvoice voids an open invoice (contract amendment, billing mistake).
// A paid invoice cannot be cancelled; cancelling twice is a no-op.
func (s *BillingService) CancelInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	invoice, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == domain.InvoicePaid {
		return nil, Validationf("invoice %s is already paid", invoiceID)
	}
	if invoice.Status == domain.InvoiceCancelled {
		return invoice, nil
	}

	if err := s.repo.CancelInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	s.logger.Info("invoice cancelled", "invoice_id", invoiceID, "contract_id", invoice.ContractID)
	return s.repo.GetInvoiceByID(ctx, invoiceID)
}

// CreateCheckoutForInvoice opens a one-off hosted checkout session for a
// manual invoice and records the pending payment transaction with a
// structured reference id the gateway round-trips on webhook delivery.
func (s *BillingService) CreateCheckoutForInvoice(ctx context.Context, invoiceID string) (*domain.CheckoutSession, error) {
	invoice, err := s.repo.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == domain.InvoicePaid {
		return nil, Validationf("invoice %s is already paid", invoiceID)
	}
	if invoice.Status == domain.InvoiceCancelled {
		return nil, Validationf("invoice %s is cancelled", invoiceID)
	}

	reference := domain.BuildReferenceID(domain.ReferencePrefixInvoice, invoice.ID, time.Now().UTC())
	session, err := s.gateway.CreateCheckoutSession(ctx, domain.CheckoutRequest{
		Reference:   reference,
		Amount:      invoice.TotalAmount,
		Description: "invoice " + invoice.InvoiceNumber,
	})
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(session)
	sessionID := session.SessionID
	if _, err := s.repo.CreateTransaction(ctx, &domain.PaymentTransaction{
		InvoiceID:       invoice.ID,
		Type:            domain.TransactionCheckout,
		GatewayChargeID: &sessionID,
		ReferenceID:     reference,
		Status:          domain.TransactionPending,
		Amount:          invoice.TotalAmount,
		GatewayPayload:  payload,
	}); err != nil {
		return nil, err
	}

	return session, nil
}

// ListInvoices returns the contract's most recent invoices.
func (s *BillingService) ListInvoices(ctx context.Context, contractID string, limit int) ([]domain.Invoice, error) {
	return s.repo.ListInvoicesByContractID(ctx, contractID, limit)
}

func (s *BillingService) publishInvoicePaid(ctx context.Context, invoice *domain.Invoice) {
	if s.publisher == nil {
		return
	}
	event := domain.InvoiceEvent{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		ContractID:    invoice.ContractID,
		TotalAmount:   invoice.TotalAmount,
		Status:        string(invoice.Status),
		DueDate:       invoice.DueDate,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, BillingEventsExchange, domain.EventInvoicePaid, event); err != nil {
		s.logger.Warn("failed to publish invoice paid event", "invoice_id", invoice.ID, "error", err)
	}
}
