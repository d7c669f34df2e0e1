/**
 * @description
 * The webhook reconciler verifies and applies asynchronous payment-status
 * notifications from the gateway to local invoice, transaction and schedule
 * state. Delivery is at-least-once: replaying an identical event must
 * produce no additional state change, and an unknown or stale reference is
 * reported, never fatal.
 *
 * Key features:
 * - Security: validates the HMAC-SHA256 signature of incoming webhooks; no
 *   event is applied without a valid signature unless no secret is
 *   configured (explicit local/dev bypass, logged loudly).
 * - Dispatch: decodes the envelope, then the category-specific event struct.
 * - Subscription failures feed the recurrent billing coordinator's shared
 *   attempt/fallback path so webhook-driven and scheduled updates cannot
 *   diverge.
 */
package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

// ReconcilerRepository defines the store operations the reconciler needs.
type ReconcilerRepository interface {
	GetScheduleByGatewaySubscriptionID(ctx context.Context, subscriptionID string) (*domain.BillingSchedule, error)
	GetActiveScheduleByContractID(ctx context.Context, contractID string) (*domain.BillingSchedule, error)
	UpdateScheduleNextBillingDate(ctx context.Context, scheduleID string, next time.Time) error
	FindTransactionByGatewayChargeID(ctx context.Context, chargeID string) (*domain.PaymentTransaction, error)
	FindTransactionByReferenceID(ctx context.Context, referenceID string) (*domain.PaymentTransaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, chargeID *string, payload []byte) error
	GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error)
	MarkInvoicePaid(ctx context.Context, invoiceID string, payment store.UpdateInvoicePaymentParams) error
}

// SubscriptionFailureRecorder is the recurrent billing coordinator's shared
// failure path.
type SubscriptionFailureRecorder interface {
	RecordSubscriptionFailure(ctx context.Context, scheduleID, reason string) (bool, error)
}

// ReconcileResult summarizes the outcome of one notification.
type ReconcileResult struct {
	Success bool   `json:"success"`
	Applied bool   `json:"applied"`
	Details string `json:"details"`
}

// WebhookReconciler applies gateway notifications to local billing state.
type WebhookReconciler struct {
	repo      ReconcilerRepository
	recorder  SubscriptionFailureRecorder
	publisher EventPublisher
	logger    *slog.Logger
	secret    string
}

// NewWebhookReconciler creates a new reconciler. An empty secret disables
// signature verification; that bypass is for local development only.
func NewWebhookReconciler(repo ReconcilerRepository, recorder SubscriptionFailureRecorder, publisher EventPublisher, logger *slog.Logger, secret string) *WebhookReconciler {
	if secret == "" {
		logger.Warn("webhook signature secret not configured, signature verification disabled")
	}
	return &WebhookReconciler{
		repo:      repo,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
		secret:    secret,
	}
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw body.
func (r *WebhookReconciler) VerifySignature(body []byte, signature string) bool {
	if r.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(r.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HandleNotification verifies and applies one raw webhook payload. It
// returns ErrSignatureMismatch when the signature check fails; every other
// outcome, including unknown references and duplicate deliveries, is a
// non-fatal result so the gateway does not retry indefinitely.
func (r *WebhookReconciler) HandleNotification(ctx context.Context, rawPayload []byte, signature string) (*ReconcileResult, error) {
	if !r.VerifySignature(rawPayload, signature) {
		r.logger.Warn("rejected webhook with invalid signature")
		return nil, ErrSignatureMismatch
	}

	var envelope domain.WebhookEnvelope
	if err := json.Unmarshal(rawPayload, &envelope); err != nil {
		r.logger.Warn("failed to decode webhook envelope", "error", err)
		return &ReconcileResult{Success: false, Details: "malformed payload"}, nil
	}

	switch envelope.Category {
	case domain.EventCategorySubscription:
		return r.handleSubscriptionEvent(ctx, envelope, rawPayload)
	case domain.EventCategoryPayment:
		return r.handlePaymentEvent(ctx, envelope, rawPayload)
	case domain.EventCategoryCheckout:
		return r.handleCheckoutEvent(ctx, envelope, rawPayload)
	default:
		r.logger.Info("ignoring webhook with unknown category", "category", envelope.Category, "event", envelope.Event)
		return &ReconcileResult{Success: true, Details: "unknown event category " + envelope.Category}, nil
	}
}

func (r *WebhookReconciler) handleSubscriptionEvent(ctx context.Context, envelope domain.WebhookEnvelope, raw []byte) (*ReconcileResult, error) {
	var event domain.SubscriptionEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return &ReconcileResult{Success: false, Details: "malformed subscription event"}, nil
	}

	schedule, err := r.repo.GetScheduleByGatewaySubscriptionID(ctx, event.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			r.logger.Info("webhook references unknown subscription", "subscription_id", event.SubscriptionID)
			return &ReconcileResult{Success: true, Details: "unknown subscription " + event.SubscriptionID}, nil
		}
		return nil, err
	}

	switch event.Status {
	case "ACTIVE":
		return &ReconcileResult{Success: true, Details: "subscription healthy, nothing to apply"}, nil
	case "SUSPENDED", "CANCELLED", "PAYMENT_FAILED":
		reason := event.Status
		if event.Reason != "" {
			reason += ": " + event.Reason
		}
		fellBack, err := r.recorder.RecordSubscriptionFailure(ctx, schedule.ID, reason)
		if err != nil {
			return nil, err
		}
		details := "failure recorded for schedule " + schedule.ID
		if fellBack {
			details += ", fallback to manual billing triggered"
		}
		return &ReconcileResult{Success: true, Applied: true, Details: details}, nil
	default:
		r.logger.Info("ignoring subscription event with unhandled status", "status", event.Status)
		return &ReconcileResult{Success: true, Details: "unhandled subscription status " + event.Status}, nil
	}
}

func (r *WebhookReconciler) handlePaymentEvent(ctx context.Context, envelope domain.WebhookEnvelope, raw []byte) (*ReconcileResult, error) {
	var event domain.PaymentEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return &ReconcileResult{Success: false, Details: "malformed payment event"}, nil
	}

	tx, err := r.resolveTransaction(ctx, event.ChargeID, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			r.logger.Info("webhook references unknown charge",
				"charge_id", event.ChargeID, "reference", event.Reference)
			return &ReconcileResult{Success: true, Details: "unknown charge " + event.ChargeID}, nil
		}
		return nil, err
	}

	method := event.PaymentMethod
	if method == "" {
		method = string(tx.Type)
	}
	return r.applyTransactionStatus(ctx, tx, mapGatewayStatus(event.Status), event.ChargeID, method, raw)
}

func (r *WebhookReconciler) handleCheckoutEvent(ctx context.Context, envelope domain.WebhookEnvelope, raw []byte) (*ReconcileResult, error) {
	var event domain.CheckoutEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return &ReconcileResult{Success: false, Details: "malformed checkout event"}, nil
	}

	if _, _, err := domain.ParseReferenceID(event.Reference); err != nil {
		r.logger.Info("checkout webhook carries malformed reference", "reference", event.Reference)
		return &ReconcileResult{Success: true, Details: "malformed reference " + event.Reference}, nil
	}

	tx, err := r.repo.FindTransactionByReferenceID(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			r.logger.Info("checkout webhook references unknown transaction", "reference", event.Reference)
			return &ReconcileResult{Success: true, Details: "unknown reference " + event.Reference}, nil
		}
		return nil, err
	}

	method := event.PaymentMethod
	if method == "" {
		method = string(domain.TransactionCheckout)
	}
	return r.applyTransactionStatus(ctx, tx, mapGatewayStatus(event.Status), event.ChargeID, method, raw)
}

// SyncTransactionStatus applies a gateway-reported status to a transaction
// using the same logic as webhook delivery. The status-reconciliation sweep
// and manual "sync now" calls go through here.
func (r *WebhookReconciler) SyncTransactionStatus(ctx context.Context, tx *domain.PaymentTransaction, gatewayStatus, chargeID string, payload []byte) (*ReconcileResult, error) {
	return r.applyTransactionStatus(ctx, tx, mapGatewayStatus(gatewayStatus), chargeID, string(tx.Type), payload)
}

func (r *WebhookReconciler) resolveTransaction(ctx context.Context, chargeID, reference string) (*domain.PaymentTransaction, error) {
	if chargeID != "" {
		tx, err := r.repo.FindTransactionByGatewayChargeID(ctx, chargeID)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if reference != "" {
		return r.repo.FindTransactionByReferenceID(ctx, reference)
	}
	return nil, store.ErrTransactionNotFound
}

func (r *WebhookReconciler) applyTransactionStatus(ctx context.Context, tx *domain.PaymentTransaction, status domain.TransactionStatus, chargeID, method string, payload []byte) (*ReconcileResult, error) {
	if tx.Status == status {
		// Re-applying the same terminal status is a no-op, not an error.
		return &ReconcileResult{Success: true, Details: "status " + string(status) + " already applied"}, nil
	}
	if tx.Status.IsTerminal() {
		r.logger.Info("ignoring status change on terminal transaction",
			"transaction_id", tx.ID, "current", string(tx.Status), "incoming", string(status))
		return &ReconcileResult{Success: true, Details: "transaction already terminal"}, nil
	}
	if status == domain.TransactionPending {
		return &ReconcileResult{Success: true, Details: "transaction still pending"}, nil
	}

	var chargeIDPtr *string
	if chargeID != "" {
		chargeIDPtr = &chargeID
	}
	if err := r.repo.UpdateTransactionStatus(ctx, tx.ID, status, chargeIDPtr, payload); err != nil {
		return nil, err
	}

	if status != domain.TransactionApproved {
		return &ReconcileResult{Success: true, Applied: true, Details: "transaction " + tx.ID + " marked " + string(status)}, nil
	}

	// Approved payment tied to an invoice: mark it paid and stamp the
	// payment metadata, then advance the schedule's cadence. The advance is
	// guarded by the invoice's period, so duplicate webhook delivery cannot
	// double-advance and a schedule the recurrent cycle already moved on is
	// left alone.
	invoice, err := r.repo.GetInvoiceByID(ctx, tx.InvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status != domain.InvoicePaid {
		reference := chargeID
		if reference == "" {
			reference = tx.ReferenceID
		}
		if err := r.repo.MarkInvoicePaid(ctx, invoice.ID, store.UpdateInvoicePaymentParams{
			PaymentMethod:    method,
			PaymentReference: reference,
			PaidAt:           time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		r.publishInvoicePaid(ctx, invoice)
	}
	if err := r.advanceScheduleCadence(ctx, invoice); err != nil {
		return nil, err
	}

	return &ReconcileResult{Success: true, Applied: true, Details: "invoice " + invoice.ID + " marked paid"}, nil
}

// advanceScheduleCadence moves the invoice's contract schedule to the next
// cycle when it still points into the paid invoice's period.
func (r *WebhookReconciler) advanceScheduleCadence(ctx context.Context, invoice *domain.Invoice) error {
	schedule, err := r.repo.GetActiveScheduleByContractID(ctx, invoice.ContractID)
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
	return r.repo.UpdateScheduleNextBillingDate(ctx, schedule.ID, next)
}

func mapGatewayStatus(status string) domain.TransactionStatus {
	switch status {
	case "PAID", "APPROVED", "SUCCEEDED":
		return domain.TransactionApproved
	case "DECLINED", "FAILED", "REFUSED":
		return domain.TransactionDeclined
	case "CANCELLED", "EXPIRED", "VOIDED":
		return domain.TransactionCancelled
	default:
		return domain.TransactionPending
	}
}

func (r *WebhookReconciler) publishInvoicePaid(ctx context.Context, invoice *domain.Invoice) {
	if r.publisher == nil {
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
	if err := r.publisher.Publish(ctx, BillingEventsExchange, domain.EventInvoicePaid, event); err != nil {
		r.logger.Warn("failed to publish invoice paid event", "invoice_id", invoice.ID, "error", err)
	}
}
