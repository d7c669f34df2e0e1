package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

type reconcilerRepoStub struct {
	schedule *domain.BillingSchedule
	tx       *domain.PaymentTransaction
	invoice  *domain.Invoice

	updatedStatus       *domain.TransactionStatus
	markedPaidInvoiceID string
	markedPayment       store.UpdateInvoicePaymentParams
	nextBillingDate     *time.Time
}

func (s *reconcilerRepoStub) GetScheduleByGatewaySubscriptionID(ctx context.Context, subscriptionID string) (*domain.BillingSchedule, error) {
	if s.schedule == nil || s.schedule.GatewaySubscriptionID == nil || *s.schedule.GatewaySubscriptionID != subscriptionID {
		return nil, store.ErrScheduleNotFound
	}
	return s.schedule, nil
}

func (s *reconcilerRepoStub) GetActiveScheduleByContractID(ctx context.Context, contractID string) (*domain.BillingSchedule, error) {
	if s.schedule == nil || s.schedule.ContractID != contractID {
		return nil, store.ErrScheduleNotFound
	}
	return s.schedule, nil
}

func (s *reconcilerRepoStub) UpdateScheduleNextBillingDate(ctx context.Context, scheduleID string, next time.Time) error {
	s.nextBillingDate = &next
	return nil
}

func (s *reconcilerRepoStub) FindTransactionByGatewayChargeID(ctx context.Context, chargeID string) (*domain.PaymentTransaction, error) {
	if s.tx == nil || s.tx.GatewayChargeID == nil || *s.tx.GatewayChargeID != chargeID {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *reconcilerRepoStub) FindTransactionByReferenceID(ctx context.Context, referenceID string) (*domain.PaymentTransaction, error) {
	if s.tx == nil || s.tx.ReferenceID != referenceID {
		return nil, store.ErrTransactionNotFound
	}
	return s.tx, nil
}

func (s *reconcilerRepoStub) UpdateTransactionStatus(ctx context.Context, transactionID string, status domain.TransactionStatus, chargeID *string, payload []byte) error {
	s.updatedStatus = &status
	s.tx.Status = status
	return nil
}

func (s *reconcilerRepoStub) GetInvoiceByID(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	if s.invoice == nil || s.invoice.ID != invoiceID {
		return nil, store.ErrInvoiceNotFound
	}
	return s.invoice, nil
}

func (s *reconcilerRepoStub) MarkInvoicePaid(ctx context.Context, invoiceID string, payment store.UpdateInvoicePaymentParams) error {
	s.markedPaidInvoiceID = invoiceID
	s.markedPayment = payment
	s.invoice.Status = domain.InvoicePaid
	return nil
}

type failureRecorderStub struct {
	scheduleID string
	reason     string
	fellBack   bool
	calls      int
}

func (r *failureRecorderStub) RecordSubscriptionFailure(ctx context.Context, scheduleID, reason string) (bool, error) {
	r.calls++
	r.scheduleID = scheduleID
	r.reason = reason
	return r.fellBack, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func pendingCheckoutTransaction() *domain.PaymentTransaction {
	chargeID := "chr-1"
	return &domain.PaymentTransaction{
		ID:              "tx-1",
		InvoiceID:       "invoice-1",
		Type:            domain.TransactionCheckout,
		GatewayChargeID: &chargeID,
		ReferenceID:     "inv_87_1741132800",
		Status:          domain.TransactionPending,
		Amount:          100000,
	}
}

func pendingInvoice() *domain.Invoice {
	return &domain.Invoice{
		ID:         "invoice-1",
		ContractID: "42",
		Status:     domain.InvoicePending,
	}
}

func TestHandleNotification_RejectsBadSignature(t *testing.T) {
	reconciler := NewWebhookReconciler(&reconcilerRepoStub{}, &failureRecorderStub{}, nil, testLogger(), "topsecret")

	body := []byte(`{"category":"payment"}`)
	_, err := reconciler.HandleNotification(context.Background(), body, "deadbeef")
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestHandleNotification_AcceptsValidSignature(t *testing.T) {
	reconciler := NewWebhookReconciler(&reconcilerRepoStub{}, &failureRecorderStub{}, nil, testLogger(), "topsecret")

	body := []byte(`{"category":"unknown"}`)
	result, err := reconciler.HandleNotification(context.Background(), body, sign("topsecret", body))
	if err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success reporting, got %+v", result)
	}
}

func TestHandleNotification_MalformedPayloadIsNonFatal(t *testing.T) {
	reconciler := NewWebhookReconciler(&reconcilerRepoStub{}, &failureRecorderStub{}, nil, testLogger(), "")

	result, err := reconciler.HandleNotification(context.Background(), []byte("not json"), "")
	if err != nil {
		t.Fatalf("malformed payload must not be a fatal error, got %v", err)
	}
	if result.Success {
		t.Fatal("expected a failure result for a malformed payload")
	}
}

func TestHandleNotification_SubscriptionFailureFeedsRecorder(t *testing.T) {
	subID := "sub-123"
	repo := &reconcilerRepoStub{schedule: &domain.BillingSchedule{
		ID:                    "sched-1",
		ContractID:            "42",
		BillingMethod:         domain.MethodRecurrent,
		GatewaySubscriptionID: &subID,
	}}
	recorder := &failureRecorderStub{fellBack: true}
	reconciler := NewWebhookReconciler(repo, recorder, nil, testLogger(), "")

	body := []byte(`{"event_id":"evt-1","category":"subscription","event":"subscription.suspended","data":{"subscription_id":"sub-123","status":"SUSPENDED","reason":"card expired"}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the failure to be applied, got %+v", result)
	}
	if recorder.scheduleID != "sched-1" {
		t.Fatalf("expected recorder fed schedule sched-1, got %q", recorder.scheduleID)
	}
	if recorder.reason != "SUSPENDED: card expired" {
		t.Fatalf("unexpected failure reason %q", recorder.reason)
	}
}

func TestHandleNotification_UnknownSubscriptionIsNonFatal(t *testing.T) {
	recorder := &failureRecorderStub{}
	reconciler := NewWebhookReconciler(&reconcilerRepoStub{}, recorder, nil, testLogger(), "")

	body := []byte(`{"category":"subscription","data":{"subscription_id":"sub-ghost","status":"SUSPENDED"}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("an unknown subscription must not be fatal, got %v", err)
	}
	if !result.Success || result.Applied {
		t.Fatalf("expected a reported no-op, got %+v", result)
	}
	if recorder.calls != 0 {
		t.Fatal("recorder must not be fed for unknown subscriptions")
	}
}

func TestHandleNotification_CheckoutPaidMarksInvoicePaid(t *testing.T) {
	repo := &reconcilerRepoStub{tx: pendingCheckoutTransaction(), invoice: pendingInvoice()}
	publisher := &publisherStub{}
	reconciler := NewWebhookReconciler(repo, &failureRecorderStub{}, publisher, testLogger(), "")

	body := []byte(`{"category":"checkout","data":{"session_id":"sess-1","charge_id":"chr-1","reference_id":"inv_87_1741132800","status":"PAID","amount":100000,"payment_method":"pix"}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the payment applied, got %+v", result)
	}
	if repo.updatedStatus == nil || *repo.updatedStatus != domain.TransactionApproved {
		t.Fatalf("expected transaction approved, got %v", repo.updatedStatus)
	}
	if repo.markedPaidInvoiceID != "invoice-1" {
		t.Fatalf("expected invoice-1 marked paid, got %q", repo.markedPaidInvoiceID)
	}
	if repo.markedPayment.PaymentMethod != "pix" {
		t.Fatalf("expected payment method pix, got %q", repo.markedPayment.PaymentMethod)
	}
	if len(publisher.published) != 1 || publisher.published[0] != domain.EventInvoicePaid {
		t.Fatalf("expected one invoice.paid event, got %v", publisher.published)
	}
}

func TestHandleNotification_CheckoutPaidAdvancesScheduleCadence(t *testing.T) {
	invoice := pendingInvoice()
	invoice.PeriodStart = date(2025, time.March, 1)
	invoice.PeriodEnd = date(2025, time.March, 31)
	repo := &reconcilerRepoStub{
		tx:      pendingCheckoutTransaction(),
		invoice: invoice,
		schedule: &domain.BillingSchedule{
			ID:              "sched-1",
			ContractID:      "42",
			BillingCycle:    domain.CycleMonthly,
			BillingDay:      5,
			BillingMethod:   domain.MethodManual,
			NextBillingDate: date(2025, time.March, 5),
			IsActive:        true,
		},
	}
	reconciler := NewWebhookReconciler(repo, &failureRecorderStub{}, nil, testLogger(), "")

	body := []byte(`{"category":"checkout","data":{"session_id":"sess-1","charge_id":"chr-1","reference_id":"inv_87_1741132800","status":"PAID","amount":100000,"payment_method":"pix"}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the payment applied, got %+v", result)
	}
	if repo.nextBillingDate == nil || !repo.nextBillingDate.Equal(date(2025, time.April, 5)) {
		t.Fatalf("expected next billing date 2025-04-05 after the paid checkout, got %v", repo.nextBillingDate)
	}
}

func TestHandleNotification_DuplicatePaymentWebhookIsNoOp(t *testing.T) {
	tx := pendingCheckoutTransaction()
	tx.Status = domain.TransactionApproved
	paid := pendingInvoice()
	paid.Status = domain.InvoicePaid
	repo := &reconcilerRepoStub{tx: tx, invoice: paid}
	reconciler := NewWebhookReconciler(repo, &failureRecorderStub{}, nil, testLogger(), "")

	body := []byte(`{"category":"payment","data":{"charge_id":"chr-1","status":"PAID","amount":100000}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("a replayed webhook must not be fatal, got %v", err)
	}
	if result.Applied {
		t.Fatalf("a replayed webhook must not change state, got %+v", result)
	}
	if repo.updatedStatus != nil {
		t.Fatal("expected no status update for a duplicate delivery")
	}
	if repo.markedPaidInvoiceID != "" {
		t.Fatal("expected no invoice update for a duplicate delivery")
	}
}

func TestHandleNotification_DeclinedPaymentLeavesInvoiceUntouched(t *testing.T) {
	repo := &reconcilerRepoStub{tx: pendingCheckoutTransaction(), invoice: pendingInvoice()}
	reconciler := NewWebhookReconciler(repo, &failureRecorderStub{}, nil, testLogger(), "")

	body := []byte(`{"category":"payment","data":{"charge_id":"chr-1","status":"DECLINED","amount":100000}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("HandleNotification returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the decline applied, got %+v", result)
	}
	if repo.updatedStatus == nil || *repo.updatedStatus != domain.TransactionDeclined {
		t.Fatalf("expected transaction declined, got %v", repo.updatedStatus)
	}
	if repo.markedPaidInvoiceID != "" {
		t.Fatal("a declined payment must not mark the invoice paid")
	}
	if repo.invoice.Status != domain.InvoicePending {
		t.Fatalf("expected invoice still pending, got %q", repo.invoice.Status)
	}
}

func TestHandleNotification_UnknownChargeIsNonFatal(t *testing.T) {
	reconciler := NewWebhookReconciler(&reconcilerRepoStub{}, &failureRecorderStub{}, nil, testLogger(), "")

	body := []byte(`{"category":"payment","data":{"charge_id":"chr-ghost","status":"PAID"}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("an unknown charge must not be fatal, got %v", err)
	}
	if !result.Success || result.Applied {
		t.Fatalf("expected a reported no-op, got %+v", result)
	}
}

func TestHandleNotification_MalformedCheckoutReferenceIsNonFatal(t *testing.T) {
	repo := &reconcilerRepoStub{tx: pendingCheckoutTransaction(), invoice: pendingInvoice()}
	reconciler := NewWebhookReconciler(repo, &failureRecorderStub{}, nil, testLogger(), "")

	body := []byte(`{"category":"checkout","data":{"reference_id":"garbage","status":"PAID"}}`)
	result, err := reconciler.HandleNotification(context.Background(), body, "")
	if err != nil {
		t.Fatalf("a malformed reference must not be fatal, got %v", err)
	}
	if result.Applied {
		t.Fatalf("expected no state change, got %+v", result)
	}
	if repo.updatedStatus != nil {
		t.Fatal("expected no status update for a malformed reference")
	}
}

func TestSyncTransactionStatus_AppliesGatewayStatus(t *testing.T) {
	repo := &reconcilerRepoStub{tx: pendingCheckoutTransaction(), invoice: pendingInvoice()}
	reconciler := NewWebhookReconciler(repo, &failureRecorderStub{}, nil, testLogger(), "")

	result, err := reconciler.SyncTransactionStatus(context.Background(), repo.tx, "PAID", "chr-1", nil)
	if err != nil {
		t.Fatalf("SyncTransactionStatus returned error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected the status applied, got %+v", result)
	}
	if repo.markedPaidInvoiceID != "invoice-1" {
		t.Fatalf("expected invoice-1 marked paid, got %q", repo.markedPaidInvoiceID)
	}
}
