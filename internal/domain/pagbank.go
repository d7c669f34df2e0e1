/**
 * @description
 * This file defines the Go structs that model requests to and responses from
 * the PagBank payment gateway, plus the incoming webhook payloads. All
 * monetary amounts cross this boundary as integer minor units (cents).
 *
 * @notes
 * - Webhook payloads are decoded in two steps: the envelope first, then the
 *   category-specific event struct. Internal code never inspects untyped maps.
 */
package domain

import (
	"encoding/json"
	"time"
)

// CreatePlanRequest creates a recurring plan at the gateway.
type CreatePlanRequest struct {
	Name          string `json:"name"`
	Amount        int64  `json:"amount"`
	IntervalUnit  string `json:"interval_unit"` // MONTH
	IntervalCount int    `json:"interval_count"`
	Description   string `json:"description,omitempty"`
}

// CreatePlanResponse carries the provider-assigned plan id.
type CreatePlanResponse struct {
	PlanID string `json:"id"`
	Status string `json:"status"`
}

// CreateCustomerRequest registers a payer at the gateway.
type CreateCustomerRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	TaxID     string `json:"tax_id,omitempty"`
	Reference string `json:"reference_id,omitempty"`
}

// CreateCustomerResponse carries the provider-assigned customer id.
type CreateCustomerResponse struct {
	CustomerID string `json:"id"`
}

// PaymentInstrument is the stored payment method used for recurring charges.
type PaymentInstrument struct {
	Type        string `json:"type"` // CREDIT_CARD
	CardToken   string `json:"card_token,omitempty"`
	HolderName  string `json:"holder_name,omitempty"`
	ExpiryMonth int    `json:"expiry_month,omitempty"`
	ExpiryYear  int    `json:"expiry_year,omitempty"`
}

// CreateSubscriptionRequest binds a plan, a customer and an instrument.
type CreateSubscriptionRequest struct {
	PlanID     string            `json:"plan_id"`
	CustomerID string            `json:"customer_id"`
	Instrument PaymentInstrument `json:"payment_method"`
	Reference  string            `json:"reference_id,omitempty"`
}

// CreateSubscriptionResponse carries the provider-assigned subscription id.
type CreateSubscriptionResponse struct {
	SubscriptionID string `json:"id"`
	Status         string `json:"status"`
}

// SubscriptionStatus is the gateway's view of a subscription.
type SubscriptionStatus struct {
	SubscriptionID string     `json:"id"`
	Status         string     `json:"status"` // ACTIVE, SUSPENDED, CANCELLED, PAYMENT_FAILED
	LastChargeAt   *time.Time `json:"last_charge_at,omitempty"`
	LastChargePaid bool       `json:"last_charge_paid"`
}

// Healthy reports whether the subscription is collecting normally.
func (s SubscriptionStatus) Healthy() bool {
	return s.Status == "ACTIVE"
}

// ChargeSubscriptionRequest triggers an off-cycle charge.
type ChargeSubscriptionRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// ChargeResponse carries the provider-assigned charge id.
type ChargeResponse struct {
	ChargeID string `json:"id"`
	Status   string `json:"status"`
}

// CheckoutRequest creates a one-off hosted checkout session for an invoice.
type CheckoutRequest struct {
	Reference     string `json:"reference_id"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// CheckoutSession is the gateway's checkout response. DegradedMode is set
// when the client answered from its sandbox because no API key is
// configured; callers must be able to tell simulated sessions from real ones.
type CheckoutSession struct {
	SessionID    string    `json:"id"`
	CheckoutURL  string    `json:"checkout_url"`
	Reference    string    `json:"reference_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	DegradedMode bool      `json:"degraded_mode,omitempty"`
}

// TransactionStatusResponse is the gateway's view of a single transaction,
// used by the status-reconciliation sweep.
type TransactionStatusResponse struct {
	TransactionID string `json:"id"`
	Reference     string `json:"reference_id,omitempty"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

// Webhook event categories dispatched by the reconciler.
const (
	EventCategorySubscription = "subscription"
	EventCategoryPayment      = "payment"
	EventCategoryCheckout     = "checkout"
)

// WebhookEnvelope is the top-level structure of a gateway webhook payload.
// Data is decoded into the category-specific event struct.
type WebhookEnvelope struct {
	EventID   string          `json:"event_id"`
	Category  string          `json:"category"` // subscription, payment, checkout
	Event     string          `json:"event"`    // e.g. "payment.approved"
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// SubscriptionEvent notifies a subscription lifecycle change.
type SubscriptionEvent struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"` // ACTIVE, SUSPENDED, CANCELLED, PAYMENT_FAILED
	Reason         string `json:"reason,omitempty"`
}

// PaymentEvent notifies the outcome of a charge.
type PaymentEvent struct {
	ChargeID       string `json:"charge_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Reference      string `json:"reference_id,omitempty"`
	Status         string `json:"status"` // PAID, DECLINED, CANCELLED
	Amount         int64  `json:"amount"`
	PaymentMethod  string `json:"payment_method,omitempty"`
}

// CheckoutEvent notifies the outcome of a hosted checkout order. Reference
// carries the caller-supplied reference id unchanged.
type CheckoutEvent struct {
	SessionID     string `json:"session_id"`
	ChargeID      string `json:"charge_id,omitempty"`
	Reference     string `json:"reference_id"`
	Status        string `json:"status"` // PAID, DECLINED, CANCELLED, EXPIRED
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method,omitempty"`
}
