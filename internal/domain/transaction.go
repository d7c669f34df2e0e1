/**
 * @description
 * PaymentTransaction domain model and the reference-id scheme used to
 * correlate gateway callbacks with local records. A transaction is created
 * when a checkout session or recurring charge is initiated and is mutated
 * exclusively by the webhook reconciler (or a manual status sync using the
 * same logic).
 */
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TransactionType categorizes the gateway interaction behind a transaction.
type TransactionType string

const (
	TransactionCheckout           TransactionType = "checkout"
	TransactionCharge             TransactionType = "charge"
	TransactionSubscriptionCharge TransactionType = "subscription_charge"
)

// TransactionStatus is the state of a gateway transaction. Status only moves
// forward: pending is the only non-terminal state.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionApproved  TransactionStatus = "approved"
	TransactionDeclined  TransactionStatus = "declined"
	TransactionCancelled TransactionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transition.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionApproved || s == TransactionDeclined || s == TransactionCancelled
}

// PaymentTransaction records one gateway interaction attributed to an invoice.
type PaymentTransaction struct {
	ID               string            `json:"id"`
	InvoiceID        string            `json:"invoice_id"`
	Type             TransactionType   `json:"type"`
	GatewayChargeID  *string           `json:"gateway_charge_id,omitempty"`
	ReferenceID      string            `json:"reference_id"`
	Status           TransactionStatus `json:"status"`
	Amount           int64             `json:"amount"` // minor units (cents)
	GatewayPayload   []byte            `json:"-"`      // raw gateway snapshot, stored as jsonb
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ReferencePrefixInvoice marks reference ids that resolve to an invoice.
const ReferencePrefixInvoice = "inv"

// BuildReferenceID formats a caller-supplied reference id embedded at
// transaction-creation time: <prefix>_<localId>_<timestamp>. The gateway
// round-trips it unchanged on checkout and order events.
func BuildReferenceID(prefix, localID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", prefix, localID, at.Unix())
}

// ParseReferenceID splits a reference id into prefix and local id. Webhook
// delivery is at-least-once and may carry unknown or stale references, so a
// malformed reference is an error for the caller to report, not a panic.
func ParseReferenceID(reference string) (prefix, localID string, err error) {
	parts := strings.Split(reference, "_")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("malformed reference id %q", reference)
	}
	if _, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err != nil {
		return "", "", fmt.Errorf("malformed reference id %q: bad timestamp", reference)
	}
	return parts[0], strings.Join(parts[1:len(parts)-1], "_"), nil
}
