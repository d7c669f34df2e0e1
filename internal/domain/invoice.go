/**
 * @description
 * Invoice domain model. Invoices are financial records: they are created by
 * the invoice generator, mutated by payment confirmation or the overdue
 * sweep, and never deleted.
 */
package domain

import (
	"fmt"
	"time"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoiceSent      InvoiceStatus = "sent"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice represents one billing period of one contract.
type Invoice struct {
	ID               string        `json:"id"`
	ContractID       string        `json:"contract_id"`
	InvoiceNumber    string        `json:"invoice_number"`
	PeriodStart      time.Time     `json:"period_start"`
	PeriodEnd        time.Time     `json:"period_end"`
	LivesCount       int           `json:"lives_count"`
	BaseAmount       int64         `json:"base_amount"` // minor units (cents)
	AdditionalAmount int64         `json:"additional_amount"`
	DiscountAmount   int64         `json:"discount_amount"`
	TaxAmount        int64         `json:"tax_amount"`
	TotalAmount      int64         `json:"total_amount"`
	Status           InvoiceStatus `json:"status"`
	DueDate          time.Time     `json:"due_date"`
	IssuedAt         time.Time     `json:"issued_at"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	PaymentMethod    *string       `json:"payment_method,omitempty"`
	PaymentReference *string       `json:"payment_reference,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Period returns the invoice's billing period.
func (i *Invoice) Period() BillingPeriod {
	return BillingPeriod{Start: i.PeriodStart, End: i.PeriodEnd}
}

// InvoiceAdjustments carries the non-base amounts of an invoice, computed by
// a collaborator at generation time. All amounts may legitimately be zero.
type InvoiceAdjustments struct {
	LivesCount       int   `json:"lives_count"`
	AdditionalAmount int64 `json:"additional_amount"`
	DiscountAmount   int64 `json:"discount_amount"`
	TaxAmount        int64 `json:"tax_amount"`
}

// ComputeTotal applies the amount conservation rule:
// total = base + additional - discounts + taxes.
func ComputeTotal(base, additional, discount, tax int64) int64 {
	return base + additional - discount + tax
}

// InvoiceNumberScope is the fixed prefix of generated invoice numbers.
const InvoiceNumberScope = "PTC"

// BuildInvoiceNumber formats an invoice number as
// <SCOPE>-<YYYYMM>-<contractID>-<NNN> where sequence is the 1-based position
// of the invoice within the contract's month.
func BuildInvoiceNumber(contractID string, issuedAt time.Time, sequence int) string {
	return fmt.Sprintf("%s-%s-%s-%03d", InvoiceNumberScope, issuedAt.Format("200601"), contractID, sequence)
}
