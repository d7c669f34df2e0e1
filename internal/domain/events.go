/**
 * @description
 * Internal event payloads published to RabbitMQ when billing state changes.
 * Downstream services (notifications, dashboards) consume these; the billing
 * engine never reads them back.
 */
package domain

import "time"

// Routing keys for the billing events topic exchange.
const (
	EventInvoiceCreated    = "billing.invoice.created"
	EventInvoicePaid       = "billing.invoice.paid"
	EventInvoiceOverdue    = "billing.invoice.overdue"
	EventPaymentFailed     = "billing.payment.failed"
	EventFallbackTriggered = "billing.fallback.triggered"
)

// InvoiceEvent is published when an invoice is created, paid or goes overdue.
type InvoiceEvent struct {
	InvoiceID     string    `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	ContractID    string    `json:"contract_id"`
	TotalAmount   int64     `json:"total_amount"`
	Status        string    `json:"status"`
	DueDate       time.Time `json:"due_date"`
	Timestamp     time.Time `json:"timestamp"`
}

// PaymentFailedEvent is published when a recurring charge attempt fails.
type PaymentFailedEvent struct {
	ScheduleID   string    `json:"schedule_id"`
	ContractID   string    `json:"contract_id"`
	AttemptCount int       `json:"attempt_count"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FallbackTriggeredEvent is published when a schedule is demoted from
// recurrent to manual billing after repeated failures.
type FallbackTriggeredEvent struct {
	ScheduleID string    `json:"schedule_id"`
	ContractID string    `json:"contract_id"`
	Timestamp  time.Time `json:"timestamp"`
}
