/**
 * @description
 * This file defines the core billing domain models for the billing-service.
 * It includes the BillingSchedule struct that maps to the database table,
 * the billing cycle and billing method enumerations, and helpers for
 * computing billing periods deterministically.
 */
package domain

import "time"

// BillingCycle is the recurrence unit governing invoice period length.
type BillingCycle string

const (
	CycleMonthly    BillingCycle = "MONTHLY"
	CycleQuarterly  BillingCycle = "QUARTERLY"
	CycleSemiAnnual BillingCycle = "SEMI_ANNUAL"
	CycleAnnual     BillingCycle = "ANNUAL"
)

// IsValid reports whether the cycle is one of the known recurrence units.
func (c BillingCycle) IsValid() bool {
	switch c {
	case CycleMonthly, CycleQuarterly, CycleSemiAnnual, CycleAnnual:
		return true
	}
	return false
}

// Months returns the cycle length in calendar months.
func (c BillingCycle) Months() int {
	switch c {
	case CycleQuarterly:
		return 3
	case CycleSemiAnnual:
		return 6
	case CycleAnnual:
		return 12
	default:
		return 1
	}
}

// BillingMethod describes how payment for a schedule is collected.
type BillingMethod string

const (
	MethodManual    BillingMethod = "manual"
	MethodRecurrent BillingMethod = "recurrent"
)

// BillingSchedule is the per-contract billing configuration. There is at
// most one active schedule per contract; the store enforces this.
type BillingSchedule struct {
	ID                    string        `json:"id"`
	ContractID            string        `json:"contract_id"`
	BillingCycle          BillingCycle  `json:"billing_cycle"`
	BillingDay            int           `json:"billing_day"`
	AmountPerCycle        int64         `json:"amount_per_cycle"` // minor units (cents)
	NextBillingDate       time.Time     `json:"next_billing_date"`
	BillingMethod         BillingMethod `json:"billing_method"`
	IsActive              bool          `json:"is_active"`
	AttemptCount          int           `json:"attempt_count"`
	LastAttemptAt         *time.Time    `json:"last_attempt_at,omitempty"`
	AutoFallbackEnabled   bool          `json:"auto_fallback_enabled"`
	GatewaySubscriptionID *string       `json:"gateway_subscription_id,omitempty"`
	GatewayCustomerID     *string       `json:"gateway_customer_id,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// BillingPeriod is a half-open calendar interval [Start, End].
type BillingPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two periods intersect.
func (p BillingPeriod) Overlaps(other BillingPeriod) bool {
	return !p.End.Before(other.Start) && !other.End.Before(p.Start)
}

// PeriodFor computes the billing period containing reference for the given
// cycle. Periods are aligned to calendar boundaries: months for MONTHLY,
// 3-month blocks for QUARTERLY, half-years for SEMI_ANNUAL and the calendar
// year for ANNUAL.
func PeriodFor(cycle BillingCycle, reference time.Time) BillingPeriod {
	year := reference.Year()
	loc := reference.Location()

	switch cycle {
	case CycleQuarterly:
		startMonth := time.Month(((int(reference.Month())-1)/3)*3 + 1)
		start := time.Date(year, startMonth, 1, 0, 0, 0, 0, loc)
		return BillingPeriod{Start: start, End: start.AddDate(0, 3, -1)}
	case CycleSemiAnnual:
		startMonth := time.January
		if reference.Month() >= time.July {
			startMonth = time.July
		}
		start := time.Date(year, startMonth, 1, 0, 0, 0, 0, loc)
		return BillingPeriod{Start: start, End: start.AddDate(0, 6, -1)}
	case CycleAnnual:
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
		return BillingPeriod{Start: start, End: start.AddDate(1, 0, -1)}
	default:
		start := time.Date(year, reference.Month(), 1, 0, 0, 0, 0, loc)
		return BillingPeriod{Start: start, End: start.AddDate(0, 1, -1)}
	}
}

// ClampBillingDay returns day limited to the number of days in the month of
// reference, so a schedule configured for day 31 bills on the last day of
// shorter months.
func ClampBillingDay(day int, reference time.Time) int {
	lastDay := time.Date(reference.Year(), reference.Month(), 1, 0, 0, 0, 0, reference.Location()).
		AddDate(0, 1, -1).Day()
	if day > lastDay {
		return lastDay
	}
	if day < 1 {
		return 1
	}
	return day
}

// AdvanceNextBillingDate computes the billing date one cycle after from,
// keeping the configured billing day where the target month allows it.
func (s *BillingSchedule) AdvanceNextBillingDate(from time.Time) time.Time {
	anchor := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location()).
		AddDate(0, s.BillingCycle.Months(), 0)
	day := ClampBillingDay(s.BillingDay, anchor)
	return time.Date(anchor.Year(), anchor.Month(), day, 0, 0, 0, 0, from.Location())
}
