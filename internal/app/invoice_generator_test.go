package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type generatorRepoStub struct {
	schedules []domain.BillingSchedule
	existing  map[string]*domain.Invoice // keyed by contract id
	monthSeq  int

	created      []*domain.Invoice
	createErr    error
	createErrFor string // contract id the error applies to
}

func (s *generatorRepoStub) ListDueSchedules(ctx context.Context, dueBy time.Time) ([]domain.BillingSchedule, error) {
	return s.schedules, nil
}

func (s *generatorRepoStub) FindOverlappingInvoice(ctx context.Context, contractID string, period domain.BillingPeriod) (*domain.Invoice, error) {
	if inv, ok := s.existing[contractID]; ok && inv.Period().Overlaps(period) {
		return inv, nil
	}
	return nil, store.ErrInvoiceNotFound
}

func (s *generatorRepoStub) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (*domain.Invoice, error) {
	if s.createErr != nil && (s.createErrFor == "" || s.createErrFor == invoice.ContractID) {
		return nil, s.createErr
	}
	invoice.ID = "invoice-" + strconv.Itoa(len(s.created)+1)
	s.created = append(s.created, invoice)
	return invoice, nil
}

func (s *generatorRepoStub) CountInvoicesForContractMonth(ctx context.Context, contractID string, month time.Time) (int, error) {
	return s.monthSeq, nil
}

type publisherStub struct {
	published []string // routing keys
	err       error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, routingKey)
	return p.err
}

func monthlySchedule(id, contractID string, amount int64) domain.BillingSchedule {
	return domain.BillingSchedule{
		ID:              id,
		ContractID:      contractID,
		BillingCycle:    domain.CycleMonthly,
		BillingDay:      5,
		AmountPerCycle:  amount,
		NextBillingDate: date(2025, time.March, 5),
		BillingMethod:   domain.MethodManual,
		IsActive:        true,
	}
}

func TestGenerateForSchedule_CreatesMonthlyInvoice(t *testing.T) {
	repo := &generatorRepoStub{}
	publisher := &publisherStub{}
	generator := NewInvoiceGenerator(repo, nil, publisher, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	invoice, reused, warning, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.March, 5), false)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	if reused {
		t.Fatal("expected a freshly created invoice")
	}
	if warning != "" {
		t.Fatalf("expected no warning, got %q", warning)
	}
	if !invoice.PeriodStart.Equal(date(2025, time.March, 1)) || !invoice.PeriodEnd.Equal(date(2025, time.March, 31)) {
		t.Fatalf("expected period [2025-03-01, 2025-03-31], got [%v, %v]", invoice.PeriodStart, invoice.PeriodEnd)
	}
	if !invoice.DueDate.Equal(date(2025, time.April, 4)) {
		t.Fatalf("expected due date 2025-04-04, got %v", invoice.DueDate)
	}
	if invoice.TotalAmount != 100000 || invoice.BaseAmount != 100000 {
		t.Fatalf("expected total 100000 with zero adjustments, got total %d base %d", invoice.TotalAmount, invoice.BaseAmount)
	}
	if invoice.InvoiceNumber != "PTC-202503-42-001" {
		t.Fatalf("unexpected invoice number %q", invoice.InvoiceNumber)
	}
	if invoice.Status != domain.InvoicePending {
		t.Fatalf("expected pending status, got %q", invoice.Status)
	}
	if len(publisher.published) != 1 || publisher.published[0] != domain.EventInvoiceCreated {
		t.Fatalf("expected one invoice.created event, got %v", publisher.published)
	}
}

func TestGenerateForSchedule_ReusesOverlappingInvoice(t *testing.T) {
	existing := &domain.Invoice{
		ID:          "invoice-existing",
		ContractID:  "42",
		PeriodStart: date(2025, time.March, 1),
		PeriodEnd:   date(2025, time.March, 31),
		Status:      domain.InvoicePending,
	}
	repo := &generatorRepoStub{existing: map[string]*domain.Invoice{"42": existing}}
	generator := NewInvoiceGenerator(repo, nil, nil, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	invoice, reused, _, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.March, 5), false)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	if !reused {
		t.Fatal("expected the existing invoice to be reused")
	}
	if invoice.ID != "invoice-existing" {
		t.Fatalf("expected invoice-existing, got %q", invoice.ID)
	}
	if len(repo.created) != 0 {
		t.Fatalf("expected no invoice creation, got %d", len(repo.created))
	}
}

func TestGenerateForSchedule_ForceRegenerateSkipsReuse(t *testing.T) {
	existing := &domain.Invoice{
		ID:          "invoice-existing",
		ContractID:  "42",
		PeriodStart: date(2025, time.March, 1),
		PeriodEnd:   date(2025, time.March, 31),
	}
	repo := &generatorRepoStub{existing: map[string]*domain.Invoice{"42": existing}}
	generator := NewInvoiceGenerator(repo, nil, nil, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	invoice, reused, _, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.March, 5), true)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	if reused {
		t.Fatal("expected force regeneration to create a new invoice")
	}
	if invoice.ID == "invoice-existing" {
		t.Fatal("expected a new invoice, got the existing one")
	}
}

func TestGenerateForSchedule_UnknownCycleDefaultsToMonthly(t *testing.T) {
	repo := &generatorRepoStub{}
	generator := NewInvoiceGenerator(repo, nil, nil, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	schedule.BillingCycle = "WEEKLY"
	invoice, _, warning, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.March, 5), false)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	if warning == "" {
		t.Fatal("expected a warning for the unknown cycle")
	}
	if !invoice.PeriodStart.Equal(date(2025, time.March, 1)) || !invoice.PeriodEnd.Equal(date(2025, time.March, 31)) {
		t.Fatalf("expected a monthly period, got [%v, %v]", invoice.PeriodStart, invoice.PeriodEnd)
	}
}

func TestGenerateForSchedule_DueDateClippedToShortPeriod(t *testing.T) {
	repo := &generatorRepoStub{}
	generator := NewInvoiceGenerator(repo, nil, nil, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	schedule.BillingDay = 31
	invoice, _, _, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.February, 28), false)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	if !invoice.DueDate.Equal(date(2025, time.February, 28)) {
		t.Fatalf("expected due date clipped to period end 2025-02-28, got %v", invoice.DueDate)
	}
}

type adjustmentsStub struct {
	adjustments domain.InvoiceAdjustments
	err         error
}

func (a *adjustmentsStub) AdjustmentsFor(ctx context.Context, contractID string, period domain.BillingPeriod) (domain.InvoiceAdjustments, error) {
	return a.adjustments, a.err
}

func TestGenerateForSchedule_AmountConservation(t *testing.T) {
	repo := &generatorRepoStub{}
	adjustments := &adjustmentsStub{adjustments: domain.InvoiceAdjustments{
		LivesCount:       12,
		AdditionalAmount: 25000,
		DiscountAmount:   10000,
		TaxAmount:        5000,
	}}
	generator := NewInvoiceGenerator(repo, adjustments, nil, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	invoice, _, _, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.March, 5), false)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	want := invoice.BaseAmount + invoice.AdditionalAmount - invoice.DiscountAmount + invoice.TaxAmount
	if invoice.TotalAmount != want {
		t.Fatalf("amount conservation violated: total %d, components sum %d", invoice.TotalAmount, want)
	}
	if invoice.TotalAmount != 120000 {
		t.Fatalf("expected total 120000, got %d", invoice.TotalAmount)
	}
	if invoice.LivesCount != 12 {
		t.Fatalf("expected lives count 12, got %d", invoice.LivesCount)
	}
}

func TestGenerateDueInvoices_PerScheduleFailureDoesNotAbortBatch(t *testing.T) {
	repo := &generatorRepoStub{
		schedules: []domain.BillingSchedule{
			monthlySchedule("sched-1", "41", 50000),
			monthlySchedule("sched-2", "42", 100000),
			monthlySchedule("sched-3", "43", 75000),
		},
		createErr:    errors.New("constraint violation"),
		createErrFor: "42",
	}
	generator := NewInvoiceGenerator(repo, nil, nil, testLogger(), 30)

	result, err := generator.GenerateDueInvoices(context.Background(), date(2025, time.March, 5), false)
	if err != nil {
		t.Fatalf("GenerateDueInvoices returned error: %v", err)
	}
	if len(result.CreatedInvoiceIDs) != 2 {
		t.Fatalf("expected 2 created invoices, got %d", len(result.CreatedInvoiceIDs))
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 schedule error, got %d", len(result.Errors))
	}
	if result.Errors[0].ScheduleID != "sched-2" {
		t.Fatalf("expected failure recorded for sched-2, got %q", result.Errors[0].ScheduleID)
	}
}

func TestGenerateForSchedule_InvoiceNumberSequencesWithinMonth(t *testing.T) {
	repo := &generatorRepoStub{monthSeq: 2}
	generator := NewInvoiceGenerator(repo, nil, nil, testLogger(), 30)

	schedule := monthlySchedule("sched-1", "42", 100000)
	invoice, _, _, err := generator.GenerateForSchedule(context.Background(), &schedule, date(2025, time.March, 5), true)
	if err != nil {
		t.Fatalf("GenerateForSchedule returned error: %v", err)
	}
	if invoice.InvoiceNumber != "PTC-202503-42-003" {
		t.Fatalf("expected third invoice of the month, got %q", invoice.InvoiceNumber)
	}
}
