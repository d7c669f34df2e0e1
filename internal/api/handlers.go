/**
 * @description
 * HTTP handlers for the billing engine's operator surface: launching and
 * inspecting jobs, switching billing methods, confirming manual payments and
 * opening checkout sessions.
 *
 * @dependencies
 * - encoding/json, net/http, time: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - The service's internal app and domain packages.
 */
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proteamcare/billing-service/internal/app"
	"github.com/proteamcare/billing-service/internal/domain"
	"github.com/proteamcare/billing-service/internal/store"
)

// BillingHandlers holds the dependencies for the operator endpoints.
type BillingHandlers struct {
	service  *app.BillingService
	jobs     *app.Jobs
	registry *app.JobRegistry
	logger   *slog.Logger
}

// NewBillingHandlers creates a new handler set.
func NewBillingHandlers(service *app.BillingService, jobs *app.Jobs, registry *app.JobRegistry, logger *slog.Logger) *BillingHandlers {
	return &BillingHandlers{
		service:  service,
		jobs:     jobs,
		registry: registry,
		logger:   logger,
	}
}

func (h *BillingHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (h *BillingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps the engine's error taxonomy onto HTTP statuses.
func (h *BillingHandlers) writeAppError(w http.ResponseWriter, err error) {
	var validationErr *app.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Msg)
	case errors.Is(err, store.ErrDuplicateSchedule):
		h.writeError(w, http.StatusConflict, "An active billing schedule already exists for this contract.")
	case errors.Is(err, store.ErrScheduleNotFound),
		errors.Is(err, store.ErrInvoiceNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrJobAlreadyRunning):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal error.")
	}
}

type invoiceGenerationPayload struct {
	BillingDate     string `json:"billing_date,omitempty"` // YYYY-MM-DD, defaults to today
	ForceRegenerate bool   `json:"force_regenerate,omitempty"`
}

func parseBillingDate(raw string) (time.Time, error) {
	if raw == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse("2006-01-02", raw)
}

// LaunchInvoiceGenerationHandler starts the automatic invoice generation job.
func (h *BillingHandlers) LaunchInvoiceGenerationHandler(w http.ResponseWriter, r *http.Request) {
	var payload invoiceGenerationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	billingDate, err := parseBillingDate(payload.BillingDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid billing_date, expected YYYY-MM-DD")
		return
	}

	run, err := h.jobs.RunInvoiceGeneration(billingDate, payload.ForceRegenerate)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

// LaunchRecurrentBillingHandler starts the recurrent billing job.
func (h *BillingHandlers) LaunchRecurrentBillingHandler(w http.ResponseWriter, r *http.Request) {
	var payload invoiceGenerationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	billingDate, err := parseBillingDate(payload.BillingDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid billing_date, expected YYYY-MM-DD")
		return
	}

	run, err := h.jobs.RunRecurrentBilling(billingDate)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

// LaunchFallbackSweepHandler starts the fallback/overdue sweep job.
func (h *BillingHandlers) LaunchFallbackSweepHandler(w http.ResponseWriter, r *http.Request) {
	run, err := h.jobs.RunFallbackSweep()
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

// LaunchStatusReconciliationHandler starts the gateway status poll job.
func (h *BillingHandlers) LaunchStatusReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	run, err := h.jobs.RunStatusReconciliation()
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

// ListJobRunsHandler returns running jobs and the finished history.
func (h *BillingHandlers) ListJobRunsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.List())
}

// GetJobRunHandler returns one job run by id.
func (h *BillingHandlers) GetJobRunHandler(w http.ResponseWriter, r *http.Request) {
	run, ok := h.registry.Get(chi.URLParam(r, "jobID"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "Job not found.")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// CancelJobRunHandler requests cooperative cancellation of a running job.
func (h *BillingHandlers) CancelJobRunHandler(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Cancel(chi.URLParam(r, "jobID")) {
		h.writeError(w, http.StatusNotFound, "Job not found or already finished.")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// CreateScheduleHandler creates the billing schedule for an activated
// contract.
func (h *BillingHandlers) CreateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var params app.CreateScheduleParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	params.ContractID = chi.URLParam(r, "contractID")

	schedule, err := h.service.CreateBillingSchedule(r.Context(), params)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, schedule)
}

// GetScheduleHandler returns the contract's active schedule.
func (h *BillingHandlers) GetScheduleHandler(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.service.GetSchedule(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schedule)
}

// SetupManualBillingHandler switches a contract to manual billing.
func (h *BillingHandlers) SetupManualBillingHandler(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.service.SetupManualBilling(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schedule)
}

// SetupRecurrentBillingHandler switches a contract to recurrent billing.
func (h *BillingHandlers) SetupRecurrentBillingHandler(w http.ResponseWriter, r *http.Request) {
	var params app.RecurrentSetupParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	schedule, err := h.service.SetupRecurrentBilling(r.Context(), chi.URLParam(r, "contractID"), params)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, schedule)
}

// DeactivateScheduleHandler soft-deactivates a contract's schedule.
func (h *BillingHandlers) DeactivateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeactivateSchedule(r.Context(), chi.URLParam(r, "contractID")); err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// ListInvoicesHandler returns the contract's most recent invoices.
func (h *BillingHandlers) ListInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.service.ListInvoices(r.Context(), chi.URLParam(r, "contractID"), 50)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	h.writeJSON(w, http.StatusOK, invoices)
}

type markPaidPayload struct {
	PaymentMethod    string `json:"payment_method,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// MarkInvoicePaidHandler confirms payment of an invoice manually.
func (h *BillingHandlers) MarkInvoicePaidHandler(w http.ResponseWriter, r *http.Request) {
	var payload markPaidPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	invoice, err := h.service.MarkInvoicePaid(r.Context(), chi.URLParam(r, "invoiceID"), payload.PaymentMethod, payload.PaymentReference)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, invoice)
}

// CancelInvoiceHandler voids an open invoice.
func (h *BillingHandlers) CancelInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.service.CancelInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, invoice)
}

// CreateCheckoutHandler opens a hosted checkout session for an invoice.
func (h *BillingHandlers) CreateCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CreateCheckoutForInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, session)
}
