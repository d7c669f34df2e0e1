/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from
 * the payment gateway. It is the entry point for all asynchronous payment
 * notifications.
 *
 * @notes
 * - The endpoint answers 200 on every processed outcome, including "event
 *   already applied" and "resource not found, logged", so the gateway does
 *   not retry indefinitely. Only a signature failure earns a 4xx.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/proteamcare/billing-service/internal/app"
)

// NotificationProcessor verifies and applies one raw webhook payload.
type NotificationProcessor interface {
	HandleNotification(ctx context.Context, rawPayload []byte, signature string) (*app.ReconcileResult, error)
}

// WebhookHandler processes incoming gateway webhooks.
type WebhookHandler struct {
	reconciler NotificationProcessor
	logger     *slog.Logger
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(reconciler NotificationProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, logger: logger}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn("failed to read webhook body", "error", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	result, err := h.reconciler.HandleNotification(r.Context(), body, r.Header.Get("x-pagbank-signature"))
	if err != nil {
		if errors.Is(err, app.ErrSignatureMismatch) {
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
		// Store failures are retryable; a 5xx makes the gateway redeliver.
		h.logger.Error("webhook processing failed", "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}
