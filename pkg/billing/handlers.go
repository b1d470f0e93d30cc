package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/httputil"
)

// Providers retry on read failures, so the body cap only guards against
// abuse. Stripe documents events up to 64KB; 1MB is generous for both.
const maxWebhookBody = 1 << 20

// Handlers receives billing provider webhooks
type Handlers struct {
	service *Service
}

// NewHandlers creates new billing webhook handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers the webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/billing/lago", h.LagoWebhook).Methods("POST")
	router.HandleFunc("/webhooks/billing/stripe", h.StripeWebhook).Methods("POST")
}

// LagoWebhook applies one Lago event. Bad signatures are 401; events that
// cannot be applied are 200 so Lago stops redelivering them.
func (h *Handlers) LagoWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	change, err := h.service.HandleLagoEvent(r.Context(), payload, r.Header.Get("X-Lago-Signature"))
	writeWebhookResult(w, change, err)
}

// StripeWebhook applies one Stripe event under the same contract
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	change, err := h.service.HandleStripeEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	writeWebhookResult(w, change, err)
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return nil, false
	}
	return payload, true
}

func writeWebhookResult(w http.ResponseWriter, change *PlanChange, err error) {
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			httputil.WriteUnauthorized(w, "signature verification failed")
			return
		}
		// Storage failures are the one thing worth a provider retry.
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, change)
}
