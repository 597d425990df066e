package webhook

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foremanhq/foreman/internal/eventbus"
	"github.com/foremanhq/foreman/pkg/cerr"
)

// DelegateSink consumes verified delegate callbacks. Implemented by the
// progress relay; an interface here keeps the ingestion layer free of
// session knowledge.
type DelegateSink interface {
	HandleDelegateEvent(ctx context.Context, ev *DelegateEvent) error
}

// Handler wires the two webhook endpoints. Issue events are acknowledged
// as soon as they are authenticated and published on the bus; delegate
// callbacks are applied synchronously so the delegate sees conflicts.
type Handler struct {
	issues   *Verifier
	delegate *Verifier
	bus      *eventbus.Bus
	sink     DelegateSink
}

func NewHandler(issues, delegate *Verifier, bus *eventbus.Bus, sink DelegateSink) *Handler {
	return &Handler{
		issues:   issues,
		delegate: delegate,
		bus:      bus,
		sink:     sink,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/issues", h.handleIssues)
	r.Post("/webhooks/delegate", h.handleDelegate)
}

type ackResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleIssues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := h.issues.Verify(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	ev, err := ParseIssueEvent(body)
	if err != nil {
		h.issues.RejectSchema(ctx, r, err)
		cerr.SetJSONError(ctx, err)
		return
	}

	if h.issues.SeenDelivery(r.Header.Get(DeliveryHeader)) {
		cerr.SetJSONResponse(ctx, ackResponse{Status: "duplicate"})
		return
	}

	h.issues.metrics.Accepted.Add(1)
	h.bus.PublishNew(eventbus.TypeIssueReceived, ev.Data.ID, ev, nil)
	cerr.SetJSONResponse(ctx, ackResponse{Status: "accepted"})
}

func (h *Handler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := h.delegate.Verify(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	ev, err := ParseDelegateEvent(body)
	if err != nil {
		h.delegate.RejectSchema(ctx, r, err)
		cerr.SetJSONError(ctx, err)
		return
	}

	if h.delegate.SeenDelivery(r.Header.Get(DeliveryHeader)) {
		cerr.SetJSONResponse(ctx, ackResponse{Status: "duplicate"})
		return
	}

	if err := h.sink.HandleDelegateEvent(ctx, ev); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	h.delegate.metrics.Accepted.Add(1)
	cerr.SetJSONResponse(ctx, ackResponse{Status: "accepted"})
}
