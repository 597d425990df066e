package session

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foremanhq/foreman/pkg/cerr"
)

// Server exposes the read/cancel HTTP surface over the store.
type Server struct {
	store *Store
	// onCancel runs after a successful cancellation, outside the store's
	// locks. Wired to the downstream cancel signal and the tracker
	// notification.
	onCancel func(ctx context.Context, s *Session)
}

func NewServer(store *Store, onCancel func(ctx context.Context, s *Session)) *Server {
	return &Server{store: store, onCancel: onCancel}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/sessions", s.handleList)
	r.Get("/sessions/active", s.handleActive)
	r.Get("/sessions/{id}", s.handleGet)
	r.Delete("/sessions/{id}", s.handleCancel)
}

type listResponse struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.List(r.Context())
	cerr.SetJSONResponse(r.Context(), listResponse{Sessions: sessions, Total: len(sessions)})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.Active(r.Context())
	cerr.SetJSONResponse(r.Context(), listResponse{Sessions: sessions, Total: len(sessions)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), sess)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	if s.onCancel != nil {
		s.onCancel(r.Context(), sess)
	}
	cerr.SetJSONResponse(r.Context(), sess)
}
