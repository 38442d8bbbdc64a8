package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// NewRouter builds the API routes around a Handler.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Route("/api", func(r chi.Router) {
		r.Post("/loans", h.IssueLoan)
		r.Post("/returns", h.ReturnLoan)
		r.Get("/borrowers/{key}/loans", h.ListOutstanding)
		r.Get("/items", h.ListItems)
		r.Get("/items/search", h.SearchItems)
		r.Post("/items", h.IngestItems)
		r.Post("/borrowers", h.RegisterBorrowers)
	})

	return r
}

// requestID tags every response with a correlation id, generating one when
// the client did not send its own.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
