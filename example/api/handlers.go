package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/circulib/loanledger/ledger"
	"github.com/circulib/loanledger/ledger/loanengine"
)

// Handler holds the API route handlers. The loan engine serves the
// lifecycle routes; catalog ingest, registration, and search go straight
// to the store, since those are plain reads/writes outside the engine.
type Handler struct {
	engine loanengine.Engine
	store  ledger.Store
}

// NewHandler creates a new Handler.
func NewHandler(engine loanengine.Engine, store ledger.Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// IssueLoan handles POST /api/loans.
func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		return
	}

	receipt, err := h.engine.Issue(r.Context(), req.BorrowerKey, req.Lookup)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// ReturnLoan handles POST /api/returns.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
		return
	}

	receipt, err := h.engine.Return(r.Context(), req.BorrowerKey, req.Lookup)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// ListOutstanding handles GET /api/borrowers/{key}/loans.
func (h *Handler) ListOutstanding(w http.ResponseWriter, r *http.Request) {
	borrowerKey := chi.URLParam(r, "key")
	if borrowerKey == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("borrower key is required"))
		return
	}

	loans, err := h.engine.OutstandingLoans(r.Context(), borrowerKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"borrower_key": borrowerKey,
		"loans":        loans,
	})
}

// ListItems handles GET /api/items.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListAllItems(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// SearchItems handles GET /api/items/search.
func (h *Handler) SearchItems(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter q is required"))
		return
	}

	items, err := h.store.SearchItems(r.Context(), term)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// IngestItems handles POST /api/items.
func (h *Handler) IngestItems(w http.ResponseWriter, r *http.Request) {
	var reqs []ItemRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	items := make([]ledger.Item, 0, len(reqs))
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
			return
		}

		items = append(items, ledger.Item{
			Key:    req.Key,
			Title:  req.Title,
			Author: req.Author,
			Total:  req.Quantity,
		})
	}

	if err := h.store.UpsertItems(r.Context(), items); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"ingested": len(items)})
}

// RegisterBorrowers handles POST /api/borrowers.
func (h *Handler) RegisterBorrowers(w http.ResponseWriter, r *http.Request) {
	var reqs []BorrowerRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	borrowers := make([]ledger.Borrower, 0, len(reqs))
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
			return
		}

		borrowers = append(borrowers, ledger.Borrower{
			Key:        req.Key,
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			Department: req.Department,
			Branch:     req.Branch,
		})
	}

	if err := h.store.RegisterBorrowers(r.Context(), borrowers); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"registered": len(borrowers)})
}

// writeEngineError maps the typed ledger errors to HTTP statuses: lookup
// failures to 404, business-rule rejections to 409, store failures to 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrItemNotFound),
		errors.Is(err, ledger.ErrBorrowerNotFound),
		errors.Is(err, ledger.ErrNoOutstandingLoan):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))

	case errors.Is(err, ledger.ErrLimitExceeded),
		errors.Is(err, ledger.ErrItemUnavailable),
		errors.Is(err, ledger.ErrDuplicateLoan),
		errors.Is(err, ledger.ErrAmbiguousItem):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))

	default:
		slog.Error("ledger operation failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
