package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wikireplica/wikireplica/internal/coordinator"
	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/wire"
)

// CoordinatorHandlers serves the front-door endpoints of spec §4.5
// (/request_page_commit, /request_user_commit) plus the /watch
// observability feed. Only the node configured as coordinator mounts
// these; every node (including the coordinator) separately mounts
// ReplicaHandlers for its own participant role.
type CoordinatorHandlers struct {
	driver *coordinator.Driver
}

// NewCoordinatorHandlers creates handlers bound to driver.
func NewCoordinatorHandlers(driver *coordinator.Driver) *CoordinatorHandlers {
	return &CoordinatorHandlers{driver: driver}
}

// Mount attaches the coordinator's front-door routes to r.
func (h *CoordinatorHandlers) Mount(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/request_page_commit", h.requestPageCommit)
	r.Post("/request_user_commit", h.requestUserCommit)
	r.Get("/watch", h.watch)
	r.Get("/pending", h.pendingSnapshot)
}

func (h *CoordinatorHandlers) requestPageCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.RequestPageCommit
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Page == "" {
		writeError(w, &badRequestError{msg: "page name is required"})
		return
	}

	h.requestCommit(w, r, txn.KindPage, txn.Payload{Name: req.Page, Content: req.Content})
}

func (h *CoordinatorHandlers) requestUserCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.RequestUserCommit
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, &badRequestError{msg: "user name is required"})
		return
	}

	h.requestCommit(w, r, txn.KindUser, txn.Payload{Name: req.Name, Admin: req.Admin})
}

func (h *CoordinatorHandlers) requestCommit(w http.ResponseWriter, r *http.Request, kind txn.Kind, payload txn.Payload) {
	_, status, err := h.driver.RequestCommit(r.Context(), kind, payload)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrConflict), errors.Is(err, coordinator.ErrPrepareNack):
			writeEmpty(w, http.StatusConflict)
		default:
			writeError(w, &internalError{msg: err.Error()})
		}
		return
	}

	// StatusDone is full success; StatusPromised means the commit was
	// decided but not every replica has acknowledged yet (spec §4.6) —
	// still reported as success to the caller, since the decision (not
	// the acknowledgment) is what the front-end contract in spec §6 keys
	// on.
	_ = status
	writeEmpty(w, http.StatusOK)
}

func (h *CoordinatorHandlers) pendingSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.driver.PendingSnapshot())
}
