package httpapi

import (
	"log"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/graphql-go/graphql"

	"github.com/wikireplica/wikireplica/internal/replica"
	"github.com/wikireplica/wikireplica/internal/store"
	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/wire"
)

// ReplicaHandlers serves the C4 participant endpoints (spec §4.4) plus the
// read accessors C1 specifies, for one node's log/store pair.
type ReplicaHandlers struct {
	participant *replica.Participant
	store       *store.Store
	schema      graphql.Schema
}

// NewReplicaHandlers creates handlers bound to one node's participant and
// store. Every node runs these, including the coordinator, which is
// always also a replica of itself.
func NewReplicaHandlers(p *replica.Participant, st *store.Store) *ReplicaHandlers {
	schema, err := graphqlSchema(st)
	if err != nil {
		// Schema construction is static and argument-free; a failure here
		// means a programming error in graphqlSchema, not bad input.
		log.Fatalf("httpapi: building graphql schema: %v", err)
	}
	return &ReplicaHandlers{participant: p, store: st, schema: schema}
}

// Mount attaches this node's participant and read routes to r.
func (h *ReplicaHandlers) Mount(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/can_page_commit", h.canPageCommit)
	r.Post("/can_user_commit", h.canUserCommit)
	r.Post("/do_commit", h.doCommit)

	r.Get("/pages", h.listPages)
	r.Get("/pages/search", h.searchPages)
	r.Get("/pages/{name}", h.getPage)
	r.Get("/users/{name}", h.getUser)

	r.Post("/graphql", h.graphqlHandler)
}

func (h *ReplicaHandlers) canPageCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.CanPageCommit
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	vote, sender := h.participant.CanCommit(txn.Tid(req.TransactionID), txn.KindPage, txn.Payload{
		Name:    req.Page,
		Content: req.Content,
	})

	writeJSON(w, http.StatusOK, wire.CommitReply{TransactionID: req.TransactionID, Sender: sender, Commit: vote})
}

func (h *ReplicaHandlers) canUserCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.CanUserCommit
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	vote, sender := h.participant.CanCommit(txn.Tid(req.TransactionID), txn.KindUser, txn.Payload{
		Name:  req.Name,
		Admin: req.Admin,
	})

	writeJSON(w, http.StatusOK, wire.CommitReply{TransactionID: req.TransactionID, Sender: sender, Commit: vote})
}

func (h *ReplicaHandlers) doCommit(w http.ResponseWriter, r *http.Request) {
	var req wire.DoCommit
	if err := parseJSONBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ack, sender := h.participant.DoCommit(txn.Tid(req.TransactionID), req.Commit)

	writeJSON(w, http.StatusOK, wire.HaveCommit{TransactionID: req.TransactionID, Sender: sender, Commit: ack})
}

// pageJSON/userJSON are the read-endpoint response shapes. These aren't
// part of spec §6's wire protocol (that covers only the 2PC messages); they
// exist to satisfy C1's read-accessor contract for the external front-end
// collaborator.
type pageJSON struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type userJSON struct {
	Name  string `json:"name"`
	Admin bool   `json:"admin"`
}

func (h *ReplicaHandlers) listPages(w http.ResponseWriter, r *http.Request) {
	pages := h.store.ListPages()
	out := make([]pageJSON, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageJSON{Name: p.Name, Content: p.Content})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ReplicaHandlers) searchPages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	pages := h.store.SearchPages(q)
	out := make([]pageJSON, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageJSON{Name: p.Name, Content: p.Content})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ReplicaHandlers) getPage(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, &badRequestError{msg: "invalid page name"})
		return
	}
	page, ok := h.store.GetPage(name)
	if !ok {
		writeEmpty(w, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pageJSON{Name: page.Name, Content: page.Content})
}

func (h *ReplicaHandlers) getUser(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, &badRequestError{msg: "invalid user name"})
		return
	}
	user, ok := h.store.GetUserByName(name)
	if !ok {
		writeEmpty(w, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, userJSON{Name: user.Name, Admin: user.Admin})
}
