// Package replica implements the 2PC participant (C4): the CanCommit and
// DoCommit logic every node (including the coordinator acting on its own
// behalf) runs against its own transaction log and store. Grounded on the
// teacher's pkg/distributed/database_participant.go Prepare/Commit/Abort
// shape, generalized from in-process database.Session objects to the
// log-then-apply pair the network protocol in spec §4.4 actually specifies.
package replica

import (
	"fmt"

	"github.com/wikireplica/wikireplica/internal/digest"
	"github.com/wikireplica/wikireplica/internal/store"
	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/txnlog"
)

// Participant serves CanCommit/DoCommit against a single node's log and
// store.
type Participant struct {
	self  string
	log   *txnlog.Log
	store *store.Store
}

// New creates a participant. self is this node's configured address,
// returned as the Sender field of every reply.
func New(self string, log *txnlog.Log, st *store.Store) *Participant {
	return &Participant{self: self, log: log, store: st}
}

// Self returns this participant's configured address.
func (p *Participant) Self() string { return p.self }

// CanCommit implements spec §4.4's prepare endpoint for both kinds.
func (p *Participant) CanCommit(tid txn.Tid, kind txn.Kind, payload txn.Payload) (vote bool, sender string) {
	sender = p.self

	if existing, ok := p.log.Get(tid); ok {
		if existing.Digest != digest.Of(kind, payload) {
			// Same tid, different payload: a protocol violation, never a
			// legitimate retry.
			return false, sender
		}
		switch existing.Status {
		case txn.StatusPromised:
			// Idempotent retry of the same prepare.
			return true, sender
		case txn.StatusPending:
			// The coordinator is also a replica of itself: when its own
			// address is in the replica list, guardAndAllocate's conflict-
			// guard insert reaches this log in StatusPending before the
			// self-addressed CanCommit call does. That pending entry is
			// this node's own not-yet-promised prepare, not a prior vote —
			// promote it to promised and vote yes, same as a fresh tid.
			if _, err := p.log.UpdateStatus(tid, txn.StatusPromised); err != nil {
				return false, sender
			}
			return true, sender
		default:
			return false, sender
		}
	}

	// New tid: validate locally and record the promise. The baseline
	// design has no application-level rejection (spec §9 open question);
	// a disk-full or write-error path surfaces here as a "false" vote
	// without ever reaching the in-memory map, since Insert only mutates
	// state after a successful durable append.
	if _, err := p.log.Insert(tid, kind, payload, txn.StatusPromised); err != nil {
		return false, sender
	}
	return true, sender
}

// DoCommit implements spec §4.4's commit/abort endpoint.
func (p *Participant) DoCommit(tid txn.Tid, commit bool) (ack bool, sender string) {
	sender = p.self

	entry, ok := p.log.Get(tid)
	if !ok {
		// Stale DoCommit for a prepare this replica never saw: record an
		// aborted stub and refuse.
		p.log.InsertAborted(tid)
		return false, sender
	}

	if !commit {
		if _, err := p.log.UpdateStatus(tid, txn.StatusAborted); err != nil {
			return false, sender
		}
		return false, sender
	}

	switch entry.Status {
	case txn.StatusCommitted:
		// Idempotent retry after an already-applied commit.
		return true, sender
	case txn.StatusPromised:
		p.apply(entry)
		if _, err := p.log.UpdateStatus(tid, txn.StatusCommitted); err != nil {
			return false, sender
		}
		return true, sender
	case txn.StatusAborted:
		// Protocol violation by the coordinator: it decided commit for a
		// tid this replica already recorded as aborted. Refuse and leave
		// the log untouched.
		return false, sender
	default:
		return false, sender
	}
}

// Rebuild replays every committed entry in log into st, in tid order. It
// is the startup counterpart to apply: a store loaded from a snapshot
// may be stale, so a node replays the log over it on every boot and the
// log's committed entries win.
func Rebuild(log *txnlog.Log, st *store.Store) {
	for _, entry := range log.AllEntries() {
		if entry.Status != txn.StatusCommitted && entry.Status != txn.StatusDone {
			continue
		}
		switch entry.Kind {
		case txn.KindUser:
			st.UpsertUser(entry.Payload.Name, entry.Payload.Admin)
		case txn.KindPage:
			st.UpsertPage(entry.Payload.Name, entry.Payload.Content)
		}
	}
}

// apply upserts entry's payload into the store. It is an upsert per spec
// §4.4: overwrite the mutable field(s) if the object exists, else create.
func (p *Participant) apply(entry txn.LogEntry) {
	switch entry.Kind {
	case txn.KindUser:
		p.store.UpsertUser(entry.Payload.Name, entry.Payload.Admin)
	case txn.KindPage:
		p.store.UpsertPage(entry.Payload.Name, entry.Payload.Content)
	default:
		panic(fmt.Sprintf("replica: apply: unknown kind %v", entry.Kind))
	}
}
