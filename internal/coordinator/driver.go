// Package coordinator implements the coordinator's 2PC driver (C5) and
// conflict guard (C6): spec §4.5-§4.6. Grounded on the teacher's
// pkg/distributed/two_phase_commit.go Coordinator (goroutine-per-participant
// fan-out joined by a sync.WaitGroup, vote-then-decide), generalized from
// the in-process Participant interface to real replicarpc calls against
// configured replica addresses.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/wikireplica/wikireplica/internal/pending"
	"github.com/wikireplica/wikireplica/internal/replicarpc"
	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/txnlog"
)

// ErrConflict is returned when the requested object already has an open
// transaction (C6) — surfaced by the HTTP layer as 409.
var ErrConflict = errors.New("coordinator: conflicting transaction already open")

// ErrPrepareNack is returned when at least one replica voted no, timed
// out, or replied with an invalid message (spec §7's PrepareNack/
// InvalidReply) — surfaced by the HTTP layer as 409.
var ErrPrepareNack = errors.New("coordinator: prepare phase did not reach unanimous yes")

// Driver runs the 2PC protocol for every write this node's coordinator
// role accepts. It shares its transaction log with this node's own
// replica.Participant (the coordinator is always also a replica of
// itself): inserting a new transaction here and a replica recording a
// promise are the same kind of log write.
type Driver struct {
	log      *txnlog.Log
	pending  *pending.Table
	rpc      *replicarpc.Client
	replicas []string
	events   *hub

	allocMu sync.Mutex // serializes conflict-guard-check + tid-allocate + insert
	nextTid atomic.Uint64
}

// New creates a coordinator driver. replicas is the ordered list of every
// replica address the coordinator fans out to, per spec §6 (it may or may
// not include the coordinator's own address).
func New(log *txnlog.Log, replicas []string, rpc *replicarpc.Client) *Driver {
	d := &Driver{
		log:      log,
		pending:  pending.New(),
		rpc:      rpc,
		replicas: replicas,
		events:   newHub(),
	}
	d.nextTid.Store(uint64(log.MaxTid()) + 1)
	return d
}

// Subscribe streams future transaction state-transition events, for the
// /watch endpoint.
func (d *Driver) Subscribe() (<-chan Event, func()) {
	return d.events.Subscribe()
}

// PendingSnapshot exposes the pending table for operator inspection.
func (d *Driver) PendingSnapshot() []pending.Entry {
	return d.pending.Snapshot()
}

func (d *Driver) allocTid() txn.Tid {
	return txn.Tid(d.nextTid.Add(1) - 1)
}

// RequestCommit drives the full protocol for one write: conflict guard,
// tid allocation, parallel prepare, decide, parallel commit/abort. It
// returns the outcome status (StatusDone on success, StatusPromised with a
// nil error when commit was decided but some replica did not acknowledge,
// StatusAborted on any kind of rejection) and an error describing why on
// the abort path.
func (d *Driver) RequestCommit(ctx context.Context, kind txn.Kind, payload txn.Payload) (txn.Tid, txn.Status, error) {
	tid, err := d.guardAndAllocate(kind, payload)
	if err != nil {
		return 0, txn.StatusAborted, err
	}

	votes := d.prepareAll(ctx, tid, kind, payload)
	allYes := true
	for _, v := range votes {
		if !v {
			allYes = false
			break
		}
	}

	if !allYes {
		if _, err := d.log.UpdateStatus(tid, txn.StatusAborted); err != nil {
			log.Printf("[coordinator] tid %d: failed to record abort: %v", tid, err)
		}
		d.publish(tid, kind, payload.Name, txn.StatusAborted)
		d.commitOrAbortAll(context.Background(), tid, false)
		d.pending.RemoveAll(tid)
		return tid, txn.StatusAborted, fmt.Errorf("%w: tid %d", ErrPrepareNack, tid)
	}

	if _, err := d.log.UpdateStatus(tid, txn.StatusPromised); err != nil {
		return tid, txn.StatusAborted, fmt.Errorf("coordinator: record promised: %w", err)
	}
	d.publish(tid, kind, payload.Name, txn.StatusPromised)

	// Once the decision to commit is made, delivery to every replica is
	// attempted regardless of whether the original caller is still
	// listening: cancellation during the commit phase is not supported
	// (spec §5), so this fan-out runs detached from the request context.
	acks := d.commitOrAbortAll(context.Background(), tid, true)
	allAcked := true
	for _, ok := range acks {
		if !ok {
			allAcked = false
		}
	}

	if allAcked {
		if _, err := d.log.UpdateStatus(tid, txn.StatusDone); err != nil {
			log.Printf("[coordinator] tid %d: failed to record done: %v", tid, err)
		}
		d.pending.RemoveAll(tid)
		d.publish(tid, kind, payload.Name, txn.StatusDone)
		return tid, txn.StatusDone, nil
	}

	// Some replica never acknowledged; per spec §4.6 this is logged but
	// does not change the decision. The pending table keeps its rows for
	// operator inspection (it is not removed) and the coordinator's own
	// log entry stays "promised" until a recovery scan or manual
	// intervention resolves it.
	log.Printf("[coordinator] tid %d: commit decided but not all replicas acknowledged", tid)
	return tid, txn.StatusPromised, nil
}

// guardAndAllocate implements C6 plus the atomic tid-allocate-and-insert
// step of spec §4.5 step 2 / step 6's note that the guard check and the
// allocation must be atomic with respect to each other.
func (d *Driver) guardAndAllocate(kind txn.Kind, payload txn.Payload) (txn.Tid, error) {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()

	if d.log.HasOpen(kind, payload.Name) {
		return 0, fmt.Errorf("%w: %s %q", ErrConflict, kind, payload.Name)
	}

	tid := d.allocTid()
	if _, err := d.log.Insert(tid, kind, payload, txn.StatusPending); err != nil {
		return 0, fmt.Errorf("coordinator: allocate tid %d: %w", tid, err)
	}
	d.publish(tid, kind, payload.Name, txn.StatusPending)
	return tid, nil
}

// prepareAll fans CanCommit out to every replica in parallel and joins on
// all replies, per spec §5: "the prepare set for a given tid is issued
// before any commit set for that tid" and "no in-memory critical section
// spans a network call."
func (d *Driver) prepareAll(ctx context.Context, tid txn.Tid, kind txn.Kind, payload txn.Payload) map[string]bool {
	results := make(map[string]bool, len(d.replicas))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, replica := range d.replicas {
		d.pending.Insert(uint64(tid), replica, pending.StatusRequested)

		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			vote, err := d.rpc.CanCommit(ctx, addr, tid, kind, payload)
			if err != nil {
				log.Printf("[coordinator] tid %d: prepare to %s failed: %v", tid, addr, err)
				vote = false
			}

			if vote {
				d.pending.UpdateStatus(uint64(tid), addr, pending.StatusPromised)
			} else {
				d.pending.UpdateStatus(uint64(tid), addr, pending.StatusAborted)
			}

			mu.Lock()
			results[addr] = vote
			mu.Unlock()
		}(replica)
	}

	wg.Wait()
	return results
}

// commitOrAbortAll fans DoCommit{commit} out to every replica in parallel
// and joins on all acknowledgments. It is always attempted for every
// replica, including ones that already voted no, so their log is
// explicitly closed (spec §4.5 step 6).
func (d *Driver) commitOrAbortAll(ctx context.Context, tid txn.Tid, commit bool) map[string]bool {
	acks := make(map[string]bool, len(d.replicas))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, replica := range d.replicas {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			ack, err := d.rpc.DoCommit(ctx, addr, tid, commit)
			if err != nil {
				log.Printf("[coordinator] tid %d: %s to %s failed: %v", tid, verbFor(commit), addr, err)
			}

			if ack {
				d.pending.UpdateStatus(uint64(tid), addr, pending.StatusDone)
			} else {
				d.pending.UpdateStatus(uint64(tid), addr, pending.StatusStarted)
			}

			mu.Lock()
			acks[addr] = ack
			mu.Unlock()
		}(replica)
	}

	wg.Wait()
	return acks
}

func verbFor(commit bool) string {
	if commit {
		return "commit"
	}
	return "abort"
}

func (d *Driver) publish(tid txn.Tid, kind txn.Kind, name string, status txn.Status) {
	d.events.publish(Event{Tid: uint64(tid), Kind: kind.String(), Name: name, Status: status.String()})
}
