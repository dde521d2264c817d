package coordinator_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wikireplica/wikireplica/internal/coordinator"
	"github.com/wikireplica/wikireplica/internal/httpapi"
	"github.com/wikireplica/wikireplica/internal/replica"
	"github.com/wikireplica/wikireplica/internal/replicarpc"
	"github.com/wikireplica/wikireplica/internal/store"
	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/txnlog"
)

// fakeReplica is one node's full participant stack wrapped in an
// httptest.Server, standing in for a real networked replica.
type fakeReplica struct {
	addr   string
	log    *txnlog.Log
	store  *store.Store
	server *httptest.Server
}

func newFakeReplica(t *testing.T) *fakeReplica {
	t.Helper()
	l, err := txnlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("txnlog.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	st := store.New()
	router := chi.NewRouter()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	addr := strings.TrimPrefix(srv.URL, "http://")
	participant := replica.New(addr, l, st)
	httpapi.NewReplicaHandlers(participant, st).Mount(router)

	return &fakeReplica{addr: addr, log: l, store: st, server: srv}
}

func newDriver(t *testing.T, replicas []*fakeReplica) (*coordinator.Driver, *txnlog.Log) {
	t.Helper()
	l, err := txnlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("txnlog.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	addrs := make([]string, len(replicas))
	for i, r := range replicas {
		addrs[i] = r.addr
	}

	rpc := replicarpc.New(2 * time.Second)
	return coordinator.New(l, addrs, rpc), l
}

func TestRequestCommitHappyPath(t *testing.T) {
	r1, r2 := newFakeReplica(t), newFakeReplica(t)
	driver, _ := newDriver(t, []*fakeReplica{r1, r2})

	tid, status, err := driver.RequestCommit(context.Background(), txn.KindPage, txn.Payload{Name: "home", Content: "hello"})
	if err != nil {
		t.Fatalf("RequestCommit: %v", err)
	}
	if status != txn.StatusDone {
		t.Fatalf("status = %v, want StatusDone", status)
	}
	if tid == 0 {
		t.Fatal("expected nonzero tid")
	}

	for _, r := range []*fakeReplica{r1, r2} {
		page, ok := r.store.GetPage("home")
		if !ok || page.Content != "hello" {
			t.Fatalf("replica %s: page not applied, got %+v ok=%v", r.addr, page, ok)
		}
	}
}

func TestRequestCommitConflictGuard(t *testing.T) {
	r1 := newFakeReplica(t)
	driver, _ := newDriver(t, []*fakeReplica{r1})
	ctx := context.Background()

	if _, _, err := driver.RequestCommit(ctx, txn.KindPage, txn.Payload{Name: "conflict", Content: "v1"}); err != nil {
		t.Fatalf("first RequestCommit: %v", err)
	}

	// A second request for the same object after the first completed
	// (status done) must succeed, since the guard only blocks concurrently
	// open transactions, not completed ones.
	if _, status, err := driver.RequestCommit(ctx, txn.KindPage, txn.Payload{Name: "conflict", Content: "v2"}); err != nil || status != txn.StatusDone {
		t.Fatalf("second RequestCommit: status=%v err=%v", status, err)
	}
}

func TestRequestCommitPrepareNack(t *testing.T) {
	good := newFakeReplica(t)
	bad := newFakeReplica(t)
	// The driver allocates tids starting at 1 for a fresh log. Pre-seed
	// bad's log with tid 1 already promised under a different payload, so
	// when the real request reaches CanCommit for tid 1 the digest check
	// in replica.Participant.CanCommit fails and it votes no.
	if _, err := bad.log.Insert(1, txn.KindPage, txn.Payload{Name: "nacked", Content: "someone-elses-write"}, txn.StatusPromised); err != nil {
		t.Fatalf("seed: %v", err)
	}

	driver, _ := newDriver(t, []*fakeReplica{good, bad})

	_, status, err := driver.RequestCommit(context.Background(), txn.KindPage, txn.Payload{Name: "nacked", Content: "mine"})
	if err == nil {
		t.Fatal("expected an error from a nacked prepare")
	}
	if status != txn.StatusAborted {
		t.Fatalf("status = %v, want StatusAborted", status)
	}

	if _, ok := good.store.GetPage("nacked"); ok {
		t.Fatal("good replica should not have applied an aborted transaction")
	}
}

// TestRequestCommitSelfAddressedReplica covers a coordinator whose own
// address is included in its replicas list (spec.md §6: "replicas: ordered
// list of replica addresses (may include the coordinator or not")). The
// coordinator's own CanCommit call lands on the same log its own
// guardAndAllocate already inserted tid into as StatusPending, and must
// still vote yes rather than nacking itself.
func TestRequestCommitSelfAddressedReplica(t *testing.T) {
	l, err := txnlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("txnlog.Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	st := store.New()
	router := chi.NewRouter()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	selfAddr := strings.TrimPrefix(srv.URL, "http://")
	participant := replica.New(selfAddr, l, st)
	httpapi.NewReplicaHandlers(participant, st).Mount(router)

	other := newFakeReplica(t)

	rpc := replicarpc.New(2 * time.Second)
	driver := coordinator.New(l, []string{selfAddr, other.addr}, rpc)

	_, status, err := driver.RequestCommit(context.Background(), txn.KindPage, txn.Payload{Name: "home", Content: "hello"})
	if err != nil {
		t.Fatalf("RequestCommit: %v", err)
	}
	if status != txn.StatusDone {
		t.Fatalf("status = %v, want StatusDone", status)
	}

	if page, ok := st.GetPage("home"); !ok || page.Content != "hello" {
		t.Fatalf("self-addressed replica: page not applied, got %+v ok=%v", page, ok)
	}
	if page, ok := other.store.GetPage("home"); !ok || page.Content != "hello" {
		t.Fatalf("other replica: page not applied, got %+v ok=%v", page, ok)
	}
}

func TestRequestCommitIdempotentRetrySameTid(t *testing.T) {
	r1 := newFakeReplica(t)
	driver, _ := newDriver(t, []*fakeReplica{r1})

	tid, status, err := driver.RequestCommit(context.Background(), txn.KindUser, txn.Payload{Name: "alice", Admin: true})
	if err != nil || status != txn.StatusDone {
		t.Fatalf("RequestCommit: status=%v err=%v", status, err)
	}

	// Replaying DoCommit for the same tid against the replica directly must
	// stay a no-op ack, not a duplicate apply.
	ack, _ := replica.New(r1.addr, r1.log, r1.store).DoCommit(tid, true)
	if !ack {
		t.Fatal("idempotent retry of DoCommit should still ack true")
	}
}
