package replica

import (
	"testing"

	"github.com/wikireplica/wikireplica/internal/store"
	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/txnlog"
)

func newParticipant(t *testing.T) *Participant {
	t.Helper()
	log, err := txnlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("txnlog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New("replica-1:9000", log, store.New())
}

func TestCanCommitNewTidVotesYes(t *testing.T) {
	p := newParticipant(t)
	vote, sender := p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "hi"})
	if !vote {
		t.Fatal("expected yes vote on fresh tid")
	}
	if sender != "replica-1:9000" {
		t.Fatalf("unexpected sender %q", sender)
	}
}

func TestCanCommitIdempotentRetry(t *testing.T) {
	p := newParticipant(t)
	payload := txn.Payload{Name: "Home", Content: "hi"}
	p.CanCommit(1, txn.KindPage, payload)

	vote, _ := p.CanCommit(1, txn.KindPage, payload)
	if !vote {
		t.Fatal("expected idempotent yes on replayed identical prepare")
	}
}

func TestCanCommitDigestMismatchVotesNo(t *testing.T) {
	p := newParticipant(t)
	p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "hi"})

	vote, _ := p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "different"})
	if vote {
		t.Fatal("expected no vote when retried payload differs from the promise")
	}
}

func TestDoCommitAppliesAndCommits(t *testing.T) {
	p := newParticipant(t)
	p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "hi"})

	ack, _ := p.DoCommit(1, true)
	if !ack {
		t.Fatal("expected commit ack")
	}

	page, ok := p.store.GetPage("Home")
	if !ok || page.Content != "hi" {
		t.Fatalf("expected store to have committed page, got %+v, %v", page, ok)
	}

	entry, _ := p.log.Get(1)
	if entry.Status != txn.StatusCommitted {
		t.Fatalf("expected committed status, got %v", entry.Status)
	}
}

func TestDoCommitIdempotentRetryAfterCommit(t *testing.T) {
	p := newParticipant(t)
	p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "hi"})
	p.DoCommit(1, true)

	ack, _ := p.DoCommit(1, true)
	if !ack {
		t.Fatal("expected idempotent ack on replayed commit")
	}
	page, _ := p.store.GetPage("Home")
	if page.Content != "hi" {
		t.Fatal("expected store unchanged by replayed commit")
	}
}

func TestDoCommitAbortPath(t *testing.T) {
	p := newParticipant(t)
	p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "hi"})

	ack, _ := p.DoCommit(1, false)
	if ack {
		t.Fatal("expected ack=false on abort")
	}
	if _, ok := p.store.GetPage("Home"); ok {
		t.Fatal("expected store to remain empty on abort")
	}

	entry, _ := p.log.Get(1)
	if entry.Status != txn.StatusAborted {
		t.Fatalf("expected aborted status, got %v", entry.Status)
	}
}

func TestDoCommitUnknownTidRecordsStubAndRefuses(t *testing.T) {
	p := newParticipant(t)

	ack, _ := p.DoCommit(99, true)
	if ack {
		t.Fatal("expected ack=false for a DoCommit on an unknown tid")
	}

	entry, ok := p.log.Get(99)
	if !ok || entry.Status != txn.StatusAborted {
		t.Fatalf("expected aborted stub recorded, got %+v, %v", entry, ok)
	}
}

func TestDoCommitTrueAfterAbortedIsProtocolViolationRefused(t *testing.T) {
	p := newParticipant(t)
	p.CanCommit(1, txn.KindPage, txn.Payload{Name: "Home", Content: "hi"})
	p.DoCommit(1, false) // coordinator aborts

	ack, _ := p.DoCommit(1, true) // then (incorrectly) asks to commit
	if ack {
		t.Fatal("expected refusal of commit=true after an aborted tid")
	}
	if _, ok := p.store.GetPage("Home"); ok {
		t.Fatal("expected store to remain empty")
	}
}
