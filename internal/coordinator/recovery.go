package coordinator

import (
	"context"
	"log"

	"github.com/wikireplica/wikireplica/internal/txn"
)

// Recover resolves every non-terminal transaction left over from a
// previous run before the coordinator's HTTP front door opens for new
// RequestCommit traffic, per spec §9's open question: "on restart the
// driver must scan the log for non-terminal entries and resolve them
// before accepting new work (re-sending commit if status was promised,
// re-sending abort otherwise)."
func (d *Driver) Recover(ctx context.Context) {
	open := d.log.OpenEntries()
	if len(open) == 0 {
		return
	}

	log.Printf("[coordinator] recovery: resolving %d open transaction(s)", len(open))

	for _, entry := range open {
		commit := entry.Status == txn.StatusPromised
		log.Printf("[coordinator] recovery: tid %d status=%s -> resending DoCommit{commit=%v}", entry.Tid, entry.Status, commit)

		acks := d.commitOrAbortAll(ctx, entry.Tid, commit)
		allAcked := true
		for _, ok := range acks {
			if !ok {
				allAcked = false
			}
		}

		finalStatus := txn.StatusAborted
		if commit {
			finalStatus = txn.StatusDone
		}
		if commit && !allAcked {
			// Leave it promised; a later recovery pass or operator
			// intervention will retry. Do not mark done without every
			// replica's acknowledgment (spec §3 invariant 5).
			log.Printf("[coordinator] recovery: tid %d still missing acks, leaving promised", entry.Tid)
			continue
		}

		if _, err := d.log.UpdateStatus(entry.Tid, finalStatus); err != nil {
			log.Printf("[coordinator] recovery: tid %d: failed to record %s: %v", entry.Tid, finalStatus, err)
			continue
		}
		d.pending.RemoveAll(uint64(entry.Tid))
		d.publish(entry.Tid, entry.Kind, entry.Payload.Name, finalStatus)
	}
}
