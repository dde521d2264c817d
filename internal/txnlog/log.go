// Package txnlog implements the per-node transaction log (component C2):
// a durable, append-only, tid-keyed record of every transaction a node has
// ever heard of, with an in-memory materialized view rebuilt from the file
// on open. Writes are fsync'd before the caller's protocol step is allowed
// to acknowledge, per spec §4.2 and §5's "no durability, no acknowledgment"
// rule.
//
// Sealed (rotated) segments are gzip-compressed (github.com/klauspost/compress/gzip)
// so a long-running node's log directory doesn't grow without bound; the
// active segment stays plain for cheap appends.
package txnlog

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/wikireplica/wikireplica/internal/digest"
	"github.com/wikireplica/wikireplica/internal/txn"
)

// DefaultSealBytes is the active-segment size at which it is sealed
// (compressed and rotated) on the next append.
const DefaultSealBytes = 4 << 20 // 4MiB

// record is the on-disk shape of one log line: a full snapshot of an
// entry's state at the time it was written. The latest record for a given
// Tid, across all segments in order, is authoritative.
type record struct {
	Tid     uint64 `json:"tid"`
	Kind    int    `json:"kind"`
	Status  int    `json:"status"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// Log is a durable, tid-keyed transaction log.
type Log struct {
	dir        string
	sealBytes  int64
	mu         sync.Mutex
	entries    map[txn.Tid]*txn.LogEntry
	active     *os.File
	activeSeq  int
	activeSize int64
}

// Open opens (creating if necessary) the transaction log rooted at dir,
// replaying every existing segment to rebuild the in-memory view.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("txnlog: mkdir %s: %w", dir, err)
	}

	l := &Log{
		dir:       dir,
		sealBytes: DefaultSealBytes,
		entries:   make(map[txn.Tid]*txn.LogEntry),
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	maxSeq := 0
	for _, s := range segs {
		if err := l.replaySegment(s); err != nil {
			return nil, fmt.Errorf("txnlog: replay %s: %w", s.path, err)
		}
		if s.seq > maxSeq {
			maxSeq = s.seq
		}
	}

	// Re-open (or create) the highest-numbered plain segment as active.
	activePath := ""
	for _, s := range segs {
		if !s.sealed && s.seq == maxSeq {
			activePath = s.path
		}
	}
	if activePath == "" {
		maxSeq++
		activePath = segmentPath(dir, maxSeq, false)
	}

	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txnlog: open active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("txnlog: stat active segment: %w", err)
	}

	l.active = f
	l.activeSeq = maxSeq
	l.activeSize = info.Size()

	return l, nil
}

// Close releases the active segment's file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		return l.active.Close()
	}
	return nil
}

// Insert durably records a new transaction entry in StatusPending (coordinator
// side) or StatusPromised (replica side). It fails if tid is already known.
func (l *Log) Insert(tid txn.Tid, kind txn.Kind, payload txn.Payload, status txn.Status) (txn.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[tid]; exists {
		return txn.LogEntry{}, fmt.Errorf("txnlog: tid %d already present", tid)
	}

	entry := txn.LogEntry{
		Tid:     tid,
		Kind:    kind,
		Status:  status,
		Payload: payload,
		Digest:  digest.Of(kind, payload),
	}

	if err := l.appendLocked(entry); err != nil {
		return txn.LogEntry{}, err
	}

	stored := entry
	l.entries[tid] = &stored
	return entry, nil
}

// UpdateStatus durably transitions an existing entry to a new status. The
// payload and digest are unchanged; only Status moves.
func (l *Log) UpdateStatus(tid txn.Tid, status txn.Status) (txn.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[tid]
	if !ok {
		return txn.LogEntry{}, fmt.Errorf("txnlog: tid %d not found", tid)
	}

	updated := *e
	updated.Status = status

	if err := l.appendLocked(updated); err != nil {
		return txn.LogEntry{}, err
	}

	*e = updated
	return updated, nil
}

// InsertAborted durably records a stub entry for a tid this node never
// prepared, in StatusAborted — the defense described in spec §4.4 against a
// stale DoCommit for a prepare the replica never saw.
func (l *Log) InsertAborted(tid txn.Tid) (txn.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, exists := l.entries[tid]; exists {
		return *e, nil
	}

	entry := txn.LogEntry{Tid: tid, Status: txn.StatusAborted}
	if err := l.appendLocked(entry); err != nil {
		return txn.LogEntry{}, err
	}

	stored := entry
	l.entries[tid] = &stored
	return entry, nil
}

// Get returns the current entry for tid.
func (l *Log) Get(tid txn.Tid) (txn.LogEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[tid]
	if !ok {
		return txn.LogEntry{}, false
	}
	return *e, true
}

// Has reports whether tid has ever been recorded.
func (l *Log) Has(tid txn.Tid) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[tid]
	return ok
}

// HasOpen reports whether any entry for (kind, name) is in a non-terminal
// status — the conflict-guard predicate (C6) and invariant 2 of spec §3.
func (l *Log) HasOpen(kind txn.Kind, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Kind == kind && e.Payload.Name == name && e.Status.Open() {
			return true
		}
	}
	return false
}

// MaxTid returns the highest tid ever recorded, or 0 if the log is empty.
// The coordinator uses this at startup to resume tid allocation above any
// tid it may have already assigned before a restart (spec §8: "tid
// monotonicity holds across coordinator restarts").
func (l *Log) MaxTid() txn.Tid {
	l.mu.Lock()
	defer l.mu.Unlock()
	var max txn.Tid
	for tid := range l.entries {
		if tid > max {
			max = tid
		}
	}
	return max
}

// OpenEntries returns every entry currently in a non-terminal status, for
// the coordinator's startup recovery scan (spec §9).
func (l *Log) OpenEntries() []txn.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []txn.LogEntry
	for _, e := range l.entries {
		if e.Status.Open() {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

// AllEntries returns every entry ever recorded, sorted by tid, for
// rebuilding a node's store from its committed history at startup.
func (l *Log) AllEntries() []txn.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]txn.LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out
}

// appendLocked durably writes entry to the active segment, sealing it
// first if it has grown past sealBytes. l.mu must be held.
func (l *Log) appendLocked(entry txn.LogEntry) error {
	if l.activeSize >= l.sealBytes {
		if err := l.sealLocked(); err != nil {
			return fmt.Errorf("txnlog: seal: %w", err)
		}
	}

	rec := record{
		Tid:     uint64(entry.Tid),
		Kind:    int(entry.Kind),
		Status:  int(entry.Status),
		Name:    entry.Payload.Name,
		Content: entry.Payload.Content,
		Admin:   entry.Payload.Admin,
		Digest:  fmt.Sprintf("%x", entry.Digest),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("txnlog: marshal: %w", err)
	}
	line = append(line, '\n')

	n, err := l.active.Write(line)
	if err != nil {
		return fmt.Errorf("txnlog: write: %w", err)
	}
	if err := l.active.Sync(); err != nil {
		return fmt.Errorf("txnlog: fsync: %w", err)
	}
	l.activeSize += int64(n)
	return nil
}

// sealLocked gzip-compresses the current active segment and opens a fresh
// one with the next sequence number. l.mu must be held.
func (l *Log) sealLocked() error {
	oldPath := segmentPath(l.dir, l.activeSeq, false)
	if err := l.active.Close(); err != nil {
		return err
	}

	if err := gzipFile(oldPath, segmentPath(l.dir, l.activeSeq, true)); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil {
		return err
	}

	l.activeSeq++
	f, err := os.OpenFile(segmentPath(l.dir, l.activeSeq, false), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.active = f
	l.activeSize = 0
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

type segmentInfo struct {
	path   string
	seq    int
	sealed bool
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("txnlog: readdir: %w", err)
	}

	var segs []segmentInfo
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, "seg-") {
			continue
		}
		sealed := strings.HasSuffix(name, ".log.gz")
		trimmed := strings.TrimPrefix(name, "seg-")
		trimmed = strings.TrimSuffix(trimmed, ".log.gz")
		trimmed = strings.TrimSuffix(trimmed, ".log")
		seq, err := strconv.Atoi(trimmed)
		if err != nil {
			continue
		}
		segs = append(segs, segmentInfo{path: filepath.Join(dir, name), seq: seq, sealed: sealed})
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].seq != segs[j].seq {
			return segs[i].seq < segs[j].seq
		}
		return !segs[i].sealed // plain before sealed at the same seq, shouldn't happen
	})
	return segs, nil
}

func segmentPath(dir string, seq int, sealed bool) string {
	if sealed {
		return filepath.Join(dir, fmt.Sprintf("seg-%06d.log.gz", seq))
	}
	return filepath.Join(dir, fmt.Sprintf("seg-%06d.log", seq))
}

// replaySegment reads every record in a segment (decompressing if sealed)
// and applies it to the in-memory map, last-write-wins per tid.
func (l *Log) replaySegment(s segmentInfo) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r *bufio.Scanner
	if s.sealed {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gr.Close()
		r = bufio.NewScanner(gr)
	} else {
		r = bufio.NewScanner(f)
	}
	r.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for r.Scan() {
		line := r.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("corrupt record: %w", err)
		}

		entry := txn.LogEntry{
			Tid:    txn.Tid(rec.Tid),
			Kind:   txn.Kind(rec.Kind),
			Status: txn.Status(rec.Status),
			Payload: txn.Payload{
				Name:    rec.Name,
				Content: rec.Content,
				Admin:   rec.Admin,
			},
		}
		if rec.Digest != "" {
			if raw, err := hex.DecodeString(rec.Digest); err == nil && len(raw) == 16 {
				copy(entry.Digest[:], raw)
			}
		}
		l.entries[entry.Tid] = &entry
	}
	return r.Err()
}
