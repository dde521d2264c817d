// Package replicarpc is the coordinator's HTTP JSON client for calling a
// replica's CanCommit/DoCommit endpoints, modeled on the teacher's
// pkg/client.Client: a tuned http.Client plus a doRequest helper, with the
// per-call timeout spec §5 requires (default 5s) applied via context.
package replicarpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wikireplica/wikireplica/internal/txn"
	"github.com/wikireplica/wikireplica/internal/wire"
)

// DefaultTimeout is the per-call bound spec §5 names: a replica that
// doesn't answer within this long is treated as a "no" vote.
const DefaultTimeout = 5 * time.Second

// Client calls CanCommit/DoCommit on replicas over HTTP+JSON.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a replica RPC client with the given per-call timeout. A
// timeout of 0 uses DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

// CanCommit sends a prepare request to the replica at addr and returns its
// vote. A transport error, a timeout, or a malformed reply are all
// reported as a "no" vote per spec §4.5 step 4 (InvalidReply == PrepareNack),
// along with the error that caused it.
func (c *Client) CanCommit(ctx context.Context, addr string, tid txn.Tid, kind txn.Kind, p txn.Payload) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var path string
	var body interface{}
	switch kind {
	case txn.KindPage:
		path = "/can_page_commit"
		body = wire.CanPageCommit{TransactionID: uint64(tid), Page: p.Name, Content: p.Content}
	case txn.KindUser:
		path = "/can_user_commit"
		body = wire.CanUserCommit{TransactionID: uint64(tid), Name: p.Name, Admin: p.Admin}
	default:
		return false, fmt.Errorf("replicarpc: unknown kind %v", kind)
	}

	var reply wire.CommitReply
	if err := c.postJSON(ctx, addr, path, body, &reply); err != nil {
		return false, err
	}
	if reply.TransactionID != uint64(tid) {
		return false, fmt.Errorf("replicarpc: reply tid %d does not match request tid %d", reply.TransactionID, tid)
	}
	return reply.Commit, nil
}

// DoCommit tells the replica at addr to commit or abort tid, returning its
// acknowledgment. Unlike CanCommit, a transport failure here is reported
// to the caller but does not change the coordinator's decision — the
// decision was already made — it only means the replica's pending-table
// row can't be marked done yet (spec §4.5 step 6 / "Failure semantics
// summary" in §4.6).
func (c *Client) DoCommit(ctx context.Context, addr string, tid txn.Tid, commit bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reply wire.HaveCommit
	body := wire.DoCommit{TransactionID: uint64(tid), Commit: commit}
	if err := c.postJSON(ctx, addr, "/do_commit", body, &reply); err != nil {
		return false, err
	}
	return reply.Commit, nil
}

func (c *Client) postJSON(ctx context.Context, addr, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("replicarpc: marshal request: %w", err)
	}

	url := "http://" + addr + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("replicarpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replicarpc: %s %s: %w", path, addr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("replicarpc: read response from %s: %w", addr, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("replicarpc: %s %s returned status %d: %s", path, addr, resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("replicarpc: invalid reply from %s: %w", addr, err)
	}
	return nil
}
