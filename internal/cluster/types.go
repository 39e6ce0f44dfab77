// Package cluster provides the core distributed system functionality for
// the replication engine: proxy addressing, shard ids, priority vectors,
// the ambient Env bundle, the error taxonomy peers communicate with, and
// the HTTP+JSON transport helpers every other package calls through.
//
// The wire protocol itself is an abstract boundary per the system's scope
// (the RPC runtime, meaning endpoint resolution, replica-group queries,
// and async call dispatch, is an external collaborator); this package's
// PostJSON and GetJSON are the concrete adapter this repository uses to
// speak that boundary, generalized from the teacher's original cluster
// transport.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ReplicaInfo describes one replica in a group for registration and state
// publication purposes: its address and the priority vector it currently
// reports (spec §3 Priority vector, §4.5 DataNode.get_state).
type ReplicaInfo struct {
	Addr     Addr     `json:"addr"`
	Priority Priority `json:"priority"`
}

// ShardState is what a replica publishes about one of its shards: the
// full replica set and each one's priority vector (spec §3 Shard state).
type ShardState struct {
	Replicas []Addr  `json:"replicas"`
	Priority []int64 `json:"priority,omitempty"`
}

// MasterMap is the {shard_id -> master_addr} map published by the
// DataManager (spec §3 Master map, §4.7 get_masters) and consumed by
// DataNode.master() and DataClient.call().
type MasterMap map[ShardID]Addr

// httpClient is the shared HTTP client used for all cluster communication,
// kept from the teacher's cluster.httpClient: a short, fixed timeout so a
// dead peer fails fast rather than hanging a caller that holds no locks
// across the call but still wants bounded latency.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request to url and decodes the JSON
// response into out (ignored if nil). This is the primary mechanism for
// node-to-node and node-to-manager communication.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return &ErrNoEndpoint{Addr: url}
	}
	defer resp.Body.Close()

	if err := statusToError(url, resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request to url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return &ErrNoEndpoint{Addr: url}
	}
	defer resp.Body.Close()

	if err := statusToError(url, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusToError maps well-known HTTP status codes emitted by this
// repository's own servants back onto the error taxonomy of §7, so a
// caller on the other side of PostJSON/GetJSON can type-switch on the
// same errors a local call would produce.
func statusToError(url string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return &ErrFileNotFound{Path: url}
	case http.StatusTeapot: // 418: this servant believes itself a slave
		return &ErrNotMaster{Addr: url}
	case http.StatusGone: // 410: shard not owned here
		return &ErrNoShard{}
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return &ErrNoEndpoint{Addr: url}
	default:
		if resp.StatusCode >= 300 {
			return fmt.Errorf("http %s: %d", url, resp.StatusCode)
		}
		return nil
	}
}
