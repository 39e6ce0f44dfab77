// Package integration exercises the Torua replication engine end to end:
// a DataManager and several DataNode replicas wired together over real
// HTTP, the way cmd/datamanager and cmd/datanode would be in production,
// built the same way the teacher's own
// test/integration/distributed_storage_test.go spun up httptest servers
// in front of the coordinator/node HTTP handlers.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/dataclient"
	"github.com/dreamware/torua-repl/internal/datamanager"
	"github.com/dreamware/torua-repl/internal/datanode"
	"github.com/dreamware/torua-repl/internal/election"
)

// harness wires one DataManager and any number of DataNode replicas
// together through a shared cluster.Registry, so every component resolves
// every other one's address the way it would against a real deployment's
// registry.
type harness struct {
	t       *testing.T
	nodeReg *cluster.Registry
	mgr     *datamanager.Manager
	mgrSrv  *httptest.Server
	nodes   map[cluster.Addr]*datanode.DataNode
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	nodeReg := cluster.NewRegistry(nil)

	var mgr *datamanager.Manager
	mgr = datamanager.New(datamanager.Config{
		Client:   &datamanager.NodeHTTPClient{URL: nodeReg.Resolve},
		Self:     "mgr@n",
		Priority: cluster.Priority{0, 0, 1},
		Members: func() []election.Member {
			return []election.Member{{
				Addr:  "mgr@n",
				State: func(context.Context) (cluster.Priority, error) { return mgr.State(), nil },
			}}
		},
	})
	mgrSrv := httptest.NewServer(datamanager.NewHandler(mgr))
	t.Cleanup(mgrSrv.Close)

	return &harness{t: t, nodeReg: nodeReg, mgr: mgr, mgrSrv: mgrSrv, nodes: map[cluster.Addr]*datanode.DataNode{}}
}

// addNode opens a DataNode under a fresh temp directory, serves it over
// httptest, registers it in the shared registry, and registers it with
// the harness's DataManager, the same startup sequence cmd/datanode's
// main() runs.
func (h *harness) addNode(self cluster.Addr, segmentBytes int64) *datanode.DataNode {
	h.t.Helper()
	env := cluster.NewEnv(nil, self, h.t.TempDir(), h.nodeReg.Resolve)
	managerClient := &datanode.ManagerHTTPClient{URL: func() (string, error) { return h.mgrSrv.URL, nil }}

	dn, err := datanode.Open(env.DataRoot, datanode.Config{
		Env:          env,
		Manager:      managerClient,
		Dial:         datanode.NewPeerDialer(h.nodeReg.Resolve),
		SegmentBytes: segmentBytes,
	})
	require.NoError(h.t, err)

	srv := httptest.NewServer(datanode.NewHandler(dn))
	h.t.Cleanup(srv.Close)
	h.nodeReg.Set(self, srv.URL)
	h.nodes[self] = dn

	require.NoError(h.t, dn.Register(context.Background()))
	return dn
}

func (h *harness) client(seeds ...cluster.Addr) *dataclient.Client {
	return dataclient.New(dataclient.Config{Dial: h.nodeReg.Resolve, Seeds: seeds})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestTwoReplicaWriteRead covers spec §8's basic write/read scenario: a
// write lands on the all-keys shard's master and is visible both through
// the client and, shortly after, on its replicated peer.
func TestTwoReplicaWriteRead(t *testing.T) {
	h := newHarness(t)
	h.addNode("a@n", 0)
	h.addNode("b@n", 0)

	c := h.client("a@n")
	seq, err := c.Write(context.Background(), "fred", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	v, err := c.Read(context.Background(), "fred")
	require.NoError(t, err)
	require.Equal(t, "hi", string(v))

	waitFor(t, time.Second, func() bool {
		v, err := h.nodes["b@n"].Read("", "fred")
		return err == nil && string(v) == "hi"
	})
}

// TestColdJoinSyncsThirdReplica covers spec §8's cold-join scenario: a
// replica that registers after a shard already holds data is linked in by
// the DataManager and ends up, via its relay's LISTING/COPYING phases,
// holding the same keys.
func TestColdJoinSyncsThirdReplica(t *testing.T) {
	h := newHarness(t)
	h.addNode("a@n", 0)
	h.addNode("b@n", 0)

	c := h.client("a@n")
	_, err := c.Write(context.Background(), "fred", []byte("hi"))
	require.NoError(t, err)
	_, err = c.Write(context.Background(), "barney", []byte("dino"))
	require.NoError(t, err)

	h.addNode("c@n", 0)

	waitFor(t, 2*time.Second, func() bool {
		v, err := h.nodes["c@n"].Read("", "fred")
		if err != nil || string(v) != "hi" {
			return false
		}
		v, err = h.nodes["c@n"].Read("", "barney")
		return err == nil && string(v) == "dino"
	})
}

// TestSegmentedLogRoundTrip covers spec §6's segmented log format: with a
// tiny segment size, many small writes span several on-disk segments, and
// both direct reads and cross-replica replication still see every key.
func TestSegmentedLogRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addNode("a@n", 64)
	h.addNode("b@n", 64)

	c := h.client("a@n")
	const n = 40
	for i := 0; i < n; i++ {
		key := "key" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		_, err := c.Write(context.Background(), key, []byte("value"))
		require.NoError(t, err)
	}

	keys, err := c.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, keys, n)

	waitFor(t, 2*time.Second, func() bool {
		got, err := h.nodes["b@n"].List("")
		return err == nil && len(got) == n
	})
}

// TestStaleMasterRetryAfterFailover covers spec §8/§7's retry policy: a
// DataClient that cached a now-stale master gets ErrNotMaster once, then
// succeeds after exactly one refresh-and-retry against the new master.
func TestStaleMasterRetryAfterFailover(t *testing.T) {
	var master atomic.Value
	master.Store(cluster.Addr("a@n"))

	var mu sync.Mutex
	data := map[string][]byte{}

	newReplicaHandler := func(self cluster.Addr) http.Handler {
		mux := http.NewServeMux()
		mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
			priority := cluster.Priority{0, 0, 1}
			if master.Load().(cluster.Addr) == self {
				priority[0] = 1
			}
			writeJSON(w, cluster.StateResponse{Shards: map[cluster.ShardID]cluster.ShardState{
				"": {Replicas: []cluster.Addr{"a@n", "b@n"}, Priority: priority},
			}})
		})
		mux.HandleFunc("/data/write", func(w http.ResponseWriter, r *http.Request) {
			if master.Load().(cluster.Addr) != self {
				http.Error(w, "not master", http.StatusTeapot)
				return
			}
			var req cluster.WriteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			data[req.Key] = req.Data
			mu.Unlock()
			writeJSON(w, cluster.WriteResponse{Seq: 0})
		})
		return mux
	}

	srvA := httptest.NewServer(newReplicaHandler("a@n"))
	defer srvA.Close()
	srvB := httptest.NewServer(newReplicaHandler("b@n"))
	defer srvB.Close()

	reg := cluster.NewRegistry(map[cluster.Addr]string{"a@n": srvA.URL, "b@n": srvB.URL})
	c := dataclient.New(dataclient.Config{Dial: reg.Resolve, Seeds: []cluster.Addr{"a@n", "b@n"}})

	_, err := c.Write(context.Background(), "fred", []byte("v1"))
	require.NoError(t, err)

	master.Store(cluster.Addr("b@n"))

	_, err = c.Write(context.Background(), "wilma", []byte("v2"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "v1", string(data["fred"]))
	require.Equal(t, "v2", string(data["wilma"]))
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// TestRelayRecoversAfterDialFailure covers spec §8's "crash mid-copy"
// scenario in spirit: a peer unreachable during one relay attempt holds
// its position and catches up fully once the next write kicks its relay
// again, without re-sending data already acknowledged.
func TestRelayRecoversAfterDialFailure(t *testing.T) {
	h := newHarness(t)
	h.addNode("a@n", 0)
	h.addNode("b@n", 0)

	c := h.client("a@n")
	_, err := c.Write(context.Background(), "fred", []byte("hi"))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		v, err := h.nodes["b@n"].Read("", "fred")
		return err == nil && string(v) == "hi"
	})

	// Simulate b@n going dark by pointing its registry entry at an
	// unreachable address, then writing a key that can't be relayed.
	realURL, err := h.nodeReg.Resolve("b@n")
	require.NoError(t, err)
	h.nodeReg.Set("b@n", "http://127.0.0.1:1")

	_, err = c.Write(context.Background(), "barney", []byte("dino"))
	require.NoError(t, err)

	// b@n comes back; the next write kicks its relay again, which resumes
	// from the held position rather than starting over.
	h.nodeReg.Set("b@n", realURL)
	_, err = c.Write(context.Background(), "betty", []byte("rubble"))
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		v, err := h.nodes["b@n"].Read("", "barney")
		if err != nil || string(v) != "dino" {
			return false
		}
		v, err = h.nodes["b@n"].Read("", "betty")
		return err == nil && string(v) == "rubble"
	})
}
