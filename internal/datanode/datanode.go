// Package datanode implements DataNode of spec §4.5: a typed container of
// shards on one replica, responsible for startup shard recovery,
// idempotent registration with the DataManager, master resolution, and
// routing add_shard/add_peer/remove_peer/update calls to the owning
// shard. Generalized from the teacher's cmd/node.Node, which held the
// same shard map but knew nothing about replication, election, or
// manager registration.
package datanode

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/datashard"
	"github.com/dreamware/torua-repl/internal/future"
	"github.com/dreamware/torua-repl/internal/objstore"
	"github.com/dreamware/torua-repl/internal/pubsub"
	"github.com/dreamware/torua-repl/internal/relay"
)

// shardDirPrefix names the sub-directories DataNode scans at startup: a
// shard with id "01" lives at "S01" (spec §4.5: "sub-directory named
// S<id>"); the empty shard id lives at "S" itself.
const shardDirPrefix = "S"

// regMarkerName is the idempotent-registration marker file (spec §4.5,
// §8 Idempotent register). It holds the address last registered and when,
// so a restarted DataNode can tell whether it already has a live
// registration instead of re-registering (and thereby re-bootstrapping a
// shard) on every restart.
const regMarkerName = ".reg"

type regMarker struct {
	Addr         cluster.Addr `json:"addr"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// replica bundles one hosted shard with its election state.
type replica struct {
	mu       sync.Mutex
	shard    *datashard.DataShard
	priority cluster.Priority
}

func (r *replica) isMaster() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority.IsMaster()
}

func (r *replica) promote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.priority) > 0 {
		r.priority[0] = 1
	}
}

func (r *replica) demote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.priority) > 0 {
		r.priority[0] = 0
	}
}

func (r *replica) snapshot() cluster.Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(cluster.Priority(nil), r.priority...)
}

// ManagerClient is the subset of the DataManager wire protocol a DataNode
// calls: register itself and learn the current master map.
type ManagerClient interface {
	Register(ctx context.Context, addr cluster.Addr) error
	GetMasters(ctx context.Context) (cluster.MasterMap, error)
}

// Config bundles DataNode.Open's dependencies.
type Config struct {
	Env     *cluster.Env
	Manager ManagerClient

	// Dial resolves a peer DataNode address to a relay.Peer, used to wire
	// every datashard.DataShard opened or added here.
	Dial func(addr string) (relay.Peer, error)

	// PathOf extracts the key a data-type's mutation payload targets, so
	// UpdateReplicated/UpdateSnapshot can route by shard_for(path) without this package
	// understanding the concrete payload format (spec §4.5).
	PathOf func(payload []byte) (string, error)

	// Metrics, RelayMetrics and SegmentBytes are forwarded verbatim to
	// every datashard.DataShard this DataNode opens, so all shards on one
	// replica share the same Prometheus registry and segment size policy.
	Metrics      prometheus.Registerer
	RelayMetrics *relay.Metrics
	SegmentBytes int64
}

// DataNode is a typed container of shards on one replica (spec §4.5).
type DataNode struct {
	env     *cluster.Env
	dataDir string
	manager ManagerClient
	dial    func(addr string) (relay.Peer, error)
	pathOf  func(payload []byte) (string, error)
	log     *zap.SugaredLogger

	mu       sync.RWMutex
	replicas map[cluster.ShardID]*replica

	regMu sync.Mutex
	sub   *pubsub.Subscription

	shardMetrics      prometheus.Registerer
	relayMetrics      *relay.Metrics
	shardSegmentBytes int64
}

// Open scans dataDir for existing "S<id>" shard sub-directories, recreates
// each via datashard.Open, seeds its priority vector, and subscribes to
// the Env's online channel so shard relays get kicked when a peer comes
// back (spec §4.5, §4.9).
func Open(dataDir string, cfg Config) (*DataNode, error) {
	if cfg.Env == nil {
		return nil, fmt.Errorf("datanode: Env is required")
	}
	if cfg.PathOf == nil {
		cfg.PathOf = objstore.PathOf
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("datanode: creating %s: %w", dataDir, err)
	}

	dn := &DataNode{
		env:               cfg.Env,
		dataDir:           dataDir,
		manager:           cfg.Manager,
		dial:              cfg.Dial,
		pathOf:            cfg.PathOf,
		log:               cfg.Env.Log,
		replicas:          make(map[cluster.ShardID]*replica),
		shardMetrics:      cfg.Metrics,
		relayMetrics:      cfg.RelayMetrics,
		shardSegmentBytes: cfg.SegmentBytes,
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("datanode: scanning %s: %w", dataDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), shardDirPrefix) {
			continue
		}
		sid := cluster.ShardID(strings.TrimPrefix(entry.Name(), shardDirPrefix))
		if _, err := dn.openShard(sid); err != nil {
			return nil, fmt.Errorf("datanode: recovering shard %q: %w", sid, err)
		}
	}

	dn.sub = dn.env.Pub.Subscribe("online", dn.onOnline)
	return dn, nil
}

func (dn *DataNode) shardDir(sid cluster.ShardID) string {
	return filepath.Join(dn.dataDir, shardDirPrefix+string(sid))
}

func (dn *DataNode) openShard(sid cluster.ShardID) (*replica, error) {
	ds, err := datashard.Open(dn.shardDir(sid), datashard.Config{
		Log:          dn.log,
		Dial:         dn.dial,
		Metrics:      dn.shardMetrics,
		RelayMetrics: dn.relayMetrics,
		SegmentBytes: dn.shardSegmentBytes,
		Pool:         dn.env.Pool,
	})
	if err != nil {
		return nil, err
	}

	tiebreaker, err := randomInt64()
	if err != nil {
		return nil, err
	}
	usedBefore := int64(0)
	if !ds.IsNew() {
		usedBefore = 1
	}

	r := &replica{shard: ds, priority: cluster.Priority{0, usedBefore, tiebreaker}}
	dn.mu.Lock()
	dn.replicas[sid] = r
	dn.mu.Unlock()
	return r, nil
}

func randomInt64() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("datanode: generating tiebreaker: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) >> 1), nil
}

// onOnline forwards an "online" pubsub event to every hosted shard's
// OnOnline, which kicks any relay targeting that address (spec §4.9).
func (dn *DataNode) onOnline(ev pubsub.Event) {
	notice, ok := ev.(cluster.OnlineNotice)
	if !ok {
		return
	}
	dn.mu.RLock()
	replicas := make([]*replica, 0, len(dn.replicas))
	for _, r := range dn.replicas {
		replicas = append(replicas, r)
	}
	dn.mu.RUnlock()

	for _, r := range replicas {
		r.shard.OnOnline(string(notice.Addr))
	}
}

// Close unsubscribes from the online channel. Shards themselves have no
// teardown beyond process exit.
func (dn *DataNode) Close() {
	if dn.sub != nil {
		dn.sub.Unsubscribe()
	}
}

// Register calls the DataManager's register(self_addr) exactly once,
// guarded by a `.reg` marker file in dataDir (spec §4.5, §8 Idempotent
// register). A second call after a successful registration is a no-op
// even across process restarts.
func (dn *DataNode) Register(ctx context.Context) error {
	dn.regMu.Lock()
	defer dn.regMu.Unlock()

	markerPath := filepath.Join(dn.dataDir, regMarkerName)
	if _, err := os.Stat(markerPath); err == nil {
		return nil
	}

	if err := dn.manager.Register(ctx, dn.env.Self); err != nil {
		return fmt.Errorf("datanode: registering: %w", err)
	}

	marker := regMarker{Addr: dn.env.Self, RegisteredAt: time.Now()}
	payload, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	tmp := markerPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("datanode: writing marker: %w", err)
	}
	return os.Rename(tmp, markerPath)
}

// Priority returns sid's current locally-held priority vector, for a
// remote electMaster poll (spec §4.6 master_state, per-shard) to consult
// over the wire.
func (dn *DataNode) Priority(sid cluster.ShardID) (cluster.Priority, error) {
	r, err := dn.shardOf(sid)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// shardOf returns the replica hosting sid, or ErrNoShard.
func (dn *DataNode) shardOf(sid cluster.ShardID) (*replica, error) {
	dn.mu.RLock()
	r, ok := dn.replicas[sid]
	dn.mu.RUnlock()
	if !ok {
		return nil, &cluster.ErrNoShard{Shard: string(sid)}
	}
	return r, nil
}

// Master resolves the DataShard that owns sid on this replica, as a
// Future (spec §4.5 master(shard?)). If this replica's cached priority
// already names it master, it resolves immediately; otherwise it asks the
// DataManager for the authoritative master map, updates every local
// shard's priority[0] to match, then answers.
func (dn *DataNode) Master(ctx context.Context, sid cluster.ShardID) *future.Future {
	f := future.New(dn.log)
	r, err := dn.shardOf(sid)
	if err != nil {
		f.Error(err)
		return f
	}
	if r.isMaster() {
		f.Resolve(r.shard)
		return f
	}

	go func() {
		masters, err := dn.manager.GetMasters(ctx)
		if err != nil {
			f.Error(err)
			return
		}
		dn.refreshMastership(masters)

		if !r.isMaster() {
			f.Error(&cluster.ErrNoShard{Shard: string(sid)})
			return
		}
		f.Resolve(r.shard)
	}()
	return f
}

// MasterByKey is Master keyed by a data key rather than a shard id,
// resolving the owning shard via cluster.ShardFor first.
func (dn *DataNode) MasterByKey(ctx context.Context, key string) *future.Future {
	sid, ok := dn.ShardFor(key)
	if !ok {
		f := future.New(dn.log)
		f.Error(&cluster.ErrNoShard{Path: key})
		return f
	}
	return dn.Master(ctx, sid)
}

// ShardFor resolves key to one of this node's hosted shard ids via the
// shortest matching prefix (spec §4.8 shard_for, applied locally).
func (dn *DataNode) ShardFor(key string) (cluster.ShardID, bool) {
	dn.mu.RLock()
	known := make([]cluster.ShardID, 0, len(dn.replicas))
	for sid := range dn.replicas {
		known = append(known, sid)
	}
	dn.mu.RUnlock()
	return cluster.ShardFor(key, known)
}

func (dn *DataNode) refreshMastership(masters cluster.MasterMap) {
	dn.mu.RLock()
	defer dn.mu.RUnlock()
	for sid, r := range dn.replicas {
		if masters[sid] == dn.env.Self {
			r.promote()
		} else {
			r.demote()
		}
	}
}

// State returns {shard: {replicas, priority}} for publication (spec §4.5
// get_state).
func (dn *DataNode) State() map[cluster.ShardID]cluster.ShardState {
	dn.mu.RLock()
	defer dn.mu.RUnlock()

	out := make(map[cluster.ShardID]cluster.ShardState, len(dn.replicas))
	for sid, r := range dn.replicas {
		peers := r.shard.Peers()
		replicas := make([]cluster.Addr, 0, len(peers)+1)
		replicas = append(replicas, dn.env.Self)
		for _, p := range peers {
			replicas = append(replicas, cluster.Addr(p))
		}
		out[sid] = cluster.ShardState{
			Replicas: replicas,
			Priority: []int64(r.snapshot()),
		}
	}
	return out
}

// AddShard creates a brand-new, empty shard hosted under sid.
func (dn *DataNode) AddShard(sid cluster.ShardID) error {
	dn.mu.RLock()
	_, exists := dn.replicas[sid]
	dn.mu.RUnlock()
	if exists {
		return nil
	}
	_, err := dn.openShard(sid)
	return err
}

// RemoveData wipes sid's entire directory and drops it from this node
// (spec §4.4 remove_data, used when demoting a removed replica).
func (dn *DataNode) RemoveData(sid cluster.ShardID) error {
	r, err := dn.shardOf(sid)
	if err != nil {
		return err
	}
	if err := r.shard.RemoveData(); err != nil {
		return err
	}
	dn.mu.Lock()
	delete(dn.replicas, sid)
	dn.mu.Unlock()
	return nil
}

// AddPeer registers addr as a replication peer of sid.
func (dn *DataNode) AddPeer(sid cluster.ShardID, addr cluster.Addr, sync bool) error {
	r, err := dn.shardOf(sid)
	if err != nil {
		return err
	}
	return r.shard.AddPeer(string(addr), sync)
}

// RemovePeer unregisters addr as a replication peer of sid.
func (dn *DataNode) RemovePeer(sid cluster.ShardID, addr cluster.Addr) error {
	r, err := dn.shardOf(sid)
	if err != nil {
		return err
	}
	return r.shard.RemovePeer(string(addr))
}

// UpdateReplicated routes a sequenced replication delivery to the shard
// owning the payload's target key (spec §4.5: "routing update by
// shard_for(path)").
func (dn *DataNode) UpdateReplicated(seq int64, payload []byte) error {
	r, err := dn.shardForPayload(payload)
	if err != nil {
		return err
	}
	return r.shard.UpdateReplicated(seq, payload)
}

// UpdateSnapshot routes an unsequenced COPYING-phase delivery the same
// way UpdateReplicated does.
func (dn *DataNode) UpdateSnapshot(payload []byte) error {
	r, err := dn.shardForPayload(payload)
	if err != nil {
		return err
	}
	return r.shard.UpdateSnapshot(payload)
}

func (dn *DataNode) shardForPayload(payload []byte) (*replica, error) {
	key, err := dn.pathOf(payload)
	if err != nil {
		return nil, fmt.Errorf("datanode: decoding payload: %w", err)
	}
	sid, ok := dn.ShardFor(key)
	if !ok {
		return nil, &cluster.ErrNoShard{Path: key}
	}
	return dn.shardOf(sid)
}

// Write commits data at key on the shard sid, returning the log sequence
// it was committed at. Callers are responsible for having established this node
// is master for that shard (e.g. via Master/MasterByKey).
func (dn *DataNode) Write(sid cluster.ShardID, key string, data []byte) (int64, error) {
	r, err := dn.shardOf(sid)
	if err != nil {
		return 0, err
	}
	return r.shard.Write(key, data)
}

// Remove deletes key on the shard sid.
func (dn *DataNode) Remove(sid cluster.ShardID, key string) (int64, error) {
	r, err := dn.shardOf(sid)
	if err != nil {
		return 0, err
	}
	return r.shard.Remove(key)
}

// Read returns key's bytes from the shard sid.
func (dn *DataNode) Read(sid cluster.ShardID, key string) ([]byte, error) {
	r, err := dn.shardOf(sid)
	if err != nil {
		return nil, err
	}
	return r.shard.Read(key)
}

// List returns every key stored in shard sid.
func (dn *DataNode) List(sid cluster.ShardID) ([]string, error) {
	r, err := dn.shardOf(sid)
	if err != nil {
		return nil, err
	}
	return r.shard.List()
}
