// Package datashard implements DataShard of spec §4.4: one shard's durable
// home, combining an objstore.Store (the reference data type) with a
// replog.RepLog (append-only DataLog plus the peers CapDict of Relays).
// Grounded on the teacher's internal/shard.Shard, which plays the same
// role (owning a data directory and a replica set for one piece of the
// keyspace) but carries none of this package's replication machinery.
package datashard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/future"
	"github.com/dreamware/torua-repl/internal/objstore"
	"github.com/dreamware/torua-repl/internal/relay"
	"github.com/dreamware/torua-repl/internal/replog"
	"github.com/dreamware/torua-repl/internal/workerpool"
)

// objDataType adapts objstore.Store to replog.DataType: List is a direct
// passthrough, Dump pairs a SnapshotMutation with the log position it was
// taken at. end is wired in after the owning RepLog exists (Open needs a
// DataType before the RepLog it reads End() from is constructed).
type objDataType struct {
	store *objstore.Store
	end   func() int64
}

func (d *objDataType) List() ([]string, error) { return d.store.List() }

func (d *objDataType) Dump(path string) (int64, [][]byte, error) {
	seq := d.end()
	payload, err := d.store.SnapshotMutation(path)
	if err != nil {
		return 0, nil, err
	}
	return seq, [][]byte{payload}, nil
}

// Config bundles DataShard.Open's dependencies.
type Config struct {
	Log          *zap.SugaredLogger
	Dial         func(addr string) (relay.Peer, error)
	Metrics      prometheus.Registerer
	RelayMetrics *relay.Metrics
	SegmentBytes int64

	// Pool is the serialization point writes and removes commit through
	// (spec §5: "one WorkerPool... used as a serialization point for
	// writes and persistence"). Defaults to a private size-1 pool scoped
	// to this shard if nil, so every DataShard still serializes its own
	// commits even when its owner doesn't share a pool across shards.
	Pool *workerpool.Pool
}

// DataShard is one shard's durable state: its objstore-backed key/value
// content, its replication log, and its peer relay set.
type DataShard struct {
	dir   string
	store *objstore.Store
	rl    *replog.RepLog
	dt    *objDataType
	isNew bool
	log   *zap.SugaredLogger
	pool  *workerpool.Pool
}

// metaFileName marks that this shard directory has been written to at
// least once, independent of whether the bbolt file itself happens to
// exist yet (bbolt creates its file eagerly on Open).
const metaFileName = "SHARD"

// Open loads (or creates) the shard rooted at dir. is_new (spec §4.5,
// used to seed a fresh replica's priority vector) reflects whether dir
// held a shard before this call.
func Open(dir string, cfg Config) (*DataShard, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datashard: creating %s: %w", dir, err)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Pool == nil {
		cfg.Pool = workerpool.New(1, workerpool.WithLogger(cfg.Log))
	}

	metaPath := filepath.Join(dir, metaFileName)
	_, statErr := os.Stat(metaPath)
	isNew := os.IsNotExist(statErr)

	store, err := objstore.Open(filepath.Join(dir, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("datashard: opening store: %w", err)
	}

	dt := &objDataType{store: store}
	rl, err := replog.Open(filepath.Join(dir, ".rep"), replog.Config{
		DataType:     dt,
		Dial:         cfg.Dial,
		Log:          cfg.Log,
		Metrics:      cfg.Metrics,
		RelayMetrics: cfg.RelayMetrics,
		SegmentBytes: cfg.SegmentBytes,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("datashard: opening replog: %w", err)
	}
	dt.end = rl.End

	if isNew {
		if err := os.WriteFile(metaPath, []byte("{}"), 0o644); err != nil {
			store.Close()
			return nil, fmt.Errorf("datashard: writing marker: %w", err)
		}
	}

	return &DataShard{dir: dir, store: store, rl: rl, dt: dt, isNew: isNew, log: cfg.Log, pool: cfg.Pool}, nil
}

// End returns the log's next unassigned sequence number.
func (ds *DataShard) End() int64 { return ds.rl.End() }

// Get returns the log entry at seq, for use by relays.
func (ds *DataShard) Get(seq int64) ([]byte, error) { return ds.rl.Get(seq) }

// Append commits payload to the log and kicks every peer's relay (spec
// §2 control flow).
func (ds *DataShard) Append(payload []byte) (int64, error) { return ds.rl.Append(payload) }

// IsNew reports whether this shard has never held data, used to seed a
// fresh replica's priority[1] (spec §4.5).
func (ds *DataShard) IsNew() bool { return ds.isNew }

// Peers returns the addresses of this shard's currently registered peers.
func (ds *DataShard) Peers() []string { return ds.rl.Peers() }

// AddPeer registers addr as a replication peer of this shard.
func (ds *DataShard) AddPeer(addr string, sync bool) error { return ds.rl.AddPeer(addr, sync) }

// RemovePeer unregisters addr as a replication peer.
func (ds *DataShard) RemovePeer(addr string) error { return ds.rl.RemovePeer(addr) }

// OnOnline kicks addr's relay, if this shard has one, so a peer coming
// back online is caught up promptly (spec §4.9).
func (ds *DataShard) OnOnline(addr string) { ds.rl.OnOnline(addr) }

// RemoveData wipes the shard's entire directory, used when this replica
// is demoted after removal from its group (spec §4.4).
func (ds *DataShard) RemoveData() error {
	if err := ds.store.Close(); err != nil {
		return fmt.Errorf("datashard: closing store: %w", err)
	}
	if err := os.RemoveAll(ds.dir); err != nil {
		return fmt.Errorf("datashard: removing %s: %w", ds.dir, err)
	}
	return nil
}

// List returns every key currently stored, for cold catch-up listing.
func (ds *DataShard) List() ([]string, error) { return ds.store.List() }

// Dump returns the sequence the snapshot was taken at plus the update
// payloads that recreate key's current state (spec §4.3 COPYING).
func (ds *DataShard) Dump(key string) (int64, [][]byte, error) { return ds.dt.Dump(key) }

// UpdateReplicated applies a mutation received from a relay.Peer.Replicate
// delivery: it mirrors the entry into this replica's own log at the
// sender's sequence, then applies it to storage. Mirroring the sequence
// keeps a promoted replica's log a faithful continuation of its
// predecessor's, so it can serve its own relays without a gap.
func (ds *DataShard) UpdateReplicated(seq int64, payload []byte) error {
	if err := ds.rl.AppendAt(seq, payload); err != nil {
		return fmt.Errorf("datashard: mirroring seq %d: %w", seq, err)
	}
	return ds.store.Apply(payload)
}

// UpdateSnapshot applies a mutation received from a relay.Peer.SnapshotUpdate
// delivery: a COPYING-phase replay of current state, applied to storage
// directly without touching the log (spec §4.3: "these do not advance
// pos... not new history").
func (ds *DataShard) UpdateSnapshot(payload []byte) error { return ds.store.Apply(payload) }

// Read returns the bytes stored at key, surfacing a missing key as the
// §7 error taxonomy's ErrFileNotFound so the HTTP boundary and DataClient
// callers see the same error shape regardless of backing store.
func (ds *DataShard) Read(key string) ([]byte, error) {
	v, err := ds.store.Read(key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, &cluster.ErrFileNotFound{Path: key}
	}
	return v, err
}

// Write stores data at key: the mutation is committed to the log first
// (spec §3 invariant 1), then applied locally, exactly as a peer applies
// the same payload when it arrives via UpdateReplicated.
func (ds *DataShard) Write(key string, data []byte) (int64, error) {
	return ds.commit(key, data)
}

// Remove deletes key, committed the same way as Write.
func (ds *DataShard) Remove(key string) (int64, error) {
	return ds.commit(key, nil)
}

// commit runs the append-then-apply sequence as a single task on the
// shard's WorkerPool, which serializes every write and remove against
// this shard the way spec §5 assigns the pool (size 1 by default): two
// concurrent callers never interleave their Append and Apply calls. The
// caller still gets a synchronous result back via a Future (spec §4.1),
// the same bridge Prun uses to turn pool-scheduled work back into a
// value an HTTP handler can return.
func (ds *DataShard) commit(key string, data []byte) (int64, error) {
	payload, err := objstore.EncodeMutation(key, data)
	if err != nil {
		return 0, err
	}

	f := future.New(ds.log)
	ds.pool.Submit(func() {
		seq, err := ds.Append(payload)
		if err != nil {
			f.Error(err)
			return
		}
		if err := ds.store.Apply(payload); err != nil {
			f.Error(fmt.Errorf("datashard: applying committed mutation: %w", err))
			return
		}
		f.Resolve(seq)
	})

	v, err := f.Wait(0)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// RelaySnapshot exposes one peer relay's state for diagnostics/tests.
func (ds *DataShard) RelaySnapshot(addr string) (relay.State, int64, int64, bool, bool) {
	return ds.rl.RelaySnapshot(addr)
}
