// Package replog implements RepLog of spec §4 (Replication log): it
// couples a shard's DataLog to a persistent set of per-peer Relay state
// machines, kept in a CapDict so relay state survives restart. Append
// both commits durably and kicks every peer's relay (spec §2 control
// flow: "DataShard.append (durable) -> RepLog.append -> for each peer
// Relay: Relay.start").
package replog

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/capdict"
	"github.com/dreamware/torua-repl/internal/datalog"
	"github.com/dreamware/torua-repl/internal/relay"
)

// DataType is the subset of a shard's concrete data type RepLog needs to
// drive cold catch-up (spec §4.4's list()/dump() hooks).
type DataType interface {
	List() ([]string, error)
	Dump(path string) (int64, [][]byte, error)
}

// Metrics are the Prometheus counters for shard appends (module map:
// "Counters for shard appends").
type Metrics struct {
	Appends prometheus.Counter
}

// NewMetrics registers and returns append counters on reg, namespaced by
// shard.
func NewMetrics(reg prometheus.Registerer, shard string) *Metrics {
	m := &Metrics{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "replog_appends_total",
			Help:        "Entries appended to a shard's replication log.",
			ConstLabels: prometheus.Labels{"shard": shard},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Appends)
	}
	return m
}

// RepLog is one shard's durable log plus its peer relay set. It implements
// relay.Source so every peer's Relay can stream directly from it.
type RepLog struct {
	mu       sync.Mutex
	dir      string
	log      *datalog.DataLog
	peers    *capdict.CapDict
	dataType DataType
	dial     func(addr string) (relay.Peer, error)
	relayEnv *relay.Env
	logger   *zap.SugaredLogger
	metrics  *Metrics
	live     map[string]*relay.Relay
}

// Config bundles RepLog's dependencies.
type Config struct {
	DataType     DataType
	Dial         func(addr string) (relay.Peer, error)
	Log          *zap.SugaredLogger
	Metrics      prometheus.Registerer
	RelayMetrics *relay.Metrics
	SegmentBytes int64
}

// Open loads (or creates) a RepLog rooted at dir (a shard's ".rep"
// directory), recovering every persisted peer relay and kicking it so
// crash-resumed catch-up proceeds without waiting for the next write
// (spec §4.3 crash semantics).
func Open(dir string, cfg Config) (*RepLog, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}

	dl, err := datalog.Open(dir, datalog.Config{SegmentBytes: cfg.SegmentBytes})
	if err != nil {
		return nil, fmt.Errorf("replog: opening datalog: %w", err)
	}

	rl := &RepLog{
		dir:      dir,
		log:      dl,
		dataType: cfg.DataType,
		dial:     cfg.Dial,
		logger:   cfg.Log,
		live:     make(map[string]*relay.Relay),
	}

	rl.relayEnv = &relay.Env{
		Source:  rl,
		Dial:    cfg.Dial,
		ListDir: dir,
		ListMu:  &sync.Mutex{},
		Log:     cfg.Log,
		Metrics: cfg.RelayMetrics,
	}

	peers, err := capdict.Open(filepath.Join(dir, "sink"), nil, 256)
	if err != nil {
		return nil, fmt.Errorf("replog: opening sink dict: %w", err)
	}
	peers.Register(relay.ClassTag, relay.Factory(rl.relayEnv))
	rl.peers = peers

	if err := rl.recover(); err != nil {
		return nil, err
	}

	var appendsMetric *Metrics
	if cfg.Metrics != nil {
		appendsMetric = NewMetrics(cfg.Metrics, dir)
	}
	rl.metrics = appendsMetric

	return rl, nil
}

func (rl *RepLog) recover() error {
	keys, err := rl.peers.Keys()
	if err != nil {
		return fmt.Errorf("replog: listing peers: %w", err)
	}
	for _, addr := range keys {
		obj, err := rl.peers.Get(addr)
		if err != nil {
			rl.logger.Errorw("replog: failed to recover relay", "addr", addr, "error", err)
			continue
		}
		r := obj.(*relay.Relay)
		rl.mu.Lock()
		rl.live[addr] = r
		rl.mu.Unlock()
		r.Start()
	}
	return nil
}

// End implements relay.Source.
func (rl *RepLog) End() int64 { return rl.log.End() }

// Get implements relay.Source.
func (rl *RepLog) Get(seq int64) ([]byte, error) { return rl.log.Get(seq) }

// List implements relay.Source by delegating to the shard's data type.
func (rl *RepLog) List() ([]string, error) { return rl.dataType.List() }

// Dump implements relay.Source by delegating to the shard's data type.
func (rl *RepLog) Dump(path string) (int64, [][]byte, error) { return rl.dataType.Dump(path) }

// Append durably appends payload (spec §3 invariant 1: "committed on a
// master is appended to that shard's log before acknowledgement to the
// client"), then kicks every peer's relay so the new entry propagates
// without waiting for their next poll.
func (rl *RepLog) Append(payload []byte) (int64, error) {
	seq, err := rl.log.Append(payload)
	if err != nil {
		return 0, err
	}
	if rl.metrics != nil {
		rl.metrics.Appends.Inc()
	}
	rl.kickAll()
	return seq, nil
}

// AppendAt mirrors a replicated entry into this replica's own log at the
// sequence its sender assigned, then kicks this replica's own peers so a
// replica that is itself relaying onward (a chain, or a promoted
// ex-replica) doesn't wait for its own next mutation to propagate. Used
// for relay.Peer.Replicate deliveries, never for SnapshotUpdate ones,
// which apply to the data type directly without touching the log (spec
// §4.3: "these do not advance pos... not new history").
func (rl *RepLog) AppendAt(seq int64, payload []byte) error {
	if err := rl.log.AppendAt(seq, payload); err != nil {
		return err
	}
	if rl.metrics != nil {
		rl.metrics.Appends.Inc()
	}
	rl.kickAll()
	return nil
}

func (rl *RepLog) kickAll() {
	rl.mu.Lock()
	relays := make([]*relay.Relay, 0, len(rl.live))
	for _, r := range rl.live {
		relays = append(relays, r)
	}
	rl.mu.Unlock()

	for _, r := range relays {
		r.Start()
	}
}

// Peers returns the addresses of every currently registered peer.
func (rl *RepLog) Peers() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]string, 0, len(rl.live))
	for addr := range rl.live {
		out = append(out, addr)
	}
	return out
}

// AddPeer registers addr as a peer, creating its relay in LISTING (sync)
// or REPLICATING (no sync) per spec §4.4 add_peer.
func (rl *RepLog) AddPeer(addr string, sync bool) error {
	rl.mu.Lock()
	if _, exists := rl.live[addr]; exists {
		rl.mu.Unlock()
		return nil
	}
	rl.mu.Unlock()

	save := rl.peers.SaveFunc(addr, relay.ClassTag)
	r := relay.New(addr, rl.relayEnv, save, sync)
	if err := rl.peers.Create(addr, r); err != nil {
		return fmt.Errorf("replog: persisting new peer %s: %w", addr, err)
	}

	rl.mu.Lock()
	rl.live[addr] = r
	rl.mu.Unlock()

	r.Start()
	return nil
}

// RemovePeer unregisters addr, deleting its persisted relay state.
func (rl *RepLog) RemovePeer(addr string) error {
	rl.mu.Lock()
	delete(rl.live, addr)
	rl.mu.Unlock()
	return rl.peers.Remove(addr)
}

// OnOnline kicks addr's relay if it is a known peer, turning "peer came
// back" into a bounded-delay catch-up (spec §4.9 Antenna).
func (rl *RepLog) OnOnline(addr string) {
	rl.mu.Lock()
	r, ok := rl.live[addr]
	rl.mu.Unlock()
	if ok {
		r.Start()
	}
}

// RelaySnapshot exposes one peer's relay state for diagnostics/tests.
func (rl *RepLog) RelaySnapshot(addr string) (relay.State, int64, int64, bool, bool) {
	rl.mu.Lock()
	r, ok := rl.live[addr]
	rl.mu.Unlock()
	if !ok {
		return "", 0, 0, false, false
	}
	state, pos, copyPos, copying := r.Snapshot()
	return state, pos, copyPos, copying, true
}

// Truncate deletes log segments entirely below seq (spec §3 invariant 5),
// used e.g. after a relay confirms every peer has passed that point.
func (rl *RepLog) Truncate(seq int64) error { return rl.log.Truncate(seq) }
