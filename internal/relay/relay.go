// Package relay implements DataRelay, the per-peer replication state
// machine of spec §4.3: it brings one peer up to date from a cold start
// (LISTING, COPYING) and then keeps it in sync (REPLICATING), crash-safely
// and exactly once, in order. Grounded in shape on the teacher's
// internal/coordinator.HealthMonitor (a background goroutine driven by
// explicit state, guarded by a mutex, kicked by external events) but the
// state machine itself and its on-disk record are new: nothing in the
// teacher repo persists a resumable per-peer cursor.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/capdict"
)

// ClassTag is the CapDict class tag every Relay is persisted under.
const ClassTag = "Relay"

// State is one of the three stages of spec §4.3's state machine.
type State string

const (
	StateListing     State = "LISTING"
	StateCopying     State = "COPYING"
	StateReplicating State = "REPLICATING"
)

// Source is the subset of a DataShard's log and data type a Relay needs:
// log access for streaming, and the list/dump hooks for cold catch-up
// (spec §4.4's list()/dump() data-type hooks).
type Source interface {
	End() int64
	Get(seq int64) ([]byte, error)
	List() ([]string, error)
	// Dump returns the sequence number the snapshot was taken at, plus a
	// sequence of update payloads that bring a freshly-initialized peer's
	// copy of path to that snapshot's state (spec §4.3 COPYING).
	Dump(path string) (int64, [][]byte, error)
}

// Peer is the remote side of one relay's delivery, split into the two
// shapes spec §4.3 distinguishes: Replicate carries a log entry's
// sequence number so the peer can mirror it at the same position in its
// own log; SnapshotUpdate carries a COPYING-phase replay of current state
// that must NOT be treated as new history (spec §4.3: "these do not
// advance pos... not new history").
type Peer interface {
	Replicate(ctx context.Context, seq int64, payload []byte) error
	SnapshotUpdate(ctx context.Context, payload []byte) error
}

// Env bundles the resources every Relay for one shard's peer set shares:
// its source, a way to dial a peer by address, the shared on-disk listing
// file and the mutex serializing writes to it (multiple relays reading
// the same deterministic listing is safe; concurrent writers are not).
type Env struct {
	Source  Source
	Dial    func(addr string) (Peer, error)
	ListDir string // directory containing this shard's DATALIST file
	ListMu  *sync.Mutex
	Log     *zap.SugaredLogger
	Metrics *Metrics
}

// Metrics are the optional Prometheus counters for relay state
// transitions (spec's module map: "Counters for ... relay transitions").
type Metrics struct {
	Transitions *prometheus.CounterVec
}

// NewMetrics registers and returns relay transition counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_state_transitions_total",
			Help: "Relay state machine transitions, by resulting state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions)
	}
	return m
}

func listFilePath(dir string) string { return dir + "/DATALIST" }

// Relay is the live, in-memory state of one peer's replication state
// machine. Exported field access is not safe for concurrent use; all
// mutation goes through the methods below, which hold mu.
type Relay struct {
	mu sync.Mutex

	addr string
	env  *Env
	save capdict.SaveFunc

	state   State
	pos     *int64
	copyPos *int64

	active      bool
	listStarted bool
}

// New creates a fresh Relay targeting addr. If sync is true it starts in
// LISTING (pos computed lazily on first Start); otherwise it starts in
// REPLICATING at the source's current end (spec §4.4 add_peer: "sync=true
// creates the relay in LISTING; sync=false in REPLICATING starting at the
// current end").
func New(addr string, env *Env, save capdict.SaveFunc, sync bool) *Relay {
	r := &Relay{addr: addr, env: env, save: save}
	if sync {
		r.state = StateListing
	} else {
		end := env.Source.End()
		r.state = StateReplicating
		r.pos = &end
	}
	return r
}

// Factory reconstructs a Relay from its persisted fields; bind via
// capdict.Register(relay.ClassTag, relay.Factory(env)).
func Factory(env *Env) capdict.Factory {
	return func(_ any, key string, fields capdict.Fields, save capdict.SaveFunc) (any, error) {
		r := &Relay{addr: key, env: env, save: save}
		if s, ok := fields["state"].(string); ok {
			r.state = State(s)
		}
		r.pos = numField(fields["pos"])
		r.copyPos = numField(fields["copy_pos"])
		return r, nil
	}
}

func numField(v any) *int64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}

// ClassTag implements capdict.Serializable.
func (r *Relay) ClassTag() string { return ClassTag }

// Fields implements capdict.Serializable, returning a snapshot of the
// persisted record of spec §3 ("Relay record").
func (r *Relay) Fields() capdict.Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fieldsLocked()
}

func (r *Relay) fieldsLocked() capdict.Fields {
	f := capdict.Fields{"addr": r.addr, "state": string(r.state)}
	if r.pos != nil {
		f["pos"] = *r.pos
	} else {
		f["pos"] = nil
	}
	if r.copyPos != nil {
		f["copy_pos"] = *r.copyPos
	} else {
		f["copy_pos"] = nil
	}
	return f
}

// Addr returns the peer address this relay replicates to.
func (r *Relay) Addr() string { return r.addr }

// Snapshot returns the relay's current state and position, for
// diagnostics and tests (spec §8 "Relay state-machine law").
func (r *Relay) Snapshot() (state State, pos int64, copyPos int64, copying bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos != nil {
		pos = *r.pos
	}
	if r.copyPos != nil {
		copyPos = *r.copyPos
		copying = true
	}
	return r.state, pos, copyPos, copying
}

func (r *Relay) persist() {
	if err := r.save(r.Fields()); err != nil {
		r.env.Log.Errorw("relay: persist failed", "addr", r.addr, "error", err)
	}
}

func (r *Relay) transition(to State) {
	r.mu.Lock()
	r.state = to
	r.mu.Unlock()
	if r.env.Metrics != nil {
		r.env.Metrics.Transitions.WithLabelValues(string(to)).Inc()
	}
	r.persist()
}

// Start kicks the relay into making progress, idempotently: a Start on an
// already-active relay is a cheap no-op (spec §4.3: "start() is idempotent
// and cheap; called on every source append, on process activation, and on
// peer-came-online notifications").
func (r *Relay) Start() {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return
	}
	r.active = true
	r.mu.Unlock()
	go r.drive()
}

func (r *Relay) clearActive() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// drive runs the state machine forward until it either catches up (goes
// idle, waiting for the next Start) or hits a peer error (stops until the
// next Start retries from the same position, per spec §4.3: "the next
// start() retries from the same pos. No position advance occurs until an
// explicit ack").
func (r *Relay) drive() {
	defer r.clearActive()

	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()

		var progressed bool
		var err error

		switch state {
		case StateListing:
			r.ensureListingStarted()
			progressed, err = r.replicateStep()
		case StateCopying:
			progressed, err = r.copyStep()
		case StateReplicating:
			progressed, err = r.replicateStep()
		default:
			return
		}

		if err != nil {
			r.env.Log.Warnw("relay: peer error, stopping until next kick", "addr", r.addr, "error", err)
			return
		}
		if !progressed {
			return
		}
	}
}

// replicateStep ships exactly one pending log entry (if any) to the peer
// and advances pos on ack. Used both during REPLICATING and, concurrently
// with the listing task, during LISTING.
func (r *Relay) replicateStep() (bool, error) {
	r.mu.Lock()
	var pos int64
	if r.pos != nil {
		pos = *r.pos
	}
	r.mu.Unlock()

	if pos >= r.env.Source.End() {
		return false, nil
	}

	payload, err := r.env.Source.Get(pos)
	if err != nil {
		// A gap in the log: there is nothing to ship at this sequence,
		// so skip it without contacting the peer (spec §3 invariant 4:
		// "gaps are permitted").
		r.advancePos(pos + 1)
		return true, nil
	}

	peer, err := r.env.Dial(r.addr)
	if err != nil {
		return false, err
	}
	if err := peer.Replicate(context.Background(), pos, payload); err != nil {
		return false, err
	}
	r.advancePos(pos + 1)
	return true, nil
}

func (r *Relay) advancePos(next int64) {
	r.mu.Lock()
	r.pos = &next
	r.mu.Unlock()
	r.persist()
}

// ensureListingStarted spawns the background listing task exactly once
// per LISTING entry.
func (r *Relay) ensureListingStarted() {
	r.mu.Lock()
	if r.listStarted {
		r.mu.Unlock()
		return
	}
	r.listStarted = true
	if r.pos == nil {
		end := r.env.Source.End()
		r.pos = &end
	}
	r.mu.Unlock()
	r.persist()
	go r.runListing()
}

// runListing writes every key currently in the source to DATALIST, then
// transitions to COPYING. Idempotent: a crash mid-listing simply restarts
// this from scratch on the next LISTING entry (spec §4.3).
func (r *Relay) runListing() {
	keys, err := r.env.Source.List()
	if err != nil {
		r.env.Log.Errorw("relay: listing source failed", "addr", r.addr, "error", err)
		r.mu.Lock()
		r.listStarted = false
		r.mu.Unlock()
		return
	}

	r.env.ListMu.Lock()
	werr := writeListFile(listFilePath(r.env.ListDir), keys)
	r.env.ListMu.Unlock()
	if werr != nil {
		r.env.Log.Errorw("relay: writing DATALIST failed", "addr", r.addr, "error", werr)
		r.mu.Lock()
		r.listStarted = false
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	if r.state != StateListing {
		r.mu.Unlock()
		return
	}
	r.state = StateCopying
	zero := int64(0)
	r.copyPos = &zero
	r.mu.Unlock()
	if r.env.Metrics != nil {
		r.env.Metrics.Transitions.WithLabelValues(string(StateCopying)).Inc()
	}
	r.persist()
	r.Start()
}

// copyStep processes the next listed path: flushes log entries that
// predate its snapshot, emits the snapshot itself, then advances
// copy_pos. Transitions to REPLICATING once every path is done.
func (r *Relay) copyStep() (bool, error) {
	r.env.ListMu.Lock()
	paths, err := readListFile(listFilePath(r.env.ListDir))
	r.env.ListMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("relay: reading DATALIST: %w", err)
	}

	r.mu.Lock()
	var cp int64
	if r.copyPos != nil {
		cp = *r.copyPos
	}
	r.mu.Unlock()

	if cp >= int64(len(paths)) {
		r.finishCopying()
		return true, nil
	}

	path := paths[cp]
	snapshotSeq, updates, err := r.env.Source.Dump(path)
	if err != nil {
		return false, err
	}

	peer, err := r.env.Dial(r.addr)
	if err != nil {
		return false, err
	}

	for {
		r.mu.Lock()
		var pos int64
		if r.pos != nil {
			pos = *r.pos
		}
		r.mu.Unlock()
		if pos >= snapshotSeq {
			break
		}
		payload, gerr := r.env.Source.Get(pos)
		if gerr != nil {
			r.advancePos(pos + 1)
			continue
		}
		if err := peer.Replicate(context.Background(), pos, payload); err != nil {
			return false, err
		}
		r.advancePos(pos + 1)
	}

	for _, u := range updates {
		if err := peer.SnapshotUpdate(context.Background(), u); err != nil {
			return false, err
		}
	}

	r.mu.Lock()
	next := cp + 1
	r.copyPos = &next
	r.mu.Unlock()
	r.persist()
	return true, nil
}

func (r *Relay) finishCopying() {
	r.mu.Lock()
	r.state = StateReplicating
	r.copyPos = nil
	r.mu.Unlock()
	os.Remove(listFilePath(r.env.ListDir))
	if r.env.Metrics != nil {
		r.env.Metrics.Transitions.WithLabelValues(string(StateReplicating)).Inc()
	}
	r.persist()
}

func writeListFile(path string, keys []string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, k := range keys {
		if _, err := w.WriteString(k); err != nil {
			f.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readListFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	dec := bufio.NewScanner(bytes.NewReader(data))
	for dec.Scan() {
		lines = append(lines, dec.Text())
	}
	return lines, dec.Err()
}
