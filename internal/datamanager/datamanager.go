// Package datamanager implements DataManager of spec §4.7: a
// master-elected control-plane servant that registers new data replicas,
// links/unlinks them as peers of a shard's existing membership, and
// publishes the current master-per-shard map DataNodes consult for
// routing. Generalized from the teacher's cmd/coordinator ShardRegistry /
// HealthMonitor trio: the bit-string shard model and the peer-linking
// protocol are new, but the RWMutex-guarded membership map and the
// parallel-poll-then-decide shape are the same idiom teacher's
// HealthMonitor uses to watch many nodes at once.
package datamanager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/election"
)

// NodeClient is the subset of the DataNode wire protocol DataManager
// drives on every replica it manages.
type NodeClient interface {
	Priority(ctx context.Context, addr cluster.Addr) (cluster.Priority, error)
	AddShard(ctx context.Context, addr cluster.Addr, shard cluster.ShardID) error
	RemoveData(ctx context.Context, addr cluster.Addr, shard cluster.ShardID) error
	AddPeer(ctx context.Context, addr cluster.Addr, shard cluster.ShardID, peer cluster.Addr, sync bool) error
	RemovePeer(ctx context.Context, addr cluster.Addr, shard cluster.ShardID, peer cluster.Addr) error
}

// Config bundles Manager.New's dependencies.
type Config struct {
	Client NodeClient
	Log    *zap.SugaredLogger

	// Self is this DataManager process's own address, and Members lists
	// the current DataManager replica group (including Self), used for
	// this servant's own master election; DataManager is itself a
	// replica group per spec §4.7.
	Self     cluster.Addr
	Priority cluster.Priority
	Members  func() []election.Member
}

// Manager is DataManager: shard membership bookkeeping plus the election
// that decides whether this process is allowed to mutate it.
type Manager struct {
	client NodeClient
	log    *zap.SugaredLogger
	elect  *election.Elector

	mu      sync.RWMutex
	members map[cluster.ShardID]map[cluster.Addr]struct{}
}

// New creates a Manager with empty shard membership.
func New(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Manager{
		client:  cfg.Client,
		log:     cfg.Log,
		elect:   election.New(cfg.Self, cfg.Priority, cfg.Members),
		members: make(map[cluster.ShardID]map[cluster.Addr]struct{}),
	}
}

// State returns this Manager process's own priority vector, for its peers
// to poll during their own election (spec §4.6 master_state, applied to
// the manager's own replica group).
func (m *Manager) State() cluster.Priority { return m.elect.State() }

// AssertMaster fails with ErrNotMaster unless this process is (or
// becomes, via election) master of the manager's own replica group.
// Register, AddReplica and RemoveReplica each call it before mutating
// anything.
func (m *Manager) AssertMaster(ctx context.Context) error {
	return m.elect.AssertMaster(ctx)
}

func (m *Manager) membersExcept(shard cluster.ShardID, except cluster.Addr) []cluster.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[shard]
	out := make([]cluster.Addr, 0, len(set))
	for a := range set {
		if a != except {
			out = append(out, a)
		}
	}
	return out
}

func (m *Manager) addMember(shard cluster.ShardID, addr cluster.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[shard] == nil {
		m.members[shard] = make(map[cluster.Addr]struct{})
	}
	m.members[shard][addr] = struct{}{}
}

func (m *Manager) removeMember(shard cluster.ShardID, addr cluster.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[shard], addr)
}

func (m *Manager) shardExists(shard cluster.ShardID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[shard]) > 0
}

// electMaster polls addrs' priorities in parallel and returns whichever
// reports the lexicographically-highest vector (spec §4.6 find_master,
// run here on the manager's behalf rather than a participant's).
func (m *Manager) electMaster(ctx context.Context, addrs []cluster.Addr) (cluster.Addr, error) {
	members := make([]election.Member, len(addrs))
	for i, a := range addrs {
		a := a
		members[i] = election.Member{
			Addr: a,
			State: func(ctx context.Context) (cluster.Priority, error) {
				return m.client.Priority(ctx, a)
			},
		}
	}
	winner, _, err := election.Poll(ctx, members)
	return winner, err
}

// Register records addr as a new data replica (spec §4.7 register). If
// the all-keys shard "" has never been allocated to anyone, addr is its
// sole founding member (bootstrap); otherwise addr is linked into shard
// ""'s existing membership via AddReplica, inheriting it only as a peer
// (spec §9 Open Question 1).
func (m *Manager) Register(ctx context.Context, addr cluster.Addr) error {
	if err := m.AssertMaster(ctx); err != nil {
		return err
	}

	const allKeys = cluster.ShardID("")
	if !m.shardExists(allKeys) {
		if err := m.client.AddShard(ctx, addr, allKeys); err != nil {
			return fmt.Errorf("datamanager: bootstrapping shard %q on %s: %w", allKeys, addr, err)
		}
		m.addMember(allKeys, addr)
		m.log.Infow("datamanager: bootstrapped all-keys shard", "addr", addr)
		return nil
	}
	return m.AddReplica(ctx, allKeys, addr)
}

// AddReplica links addr into shard's existing replica set: every current
// member a gets addr added as a peer, syncing from a iff a is the shard's
// current master; addr gets every current member added as a
// non-syncing peer, since initial data only flows from the master (spec
// §4.7 add_replica).
func (m *Manager) AddReplica(ctx context.Context, shard cluster.ShardID, addr cluster.Addr) error {
	if err := m.AssertMaster(ctx); err != nil {
		return err
	}

	existing := m.membersExcept(shard, addr)
	master := addr
	if len(existing) > 0 {
		var err error
		master, err = m.electMaster(ctx, existing)
		if err != nil {
			return fmt.Errorf("datamanager: electing master of shard %q: %w", shard, err)
		}
	}

	if err := m.client.AddShard(ctx, addr, shard); err != nil {
		return fmt.Errorf("datamanager: hosting shard %q on %s: %w", shard, addr, err)
	}

	for _, a := range existing {
		sync := a == master
		if err := m.client.AddPeer(ctx, a, shard, addr, sync); err != nil {
			m.log.Warnw("datamanager: add_peer on existing replica failed", "replica", a, "new_peer", addr, "err", err)
			continue
		}
		if err := m.client.AddPeer(ctx, addr, shard, a, false); err != nil {
			m.log.Warnw("datamanager: add_peer on new replica failed", "replica", addr, "new_peer", a, "err", err)
		}
	}

	m.addMember(shard, addr)
	return nil
}

// RemoveReplica refuses if addr is currently shard's master, tells addr
// to drop its data, and unlinks every bi-directional peer edge between
// addr and the shard's remaining membership (spec §4.7 remove_replica).
func (m *Manager) RemoveReplica(ctx context.Context, shard cluster.ShardID, addr cluster.Addr) error {
	if err := m.AssertMaster(ctx); err != nil {
		return err
	}

	priority, err := m.client.Priority(ctx, addr)
	if err != nil {
		return fmt.Errorf("datamanager: querying %s's priority: %w", addr, err)
	}
	if priority.IsMaster() {
		return fmt.Errorf("datamanager: refusing to remove %s: it is shard %q's master", addr, shard)
	}

	if err := m.client.RemoveData(ctx, addr, shard); err != nil {
		return fmt.Errorf("datamanager: removing data on %s: %w", addr, err)
	}

	for _, a := range m.membersExcept(shard, addr) {
		if err := m.client.RemovePeer(ctx, a, shard, addr); err != nil {
			m.log.Warnw("datamanager: remove_peer on remaining replica failed", "replica", a, "removed_peer", addr, "err", err)
		}
		if err := m.client.RemovePeer(ctx, addr, shard, a); err != nil {
			m.log.Warnw("datamanager: remove_peer on removed replica failed", "replica", addr, "removed_peer", a, "err", err)
		}
	}

	m.removeMember(shard, addr)
	return nil
}

// GetMasters recomputes, from a fresh poll of every managed shard's
// membership, the {shard -> master_addr} map DataNodes consult for
// routing (spec §4.7 get_masters). A shard whose members are all
// currently unreachable is omitted rather than reported stale.
func (m *Manager) GetMasters(ctx context.Context) (cluster.MasterMap, error) {
	m.mu.RLock()
	shards := make(map[cluster.ShardID][]cluster.Addr, len(m.members))
	for shard, set := range m.members {
		addrs := make([]cluster.Addr, 0, len(set))
		for a := range set {
			addrs = append(addrs, a)
		}
		shards[shard] = addrs
	}
	m.mu.RUnlock()

	out := make(cluster.MasterMap, len(shards))
	for shard, addrs := range shards {
		if len(addrs) == 0 {
			continue
		}
		master, err := m.electMaster(ctx, addrs)
		if err != nil {
			m.log.Warnw("datamanager: electing master for get_masters failed", "shard", shard, "err", err)
			continue
		}
		out[shard] = master
	}
	return out, nil
}
