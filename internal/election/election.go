// Package election implements MasterOrSlave / find_master / mcall of spec
// §4.6: priority-vector election within a replica group and the routing
// helper that caches a discovered master and retries once on staleness.
// Grounded on the teacher's internal/coordinator.HealthMonitor, which
// polls every known node in parallel under a mutex-guarded map; here the
// poll result feeds an election instead of a health status.
package election

import (
	"context"
	"sync"

	"github.com/dreamware/torua-repl/internal/cluster"
)

// Member is one queryable replica of a group: its address and a way to
// fetch its current priority vector over the wire.
type Member struct {
	Addr  cluster.Addr
	State func(ctx context.Context) (cluster.Priority, error)
}

// result pairs one member's query outcome for the parallel fan-out below.
type result struct {
	addr     cluster.Addr
	priority cluster.Priority
	err      error
}

// Elector holds one replica's own priority vector and knows how to poll
// its groupmates to decide who is master (spec §4.6 MasterOrSlave).
type Elector struct {
	mu       sync.Mutex
	self     cluster.Addr
	priority cluster.Priority
	members  func() []Member
}

// New creates an Elector for self, seeded with priority (conventionally
// [is_master?1:0, used_before?1:0, random_tiebreaker] per spec §3).
// members returns the current group membership, including self, each
// time it's called, so group changes are picked up on the next election.
func New(self cluster.Addr, priority cluster.Priority, members func() []Member) *Elector {
	return &Elector{self: self, priority: priority, members: members}
}

// State returns this replica's current priority vector (spec's
// master_state()).
func (e *Elector) State() cluster.Priority {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(cluster.Priority(nil), e.priority...)
}

// IsMaster reports whether this replica currently believes itself master.
func (e *Elector) IsMaster() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.priority.IsMaster()
}

// Promote sets this replica's priority[0] to 1, self-electing. It is the
// caller's responsibility to persist the resulting vector if the
// concrete replica type requires that.
func (e *Elector) Promote() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.priority) == 0 {
		e.priority = cluster.Priority{1}
		return
	}
	e.priority[0] = 1
}

// Demote clears this replica's master flag, used when the group's
// persisted master map (DataManager.get_masters) names someone else.
func (e *Elector) Demote() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.priority) > 0 {
		e.priority[0] = 0
	}
}

// FindMaster queries every group member in parallel, drops the
// unreachable ones, and picks the lexicographically-highest priority
// vector (spec §4.6 find_master). If the winner already reports
// priority[0]==1 it is the confirmed master. Otherwise, if the winner is
// this replica, FindMaster self-promotes before returning; if the winner
// is a different replica, that replica is the master-elect and is
// expected to self-promote on its own next master-requiring call.
func (e *Elector) FindMaster(ctx context.Context) (cluster.Addr, cluster.Priority, error) {
	winnerAddr, winner, err := Poll(ctx, e.members())
	if err != nil {
		return "", nil, err
	}

	if winnerAddr == e.self && !winner.IsMaster() {
		e.Promote()
		winner = e.State()
	}

	return winnerAddr, winner, nil
}

// Poll queries every member in parallel, drops the unreachable ones, and
// returns the address and vector of whichever reports the
// lexicographically-highest priority (spec §4.6 find_master's dominance
// rule). Factored out of FindMaster so a non-member caller
// (DataManager.GetMasters, which elects on a shard's behalf without being
// a candidate itself) can reuse the same dominance logic without the
// self-promotion side effect.
func Poll(ctx context.Context, members []Member) (cluster.Addr, cluster.Priority, error) {
	if len(members) == 0 {
		return "", nil, &cluster.ErrNoEndpoint{Addr: "election: no members"}
	}

	results := make([]result, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m Member) {
			defer wg.Done()
			p, err := m.State(ctx)
			results[i] = result{addr: m.Addr, priority: p, err: err}
		}(i, m)
	}
	wg.Wait()

	var addrs []cluster.Addr
	var priorities []cluster.Priority
	for _, r := range results {
		if r.err != nil {
			continue
		}
		addrs = append(addrs, r.addr)
		priorities = append(priorities, r.priority)
	}
	if len(priorities) == 0 {
		return "", nil, &cluster.ErrNoEndpoint{Addr: "election: no reachable members"}
	}

	winner, idx := cluster.Max(priorities)
	return addrs[idx], winner, nil
}

// AssertMaster succeeds if this replica is already master; otherwise it
// runs an election, and fails with ErrNotMaster if the election still
// doesn't name this replica master (spec §4.6 assert_master).
func (e *Elector) AssertMaster(ctx context.Context) error {
	if e.IsMaster() {
		return nil
	}
	winner, _, err := e.FindMaster(ctx)
	if err != nil {
		return err
	}
	if winner != e.self {
		return &cluster.ErrNotMaster{Addr: string(e.self)}
	}
	return nil
}

// GroupCache caches one replica group's currently-believed master
// address, as an mcall routing helper attaches to its "group proxy"
// (spec §4.6: "cache the master proxy on the group proxy").
type GroupCache struct {
	mu     sync.Mutex
	master cluster.Addr
}

func (gc *GroupCache) get() cluster.Addr {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.master
}

func (gc *GroupCache) set(addr cluster.Addr) {
	gc.mu.Lock()
	gc.master = addr
	gc.mu.Unlock()
}

// Call is one master-targeted operation MCall performs against a
// resolved address.
type Call func(ctx context.Context, addr cluster.Addr) error

// MCall resolves gc's cached master (electing via e if there isn't one
// yet), performs call against it, and on a routing error (NotMaster,
// NoEndpoint, ...) re-elects exactly once and retries exactly once
// (spec §4.6 mcall).
func MCall(ctx context.Context, gc *GroupCache, e *Elector, call Call) error {
	addr := gc.get()
	if addr == "" {
		winner, _, err := e.FindMaster(ctx)
		if err != nil {
			return err
		}
		addr = winner
		gc.set(addr)
	}

	err := call(ctx, addr)
	if err == nil {
		return nil
	}
	if !cluster.IsRoutingError(err) {
		return err
	}

	winner, _, ferr := e.FindMaster(ctx)
	if ferr != nil {
		return ferr
	}
	gc.set(winner)
	return call(ctx, winner)
}
