package datamanager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/election"
)

var errUnreachable = errors.New("datamanager_test: unreachable")

// fakeNodeClient is a minimal NodeClient stub: every call is recorded, and
// each addr's priority and per-call errors are test-installed.
type fakeNodeClient struct {
	mu sync.Mutex

	priorities  map[cluster.Addr]cluster.Priority
	priorityErr map[cluster.Addr]error

	addShard     []cluster.ShardID
	addShardOnto []cluster.Addr
	removeData   []cluster.Addr
	addPeer      []string
	syncPeer     []string // the subset of addPeer edges added with sync=true
	removePeer   []string

	addPeerErr map[cluster.Addr]error
}

func newFakeNodeClient() *fakeNodeClient {
	return &fakeNodeClient{
		priorities:  map[cluster.Addr]cluster.Priority{},
		priorityErr: map[cluster.Addr]error{},
		addPeerErr:  map[cluster.Addr]error{},
	}
}

func (c *fakeNodeClient) Priority(ctx context.Context, addr cluster.Addr) (cluster.Priority, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.priorityErr[addr]; err != nil {
		return nil, err
	}
	return c.priorities[addr], nil
}

func (c *fakeNodeClient) AddShard(ctx context.Context, addr cluster.Addr, shard cluster.ShardID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addShard = append(c.addShard, shard)
	c.addShardOnto = append(c.addShardOnto, addr)
	return nil
}

func (c *fakeNodeClient) RemoveData(ctx context.Context, addr cluster.Addr, shard cluster.ShardID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeData = append(c.removeData, addr)
	return nil
}

func (c *fakeNodeClient) AddPeer(ctx context.Context, addr cluster.Addr, shard cluster.ShardID, peer cluster.Addr, sync bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.addPeerErr[addr]; err != nil {
		return err
	}
	c.addPeer = append(c.addPeer, string(addr)+"<-"+string(peer))
	if sync {
		c.syncPeer = append(c.syncPeer, string(addr)+"<-"+string(peer))
	}
	return nil
}

func (c *fakeNodeClient) RemovePeer(ctx context.Context, addr cluster.Addr, shard cluster.ShardID, peer cluster.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removePeer = append(c.removePeer, string(addr)+"<-"+string(peer))
	return nil
}

// soloMembers produces a Members callback for a Manager that is always its
// own entire election group, so AssertMaster self-promotes immediately.
func soloMembers(self cluster.Addr, state func(context.Context) (cluster.Priority, error)) func() []election.Member {
	return func() []election.Member {
		return []election.Member{{Addr: self, State: state}}
	}
}

func newSoloManager(t *testing.T, client NodeClient) *Manager {
	t.Helper()
	var mgr *Manager
	mgr = New(Config{
		Client:   client,
		Self:     "mgr@n",
		Priority: cluster.Priority{0, 0, 1},
		Members:  soloMembers("mgr@n", func(context.Context) (cluster.Priority, error) { return mgr.State(), nil }),
	})
	return mgr
}

func TestRegisterBootstrapsAllKeysShard(t *testing.T) {
	client := newFakeNodeClient()
	mgr := newSoloManager(t, client)

	require.NoError(t, mgr.Register(context.Background(), "a@n"))
	require.Equal(t, []cluster.ShardID{""}, client.addShard)

	masters, err := mgr.GetMasters(context.Background())
	require.NoError(t, err)
	require.Equal(t, cluster.Addr("a@n"), masters[""])
}

func TestRegisterSecondReplicaLinksAsPeer(t *testing.T) {
	client := newFakeNodeClient()
	client.priorities["a@n"] = cluster.Priority{1, 0, 1}
	mgr := newSoloManager(t, client)

	require.NoError(t, mgr.Register(context.Background(), "a@n"))
	require.NoError(t, mgr.Register(context.Background(), "b@n"))

	require.Contains(t, client.addPeer, "a@n<-b@n")
	require.Contains(t, client.addPeer, "b@n<-a@n")
}

func TestAddReplicaSyncsOnlyFromCurrentMaster(t *testing.T) {
	client := newFakeNodeClient()
	client.priorities["a@n"] = cluster.Priority{1, 0, 5}
	client.priorities["b@n"] = cluster.Priority{0, 0, 3}
	mgr := newSoloManager(t, client)

	require.NoError(t, mgr.Register(context.Background(), "a@n"))
	require.NoError(t, mgr.AddReplica(context.Background(), "", "b@n"))
	require.NoError(t, mgr.AddReplica(context.Background(), "", "c@n"))

	require.Contains(t, client.addPeer, "a@n<-c@n")
	require.Contains(t, client.syncPeer, "a@n<-c@n")
	require.NotContains(t, client.syncPeer, "b@n<-c@n")
}

func TestAddReplicaHostsShardOnJoiningReplica(t *testing.T) {
	client := newFakeNodeClient()
	client.priorities["a@n"] = cluster.Priority{1, 0, 1}
	mgr := newSoloManager(t, client)

	require.NoError(t, mgr.Register(context.Background(), "a@n"))
	require.NoError(t, mgr.Register(context.Background(), "b@n"))

	require.Contains(t, client.addShardOnto, cluster.Addr("b@n"))
}

func TestRemoveReplicaRefusesToRemoveMaster(t *testing.T) {
	client := newFakeNodeClient()
	client.priorities["a@n"] = cluster.Priority{1, 0, 1}
	mgr := newSoloManager(t, client)

	require.NoError(t, mgr.Register(context.Background(), "a@n"))

	err := mgr.RemoveReplica(context.Background(), "", "a@n")
	require.Error(t, err)
	require.Empty(t, client.removeData)
}

func TestRemoveReplicaWipesDataAndUnlinksPeers(t *testing.T) {
	client := newFakeNodeClient()
	client.priorities["a@n"] = cluster.Priority{1, 0, 1}
	client.priorities["b@n"] = cluster.Priority{0, 0, 1}
	mgr := newSoloManager(t, client)

	require.NoError(t, mgr.Register(context.Background(), "a@n"))
	require.NoError(t, mgr.Register(context.Background(), "b@n"))

	require.NoError(t, mgr.RemoveReplica(context.Background(), "", "b@n"))
	require.Contains(t, client.removeData, cluster.Addr("b@n"))
	require.Contains(t, client.removePeer, "a@n<-b@n")
	require.Contains(t, client.removePeer, "b@n<-a@n")

	masters, err := mgr.GetMasters(context.Background())
	require.NoError(t, err)
	require.Equal(t, cluster.Addr("a@n"), masters[""])
}

func TestGetMastersOmitsUnreachableShard(t *testing.T) {
	client := newFakeNodeClient()
	client.priorities["a@n"] = cluster.Priority{1, 0, 1}
	mgr := newSoloManager(t, client)
	require.NoError(t, mgr.Register(context.Background(), "a@n"))

	client.priorityErr["a@n"] = errUnreachable

	masters, err := mgr.GetMasters(context.Background())
	require.NoError(t, err)
	require.NotContains(t, masters, cluster.ShardID(""))
}

func TestMutatingCallsFailWhenNotMaster(t *testing.T) {
	client := newFakeNodeClient()
	mgr := New(Config{
		Client:   client,
		Self:     "mgr@n",
		Priority: cluster.Priority{0, 0, 1},
		Members: func() []election.Member {
			return []election.Member{
				{Addr: "mgr@n", State: func(context.Context) (cluster.Priority, error) { return cluster.Priority{0, 0, 1}, nil }},
				{Addr: "other@n", State: func(context.Context) (cluster.Priority, error) { return cluster.Priority{0, 0, 9}, nil }},
			}
		},
	})

	err := mgr.Register(context.Background(), "a@n")
	require.Error(t, err)
	var notMaster *cluster.ErrNotMaster
	require.ErrorAs(t, err, &notMaster)
}
