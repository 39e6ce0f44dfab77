// Package dataclient implements DataClient of spec §4.8: the client-side
// entry point that resolves a key to its owning shard, discovers the
// shard's current master by polling known replicas' published state, and
// retries exactly once on a stale-master or dead-endpoint response.
// Grounded on election.MCall's cache-then-retry-once shape, applied here
// to a client rather than a fellow replica.
package dataclient

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-repl/internal/cluster"
)

// Config bundles Client.New's dependencies.
type Config struct {
	// Dial resolves a replica Addr to a dialable base URL.
	Dial func(cluster.Addr) (string, error)

	// Seeds are the replica addresses the client starts from before its
	// first refresh. At least one must be reachable.
	Seeds []cluster.Addr

	Log *zap.SugaredLogger
}

// Client is DataClient: it holds a growing set of known replica
// addresses, discovered by querying get_state(), and a cache of the
// shard -> master mapping derived from which polled replica currently
// reports the greatest priority vector for each shard (spec §4.8).
type Client struct {
	dial func(cluster.Addr) (string, error)
	log  *zap.SugaredLogger

	mu      sync.Mutex
	known   map[cluster.Addr]struct{}
	masters cluster.MasterMap
}

// New creates a Client seeded with cfg.Seeds. No network call is made
// until the first operation.
func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	known := make(map[cluster.Addr]struct{}, len(cfg.Seeds))
	for _, a := range cfg.Seeds {
		known[a] = struct{}{}
	}
	return &Client{
		dial:    cfg.Dial,
		log:     cfg.Log,
		known:   known,
		masters: cluster.MasterMap{},
	}
}

// ShardFor resolves key to one of the shards this client currently knows
// about (spec §4.8 shard_for), refreshing once if no known shard matches
// the key (as on first use, when the shard set is empty).
func (c *Client) ShardFor(ctx context.Context, key string) (cluster.ShardID, error) {
	sid, ok := c.shardForLocked(key)
	if ok {
		return sid, nil
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	sid, ok = c.shardForLocked(key)
	if !ok {
		return "", &cluster.ErrNoShard{Path: key}
	}
	return sid, nil
}

func (c *Client) shardForLocked(key string) (cluster.ShardID, bool) {
	c.mu.Lock()
	known := make([]cluster.ShardID, 0, len(c.masters))
	for sid := range c.masters {
		known = append(known, sid)
	}
	c.mu.Unlock()
	return cluster.ShardFor(key, known)
}

// refresh re-queries every known replica's get_state() in parallel,
// merging discovered replica addresses (so a cold-joined replica becomes
// known the first time any existing replica reports it as a peer) and
// rebuilding the shard -> master cache from, per shard, whichever polled
// replica reports the lexicographically-greatest priority vector (spec
// §4.8: "re-query all replicas for their shard map ... rebuild the
// shard/master cache"; spec §4.6 find_master picks the maximal vector
// rather than requiring someone already self-promoted, matching the
// original's _chooseMaster: on a freshly-bootstrapped cluster no replica
// has self-promoted yet, so gating on priority[0]==1 alone would leave
// the cache empty forever).
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	addrs := make([]cluster.Addr, 0, len(c.known))
	for a := range c.known {
		addrs = append(addrs, a)
	}
	c.mu.Unlock()

	if len(addrs) == 0 {
		return &cluster.ErrNoEndpoint{Addr: "dataclient: no known replicas"}
	}

	var mu sync.Mutex
	seen := make(map[cluster.Addr]struct{})
	candidates := make(map[cluster.ShardID]map[cluster.Addr]cluster.Priority)
	reached := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range addrs {
		a := a
		g.Go(func() error {
			url, err := c.dial(a)
			if err != nil {
				return nil // unreachable replica: skip, not fatal to refresh
			}
			var resp cluster.StateResponse
			if err := cluster.GetJSON(gctx, url+"/state", &resp); err != nil {
				c.log.Debugw("dataclient: state query failed", "addr", a, "err", err)
				return nil
			}
			mu.Lock()
			reached++
			for sid, st := range resp.Shards {
				for _, r := range st.Replicas {
					seen[r] = struct{}{}
				}
				if candidates[sid] == nil {
					candidates[sid] = make(map[cluster.Addr]cluster.Priority)
				}
				candidates[sid][a] = cluster.Priority(st.Priority)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // individual failures are swallowed above; g never returns an error

	if reached == 0 {
		return &cluster.ErrNoEndpoint{Addr: "dataclient: no reachable replicas"}
	}

	masters := make(cluster.MasterMap, len(candidates))
	for sid, byAddr := range candidates {
		addrs := make([]cluster.Addr, 0, len(byAddr))
		priorities := make([]cluster.Priority, 0, len(byAddr))
		for a, p := range byAddr {
			addrs = append(addrs, a)
			priorities = append(priorities, p)
		}
		_, best := cluster.Max(priorities)
		masters[sid] = addrs[best]
	}

	c.mu.Lock()
	for a := range seen {
		c.known[a] = struct{}{}
	}
	if len(masters) > 0 {
		c.masters = masters
	}
	c.mu.Unlock()
	return nil
}

// callByShard resolves sid's master and invokes fn against its base URL.
// On a routing error it refreshes once and retries exactly once (spec
// §4.8 call/call_by_shard).
func (c *Client) callByShard(ctx context.Context, sid cluster.ShardID, fn func(ctx context.Context, url string) error) error {
	addr, err := c.masterFor(ctx, sid)
	if err != nil {
		return err
	}
	url, err := c.dial(addr)
	if err != nil {
		return &cluster.ErrNoEndpoint{Addr: string(addr)}
	}

	err = fn(ctx, url)
	if err == nil {
		return nil
	}
	if !cluster.IsRoutingError(err) {
		return err
	}

	if err := c.refresh(ctx); err != nil {
		return err
	}
	addr, err = c.masterFor(ctx, sid)
	if err != nil {
		return err
	}
	url, err = c.dial(addr)
	if err != nil {
		return &cluster.ErrNoEndpoint{Addr: string(addr)}
	}
	return fn(ctx, url)
}

func (c *Client) masterFor(ctx context.Context, sid cluster.ShardID) (cluster.Addr, error) {
	c.mu.Lock()
	addr, ok := c.masters[sid]
	c.mu.Unlock()
	if ok {
		return addr, nil
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	addr, ok = c.masters[sid]
	c.mu.Unlock()
	if !ok {
		return "", &cluster.ErrNoShard{Shard: string(sid)}
	}
	return addr, nil
}

// Call invokes method against key's owning shard's current master (spec
// §4.8 call).
func (c *Client) Call(ctx context.Context, key string, fn func(ctx context.Context, sid cluster.ShardID, url string) error) error {
	sid, err := c.ShardFor(ctx, key)
	if err != nil {
		return err
	}
	return c.CallByShard(ctx, sid, fn)
}

// CallByShard invokes fn against sid's current master, skipping the
// hash-to-shard step (spec §4.8 call_by_shard).
func (c *Client) CallByShard(ctx context.Context, sid cluster.ShardID, fn func(ctx context.Context, sid cluster.ShardID, url string) error) error {
	return c.callByShard(ctx, sid, func(ctx context.Context, url string) error {
		return fn(ctx, sid, url)
	})
}

// Write stores data at key, returning the log sequence it committed at.
func (c *Client) Write(ctx context.Context, key string, data []byte) (int64, error) {
	var resp cluster.WriteResponse
	err := c.Call(ctx, key, func(ctx context.Context, sid cluster.ShardID, url string) error {
		req := cluster.WriteRequest{Shard: sid, Key: key, Data: data}
		return cluster.PostJSON(ctx, url+"/data/write", req, &resp)
	})
	return resp.Seq, err
}

// Read returns key's bytes.
func (c *Client) Read(ctx context.Context, key string) ([]byte, error) {
	var resp cluster.ReadResponse
	err := c.Call(ctx, key, func(ctx context.Context, sid cluster.ShardID, url string) error {
		req := cluster.ReadRequest{Shard: sid, Key: key}
		return cluster.PostJSON(ctx, url+"/data/read", req, &resp)
	})
	return resp.Data, err
}

// Remove deletes key, returning the log sequence the delete committed at.
func (c *Client) Remove(ctx context.Context, key string) (int64, error) {
	var resp cluster.RemoveResponse
	err := c.Call(ctx, key, func(ctx context.Context, sid cluster.ShardID, url string) error {
		req := cluster.RemoveRequest{Shard: sid, Key: key}
		return cluster.PostJSON(ctx, url+"/data/remove", req, &resp)
	})
	return resp.Seq, err
}

// List returns every key stored in shard sid, per spec's surfaced
// list(shard) method.
func (c *Client) List(ctx context.Context, sid cluster.ShardID) ([]string, error) {
	var resp cluster.ListResponse
	err := c.CallByShard(ctx, sid, func(ctx context.Context, sid cluster.ShardID, url string) error {
		req := cluster.ListRequest{Shard: sid}
		return cluster.PostJSON(ctx, url+"/data/list", req, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("dataclient: list %q: %w", sid, err)
	}
	return resp.Keys, nil
}
