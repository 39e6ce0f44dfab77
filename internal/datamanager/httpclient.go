package datamanager

import (
	"context"

	"github.com/dreamware/torua-repl/internal/cluster"
)

// NodeHTTPClient is the HTTP-backed NodeClient a DataManager process dials
// to drive the DataNode replicas it manages, against the wire contract of
// internal/datanode's handler.
type NodeHTTPClient struct {
	// URL resolves a replica's Addr to a dialable base URL.
	URL func(cluster.Addr) (string, error)
}

func (c *NodeHTTPClient) url(addr cluster.Addr) (string, error) {
	url, err := c.URL(addr)
	if err != nil {
		return "", &cluster.ErrNoEndpoint{Addr: string(addr)}
	}
	return url, nil
}

// Priority calls addr's /priority for the all-keys shard, its only shard
// membership prior to being assigned any others (spec §9 Open Question 1),
// used by DataManager.RemoveReplica to refuse removing a current master and
// by electMaster's parallel poll.
func (c *NodeHTTPClient) Priority(ctx context.Context, addr cluster.Addr) (cluster.Priority, error) {
	url, err := c.url(addr)
	if err != nil {
		return nil, err
	}
	var resp cluster.PriorityResponse
	if err := cluster.GetJSON(ctx, url+"/priority", &resp); err != nil {
		return nil, err
	}
	return resp.Priority, nil
}

// AddShard calls addr's /add_shard.
func (c *NodeHTTPClient) AddShard(ctx context.Context, addr cluster.Addr, shard cluster.ShardID) error {
	url, err := c.url(addr)
	if err != nil {
		return err
	}
	return cluster.PostJSON(ctx, url+"/add_shard", cluster.AddShardRequest{Shard: shard}, nil)
}

// RemoveData calls addr's /remove_data.
func (c *NodeHTTPClient) RemoveData(ctx context.Context, addr cluster.Addr, shard cluster.ShardID) error {
	url, err := c.url(addr)
	if err != nil {
		return err
	}
	return cluster.PostJSON(ctx, url+"/remove_data", cluster.RemoveDataRequest{Shard: shard}, nil)
}

// AddPeer calls addr's /add_peer.
func (c *NodeHTTPClient) AddPeer(ctx context.Context, addr cluster.Addr, shard cluster.ShardID, peer cluster.Addr, sync bool) error {
	url, err := c.url(addr)
	if err != nil {
		return err
	}
	req := cluster.AddPeerRequest{Shard: shard, Addr: peer, Sync: sync}
	return cluster.PostJSON(ctx, url+"/add_peer", req, nil)
}

// RemovePeer calls addr's /remove_peer.
func (c *NodeHTTPClient) RemovePeer(ctx context.Context, addr cluster.Addr, shard cluster.ShardID, peer cluster.Addr) error {
	url, err := c.url(addr)
	if err != nil {
		return err
	}
	req := cluster.RemovePeerRequest{Shard: shard, Addr: peer}
	return cluster.PostJSON(ctx, url+"/remove_peer", req, nil)
}
