package datanode

import (
	"context"
	"fmt"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/relay"
)

// ManagerHTTPClient is the HTTP-backed ManagerClient a DataNode process
// dials to reach its DataManager group: register() and get_masters() over
// the wire contract of internal/datamanager's handler.
type ManagerHTTPClient struct {
	// URL resolves the DataManager group to a dialable base URL. The
	// manager is itself a master-elected replica group; URL may point at
	// any member, since a non-master answers register/add_replica with
	// ErrNotMaster (handled by the caller the same way any routing error
	// is, per spec §4.6 mcall).
	URL func() (string, error)
}

func (c *ManagerHTTPClient) baseURL() (string, error) {
	url, err := c.URL()
	if err != nil {
		return "", &cluster.ErrNoEndpoint{Addr: "datamanager"}
	}
	return url, nil
}

// Register calls the DataManager's register(addr).
func (c *ManagerHTTPClient) Register(ctx context.Context, addr cluster.Addr) error {
	url, err := c.baseURL()
	if err != nil {
		return err
	}
	return cluster.PostJSON(ctx, url+"/register", cluster.RegisterRequest{Addr: addr}, nil)
}

// GetMasters calls the DataManager's get_masters().
func (c *ManagerHTTPClient) GetMasters(ctx context.Context) (cluster.MasterMap, error) {
	url, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	var resp cluster.MastersResponse
	if err := cluster.GetJSON(ctx, url+"/masters", &resp); err != nil {
		return nil, err
	}
	return resp.Masters, nil
}

// httpPeer is the HTTP-backed relay.Peer a shard's RepLog dials to reach
// one replication peer's /update endpoint.
type httpPeer struct {
	url string
}

// NewHTTPPeer builds a relay.Peer that delivers to the DataNode reachable
// at url (the resolved base URL of a peer Addr). Wired as DataNode's
// Config.Dial via NewPeerDialer below.
func NewHTTPPeer(url string) relay.Peer { return &httpPeer{url: url} }

func (p *httpPeer) Replicate(ctx context.Context, seq int64, payload []byte) error {
	req := cluster.UpdateRequest{Seq: &seq, Payload: payload}
	return cluster.PostJSON(ctx, p.url+"/update", req, nil)
}

func (p *httpPeer) SnapshotUpdate(ctx context.Context, payload []byte) error {
	req := cluster.UpdateRequest{Payload: payload}
	return cluster.PostJSON(ctx, p.url+"/update", req, nil)
}

// NewPeerDialer adapts env's Addr->URL resolver into the
// func(string) (relay.Peer, error) shape datashard.Config.Dial expects.
func NewPeerDialer(urlFor func(cluster.Addr) (string, error)) func(addr string) (relay.Peer, error) {
	return func(addr string) (relay.Peer, error) {
		url, err := urlFor(cluster.Addr(addr))
		if err != nil {
			return nil, fmt.Errorf("datanode: dialing peer %s: %w", addr, err)
		}
		return NewHTTPPeer(url), nil
	}
}

// httpNotifier is the HTTP-backed antenna.Notifier used to broadcast this
// replica's online notice to its groupmates on activation (spec §4.9).
type httpNotifier struct {
	urlFor func(cluster.Addr) (string, error)
}

// NewNotifier builds an antenna.Notifier that POSTs to each peer's
// /antenna/online endpoint.
func NewNotifier(urlFor func(cluster.Addr) (string, error)) *httpNotifier {
	return &httpNotifier{urlFor: urlFor}
}

func (n *httpNotifier) NotifyOnline(ctx context.Context, peer, self cluster.Addr) error {
	url, err := n.urlFor(peer)
	if err != nil {
		return &cluster.ErrNoEndpoint{Addr: string(peer)}
	}
	return cluster.PostJSON(ctx, url+"/antenna/online", cluster.OnlineNotice{Addr: self}, nil)
}
