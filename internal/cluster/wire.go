package cluster

// The types in this file are the JSON request/response shapes shared by
// DataNode and DataManager HTTP servants (spec §4.5, §4.7). They live here
// rather than in either servant's own package so both sides of a call can
// depend on the same wire contract without importing one another.

// RegisterRequest is DataManager.register's request body.
type RegisterRequest struct {
	Addr Addr `json:"addr"`
}

// AddPeerRequest is DataNode's add_peer request body: register addr as a
// replication peer of the named shard, starting in LISTING (sync) or
// REPLICATING (no sync).
type AddPeerRequest struct {
	Shard ShardID `json:"shard"`
	Addr  Addr    `json:"addr"`
	Sync  bool    `json:"sync"`
}

// RemovePeerRequest is DataNode's remove_peer request body.
type RemovePeerRequest struct {
	Shard ShardID `json:"shard"`
	Addr  Addr    `json:"addr"`
}

// AddReplicaRequest is DataManager.add_replica's request body.
type AddReplicaRequest struct {
	Shard ShardID `json:"shard"`
	Addr  Addr    `json:"addr"`
}

// RemoveReplicaRequest is DataManager.remove_replica's request body.
type RemoveReplicaRequest struct {
	Shard ShardID `json:"shard"`
	Addr  Addr    `json:"addr"`
}

// AddShardRequest is DataNode's add_shard request body.
type AddShardRequest struct {
	Shard ShardID `json:"shard"`
}

// RemoveDataRequest is DataNode's remove_data request body.
type RemoveDataRequest struct {
	Shard ShardID `json:"shard"`
}

// UpdateRequest carries one replicated mutation to a peer DataNode. Seq is
// non-nil for a relay.Peer.Replicate delivery (the sender's log sequence,
// to be mirrored locally) and nil for a SnapshotUpdate delivery, which
// applies directly without touching the receiver's log (spec §4.3).
type UpdateRequest struct {
	Seq     *int64 `json:"seq,omitempty"`
	Payload []byte `json:"payload"`
}

// StateResponse is DataNode.get_state's response body: this replica's
// view of every shard it hosts.
type StateResponse struct {
	Shards map[ShardID]ShardState `json:"shards"`
}

// OnlineNotice is the Antenna's one-way "peer came online" broadcast body
// (spec §4.9).
type OnlineNotice struct {
	Addr Addr `json:"addr"`
}

// WriteRequest is DataNode's data-plane write request body: a shard id
// (so the caller, already knowing which shard a key belongs to, doesn't
// force the servant to recompute shard_for) and the key/data pair.
type WriteRequest struct {
	Shard ShardID `json:"shard"`
	Key   string  `json:"key"`
	Data  []byte  `json:"data"`
}

// WriteResponse carries the log sequence a write landed at.
type WriteResponse struct {
	Seq int64 `json:"seq"`
}

// ReadRequest is DataNode's data-plane read request body.
type ReadRequest struct {
	Shard ShardID `json:"shard"`
	Key   string  `json:"key"`
}

// ReadResponse carries the bytes stored at the requested key.
type ReadResponse struct {
	Data []byte `json:"data"`
}

// RemoveRequest is DataNode's data-plane remove request body.
type RemoveRequest struct {
	Shard ShardID `json:"shard"`
	Key   string  `json:"key"`
}

// RemoveResponse carries the log sequence a delete landed at.
type RemoveResponse struct {
	Seq int64 `json:"seq"`
}

// ListRequest is DataNode's data-plane list request body.
type ListRequest struct {
	Shard ShardID `json:"shard"`
}

// ListResponse carries every key currently stored in the requested shard.
type ListResponse struct {
	Keys []string `json:"keys"`
}

// PriorityResponse is a replica's master_state() response (spec §4.6),
// used both by election.Member.State and by any diagnostic caller.
type PriorityResponse struct {
	Priority Priority `json:"priority"`
}

// MastersResponse is the DataManager's get_masters() response body.
type MastersResponse struct {
	Masters MasterMap `json:"masters"`
}
