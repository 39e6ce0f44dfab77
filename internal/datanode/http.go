package datanode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dreamware/torua-repl/internal/cluster"
)

// masterWaitTimeout bounds how long a data-plane handler waits on
// dn.Master() before giving up, matching cluster.httpClient's own
// fixed-timeout idiom for bounded latency over an unbounded hang.
const masterWaitTimeout = 5 * time.Second

// NewHandler builds the HTTP servant for dn: the data plane
// (read/write/remove/list), the control plane DataManager drives
// (add_shard/remove_data/add_peer/remove_peer), the replication delivery
// endpoint a peer's Relay targets, this replica's per-shard priority for
// remote election polls, published shard state, and the antenna's
// one-way online notice (spec §4.5, §4.6, §4.9).
func NewHandler(dn *DataNode) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cluster.StateResponse{Shards: dn.State()})
	})

	mux.HandleFunc("/priority", func(w http.ResponseWriter, r *http.Request) {
		sid := cluster.ShardID(r.URL.Query().Get("shard"))
		p, err := dn.Priority(sid)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cluster.PriorityResponse{Priority: p})
	})

	mux.HandleFunc("/add_shard", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.AddShardRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := dn.AddShard(req.Shard); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/remove_data", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RemoveDataRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := dn.RemoveData(req.Shard); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/add_peer", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.AddPeerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := dn.AddPeer(req.Shard, req.Addr, req.Sync); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/remove_peer", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RemovePeerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := dn.RemovePeer(req.Shard, req.Addr); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/update", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.UpdateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		var err error
		if req.Seq != nil {
			err = dn.UpdateReplicated(*req.Seq, req.Payload)
		} else {
			err = dn.UpdateSnapshot(req.Payload)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/antenna/online", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.OnlineNotice
		if !decodeJSON(w, r, &req) {
			return
		}
		dn.env.Pub.Publish("online", req)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/data/write", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.WriteRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		shard, err := dn.masterShard(r.Context(), req.Shard)
		if err != nil {
			writeError(w, err)
			return
		}
		seq, err := shard.Write(req.Key, req.Data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cluster.WriteResponse{Seq: seq})
	})

	mux.HandleFunc("/data/read", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ReadRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		shard, err := dn.masterShard(r.Context(), req.Shard)
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := shard.Read(req.Key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cluster.ReadResponse{Data: data})
	})

	mux.HandleFunc("/data/remove", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RemoveRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		shard, err := dn.masterShard(r.Context(), req.Shard)
		if err != nil {
			writeError(w, err)
			return
		}
		seq, err := shard.Remove(req.Key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cluster.RemoveResponse{Seq: seq})
	})

	mux.HandleFunc("/data/list", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ListRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		shard, err := dn.masterShard(r.Context(), req.Shard)
		if err != nil {
			writeError(w, err)
			return
		}
		keys, err := shard.List()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cluster.ListResponse{Keys: keys})
	})

	return mux
}

// masterShard waits on dn.Master(sid), surfacing the same routing errors
// a DataClient retries on (spec §2 control flow: every data-plane
// operation applies at the shard's master).
func (dn *DataNode) masterShard(ctx context.Context, sid cluster.ShardID) (*datashardHandle, error) {
	f := dn.Master(ctx, sid)
	v, err := f.Wait(masterWaitTimeout)
	if err != nil {
		return nil, err
	}
	ds, ok := v.(shardOps)
	if !ok {
		return nil, errors.New("datanode: unexpected master() result type")
	}
	return &datashardHandle{ds}, nil
}

// shardOps is the subset of *datashard.DataShard the HTTP data-plane
// handlers call through, named here to avoid importing datashard just
// for a type assertion target.
type shardOps interface {
	Write(key string, data []byte) (int64, error)
	Read(key string) ([]byte, error)
	Remove(key string) (int64, error)
	List() ([]string, error)
}

type datashardHandle struct{ shardOps }

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the §7 error taxonomy onto the HTTP status codes
// cluster.statusToError translates back on the caller's side.
func writeError(w http.ResponseWriter, err error) {
	var notMaster *cluster.ErrNotMaster
	var noShard *cluster.ErrNoShard
	var fileNotFound *cluster.ErrFileNotFound
	switch {
	case errors.As(err, &notMaster):
		http.Error(w, err.Error(), http.StatusTeapot)
	case errors.As(err, &noShard):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.As(err, &fileNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
