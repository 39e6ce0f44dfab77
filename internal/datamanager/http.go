package datamanager

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dreamware/torua-repl/internal/cluster"
)

// NewHandler builds the HTTP servant for m: register/add_replica/
// remove_replica (master-only, guarded by AssertMaster), get_masters, and
// this process's own priority vector for its groupmates' election polls
// (spec §4.7).
func NewHandler(m *Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/priority", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cluster.PriorityResponse{Priority: m.State()})
	})

	mux.HandleFunc("/masters", func(w http.ResponseWriter, r *http.Request) {
		masters, err := m.GetMasters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cluster.MastersResponse{Masters: masters})
	})

	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := m.Register(r.Context(), req.Addr); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/add_replica", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.AddReplicaRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := m.AddReplica(r.Context(), req.Shard, req.Addr); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/remove_replica", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RemoveReplicaRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := m.RemoveReplica(r.Context(), req.Shard, req.Addr); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

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

func writeError(w http.ResponseWriter, err error) {
	var notMaster *cluster.ErrNotMaster
	switch {
	case errors.As(err, &notMaster):
		http.Error(w, err.Error(), http.StatusTeapot)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
