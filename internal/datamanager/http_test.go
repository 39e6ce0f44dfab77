package datamanager

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-repl/internal/cluster"
	"github.com/dreamware/torua-repl/internal/election"
)

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHealthReportsOK(t *testing.T) {
	mgr := newSoloManager(t, newFakeNodeClient())
	handler := NewHandler(mgr)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPRegisterBootstrapsAndMastersReportsIt(t *testing.T) {
	mgr := newSoloManager(t, newFakeNodeClient())
	handler := NewHandler(mgr)

	rec := postJSON(t, handler, "/register", cluster.RegisterRequest{Addr: "a@n"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/masters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp cluster.MastersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, cluster.Addr("a@n"), resp.Masters[""])
}

func TestHTTPMutatingCallWhenNotMasterReturnsTeapot(t *testing.T) {
	client := newFakeNodeClient()
	mgr := New(Config{
		Client:   client,
		Self:     "mgr@n",
		Priority: cluster.Priority{0, 0, 1},
		Members: func() []election.Member {
			return []election.Member{
				{Addr: "mgr@n", State: func(ctx context.Context) (cluster.Priority, error) { return cluster.Priority{0, 0, 1}, nil }},
				{Addr: "other@n", State: func(ctx context.Context) (cluster.Priority, error) { return cluster.Priority{0, 0, 9}, nil }},
			}
		},
	})
	handler := NewHandler(mgr)

	rec := postJSON(t, handler, "/register", cluster.RegisterRequest{Addr: "a@n"})
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHTTPPriorityReportsOwnVector(t *testing.T) {
	mgr := newSoloManager(t, newFakeNodeClient())
	handler := NewHandler(mgr)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/priority", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp cluster.PriorityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Priority, 3)
}

func TestHTTPBadJSONReturnsBadRequest(t *testing.T) {
	mgr := newSoloManager(t, newFakeNodeClient())
	handler := NewHandler(mgr)

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
