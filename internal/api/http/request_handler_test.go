package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worker-dispatch/internal/domain"
	"worker-dispatch/internal/infra/memory"
	"worker-dispatch/internal/usecase"
)

type staticRegistry domain.Snapshot

func (s staticRegistry) RecordHeartbeat(domain.Heartbeat) bool { return false }
func (s staticRegistry) Snapshot() domain.Snapshot         { return domain.Snapshot(s) }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.NewRequestRepository()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(context.Background(), &domain.Request{
		ID: "r1", Tenant: "acme", ContentType: "image/raw", Status: domain.StatusSuccess,
		Payload: []byte("12345"), Result: []byte("done"), Messages: []string{"ok"},
		CreatedAt: at, LastUpdateDate: at,
	}))
	require.NoError(t, repo.Save(context.Background(), &domain.Request{
		ID: "r2", Tenant: "acme", ContentType: "image/raw", Status: domain.StatusNoWorkerAvailable,
		CreatedAt: at, LastUpdateDate: at,
	}))
	reg := staticRegistry{"validator": {Name: "validator", LiveInstances: 2, TotalFreeCapacity: 3}}

	mux := http.NewServeMux()
	NewRequestHandler(usecase.NewRequestService(repo, reg, logger), logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestGetRequest(t *testing.T) {
	srv := newServer(t)

	var got RequestResponse
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/requests/acme/r1", &got))
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, 5, got.PayloadBytes)
	assert.Equal(t, []byte("done"), got.Result)

	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/requests/globex/r1", nil), "tenants cannot see each other's requests")
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/requests/acme/missing", nil))
}

func TestListRequestsByStatus(t *testing.T) {
	srv := newServer(t)

	var got []RequestResponse
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/requests/acme?status=no_worker_available", &got))
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ID)

	tests := []struct {
		name  string
		query string
	}{
		{"missing status", ""},
		{"unknown status", "?status=DONE"},
		{"limit too large", "?status=PENDING&limit=5000"},
		{"limit not a number", "?status=PENDING&limit=ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, get(t, srv.URL+"/requests/acme"+tt.query, nil))
		})
	}
}

func TestListWorkers(t *testing.T) {
	srv := newServer(t)

	var got []domain.WorkerTypeStatus
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/workers", &got))
	assert.Equal(t, []domain.WorkerTypeStatus{{Name: "validator", LiveInstances: 2, TotalFreeCapacity: 3}}, got)
}
