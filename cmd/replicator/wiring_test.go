package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/bucket-replicator/config"
	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/objectstore"
)

func TestRouter_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordEviction(metrics.EvictionDeleted)

	srv := httptest.NewServer(newRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `replicator_sweeper_evictions_total{status="deleted"} 1`)
}

func TestNewStore_Minio(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"APP_ROLE":                "sweeper",
		"DESTINATION_BUCKET_NAME": "dest",
		"CLEANER_QUEUE_URL":       "https://sqs.local/cleaner",
		"STORAGE_PROVIDER":        "minio",
		"STORAGE_ENDPOINT":        "localhost:9000",
		"STORAGE_USE_SSL":         "false",
	})
	require.NoError(t, err)

	store, err := newStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &objectstore.Instrumented{}, store)
}
