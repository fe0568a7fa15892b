package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/maxpert/rowstream/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRegistry []uint64

func (s staticRegistry) Streams() []uint64 { return s }
func (s staticRegistry) LiveStreams() int  { return len(s) }

func newTestRouter(t *testing.T, n int, secret string) (http.Handler, []uint64) {
	t.Helper()
	gen := id.NewStreamIDGenerator(7)
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = gen.NextID()
	}
	return NewRouter(NewHandlers(staticRegistry(ids), "pebble"), secret), ids
}

func get(t *testing.T, h http.Handler, path string, header http.Header) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t, 2, "")

	rec, body := get(t, h, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "pebble", data["driver"])
	assert.Equal(t, float64(2), data["live_streams"])
}

func TestStreams(t *testing.T) {
	h, ids := newTestRouter(t, 3, "")

	rec, body := get(t, h, "/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].([]interface{})
	require.Len(t, data, 3)

	first := data[0].(map[string]interface{})
	assert.Equal(t, float64(7), first["client_id"])
	created, err := time.Parse(time.RFC3339Nano, first["created_at"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), created, time.Minute)
	assert.Nil(t, body["has_more"])

	rec, body = get(t, h, "/streams?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 2)
	assert.Equal(t, true, body["has_more"])
	assert.Equal(t, strconv.FormatUint(ids[1], 10), body["last_key"])

	rec, _ = get(t, h, "/streams?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamByID(t *testing.T) {
	h, ids := newTestRouter(t, 2, "")

	rec, body := get(t, h, "/streams/"+strconv.FormatUint(ids[1], 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(7), data["client_id"])

	rec, _ = get(t, h, "/streams/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, h, "/streams/nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamsAuth(t *testing.T) {
	h, _ := newTestRouter(t, 1, "s3cret")

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{name: "missing", header: nil, want: http.StatusUnauthorized},
		{name: "header", header: http.Header{"X-Rowstream-Secret": {"s3cret"}}, want: http.StatusOK},
		{name: "bearer", header: http.Header{"Authorization": {"Bearer s3cret"}}, want: http.StatusOK},
		{name: "bad_format", header: http.Header{"Authorization": {"Basic s3cret"}}, want: http.StatusUnauthorized},
		{name: "wrong", header: http.Header{"X-Rowstream-Secret": {"nope"}}, want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := get(t, h, "/streams", tt.header)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// Health stays open.
	rec, _ := get(t, h, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsDisabled(t *testing.T) {
	h, _ := newTestRouter(t, 0, "")

	rec, body := get(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "metrics are disabled", body["error"])
}
