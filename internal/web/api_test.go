package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbesclapez/trackerspotter/internal/store"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

func setupAPI(t *testing.T) (*mux.Router, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	router := mux.NewRouter()
	NewAPI(st).Register(router)
	return router, st
}

func hexHash(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), 20)
}

func insertEvent(t *testing.T, st *store.Store, infoHash string, kind tracker.EventKind) {
	t.Helper()
	require.NoError(t, st.Insert(&tracker.Event{
		Timestamp: time.Now().Truncate(time.Millisecond),
		Protocol:  tracker.ProtocolHTTP,
		Kind:      kind,
		InfoHash:  infoHash,
		PeerID:    hexHash(0x99),
		ClientIP:  "10.0.0.1",
		Left:      1000,
		UserAgent: "TestClient/1.0",
	}))
}

func doRequest(router *mux.Router, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestEvents_ReturnsAll(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	insertEvent(t, st, hexHash(0xBB), tracker.KindCompleted)

	rec := doRequest(router, http.MethodGet, "/api/events")

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(2), payload["count"])
	assert.Len(t, payload["events"], 2)
}

func TestEvents_FilterByType(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	insertEvent(t, st, hexHash(0xAA), tracker.KindNone)
	insertEvent(t, st, hexHash(0xAA), tracker.KindCompleted)

	rec := doRequest(router, http.MethodGet, "/api/events?event_type=completed")
	payload := decodeJSON(t, rec)
	assert.Equal(t, float64(1), payload["count"])

	// Plain re-announces surface under the "update" label.
	rec = doRequest(router, http.MethodGet, "/api/events?event_type=update")
	payload = decodeJSON(t, rec)
	assert.Equal(t, float64(1), payload["count"])

	rec = doRequest(router, http.MethodGet, "/api/events?event_type=all")
	payload = decodeJSON(t, rec)
	assert.Equal(t, float64(3), payload["count"])
}

func TestEvents_FilterByInfoHashAndLimit(t *testing.T) {
	router, st := setupAPI(t)
	for i := 0; i < 5; i++ {
		insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	}
	insertEvent(t, st, hexHash(0xBB), tracker.KindStarted)

	rec := doRequest(router, http.MethodGet, "/api/events?info_hash="+hexHash(0xBB))
	assert.Equal(t, float64(1), decodeJSON(t, rec)["count"])

	rec = doRequest(router, http.MethodGet, "/api/events?info_hash=all&limit=3")
	assert.Equal(t, float64(3), decodeJSON(t, rec)["count"])
}

func TestEvents_Search(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)

	rec := doRequest(router, http.MethodGet, "/api/events?search=testclient")
	assert.Equal(t, float64(1), decodeJSON(t, rec)["count"])

	rec = doRequest(router, http.MethodGet, "/api/events?search=nomatch")
	assert.Equal(t, float64(0), decodeJSON(t, rec)["count"])
}

func TestTorrents(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	insertEvent(t, st, hexHash(0xAA), tracker.KindNone)
	insertEvent(t, st, hexHash(0xBB), tracker.KindStarted)

	rec := doRequest(router, http.MethodGet, "/api/torrents")

	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["success"])
	torrents, ok := payload["torrents"].([]interface{})
	require.True(t, ok)
	assert.Len(t, torrents, 2)
}

func TestStats(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	insertEvent(t, st, hexHash(0xAA), tracker.KindNone)
	insertEvent(t, st, hexHash(0xBB), tracker.KindStarted)

	rec := doRequest(router, http.MethodGet, "/api/stats")

	payload := decodeJSON(t, rec)
	stats, ok := payload["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), stats["events"])
	assert.Equal(t, float64(2), stats["torrents"])

	counts, ok := payload["event_counts"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), counts["started"])
	assert.Equal(t, float64(1), counts["update"])
}

func TestClear(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	insertEvent(t, st, hexHash(0xBB), tracker.KindStarted)

	rec := doRequest(router, http.MethodPost, "/api/clear")
	payload := decodeJSON(t, rec)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, float64(2), payload["deleted"])

	rec = doRequest(router, http.MethodGet, "/api/events")
	assert.Equal(t, float64(0), decodeJSON(t, rec)["count"])
}

func TestClear_RequiresPost(t *testing.T) {
	router, _ := setupAPI(t)
	rec := doRequest(router, http.MethodGet, "/api/clear")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExportCSV(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)

	rec := doRequest(router, http.MethodGet, "/api/export/csv")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t,
		"timestamp,protocol,event,info_hash,client_ip,client_port,downloaded,uploaded,left,user_agent",
		lines[0])
	assert.Contains(t, lines[1], hexHash(0xAA))
	assert.Contains(t, lines[1], "started")
}

func TestExportJSON(t *testing.T) {
	router, st := setupAPI(t)
	insertEvent(t, st, hexHash(0xAA), tracker.KindStarted)
	insertEvent(t, st, hexHash(0xBB), tracker.KindCompleted)

	rec := doRequest(router, http.MethodGet, "/api/export/json")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	payload := decodeJSON(t, rec)
	assert.Equal(t, float64(2), payload["total_events"])
	assert.NotEmpty(t, payload["export_date"])
	assert.Len(t, payload["events"], 2)
}
