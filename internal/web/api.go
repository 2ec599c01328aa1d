// Package web exposes the monitoring surface on top of the event store: a
// JSON REST API, CSV/JSON exports, and a websocket feed of live events.
package web

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/logs"
	"github.com/jbesclapez/trackerspotter/internal/store"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

const exportLimit = 10000

// API serves the dashboard endpoints backed by the event store.
type API struct {
	store *store.Store
	log   *zap.Logger
}

func NewAPI(st *store.Store) *API {
	return &API{store: st, log: logs.GetLogger()}
}

// Register mounts the API routes under /api.
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", a.events).Methods(http.MethodGet)
	api.HandleFunc("/torrents", a.torrents).Methods(http.MethodGet)
	api.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	api.HandleFunc("/clear", a.clear).Methods(http.MethodPost)
	api.HandleFunc("/export/csv", a.exportCSV).Methods(http.MethodGet)
	api.HandleFunc("/export/json", a.exportJSON).Methods(http.MethodGet)
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.Filter{
		InfoHash: q.Get("info_hash"),
		Search:   q.Get("search"),
	}
	if filter.InfoHash == "all" {
		filter.InfoHash = ""
	}
	if kind, ok := kindFromLabel(q.Get("event_type")); ok {
		filter.Kind = &kind
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}

	events, err := a.store.EventsByFilter(filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.ok(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (a *API) torrents(w http.ResponseWriter, r *http.Request) {
	torrents, err := a.store.UniqueTorrents()
	if err != nil {
		a.fail(w, err)
		return
	}
	a.ok(w, map[string]interface{}{"torrents": torrents})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	totals, err := a.store.Counts()
	if err != nil {
		a.fail(w, err)
		return
	}

	// Present the empty announce kind under its friendly label.
	counts := make(map[string]int, len(totals.ByKind))
	for kind, n := range totals.ByKind {
		counts[kindLabel(tracker.EventKind(kind))] = n
	}
	a.ok(w, map[string]interface{}{
		"stats":        totals,
		"event_counts": counts,
	})
}

func (a *API) clear(w http.ResponseWriter, r *http.Request) {
	removed, err := a.store.Clear()
	if err != nil {
		a.fail(w, err)
		return
	}
	a.log.Info("cleared event log", zap.Int("removed", removed))
	a.ok(w, map[string]interface{}{"deleted": removed})
}

func (a *API) exportCSV(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.RecentEvents(exportLimit)
	if err != nil {
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=trackerspotter_%s.csv", time.Now().Format("20060102_150405")))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"timestamp", "protocol", "event", "info_hash", "client_ip", "client_port",
		"downloaded", "uploaded", "left", "user_agent",
	})
	for _, ev := range events {
		_ = cw.Write([]string{
			ev.Timestamp.Format("2006-01-02 15:04:05.000"),
			string(ev.Protocol),
			kindLabel(ev.Kind),
			ev.InfoHash,
			ev.ClientIP,
			strconv.Itoa(int(ev.ClientPort)),
			strconv.FormatUint(ev.Downloaded, 10),
			strconv.FormatUint(ev.Uploaded, 10),
			strconv.FormatUint(ev.Left, 10),
			ev.UserAgent,
		})
	}
	cw.Flush()
}

func (a *API) exportJSON(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.RecentEvents(exportLimit)
	if err != nil {
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=trackerspotter_%s.json", time.Now().Format("20060102_150405")))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"export_date":  time.Now().Format(time.RFC3339),
		"total_events": len(events),
		"events":       events,
	})
}

func (a *API) ok(w http.ResponseWriter, payload map[string]interface{}) {
	payload["success"] = true
	a.writeJSON(w, http.StatusOK, payload)
}

func (a *API) fail(w http.ResponseWriter, err error) {
	a.log.Error("api request failed", zap.Error(err))
	a.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Debug("failed to write api response", zap.Error(err))
	}
}

// kindFromLabel maps the API's event_type parameter to an event kind.
// "all" or an empty value matches every kind.
func kindFromLabel(label string) (tracker.EventKind, bool) {
	switch label {
	case "", "all":
		return tracker.KindNone, false
	case "update":
		return tracker.KindNone, true
	default:
		return tracker.EventKind(label), true
	}
}

func kindLabel(kind tracker.EventKind) string {
	if kind == tracker.KindNone {
		return "update"
	}
	return string(kind)
}
