// Package httptracker implements the BEP 3 HTTP tracker surface:
// GET /announce and GET /scrape. Responses are always bencoded with HTTP
// status 200, including protocol-level failures, because torrent clients
// parse the body regardless of the status code.
package httptracker

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/bencode"
	"github.com/jbesclapez/trackerspotter/internal/logs"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

// Handler serves the HTTP tracker endpoints and publishes an event for
// every request it accepts.
type Handler struct {
	pub      *tracker.Publisher
	stats    tracker.StatsProvider // nil degrades scrape stats to zeros
	interval int                   // announce interval (seconds)
	log      *zap.Logger
}

func New(pub *tracker.Publisher, stats tracker.StatsProvider, interval int) *Handler {
	return &Handler{
		pub:      pub,
		stats:    stats,
		interval: interval,
		log:      logs.GetLogger(),
	}
}

// Register mounts the tracker routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/announce", h.Announce).Methods(http.MethodGet)
	r.HandleFunc("/scrape", h.Scrape).Methods(http.MethodGet)
}

func (h *Handler) statsFor(infoHash tracker.HashID) tracker.ScrapeStats {
	if h.stats == nil {
		return tracker.ScrapeStats{}
	}
	return h.stats.StatsFor(infoHash)
}

// Announce handles GET /announce. Validation runs to completion before the
// event is constructed, so a malformed request publishes nothing.
func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := tracker.RawAnnounce{
		InfoHash:   []byte(q.Get("info_hash")),
		PeerID:     []byte(q.Get("peer_id")),
		Port:       q.Get("port"),
		Uploaded:   q.Get("uploaded"),
		Downloaded: q.Get("downloaded"),
		Left:       q.Get("left"),
		Event:      q.Get("event"),
		NumWant:    q.Get("numwant"),
		Compact:    q.Get("compact"),
		Key:        q.Get("key"),
	}

	req, err := tracker.ValidateAnnounce(raw)
	if err != nil {
		h.log.Info("rejected announce", zap.String("reason", err.Error()), zap.String("remote", r.RemoteAddr))
		h.failure(w, err.Error())
		return
	}

	ev := tracker.NewEvent(tracker.ProtocolHTTP, req, remoteIP(r))
	ev.UserAgent = r.UserAgent()
	ev.RawQuery = r.URL.RawQuery
	ev.Headers = flattenHeaders(r.Header)
	h.pub.Publish(ev)

	h.log.Info("http announce",
		zap.String("info_hash", req.InfoHash.String()),
		zap.String("event", eventLabel(req.Kind)),
		zap.String("remote", r.RemoteAddr),
		zap.Uint64("downloaded", req.Downloaded),
		zap.Uint64("uploaded", req.Uploaded),
		zap.Uint64("left", req.Left))

	stats := h.statsFor(req.InfoHash)
	resp := bencode.Dict{
		"interval":   h.interval,
		"complete":   int(stats.Seeders),
		"incomplete": int(stats.Leechers),
	}
	// Empty peer set either way: this tracker observes, it does not
	// hand out peers.
	if req.Compact {
		resp["peers"] = ""
	} else {
		resp["peers"] = []interface{}{}
	}

	h.writeBencoded(w, resp)
}

// Scrape handles GET /scrape with one or more info_hash parameters.
func (h *Handler) Scrape(w http.ResponseWriter, r *http.Request) {
	hashes := r.URL.Query()["info_hash"]
	if len(hashes) == 0 {
		h.failure(w, "no info_hash provided")
		return
	}

	files := bencode.Dict{}
	for _, raw := range hashes {
		if len(raw) != 20 {
			h.failure(w, tracker.ErrInvalidInfoHash.Error())
			return
		}
		infoHash := tracker.NewHashID([]byte(raw))
		stats := h.statsFor(infoHash)
		files[raw] = bencode.Dict{
			"complete":   int(stats.Seeders),
			"downloaded": int(stats.Completed),
			"incomplete": int(stats.Leechers),
		}
	}

	firstHash := tracker.NewHashID([]byte(hashes[0]))
	ev := tracker.NewScrapeEvent(tracker.ProtocolHTTP, firstHash, remoteIP(r))
	ev.UserAgent = r.UserAgent()
	ev.RawQuery = r.URL.RawQuery
	ev.Headers = flattenHeaders(r.Header)
	h.pub.Publish(ev)

	h.writeBencoded(w, bencode.Dict{"files": files})
}

// failure writes the bencoded failure dictionary with status 200; trackers
// must remain parsable even when rejecting a request.
func (h *Handler) failure(w http.ResponseWriter, reason string) {
	h.writeBencoded(w, bencode.Dict{"failure reason": reason})
}

func (h *Handler) writeBencoded(w http.ResponseWriter, v interface{}) {
	body, err := bencode.Encode(v)
	if err != nil {
		// Encode failures mean we built an unrepresentable value; fail
		// closed rather than sending a half-written body.
		h.log.Error("failed to encode tracker response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write(body); err != nil {
		h.log.Debug("failed to write tracker response", zap.Error(err))
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name := range header {
		flat[name] = header.Get(name)
	}
	return flat
}

func eventLabel(kind tracker.EventKind) string {
	if kind == tracker.KindNone {
		return "update"
	}
	return string(kind)
}
