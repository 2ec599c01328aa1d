package tracker

import (
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

// HashID represents a 20-byte identifier (info_hash or peer_id).
// Per BEP 3/BEP 15, both info_hash and peer_id are exactly 20 bytes
// (SHA-1 hash length). Used as map keys to avoid hex string overhead.
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// Caller must ensure b has at least 20 bytes (length validation happens
// before this). If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

// HashIDFromHex parses a 40-character hex string into a HashID.
func HashIDFromHex(s string) (HashID, error) {
	var h HashID
	if len(s) != 40 {
		return h, errors.Errorf("hash hex string must be 40 chars, got %d", len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "invalid hash hex string")
	}
	copy(h[:], decoded)
	return h, nil
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// Protocol tags which listener produced an event. The tag is assigned at
// event construction time in the listener, never inferred afterwards.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolUDP  Protocol = "udp"
)

// EventKind is the announce event reported by the client. The empty kind
// is a regular update announce.
type EventKind string

const (
	KindNone      EventKind = ""
	KindStarted   EventKind = "started"
	KindCompleted EventKind = "completed"
	KindStopped   EventKind = "stopped"
	KindScrape    EventKind = "scrape"
)

// AnnounceRequest holds the validated fields of an announce, shared by the
// HTTP and UDP listeners. It is only ever constructed by the validator, so
// holding one means every field already passed its bounds check.
type AnnounceRequest struct {
	InfoHash   HashID
	PeerID     HashID
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Kind       EventKind
	NumWant    uint32
	Compact    bool
	Key        string
}

// Event is the canonical record published for every tracker request.
// It is immutable once constructed; subscribers copy or persist it.
type Event struct {
	ID         uint64            `json:"id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Protocol   Protocol          `json:"protocol"`
	Kind       EventKind         `json:"event"`
	InfoHash   string            `json:"info_hash"`
	PeerID     string            `json:"peer_id"`
	ClientIP   string            `json:"client_ip"`
	ClientPort uint16            `json:"client_port"`
	Uploaded   uint64            `json:"uploaded"`
	Downloaded uint64            `json:"downloaded"`
	Left       uint64            `json:"left"`
	NumWant    uint32            `json:"numwant"`
	Compact    bool              `json:"compact"`
	Key        string            `json:"key,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	RawQuery   string            `json:"raw_query,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// NewEvent builds an announce Event from a validated request. The timestamp
// keeps its monotonic reading so event ordering survives wall-clock jumps;
// serialization points round it as they see fit.
func NewEvent(proto Protocol, req *AnnounceRequest, clientIP string) *Event {
	return &Event{
		Timestamp:  time.Now(),
		Protocol:   proto,
		Kind:       req.Kind,
		InfoHash:   req.InfoHash.String(),
		PeerID:     req.PeerID.String(),
		ClientIP:   clientIP,
		ClientPort: req.Port,
		Uploaded:   req.Uploaded,
		Downloaded: req.Downloaded,
		Left:       req.Left,
		NumWant:    req.NumWant,
		Compact:    req.Compact,
		Key:        req.Key,
	}
}

// NewScrapeEvent builds a scrape Event. One event is published per scrape
// request, not per requested hash; infoHash is the first hash requested.
func NewScrapeEvent(proto Protocol, infoHash HashID, clientIP string) *Event {
	return &Event{
		Timestamp: time.Now(),
		Protocol:  proto,
		Kind:      KindScrape,
		InfoHash:  infoHash.String(),
		ClientIP:  clientIP,
	}
}

// ScrapeStats is the per-torrent triplet returned by scrape responses.
// The engine holds no swarm state; these are projections from the
// persistence collaborator and degrade to zeros when it is unavailable.
type ScrapeStats struct {
	Seeders   uint32 `json:"seeders"`
	Completed uint32 `json:"completed"`
	Leechers  uint32 `json:"leechers"`
}

// StatsProvider is the synchronous lookup exposed by the persistence
// collaborator for scrape responses.
type StatsProvider interface {
	StatsFor(infoHash HashID) ScrapeStats
}
