package tracker

import (
	"strconv"

	"github.com/pkg/errors"
)

// Validation failure kinds. They surface in HTTP failure reasons and UDP
// error packets, so clients get a usable diagnostic without the tracker
// leaking anything it should not.
var (
	ErrInvalidInfoHash     = errors.New("invalid info_hash")
	ErrInvalidPeerID       = errors.New("invalid peer_id")
	ErrInvalidPort         = errors.New("invalid port")
	ErrInvalidNumericField = errors.New("invalid numeric field")
	ErrInvalidEvent        = errors.New("invalid event")
)

const defaultNumWant = 50

// RawAnnounce carries the unvalidated query parameters of an HTTP announce.
// InfoHash and PeerID hold the raw percent-decoded bytes; everything else is
// the string form straight from the query.
type RawAnnounce struct {
	InfoHash   []byte
	PeerID     []byte
	Port       string
	Uploaded   string
	Downloaded string
	Left       string
	Event      string
	NumWant    string
	Compact    string
	Key        string
}

// ValidateAnnounce checks every field of a raw announce and returns a
// well-formed AnnounceRequest, or the specific rejection reason. All checks
// run before anything else touches the request, so a malformed field can
// never produce a half-built event or mutate shared state.
func ValidateAnnounce(raw RawAnnounce) (*AnnounceRequest, error) {
	if len(raw.InfoHash) != 20 {
		return nil, errors.Wrapf(ErrInvalidInfoHash, "got %d bytes, want 20", len(raw.InfoHash))
	}
	if len(raw.PeerID) != 20 {
		return nil, errors.Wrapf(ErrInvalidPeerID, "got %d bytes, want 20", len(raw.PeerID))
	}

	port, err := parseOptionalUint(raw.Port, 16)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPort, "port=%q", raw.Port)
	}

	uploaded, err := parseOptionalUint(raw.Uploaded, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidNumericField, "uploaded=%q", raw.Uploaded)
	}
	downloaded, err := parseOptionalUint(raw.Downloaded, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidNumericField, "downloaded=%q", raw.Downloaded)
	}
	left, err := parseOptionalUint(raw.Left, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidNumericField, "left=%q", raw.Left)
	}

	kind, err := eventKindFromString(raw.Event)
	if err != nil {
		return nil, err
	}

	numWant := uint64(defaultNumWant)
	if raw.NumWant != "" {
		numWant, err = strconv.ParseUint(raw.NumWant, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidNumericField, "numwant=%q", raw.NumWant)
		}
	}

	return &AnnounceRequest{
		InfoHash:   NewHashID(raw.InfoHash),
		PeerID:     NewHashID(raw.PeerID),
		Port:       uint16(port),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Kind:       kind,
		NumWant:    uint32(numWant),
		Compact:    raw.Compact != "0",
		Key:        raw.Key,
	}, nil
}

// parseOptionalUint treats the empty string as zero, matching the defaults
// torrent clients rely on for absent parameters.
func parseOptionalUint(s string, bits int) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, bits)
}

// eventKindFromString maps the announce event parameter. Unrecognized
// values are rejected, not coerced to a regular update.
func eventKindFromString(s string) (EventKind, error) {
	switch EventKind(s) {
	case KindNone, KindStarted, KindCompleted, KindStopped:
		return EventKind(s), nil
	default:
		return KindNone, errors.Wrapf(ErrInvalidEvent, "event=%q", s)
	}
}

// UDP announce event codes per BEP 15.
const (
	udpEventNone      = 0
	udpEventCompleted = 1
	udpEventStarted   = 2
	udpEventStopped   = 3
)

// EventKindFromCode maps the 32-bit UDP event field. Unknown codes are
// rejected the same way unrecognized HTTP event strings are.
func EventKindFromCode(code uint32) (EventKind, error) {
	switch code {
	case udpEventNone:
		return KindNone, nil
	case udpEventCompleted:
		return KindCompleted, nil
	case udpEventStarted:
		return KindStarted, nil
	case udpEventStopped:
		return KindStopped, nil
	default:
		return KindNone, errors.Wrapf(ErrInvalidEvent, "event code %d", code)
	}
}
