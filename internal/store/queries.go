package store

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

const defaultQueryLimit = 100

// Filter narrows an event query. Zero values match everything.
type Filter struct {
	Kind     *tracker.EventKind // nil matches any kind
	InfoHash string             // hex, exact match
	Search   string             // substring across hash/peer/ip/user agent
	Limit    int
}

// TorrentSummary describes one distinct info hash seen by the tracker.
type TorrentSummary struct {
	InfoHash  string              `json:"info_hash"`
	Events    int                 `json:"events"`
	FirstSeen time.Time           `json:"first_seen"`
	LastSeen  time.Time           `json:"last_seen"`
	Stats     tracker.ScrapeStats `json:"stats"`
}

// Totals summarizes the whole event log.
type Totals struct {
	Events   int            `json:"events"`
	Torrents int            `json:"torrents"`
	ByKind   map[string]int `json:"by_kind"`
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(limit int) ([]*tracker.Event, error) {
	return s.EventsByFilter(Filter{Limit: limit})
}

// EventsByFilter walks the log backwards (newest first) collecting events
// matching f, up to f.Limit.
func (s *Store) EventsByFilter(f Filter) ([]*tracker.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	events := make([]*tracker.Event, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for key, value := c.Last(); key != nil && len(events) < limit; key, value = c.Prev() {
			var ev tracker.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				continue
			}
			if matches(&ev, f) {
				events = append(events, &ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query events")
	}
	return events, nil
}

func matches(ev *tracker.Event, f Filter) bool {
	if f.Kind != nil && ev.Kind != *f.Kind {
		return false
	}
	if f.InfoHash != "" && ev.InfoHash != f.InfoHash {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		haystack := strings.ToLower(ev.InfoHash + " " + ev.PeerID + " " + ev.ClientIP + " " + ev.UserAgent)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

// UniqueTorrents lists every distinct info hash with activity counters,
// most recently seen first.
func (s *Store) UniqueTorrents() ([]TorrentSummary, error) {
	byHash := make(map[string]*TorrentSummary)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, value []byte) error {
			var ev tracker.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return nil
			}
			summary, ok := byHash[ev.InfoHash]
			if !ok {
				summary = &TorrentSummary{InfoHash: ev.InfoHash, FirstSeen: ev.Timestamp}
				byHash[ev.InfoHash] = summary
			}
			summary.Events++
			if ev.Timestamp.After(summary.LastSeen) {
				summary.LastSeen = ev.Timestamp
			}
			if ev.Timestamp.Before(summary.FirstSeen) {
				summary.FirstSeen = ev.Timestamp
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list torrents")
	}

	torrents := make([]TorrentSummary, 0, len(byHash))
	for _, summary := range byHash {
		if infoHash, err := tracker.HashIDFromHex(summary.InfoHash); err == nil {
			summary.Stats = s.StatsFor(infoHash)
		}
		torrents = append(torrents, *summary)
	}
	sort.Slice(torrents, func(i, j int) bool {
		return torrents[i].LastSeen.After(torrents[j].LastSeen)
	})
	return torrents, nil
}

// Counts returns event totals broken down by kind.
func (s *Store) Counts() (Totals, error) {
	totals := Totals{ByKind: make(map[string]int)}
	hashes := make(map[string]struct{})

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, value []byte) error {
			var ev tracker.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				return nil
			}
			totals.Events++
			totals.ByKind[string(ev.Kind)]++
			hashes[ev.InfoHash] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return Totals{}, errors.Wrap(err, "failed to count events")
	}
	totals.Torrents = len(hashes)
	return totals, nil
}

// Clear deletes every stored event and resets the aggregates. Returns how
// many events were removed.
func (s *Store) Clear() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		removed = tx.Bucket(eventsBucket).Stats().KeyN
		if err := tx.DeleteBucket(eventsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(eventsBucket)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to clear events")
	}

	s.mu.Lock()
	s.aggregates = make(map[tracker.HashID]*torrentAgg)
	s.mu.Unlock()
	return removed, nil
}
