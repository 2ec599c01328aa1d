// Package store is the persistence collaborator: it subscribes to the event
// stream, appends every event to a bbolt log, and maintains the per-torrent
// aggregates that back scrape responses.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/logs"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

var eventsBucket = []byte("events")

// Store owns the durable event log. It also derives seeders/leechers/
// completed per torrent from the announce stream, since the engine itself
// holds no swarm state.
type Store struct {
	db  *bolt.DB
	log *zap.Logger

	mu         sync.RWMutex
	aggregates map[tracker.HashID]*torrentAgg
}

type torrentAgg struct {
	peers     map[string]*peerAgg
	seeders   uint32
	leechers  uint32
	completed uint32
}

type peerAgg struct {
	seeding       bool
	completedOnce bool
}

// Open opens (or creates) the database at path and replays the stored
// events to rebuild the scrape aggregates.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database '%s'", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create events bucket")
	}

	s := &Store{
		db:         db,
		log:        logs.GetLogger(),
		aggregates: make(map[tracker.HashID]*torrentAgg),
	}
	if err := s.replay(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Run consumes the subscription until the channel closes or ctx is
// canceled. Intended to run as its own goroutine.
func (s *Store) Run(ctx context.Context, sub *tracker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.Insert(ev); err != nil {
				s.log.Error("failed to persist event", zap.Error(err))
			}
		}
	}
}

// Insert appends ev to the log under a fresh sequence id and feeds the
// scrape aggregates. Published events are shared with every other
// subscriber, so the id is assigned on a private copy; ev itself is never
// written to.
func (s *Store) Insert(ev *tracker.Event) error {
	stored := *ev
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		stored.ID = seq

		value, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), value)
	})
	if err != nil {
		return errors.Wrap(err, "failed to insert event")
	}

	s.apply(&stored)
	return nil
}

// StatsFor returns the aggregate triplet for a torrent, or zeros when the
// torrent was never announced.
func (s *Store) StatsFor(infoHash tracker.HashID) tracker.ScrapeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsOf(s.aggregates[infoHash])
}

func statsOf(agg *torrentAgg) tracker.ScrapeStats {
	if agg == nil {
		return tracker.ScrapeStats{}
	}
	return tracker.ScrapeStats{
		Seeders:   agg.seeders,
		Completed: agg.completed,
		Leechers:  agg.leechers,
	}
}

// apply updates the per-torrent aggregate from one announce event.
// Transitions mirror real swarm accounting: left==0 marks a seeder, a
// leecher reaching left==0 counts as a completion, stopped removes the peer.
func (s *Store) apply(ev *tracker.Event) {
	if ev.Kind == tracker.KindScrape {
		return
	}
	infoHash, err := tracker.HashIDFromHex(ev.InfoHash)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[infoHash]
	if !ok {
		agg = &torrentAgg{peers: make(map[string]*peerAgg)}
		s.aggregates[infoHash] = agg
	}

	if ev.Kind == tracker.KindStopped {
		peer, exists := agg.peers[ev.PeerID]
		if !exists {
			return
		}
		if peer.seeding {
			agg.seeders--
		} else {
			agg.leechers--
		}
		delete(agg.peers, ev.PeerID)
		return
	}

	seeding := ev.Left == 0
	peer, exists := agg.peers[ev.PeerID]
	if exists {
		if peer.seeding && !seeding {
			agg.seeders--
			agg.leechers++
		} else if !peer.seeding && seeding {
			agg.leechers--
			agg.seeders++
			if !peer.completedOnce {
				peer.completedOnce = true
				agg.completed++
			}
		}
		peer.seeding = seeding
		return
	}

	peer = &peerAgg{seeding: seeding}
	if seeding {
		agg.seeders++
		// A peer that first appears with the full payload counts as a
		// completion too.
		peer.completedOnce = true
		agg.completed++
	} else {
		agg.leechers++
	}
	agg.peers[ev.PeerID] = peer
}

// replay rebuilds the aggregates from the persisted log on startup.
func (s *Store) replay() error {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, value []byte) error {
			var ev tracker.Event
			if err := json.Unmarshal(value, &ev); err != nil {
				// A corrupt record should not prevent startup.
				s.log.Warn("skipping unreadable event record", zap.Error(err))
				return nil
			}
			s.apply(&ev)
			count++
			return nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "failed to replay event log")
	}
	if count > 0 {
		s.log.Info("replayed event log", zap.Int("events", count))
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}
