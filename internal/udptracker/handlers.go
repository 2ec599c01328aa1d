package udptracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/logs"
	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

// Tracker is the BEP 15 listener. Protocol state (connection ids) lives in
// the registry; the listener itself is stateless per request.
type Tracker struct {
	registry *tracker.Registry
	pub      *tracker.Publisher
	stats    tracker.StatsProvider // nil degrades scrape stats to zeros
	interval uint32                // announce interval (seconds)
	log      *zap.Logger

	rateLimiterMu sync.Mutex
	rateLimiter   map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// New creates a UDP tracker listener publishing into pub.
func New(registry *tracker.Registry, pub *tracker.Publisher, stats tracker.StatsProvider, interval uint32) *Tracker {
	return &Tracker{
		registry:    registry,
		pub:         pub,
		stats:       stats,
		interval:    interval,
		log:         logs.GetLogger(),
		rateLimiter: make(map[string]*rateLimitEntry),
	}
}

func (t *Tracker) statsFor(infoHash tracker.HashID) tracker.ScrapeStats {
	if t.stats == nil {
		return tracker.ScrapeStats{}
	}
	return t.stats.StatsFor(infoHash)
}

// checkRateLimit enforces per-IP rate limiting on connect requests using a
// sliding window. This bounds the tracker's usefulness as an amplifier.
func (t *Tracker) checkRateLimit(addr *net.UDPAddr) bool {
	key := rateLimitKey(addr)
	now := time.Now()

	t.rateLimiterMu.Lock()
	defer t.rateLimiterMu.Unlock()

	rl, exists := t.rateLimiter[key]
	if !exists {
		t.rateLimiter[key] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if now.Sub(rl.windowStart) >= rateLimitWindow {
		rl.count = 1
		rl.windowStart = now
		return true
	}
	if rl.count < rateLimitBurst {
		rl.count++
		return true
	}
	return false
}

// rateLimitKey builds the limiter key from the sender IP alone (padded to
// 16 bytes). The source port is deliberately excluded: varying it must not
// widen the budget.
func rateLimitKey(addr *net.UDPAddr) string {
	ip := addr.IP.To16()
	if ip == nil {
		ip = net.IPv6zero
	}
	return string(ip)
}

// cleanupRateLimiters removes entries whose window is long past. Called
// from the maintenance path of the listen loop.
func (t *Tracker) cleanupRateLimiters() {
	deadline := time.Now().Add(-2 * rateLimitWindow)

	t.rateLimiterMu.Lock()
	for key, rl := range t.rateLimiter {
		if rl.windowStart.Before(deadline) {
			delete(t.rateLimiter, key)
		}
	}
	t.rateLimiterMu.Unlock()
}

// handleConnect issues a fresh connection id bound to the sender address.
// Connect response format: [action:4][transaction_id:4][connection_id:8]
func (t *Tracker) handleConnect(conn net.PacketConn, addr *net.UDPAddr, transactionID uint32) {
	if !t.checkRateLimit(addr) {
		t.sendError(conn, addr, transactionID, "rate limit exceeded, try again later")
		return
	}

	connectionID, err := t.registry.Issue(addr.IP)
	if err != nil {
		// Fail closed: no id means no response at all.
		t.log.Error("failed to issue connection id", zap.Error(err))
		return
	}

	var response [connectResponseSize]byte
	binary.BigEndian.PutUint32(response[0:4], actionConnect)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	binary.BigEndian.PutUint64(response[8:16], connectionID)

	if _, err := conn.WriteTo(response[:], addr); err != nil {
		t.log.Info("failed to send connect response", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	t.log.Debug("issued connection id",
		zap.Stringer("addr", addr), zap.Uint64("connection_id", connectionID))
}

// handleAnnounce validates, publishes, and answers an announce. The response
// is a minimal valid one: interval plus stats, no peers. This tracker
// observes announces, it does not coordinate swarms.
func (t *Tracker) handleAnnounce(conn net.PacketConn, addr *net.UDPAddr, packet []byte, transactionID uint32) {
	pkt, ok := parseAnnouncePacket(packet)
	if !ok {
		// Truncated packets are ignorable garbage.
		t.log.Debug("announce packet too short", zap.Stringer("addr", addr), zap.Int("len", len(packet)))
		return
	}

	kind, err := tracker.EventKindFromCode(pkt.event)
	if err != nil {
		t.sendError(conn, addr, transactionID, err.Error())
		return
	}

	req := &tracker.AnnounceRequest{
		InfoHash:   pkt.infoHash,
		PeerID:     pkt.peerID,
		Port:       pkt.port,
		Uploaded:   pkt.uploaded,
		Downloaded: pkt.downloaded,
		Left:       pkt.left,
		Kind:       kind,
		NumWant:    pkt.numWant,
		Compact:    true, // UDP responses are always compact
		Key:        fmt.Sprintf("%08x", pkt.key),
	}

	ev := tracker.NewEvent(tracker.ProtocolUDP, req, addr.IP.String())
	t.pub.Publish(ev)

	stats := t.statsFor(pkt.infoHash)

	var response [announceResponseSize]byte
	binary.BigEndian.PutUint32(response[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	binary.BigEndian.PutUint32(response[8:12], t.interval)
	binary.BigEndian.PutUint32(response[12:16], stats.Leechers)
	binary.BigEndian.PutUint32(response[16:20], stats.Seeders)
	// No peer list follows: this tracker returns an empty set by design.

	if _, err := conn.WriteTo(response[:], addr); err != nil {
		t.log.Info("failed to send announce response", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	t.log.Info("udp announce",
		zap.String("info_hash", pkt.infoHash.String()),
		zap.String("event", eventLabel(kind)),
		zap.Stringer("addr", addr),
		zap.Uint64("downloaded", pkt.downloaded),
		zap.Uint64("uploaded", pkt.uploaded),
		zap.Uint64("left", pkt.left))
}

// handleScrape answers a stats triplet per requested info hash. One
// scrape-kind event is published per request, not per hash.
// Scrape request format: [connection_id:8][action:4][transaction_id:4][info_hash:20]...
func (t *Tracker) handleScrape(conn net.PacketConn, addr *net.UDPAddr, packet []byte, transactionID uint32) {
	if len(packet) < minScrapePacketSize {
		t.sendError(conn, addr, transactionID, "no info hashes provided")
		return
	}

	numHashes := (len(packet) - packetHeaderSize) / 20
	if numHashes > maxScrapeHashes {
		numHashes = maxScrapeHashes
	}

	response := make([]byte, scrapeHeaderSize+numHashes*scrapeEntrySize)
	binary.BigEndian.PutUint32(response[0:4], actionScrape)
	binary.BigEndian.PutUint32(response[4:8], transactionID)

	offset := scrapeHeaderSize
	for i := 0; i < numHashes; i++ {
		infoHash := tracker.NewHashID(packet[packetHeaderSize+i*20 : packetHeaderSize+(i+1)*20])
		stats := t.statsFor(infoHash)

		binary.BigEndian.PutUint32(response[offset:offset+4], stats.Seeders)
		binary.BigEndian.PutUint32(response[offset+4:offset+8], stats.Completed)
		binary.BigEndian.PutUint32(response[offset+8:offset+12], stats.Leechers)
		offset += scrapeEntrySize
	}

	firstHash := tracker.NewHashID(packet[packetHeaderSize : packetHeaderSize+20])
	t.pub.Publish(tracker.NewScrapeEvent(tracker.ProtocolUDP, firstHash, addr.IP.String()))

	if _, err := conn.WriteTo(response, addr); err != nil {
		t.log.Info("failed to send scrape response", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	t.log.Debug("udp scrape", zap.Stringer("addr", addr), zap.Int("hashes", numHashes))
}

// handlePacket routes an incoming packet by its action field.
// Packet header format: [connection_id:8][action:4][transaction_id:4]
func (t *Tracker) handlePacket(conn net.PacketConn, addr *net.UDPAddr, packet []byte) {
	if len(packet) < packetHeaderSize {
		t.log.Debug("packet too short", zap.Int("len", len(packet)), zap.Stringer("addr", addr))
		return
	}

	connectionID := binary.BigEndian.Uint64(packet[0:8])
	action := binary.BigEndian.Uint32(packet[8:12])
	transactionID := binary.BigEndian.Uint32(packet[12:16])

	switch action {
	case actionConnect:
		if connectionID != protocolMagic {
			// Not a tracker client speaking BEP 15. Stay silent so garbage
			// cannot be reflected anywhere.
			t.log.Debug("connect without protocol magic",
				zap.Uint64("connection_id", connectionID), zap.Stringer("addr", addr))
			return
		}
		t.handleConnect(conn, addr, transactionID)

	case actionAnnounce, actionScrape:
		if !t.registry.Validate(connectionID, addr.IP) {
			t.sendError(conn, addr, transactionID, "invalid connection id")
			return
		}
		if action == actionAnnounce {
			t.handleAnnounce(conn, addr, packet, transactionID)
		} else {
			t.handleScrape(conn, addr, packet, transactionID)
		}

	default:
		t.log.Debug("unknown action", zap.Uint32("action", action), zap.Stringer("addr", addr))
	}
}

// sendError sends an error packet for requests that parsed but failed
// semantically. Error response format: [action:4][transaction_id:4][message]
func (t *Tracker) sendError(conn net.PacketConn, addr *net.UDPAddr, transactionID uint32, message string) {
	if len(message) > errorMaxMsgLen {
		message = message[:errorMaxMsgLen]
	}

	response := make([]byte, errorHeaderSize+len(message))
	binary.BigEndian.PutUint32(response[0:4], actionError)
	binary.BigEndian.PutUint32(response[4:8], transactionID)
	copy(response[errorHeaderSize:], message)

	if _, err := conn.WriteTo(response, addr); err != nil {
		t.log.Info("failed to send error packet", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	t.log.Debug("sent error packet", zap.Stringer("addr", addr), zap.String("message", message))
}

func eventLabel(kind tracker.EventKind) string {
	if kind == tracker.KindNone {
		return "update"
	}
	return string(kind)
}
