package udptracker

import (
	"encoding/binary"
	"time"

	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

// Protocol constants for the UDP Tracker Protocol (BEP 15)
// https://bittorrent.org/beps/bep_0015.html
const (
	protocolMagic = 0x41727101980 // fixed "magic constant" in connect requests

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	maxPacketSize = 1500 // typical unfragmented Ethernet frame (MTU)

	// Packet header: connection_id:8 + action:4 + transaction_id:4
	packetHeaderSize = 16

	// Connect response: action:4 + transaction_id:4 + connection_id:8
	connectResponseSize = 16

	// Announce request minimum size (sum of all fields):
	// connection_id:8 + action:4 + transaction_id:4 + info_hash:20 + peer_id:20 +
	// downloaded:8 + left:8 + uploaded:8 + event:4 + IP:4 + key:4 + num_want:4 + port:2
	minAnnouncePacketSize = 98

	// Announce response carries no peers: action:4 + transaction_id:4 +
	// interval:4 + leechers:4 + seeders:4
	announceResponseSize = 20

	// Minimum scrape packet: header + one info_hash:20
	minScrapePacketSize = 36

	scrapeHeaderSize = 8  // action:4 + transaction_id:4
	scrapeEntrySize  = 12 // seeders:4 + completed:4 + leechers:4
	maxScrapeHashes  = 74 // BEP 15 limit per packet

	errorHeaderSize   = 8
	errorMaxStackSize = 128
	errorMaxMsgLen    = errorMaxStackSize - errorHeaderSize

	rateLimitWindow = 2 * time.Minute // window duration for connect rate limiting
	rateLimitBurst  = 10              // max connect requests per window

	// Receive timeout of the listen loop. Each expiry triggers an
	// opportunistic registry sweep, bounding registry growth even when the
	// dedicated sweeper is not running.
	receiveTimeout = 30 * time.Second
)

// announcePacket holds the fixed-width fields of an announce request.
type announcePacket struct {
	infoHash   tracker.HashID
	peerID     tracker.HashID
	downloaded uint64
	left       uint64
	uploaded   uint64
	event      uint32
	ipAddr     uint32
	key        uint32
	numWant    uint32
	port       uint16
}

// parseAnnouncePacket extracts all fields from an announce request packet.
// Returns the packet and true if long enough, or zero values and false.
func parseAnnouncePacket(packet []byte) (announcePacket, bool) {
	if len(packet) < minAnnouncePacketSize {
		return announcePacket{}, false
	}
	return announcePacket{
		infoHash:   tracker.NewHashID(packet[16:36]),
		peerID:     tracker.NewHashID(packet[36:56]),
		downloaded: binary.BigEndian.Uint64(packet[56:64]),
		left:       binary.BigEndian.Uint64(packet[64:72]),
		uploaded:   binary.BigEndian.Uint64(packet[72:80]),
		event:      binary.BigEndian.Uint32(packet[80:84]),
		ipAddr:     binary.BigEndian.Uint32(packet[84:88]),
		key:        binary.BigEndian.Uint32(packet[88:92]),
		numWant:    binary.BigEndian.Uint32(packet[92:96]),
		port:       binary.BigEndian.Uint16(packet[96:98]),
	}, true
}
