package udptracker

import (
	"bytes"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbesclapez/trackerspotter/internal/tracker"
)

// mockPacketConn implements net.PacketConn for testing without real UDP sockets.
type mockPacketConn struct {
	writtenData []byte
	writes      int
}

func (m *mockPacketConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	return 0, nil, nil
}

func (m *mockPacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	m.writtenData = make([]byte, len(p))
	copy(m.writtenData, p)
	m.writes++
	return len(p), nil
}

func (m *mockPacketConn) Close() error                       { return nil }
func (m *mockPacketConn) LocalAddr() net.Addr                { return nil }
func (m *mockPacketConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockPacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockPacketConn) SetWriteDeadline(t time.Time) error { return nil }

// mockFailingPacketConn simulates a write failure for testing error paths.
type mockFailingPacketConn struct {
	mockPacketConn
}

func (m *mockFailingPacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	return 0, errors.New("simulated write failure")
}

// fixedStats always reports the same swarm numbers.
type fixedStats struct {
	stats tracker.ScrapeStats
}

func (f fixedStats) StatsFor(tracker.HashID) tracker.ScrapeStats { return f.stats }

func setupTracker(t *testing.T, stats tracker.StatsProvider) (*Tracker, *tracker.Subscription) {
	t.Helper()
	pub := tracker.NewPublisher()
	sub := pub.Subscribe("test", 16)
	tr := New(tracker.NewRegistry(tracker.ConnectionTTL), pub, stats, 1800)
	return tr, sub
}

// issueConnID grabs a valid connection id for addr directly from the registry.
func issueConnID(t *testing.T, tr *Tracker, addr *net.UDPAddr) uint64 {
	t.Helper()
	id, err := tr.registry.Issue(addr.IP)
	require.NoError(t, err)
	return id
}

// receivedEvent returns the next published event without blocking, or nil.
func receivedEvent(sub *tracker.Subscription) *tracker.Event {
	select {
	case ev := <-sub.Events():
		return ev
	default:
		return nil
	}
}

func buildConnectPacket(magic uint64, txID uint32) []byte {
	packet := make([]byte, packetHeaderSize)
	binary.BigEndian.PutUint64(packet[0:8], magic)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txID)
	return packet
}

func buildScrapePacket(connID uint64, txID uint32, hashes ...[]byte) []byte {
	packet := make([]byte, packetHeaderSize+len(hashes)*20)
	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionScrape)
	binary.BigEndian.PutUint32(packet[12:16], txID)
	for i, h := range hashes {
		copy(packet[packetHeaderSize+i*20:], h)
	}
	return packet
}

func TestHandlePacket_ConnectResponseFormat(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	tr.handlePacket(mock, addr, buildConnectPacket(protocolMagic, 0x01020304))

	require.Len(t, mock.writtenData, connectResponseSize)
	assert.Equal(t, uint32(actionConnect), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(mock.writtenData[4:8]))

	connectionID := binary.BigEndian.Uint64(mock.writtenData[8:16])
	require.NotZero(t, connectionID)
	// The issued id must be usable for follow-up requests from this address.
	assert.True(t, tr.registry.Validate(connectionID, addr.IP))
}

func TestHandlePacket_ConnectWithoutMagicIsDropped(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	tr.handlePacket(mock, addr, buildConnectPacket(0xDEADBEEF, 12345))

	assert.Zero(t, mock.writes, "garbage must not be answered")
	assert.Equal(t, 0, tr.registry.Len())
}

func TestHandlePacket_TooShortIsDropped(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	tr.handlePacket(mock, addr, make([]byte, 8))

	assert.Zero(t, mock.writes)
}

func TestHandlePacket_UnknownActionIsDropped(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	packet := make([]byte, packetHeaderSize)
	binary.BigEndian.PutUint64(packet[0:8], protocolMagic)
	binary.BigEndian.PutUint32(packet[8:12], 99)
	binary.BigEndian.PutUint32(packet[12:16], 12345)

	tr.handlePacket(mock, addr, packet)

	assert.Zero(t, mock.writes)
}

func TestHandleConnect_RateLimitExceeded(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	for i := 0; i < rateLimitBurst; i++ {
		tr.handlePacket(mock, addr, buildConnectPacket(protocolMagic, uint32(i)))
	}
	tr.handlePacket(mock, addr, buildConnectPacket(protocolMagic, uint32(rateLimitBurst)))

	require.NotEmpty(t, mock.writtenData)
	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.True(t, bytes.Contains(mock.writtenData[errorHeaderSize:], []byte("rate limit exceeded")))
}

func TestHandleConnect_RateLimitIgnoresSourcePort(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	ip := net.ParseIP("192.168.1.1")

	// Exhaust the budget from one port, then retry from others: the limit
	// is per IP, so new ports must not reset it.
	for i := 0; i < rateLimitBurst; i++ {
		addr := &net.UDPAddr{IP: ip, Port: 6881}
		tr.handlePacket(mock, addr, buildConnectPacket(protocolMagic, uint32(i)))
	}
	tr.handlePacket(mock, &net.UDPAddr{IP: ip, Port: 7000},
		buildConnectPacket(protocolMagic, 0xAAAA))

	require.NotEmpty(t, mock.writtenData)
	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.True(t, bytes.Contains(mock.writtenData[errorHeaderSize:], []byte("rate limit exceeded")))

	// A different IP still has its own budget.
	tr.handlePacket(mock, &net.UDPAddr{IP: net.ParseIP("192.168.1.2"), Port: 6881},
		buildConnectPacket(protocolMagic, 0xBBBB))
	assert.Equal(t, uint32(actionConnect), binary.BigEndian.Uint32(mock.writtenData[0:4]))
}

func TestHandlePacket_AnnounceInvalidConnectionID(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	packet := buildAnnouncePacket(0xBADBADBAD, 12345,
		bytes.Repeat([]byte{0x01}, 20), bytes.Repeat([]byte{0x02}, 20))

	tr.handlePacket(mock, addr, packet)

	require.NotEmpty(t, mock.writtenData)
	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.Equal(t, uint32(12345), binary.BigEndian.Uint32(mock.writtenData[4:8]))
	assert.True(t, bytes.Contains(mock.writtenData[errorHeaderSize:], []byte("invalid connection id")))
	assert.Nil(t, receivedEvent(sub), "rejected announce must not be recorded")
}

func TestHandlePacket_AnnounceFromWrongAddress(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}

	issuedFor := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, issuedFor)

	other := &net.UDPAddr{IP: net.ParseIP("192.168.1.2"), Port: 6881}
	packet := buildAnnouncePacket(connID, 12345,
		bytes.Repeat([]byte{0x01}, 20), bytes.Repeat([]byte{0x02}, 20))

	tr.handlePacket(mock, other, packet)

	require.NotEmpty(t, mock.writtenData)
	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.Nil(t, receivedEvent(sub))
}

func TestHandlePacket_AnnounceHappyPath(t *testing.T) {
	tr, sub := setupTracker(t, fixedStats{tracker.ScrapeStats{Seeders: 3, Completed: 7, Leechers: 2}})
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	infoHash := bytes.Repeat([]byte{0xAA}, 20)
	peerID := bytes.Repeat([]byte{0xBB}, 20)
	packet := buildAnnouncePacket(connID, 0x0A0B0C0D, infoHash, peerID)
	binary.BigEndian.PutUint64(packet[56:64], 100)  // downloaded
	binary.BigEndian.PutUint64(packet[64:72], 1000) // left
	binary.BigEndian.PutUint64(packet[72:80], 50)   // uploaded
	binary.BigEndian.PutUint32(packet[80:84], 2)    // started
	binary.BigEndian.PutUint32(packet[88:92], 0xCAFEBABE)
	binary.BigEndian.PutUint32(packet[92:96], 25)
	binary.BigEndian.PutUint16(packet[96:98], 51413)

	tr.handlePacket(mock, addr, packet)

	require.Len(t, mock.writtenData, announceResponseSize)
	assert.Equal(t, uint32(actionAnnounce), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.Equal(t, uint32(0x0A0B0C0D), binary.BigEndian.Uint32(mock.writtenData[4:8]))
	assert.Equal(t, uint32(1800), binary.BigEndian.Uint32(mock.writtenData[8:12]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(mock.writtenData[12:16]), "leechers")
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(mock.writtenData[16:20]), "seeders")

	ev := receivedEvent(sub)
	require.NotNil(t, ev, "announce must be recorded")
	assert.Equal(t, tracker.ProtocolUDP, ev.Protocol)
	assert.Equal(t, tracker.KindStarted, ev.Kind)
	assert.Equal(t, tracker.NewHashID(infoHash).String(), ev.InfoHash)
	assert.Equal(t, tracker.NewHashID(peerID).String(), ev.PeerID)
	assert.Equal(t, "192.168.1.1", ev.ClientIP)
	assert.Equal(t, uint16(51413), ev.ClientPort)
	assert.Equal(t, uint64(100), ev.Downloaded)
	assert.Equal(t, uint64(1000), ev.Left)
	assert.Equal(t, uint64(50), ev.Uploaded)
	assert.Equal(t, uint32(25), ev.NumWant)
	assert.Equal(t, "cafebabe", ev.Key)
	assert.Nil(t, receivedEvent(sub), "exactly one event per announce")
}

func TestHandlePacket_AnnounceInvalidEventCode(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	packet := buildAnnouncePacket(connID, 12345,
		bytes.Repeat([]byte{0x01}, 20), bytes.Repeat([]byte{0x02}, 20))
	binary.BigEndian.PutUint32(packet[80:84], 9) // no such event

	tr.handlePacket(mock, addr, packet)

	require.NotEmpty(t, mock.writtenData)
	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.Nil(t, receivedEvent(sub))
}

func TestHandlePacket_TruncatedAnnounceIsDropped(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	packet := make([]byte, 50)
	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], 12345)

	tr.handlePacket(mock, addr, packet)

	assert.Zero(t, mock.writes)
	assert.Nil(t, receivedEvent(sub))
}

func TestHandlePacket_ScrapeResponseFormat(t *testing.T) {
	tr, sub := setupTracker(t, fixedStats{tracker.ScrapeStats{Seeders: 4, Completed: 9, Leechers: 6}})
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	hash := bytes.Repeat([]byte{0xAA}, 20)
	tr.handlePacket(mock, addr, buildScrapePacket(connID, 777, hash))

	require.Len(t, mock.writtenData, scrapeHeaderSize+scrapeEntrySize)
	assert.Equal(t, uint32(actionScrape), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.Equal(t, uint32(777), binary.BigEndian.Uint32(mock.writtenData[4:8]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(mock.writtenData[8:12]), "seeders")
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(mock.writtenData[12:16]), "completed")
	assert.Equal(t, uint32(6), binary.BigEndian.Uint32(mock.writtenData[16:20]), "leechers")

	ev := receivedEvent(sub)
	require.NotNil(t, ev)
	assert.Equal(t, tracker.KindScrape, ev.Kind)
	assert.Equal(t, tracker.NewHashID(hash).String(), ev.InfoHash)
}

func TestHandlePacket_ScrapeMultipleHashes(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	first := bytes.Repeat([]byte{0x11}, 20)
	second := bytes.Repeat([]byte{0x22}, 20)
	third := bytes.Repeat([]byte{0x33}, 20)
	tr.handlePacket(mock, addr, buildScrapePacket(connID, 777, first, second, third))

	assert.Len(t, mock.writtenData, scrapeHeaderSize+3*scrapeEntrySize)

	// One event per request, attributed to the first hash.
	ev := receivedEvent(sub)
	require.NotNil(t, ev)
	assert.Equal(t, tracker.NewHashID(first).String(), ev.InfoHash)
	assert.Nil(t, receivedEvent(sub))
}

func TestHandlePacket_ScrapeWithoutHashes(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	tr.handlePacket(mock, addr, buildScrapePacket(connID, 777))

	require.NotEmpty(t, mock.writtenData)
	assert.Equal(t, uint32(actionError), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	assert.True(t, bytes.Contains(mock.writtenData[errorHeaderSize:], []byte("no info hashes")))
	assert.Nil(t, receivedEvent(sub))
}

func TestHandlePacket_NilStatsDegradesToZeros(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	connID := issueConnID(t, tr, addr)

	tr.handlePacket(mock, addr, buildScrapePacket(connID, 777, bytes.Repeat([]byte{0xAA}, 20)))

	require.Len(t, mock.writtenData, scrapeHeaderSize+scrapeEntrySize)
	for offset := scrapeHeaderSize; offset < len(mock.writtenData); offset += 4 {
		assert.Zero(t, binary.BigEndian.Uint32(mock.writtenData[offset:offset+4]))
	}
}

func TestSendError_TruncatesLongMessage(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	tr.sendError(mock, addr, 12345, strings.Repeat("x", 500))

	assert.Len(t, mock.writtenData, errorHeaderSize+errorMaxMsgLen)
}

func TestSendError_WriteFailureDoesNotPanic(t *testing.T) {
	tr, _ := setupTracker(t, nil)
	failing := &mockFailingPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}

	tr.sendError(failing, addr, 12345, "test error message")

	assert.Empty(t, failing.writtenData)
}

func TestFullFlow_ConnectAnnounceScrape(t *testing.T) {
	tr, sub := setupTracker(t, nil)
	mock := &mockPacketConn{}
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1"), Port: 6881}
	infoHash := bytes.Repeat([]byte{0xAB}, 20)

	tr.handlePacket(mock, addr, buildConnectPacket(protocolMagic, 10001))
	require.Equal(t, uint32(actionConnect), binary.BigEndian.Uint32(mock.writtenData[0:4]))
	connectionID := binary.BigEndian.Uint64(mock.writtenData[8:16])
	require.NotZero(t, connectionID)

	packet := buildAnnouncePacket(connectionID, 10002, infoHash, bytes.Repeat([]byte{0xCD}, 20))
	binary.BigEndian.PutUint16(packet[96:98], 6881)
	tr.handlePacket(mock, addr, packet)
	require.Equal(t, uint32(actionAnnounce), binary.BigEndian.Uint32(mock.writtenData[0:4]))

	tr.handlePacket(mock, addr, buildScrapePacket(connectionID, 10003, infoHash))
	require.Equal(t, uint32(actionScrape), binary.BigEndian.Uint32(mock.writtenData[0:4]))

	// One announce event plus one scrape event, in order.
	first := receivedEvent(sub)
	require.NotNil(t, first)
	assert.Equal(t, tracker.KindNone, first.Kind)
	second := receivedEvent(sub)
	require.NotNil(t, second)
	assert.Equal(t, tracker.KindScrape, second.Kind)
}
