package udptracker

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// ListenUDP creates a UDP socket for the given network ("udp4" or "udp6")
// bound to ip:port. An empty ip binds the wildcard address of the family.
func ListenUDP(network, ip string, port int) (*net.UDPConn, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		switch network {
		case "udp6":
			addr = net.IPv6zero
		default:
			addr = net.IPv4zero
		}
	}
	return net.ListenUDP(network, &net.UDPAddr{IP: addr, Port: port})
}

// Listen runs the receive loop until ctx is canceled or the socket closes.
// UDP has no per-client connection object, so packets are processed
// sequentially; per-request work is validation plus one response write, so
// there is nothing to parallelize. A receive timeout doubles as the
// maintenance trigger: each expiry sweeps the registry and the rate
// limiter table instead of being treated as an error.
func (t *Tracker) Listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxPacketSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(receiveTimeout)); err != nil {
			t.log.Error("failed to set read deadline", zap.Error(err))
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				t.registry.Sweep()
				t.cleanupRateLimiters()
				continue
			}
			t.log.Error("failed to read udp packet", zap.Error(err))
			continue
		}

		t.handlePacket(conn, addr, buf[:n])
	}
}
