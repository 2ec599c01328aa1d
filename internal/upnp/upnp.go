// Package upnp maps the tracker port on the local internet gateway so
// torrent clients outside the LAN can reach the monitor. Best-effort:
// callers log failures and carry on.
package upnp

import (
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/pkg/errors"
)

const leaseDuration = 3600 // seconds; remapped on every restart

// MapPort forwards port on the gateway for the given protocol ("TCP" or
// "UDP") to this machine.
func MapPort(port uint16, protocol, description string) error {
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return errors.Wrap(err, "failed to discover internet gateway")
	}
	if len(clients) == 0 {
		return errors.New("no internet gateway found")
	}

	localIP, err := localAddress()
	if err != nil {
		return err
	}

	for _, client := range clients {
		err = client.AddPortMapping("", port, protocol, port, localIP, true, description, leaseDuration)
		if err != nil {
			return errors.Wrapf(err, "failed to map %s port %d", protocol, port)
		}
	}
	return nil
}

// UnmapPort removes a mapping created by MapPort.
func UnmapPort(port uint16, protocol string) error {
	clients, _, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		return errors.Wrap(err, "failed to discover internet gateway")
	}

	for _, client := range clients {
		if err := client.DeletePortMapping("", port, protocol); err != nil {
			return errors.Wrapf(err, "failed to unmap %s port %d", protocol, port)
		}
	}
	return nil
}

// localAddress finds the outbound-facing IP of this machine without sending
// any packets.
func localAddress() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", errors.Wrap(err, "failed to determine local address")
	}
	defer func() { _ = conn.Close() }()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.New("unexpected local address type")
	}
	return addr.IP.String(), nil
}
