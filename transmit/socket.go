package transmit

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// DatagramSocket is the boundary between the transmitter and the underlying
// datagram transport: bind happens at construction, then send-to,
// receive-from and hostname resolution. The production implementation is
// UdpSocket. WsSocket carries the same contract over a websocket for UDP
// hostile network paths, and the tests run an in memory network.
type DatagramSocket interface {
	// SendTo writes one datagram to the endpoint.
	SendTo(endpoint netip.AddrPort, b []byte) (ByteCount, error)
	// ReceiveFrom blocks for the next datagram, filling b and returning the
	// byte count and the sender's endpoint. Oversized datagrams are
	// truncated to len(b), matching UDP semantics.
	ReceiveFrom(b []byte) (int, netip.AddrPort, error)
	// Resolve maps a hostname and port to a sendable endpoint.
	Resolve(host string, port int) (netip.AddrPort, error)
	LocalEndpoint() netip.AddrPort
	Close() error
}

// UdpSocket is a DatagramSocket over a bound UDP socket.
type UdpSocket struct {
	conn *net.UDPConn
}

func NewUdpSocket(bindAddress string) (*UdpSocket, error) {
	bindAddr, err := net.ResolveUDPAddr("udp", bindAddress)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &UdpSocket{
		conn: conn,
	}, nil
}

func (self *UdpSocket) SendTo(endpoint netip.AddrPort, b []byte) (ByteCount, error) {
	n, err := self.conn.WriteToUDPAddrPort(b, endpoint)
	return ByteCount(n), err
}

func (self *UdpSocket) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	n, endpoint, err := self.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, normalEndpoint(endpoint), nil
}

func (self *UdpSocket) Resolve(host string, port int) (netip.AddrPort, error) {
	if port < 0 || 65535 < port {
		return netip.AddrPort{}, fmt.Errorf("Port %d out of range.", port)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("No addresses for host %s.", host)
	}
	// prefer ipv4 to match the common dual stack bind
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
		}
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

func (self *UdpSocket) LocalEndpoint() netip.AddrPort {
	return self.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (self *UdpSocket) Close() error {
	return self.conn.Close()
}

// normalEndpoint unmaps v4-in-v6 addresses so that endpoints compare equal
// as session table keys regardless of the socket's stack.
func normalEndpoint(endpoint netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port())
}
