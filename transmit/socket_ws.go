package transmit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsSocketSettings struct {
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	SendBufferSize   int
}

func DefaultWsSocketSettings() *WsSocketSettings {
	return &WsSocketSettings{
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingTimeout:      15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SendBufferSize:   32,
	}
}

// WsSocket is a DatagramSocket over a single websocket connection, a point
// to point link for network paths where UDP is blocked. Each binary
// websocket message carries exactly one datagram. Sends go through a
// buffered pump with write deadlines and a ping keepalive; a full send
// buffer drops the datagram, matching UDP loss semantics. The link has
// exactly one peer: SendTo to any other endpoint is an error and Resolve
// always returns the peer endpoint. A failed link closes the socket, which
// ends the owning transmitter's receive loop.
type WsSocket struct {
	ctx      context.Context
	cancel   context.CancelFunc
	conn     *websocket.Conn
	settings *WsSocketSettings

	localEndpoint netip.AddrPort
	peerEndpoint  netip.AddrPort

	sends chan []byte
}

// DialWsSocket connects the client end of a bridge, for example
// ws://host:port/transmit.
func DialWsSocket(ctx context.Context, url string, settings *WsSocketSettings) (*WsSocket, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWsSocket(ctx, conn, settings), nil
}

var wsUpgrader = websocket.Upgrader{}

// UpgradeWsSocket upgrades an inbound HTTP request into the server end of a
// bridge. The socket is tied to ctx, not to the request, and lives after the
// handler returns.
func UpgradeWsSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, settings *WsSocketSettings) (*WsSocket, error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWsSocket(ctx, conn, settings), nil
}

// NewWsSocket wraps an established websocket connection and starts the send
// pump.
func NewWsSocket(ctx context.Context, conn *websocket.Conn, settings *WsSocketSettings) *WsSocket {
	cancelCtx, cancel := context.WithCancel(ctx)
	socket := &WsSocket{
		ctx:           cancelCtx,
		cancel:        cancel,
		conn:          conn,
		settings:      settings,
		localEndpoint: addrPortFromNetAddr(conn.LocalAddr()),
		peerEndpoint:  addrPortFromNetAddr(conn.RemoteAddr()),
		sends:         make(chan []byte, settings.SendBufferSize),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go socket.run()
	return socket
}

func (self *WsSocket) run() {
	defer func() {
		self.cancel()
		self.conn.Close()
	}()
	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			self.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		case message := <-self.sends:
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				glog.Infof("[ws]%s send -> error = %s\n", self.localEndpoint, err)
				return
			}
		case <-pingTicker.C:
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
				glog.Infof("[ws]%s ping -> error = %s\n", self.localEndpoint, err)
				return
			}
		}
	}
}

func (self *WsSocket) SendTo(endpoint netip.AddrPort, b []byte) (ByteCount, error) {
	if endpoint != self.peerEndpoint {
		return 0, fmt.Errorf("Endpoint %s is not the bridge peer %s.", endpoint, self.peerEndpoint)
	}
	// the pump owns the bytes after the send, so copy out of the caller's
	// reusable buffer
	message := make([]byte, len(b))
	copy(message, b)
	select {
	case <-self.ctx.Done():
		return 0, net.ErrClosed
	case self.sends <- message:
		return ByteCount(len(b)), nil
	default:
		glog.V(2).Infof("[ws]%s send buffer full, dropping %d bytes\n", self.localEndpoint, len(b))
		return ByteCount(len(b)), nil
	}
}

func (self *WsSocket) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	for {
		if self.ctx.Err() != nil {
			return 0, netip.AddrPort{}, net.ErrClosed
		}
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.conn.ReadMessage()
		if err != nil {
			closed := self.ctx.Err() != nil
			self.cancel()
			// a peer that closed the bridge normally is done, not a fault
			peerClosed := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if closed || peerClosed || IsDoneError(err) {
				return 0, netip.AddrPort{}, net.ErrClosed
			}
			return 0, netip.AddrPort{}, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		n := copy(b, message)
		return n, self.peerEndpoint, nil
	}
}

func (self *WsSocket) Resolve(host string, port int) (netip.AddrPort, error) {
	return self.peerEndpoint, nil
}

func (self *WsSocket) LocalEndpoint() netip.AddrPort {
	return self.localEndpoint
}

func (self *WsSocket) Close() error {
	self.cancel()
	return nil
}

func addrPortFromNetAddr(addr net.Addr) netip.AddrPort {
	switch netAddr := addr.(type) {
	case *net.TCPAddr:
		return normalEndpoint(netAddr.AddrPort())
	case *net.UDPAddr:
		return normalEndpoint(netAddr.AddrPort())
	default:
		return netip.AddrPort{}
	}
}
