package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/dep2p/go-relaymesh/internal/util/logger"
	"github.com/dep2p/go-relaymesh/pkg/message"
)

var transportLog = logger.Named("transport")

// InboundHandler is invoked for every successfully decoded inbound
// message; it returns an optional response to write back on the same
// transport.
type InboundHandler func(m *message.Message) *message.Message

// ChannelServer owns the master's bound TCP listener and UDP socket. It
// decodes inbound datagrams/streams into Messages and hands them to an
// InboundHandler, then encodes and writes back any returned response.
type ChannelServer struct {
	tcpListener *net.TCPListener
	udpConn     *net.UDPConn

	handler InboundHandler

	wg       sync.WaitGroup
	closeMu  sync.Mutex
	closed   bool
}

// Bind starts a TCP listener and a UDP socket on tcpPort/udpPort. Either
// failing aborts construction, per the master's "startup must succeed or
// the whole construction fails" rule.
func Bind(tcpPort, udpPort int, handler InboundHandler) (*ChannelServer, error) {
	tcpAddr := &net.TCPAddr{Port: tcpPort}
	tl, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind tcp %d: %w", tcpPort, err)
	}
	udpAddr := &net.UDPAddr{Port: udpPort}
	uc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("transport: bind udp %d: %w", udpPort, err)
	}

	cs := &ChannelServer{tcpListener: tl, udpConn: uc, handler: handler}
	cs.wg.Add(2)
	go cs.acceptTCP()
	go cs.readUDP()
	return cs, nil
}

// LocalTCPPort returns the bound TCP port (useful when Bind was given 0).
func (cs *ChannelServer) LocalTCPPort() int {
	return cs.tcpListener.Addr().(*net.TCPAddr).Port
}

// LocalUDPPort returns the bound UDP port.
func (cs *ChannelServer) LocalUDPPort() int {
	return cs.udpConn.LocalAddr().(*net.UDPAddr).Port
}

// UDPConn returns the bound UDP socket, shared with Sender so outbound
// requests and inbound responses use the same local port.
func (cs *ChannelServer) UDPConn() net.PacketConn {
	return cs.udpConn
}

func (cs *ChannelServer) acceptTCP() {
	defer cs.wg.Done()
	for {
		conn, err := cs.tcpListener.Accept()
		if err != nil {
			return // listener closed
		}
		go cs.serveTCP(conn)
	}
}

func (cs *ChannelServer) serveTCP(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		transportLog.Debug("tcp read failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	cs.handleBytes(buf[:n], remoteIP(conn.RemoteAddr()), conn)
}

func (cs *ChannelServer) readUDP() {
	defer cs.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := cs.udpConn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		payload := append([]byte(nil), buf[:n]...)
		go cs.handleBytes(payload, addr.IP, udpReplyer{cs.udpConn, addr})
	}
}

type udpReplyer struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (u udpReplyer) Write(b []byte) (int, error) { return u.conn.WriteToUDP(b, u.addr) }

func remoteIP(addr net.Addr) net.IP {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

func (cs *ChannelServer) handleBytes(buf []byte, realSender net.IP, reply interface{ Write([]byte) (int, error) }) {
	m, err := message.Decode(buf, realSender)
	if err != nil {
		transportLog.Debug("discarding malformed message", "err", err)
		return
	}
	if cs.handler == nil {
		return
	}
	resp := cs.handler(m)
	if resp == nil {
		return
	}
	out, err := message.Encode(resp)
	if err != nil {
		transportLog.Debug("failed to encode response", "err", err)
		return
	}
	if _, err := reply.Write(out); err != nil {
		transportLog.Debug("failed to write response", "err", err)
	}
}

// Close shuts down both listeners. Idempotent.
func (cs *ChannelServer) Close() error {
	cs.closeMu.Lock()
	if cs.closed {
		cs.closeMu.Unlock()
		return nil
	}
	cs.closed = true
	cs.closeMu.Unlock()

	cs.tcpListener.Close()
	cs.udpConn.Close()
	cs.wg.Wait()
	return nil
}
