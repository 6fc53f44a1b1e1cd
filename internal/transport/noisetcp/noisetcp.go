// Package noisetcp carries overlay datagrams over Noise-XX-secured TCP.
// It satisfies the same transport contract as the QUIC implementation for
// deployments where UDP is filtered.
package noisetcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/flynn/noise"
	"go.uber.org/zap"

	"xorroute/internal/ident"
	"xorroute/internal/transport"
)

type peerConn struct {
	conn *secureConn

	writeMu sync.Mutex
}

// Transport is the Noise-over-TCP datagram carrier.
type Transport struct {
	id       ident.Address
	static   noise.DHKey
	listener net.Listener
	log      *zap.Logger

	mu       sync.Mutex
	handlers transport.Handlers
	peers    map[ident.Address]*peerConn
	closed   bool
}

func New(id ident.Address, bind string, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	static, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noise keypair: %w", err)
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	t := &Transport{
		id:       id,
		static:   static,
		listener: listener,
		log:      log.With(zap.String("self", id.Short())),
		peers:    make(map[ident.Address]*peerConn),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Transport) AcceptingPort() uint16 {
	ap, err := netip.ParseAddrPort(t.listener.Addr().String())
	if err != nil {
		return 0
	}
	return ap.Port()
}

func (t *Transport) Connect(endpoint netip.AddrPort, done transport.ConnectFunc) {
	go func() {
		raw, err := net.Dial("tcp", endpoint.String())
		if err != nil {
			done(fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err), ident.Address{}, netip.AddrPort{})
			return
		}

		hs, err := secureClient(raw, t.static, t.id[:])
		if err != nil {
			_ = raw.Close()
			done(fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err), ident.Address{}, netip.AddrPort{})
			return
		}

		peerID, observed, err := parseServerHello(hs.remotePayload)
		if err != nil {
			_ = hs.conn.Close()
			done(fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err), ident.Address{}, netip.AddrPort{})
			return
		}

		pc := &peerConn{conn: hs.conn}
		if !t.register(peerID, pc) {
			_ = hs.conn.Close()
			done(nil, peerID, observed)
			return
		}
		go t.readLoop(peerID, pc)
		done(nil, peerID, observed)
	}()
}

func (t *Transport) Send(peer ident.Address, data []byte, done transport.SendFunc) {
	t.mu.Lock()
	pc, ok := t.peers[peer]
	closed := t.closed
	t.mu.Unlock()

	complete := func(err error) {
		if done != nil {
			done(err)
		}
	}
	if closed {
		complete(transport.ErrTransportClosed)
		return
	}
	if !ok {
		complete(transport.ErrPeerUnreachable)
		return
	}

	go func() {
		pc.writeMu.Lock()
		err := pc.conn.WriteFrame(data)
		pc.writeMu.Unlock()
		if err != nil {
			complete(fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err))
			return
		}
		complete(nil)
	}()
}

func (t *Transport) Drop(peer ident.Address) {
	t.mu.Lock()
	pc, ok := t.peers[peer]
	delete(t.peers, peer)
	t.mu.Unlock()
	if ok {
		_ = pc.conn.Close()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[ident.Address]*peerConn)
	t.mu.Unlock()

	for _, pc := range peers {
		_ = pc.conn.Close()
	}
	return t.listener.Close()
}

func (t *Transport) acceptLoop() {
	for {
		raw, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleInbound(raw)
	}
}

func (t *Transport) handleInbound(raw net.Conn) {
	observed, _ := netip.ParseAddrPort(raw.RemoteAddr().String())
	hs, err := secureServer(raw, t.static, serverHello(t.id, observed))
	if err != nil {
		t.log.Debug("inbound noise handshake failed", zap.Error(err))
		_ = raw.Close()
		return
	}

	if len(hs.remotePayload) != ident.AddressBytes {
		_ = hs.conn.Close()
		return
	}
	var peerID ident.Address
	copy(peerID[:], hs.remotePayload)

	pc := &peerConn{conn: hs.conn}
	if !t.register(peerID, pc) {
		_ = hs.conn.Close()
		return
	}

	t.mu.Lock()
	accepted := t.handlers.OnPeerAccepted
	t.mu.Unlock()
	if accepted != nil {
		accepted(peerID, observed)
	}
	go t.readLoop(peerID, pc)
}

func (t *Transport) register(peer ident.Address, pc *peerConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, exists := t.peers[peer]; exists {
		return false
	}
	t.peers[peer] = pc
	return true
}

func (t *Transport) readLoop(peer ident.Address, pc *peerConn) {
	for {
		data, err := pc.conn.ReadFrame()
		if err != nil {
			t.lost(peer, pc)
			return
		}
		t.mu.Lock()
		onMessage := t.handlers.OnMessage
		t.mu.Unlock()
		if onMessage != nil {
			onMessage(peer, data)
		}
	}
}

func (t *Transport) lost(peer ident.Address, pc *peerConn) {
	t.mu.Lock()
	cur, ok := t.peers[peer]
	if ok && cur == pc {
		delete(t.peers, peer)
	} else {
		ok = false
	}
	closed := t.closed
	lost := t.handlers.OnConnectionLost
	t.mu.Unlock()

	_ = pc.conn.Close()
	if ok && !closed && lost != nil {
		lost(peer)
	}
}

// serverHello is the responder's handshake payload: identity plus the
// endpoint the dialer was observed on.
func serverHello(id ident.Address, observed netip.AddrPort) []byte {
	b, _ := observed.MarshalBinary()
	out := make([]byte, 0, ident.AddressBytes+2+len(b))
	out = append(out, id[:]...)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	out = append(out, lenBuf[:]...)
	return append(out, b...)
}

func parseServerHello(p []byte) (ident.Address, netip.AddrPort, error) {
	var id ident.Address
	var ap netip.AddrPort
	if len(p) < ident.AddressBytes+2 {
		return id, ap, fmt.Errorf("short hello payload")
	}
	copy(id[:], p[:ident.AddressBytes])
	n := binary.LittleEndian.Uint16(p[ident.AddressBytes : ident.AddressBytes+2])
	rest := p[ident.AddressBytes+2:]
	if int(n) != len(rest) {
		return id, ap, fmt.Errorf("bad hello endpoint length")
	}
	if n > 0 {
		if err := ap.UnmarshalBinary(rest); err != nil {
			return id, ap, err
		}
	}
	return id, ap, nil
}
