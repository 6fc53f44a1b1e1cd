package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"xorroute/internal/ident"
)

const (
	alpnProtocol = "xorroute/1"

	dialTimeout     = 10 * time.Second
	helloTimeout    = 5 * time.Second
	maxDatagramSize = 2 << 20
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Overlay
// trust comes from message signatures, not the TLS layer.
func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("xorroute-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(20 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

type quicPeer struct {
	conn quic.Connection
}

// QUIC carries datagrams over QUIC: one bidirectional hello stream per
// connection, then one unidirectional stream per datagram.
type QUIC struct {
	id       ident.Address
	listener *quic.Listener
	tlsConf  *tls.Config
	log      *zap.Logger

	mu       sync.Mutex
	handlers Handlers
	peers    map[ident.Address]quicPeer
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewQUIC(id ident.Address, bind string, log *zap.Logger) (*QUIC, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cert, err := devTLSCert()
	if err != nil {
		return nil, fmt.Errorf("tls cert: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	listener, err := quic.ListenAddr(bind, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &QUIC{
		id:       id,
		listener: listener,
		tlsConf:  tlsConf,
		log:      log.With(zap.String("self", id.Short())),
		peers:    make(map[ident.Address]quicPeer),
		ctx:      ctx,
		cancel:   cancel,
	}
	go t.acceptLoop()
	return t, nil
}

func (t *QUIC) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *QUIC) AcceptingPort() uint16 {
	ap, err := netip.ParseAddrPort(t.listener.Addr().String())
	if err != nil {
		return 0
	}
	return ap.Port()
}

func (t *QUIC) Connect(endpoint netip.AddrPort, done ConnectFunc) {
	go func() {
		ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
		defer cancel()

		conn, err := quic.DialAddr(ctx, endpoint.String(), t.tlsConf, nil)
		if err != nil {
			done(fmt.Errorf("%w: %v", ErrPeerUnreachable, err), ident.Address{}, netip.AddrPort{})
			return
		}

		peer, observed, err := t.dialHello(ctx, conn)
		if err != nil {
			_ = conn.CloseWithError(1, "hello failed")
			done(err, ident.Address{}, netip.AddrPort{})
			return
		}

		if !t.register(peer, conn) {
			_ = conn.CloseWithError(0, "already connected")
			done(nil, peer, observed)
			return
		}
		go t.receiveLoop(peer, conn)
		done(nil, peer, observed)
	}()
}

func (t *QUIC) Send(peer ident.Address, data []byte, done SendFunc) {
	t.mu.Lock()
	p, ok := t.peers[peer]
	closed := t.closed
	t.mu.Unlock()

	complete := func(err error) {
		if done != nil {
			done(err)
		}
	}
	if closed {
		complete(ErrTransportClosed)
		return
	}
	if !ok {
		complete(ErrPeerUnreachable)
		return
	}

	go func() {
		stream, err := p.conn.OpenUniStreamSync(t.ctx)
		if err != nil {
			complete(fmt.Errorf("%w: %v", ErrPeerUnreachable, err))
			return
		}
		if _, err := stream.Write(data); err != nil {
			complete(fmt.Errorf("%w: %v", ErrPeerUnreachable, err))
			return
		}
		complete(stream.Close())
	}()
}

func (t *QUIC) Drop(peer ident.Address) {
	t.mu.Lock()
	p, ok := t.peers[peer]
	delete(t.peers, peer)
	t.mu.Unlock()
	if ok {
		_ = p.conn.CloseWithError(0, "dropped")
	}
}

func (t *QUIC) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[ident.Address]quicPeer)
	t.mu.Unlock()

	t.cancel()
	for _, p := range peers {
		_ = p.conn.CloseWithError(0, "closing")
	}
	return t.listener.Close()
}

func (t *QUIC) acceptLoop() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			return
		}
		go t.handleInbound(conn)
	}
}

// handleInbound answers the dialer's hello with our identity and the
// endpoint we observed the dialer on.
func (t *QUIC) handleInbound(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(t.ctx, helloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.log.Debug("inbound connection sent no hello", zap.Error(err))
		_ = conn.CloseWithError(1, "no hello")
		return
	}

	var peerID ident.Address
	if _, err := io.ReadFull(stream, peerID[:]); err != nil {
		t.log.Debug("short hello", zap.Error(err))
		_ = conn.CloseWithError(1, "short hello")
		return
	}

	observed, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err := writeHelloReply(stream, t.id, observed); err != nil {
		_ = conn.CloseWithError(1, "hello reply failed")
		return
	}
	_ = stream.Close()

	if !t.register(peerID, conn) {
		_ = conn.CloseWithError(0, "already connected")
		return
	}

	t.mu.Lock()
	accepted := t.handlers.OnPeerAccepted
	t.mu.Unlock()
	if accepted != nil {
		accepted(peerID, observed)
	}
	go t.receiveLoop(peerID, conn)
}

func (t *QUIC) dialHello(ctx context.Context, conn quic.Connection) (ident.Address, netip.AddrPort, error) {
	var none ident.Address
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return none, netip.AddrPort{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer stream.Close()

	if _, err := stream.Write(t.id[:]); err != nil {
		return none, netip.AddrPort{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	var peerID ident.Address
	if _, err := io.ReadFull(stream, peerID[:]); err != nil {
		return none, netip.AddrPort{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	observed, err := readAddrPort(stream)
	if err != nil {
		return none, netip.AddrPort{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return peerID, observed, nil
}

func (t *QUIC) register(peer ident.Address, conn quic.Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, exists := t.peers[peer]; exists {
		return false
	}
	t.peers[peer] = quicPeer{conn: conn}
	return true
}

func (t *QUIC) receiveLoop(peer ident.Address, conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(t.ctx)
		if err != nil {
			t.lost(peer, conn)
			return
		}
		go func() {
			data, err := io.ReadAll(io.LimitReader(stream, maxDatagramSize))
			if err != nil || len(data) == 0 {
				return
			}
			t.mu.Lock()
			onMessage := t.handlers.OnMessage
			t.mu.Unlock()
			if onMessage != nil {
				onMessage(peer, data)
			}
		}()
	}
}

func (t *QUIC) lost(peer ident.Address, conn quic.Connection) {
	t.mu.Lock()
	cur, ok := t.peers[peer]
	if ok && cur.conn == conn {
		delete(t.peers, peer)
	} else {
		ok = false
	}
	closed := t.closed
	lost := t.handlers.OnConnectionLost
	t.mu.Unlock()

	if ok && !closed && lost != nil {
		lost(peer)
	}
}

func writeHelloReply(w io.Writer, id ident.Address, observed netip.AddrPort) error {
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	b, err := observed.MarshalBinary()
	if err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readAddrPort(r io.Reader) (netip.AddrPort, error) {
	var ap netip.AddrPort
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return ap, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n > 64 {
		return ap, fmt.Errorf("oversized endpoint")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return ap, err
	}
	if err := ap.UnmarshalBinary(b); err != nil {
		return ap, err
	}
	return ap, nil
}
