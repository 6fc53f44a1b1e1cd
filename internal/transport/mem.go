package transport

import (
	"net/netip"
	"sync"

	"xorroute/internal/ident"
)

// Mesh is an in-process switchboard connecting Mem transports by fake
// endpoint. It backs the end-to-end tests.
type Mesh struct {
	mu       sync.Mutex
	nextPort uint16
	nodes    map[netip.AddrPort]*Mem
}

func NewMesh() *Mesh {
	return &Mesh{nextPort: 5000, nodes: make(map[netip.AddrPort]*Mem)}
}

// Join creates a transport for id attached to this mesh.
func (m *Mesh) Join(id ident.Address) *Mem {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), m.nextPort)
	m.nextPort++

	t := &Mem{
		mesh:  m,
		id:    id,
		ep:    ep,
		peers: make(map[ident.Address]*Mem),
		inbox: make(chan delivery, 1024),
		quit:  make(chan struct{}),
	}
	m.nodes[ep] = t
	go t.drain()
	return t
}

func (m *Mesh) lookup(ep netip.AddrPort) *Mem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[ep]
}

func (m *Mesh) leave(ep netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, ep)
}

type delivery struct {
	from ident.Address
	data []byte
}

// Mem is the in-process Transport. A single inbox goroutine posts
// upcalls, which preserves per-peer delivery order.
type Mem struct {
	mesh *Mesh
	id   ident.Address
	ep   netip.AddrPort

	mu       sync.Mutex
	handlers Handlers
	peers    map[ident.Address]*Mem
	closed   bool

	inbox chan delivery
	quit  chan struct{}
}

func (t *Mem) ID() ident.Address { return t.id }

// Endpoint is the fake address other mesh members dial.
func (t *Mem) Endpoint() netip.AddrPort { return t.ep }

func (t *Mem) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Mem) AcceptingPort() uint16 { return t.ep.Port() }

func (t *Mem) Connect(endpoint netip.AddrPort, done ConnectFunc) {
	go func() {
		remote := t.mesh.lookup(endpoint)
		if remote == nil || remote == t {
			done(ErrPeerUnreachable, ident.Address{}, netip.AddrPort{})
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			done(ErrTransportClosed, ident.Address{}, netip.AddrPort{})
			return
		}
		t.peers[remote.id] = remote
		t.mu.Unlock()

		remote.mu.Lock()
		remote.peers[t.id] = t
		accepted := remote.handlers.OnPeerAccepted
		remote.mu.Unlock()

		if accepted != nil {
			accepted(t.id, t.ep)
		}
		done(nil, remote.id, t.ep)
	}()
}

func (t *Mem) Send(peer ident.Address, data []byte, done SendFunc) {
	t.mu.Lock()
	remote := t.peers[peer]
	closed := t.closed
	t.mu.Unlock()

	if closed {
		if done != nil {
			done(ErrTransportClosed)
		}
		return
	}
	if remote == nil {
		if done != nil {
			done(ErrPeerUnreachable)
		}
		return
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case remote.inbox <- delivery{from: t.id, data: msg}:
		if done != nil {
			done(nil)
		}
	case <-remote.quit:
		if done != nil {
			done(ErrPeerUnreachable)
		}
	}
}

func (t *Mem) Drop(peer ident.Address) {
	t.mu.Lock()
	remote := t.peers[peer]
	delete(t.peers, peer)
	t.mu.Unlock()

	if remote == nil {
		return
	}

	remote.mu.Lock()
	delete(remote.peers, t.id)
	lost := remote.handlers.OnConnectionLost
	remote.mu.Unlock()

	if lost != nil {
		lost(t.id)
	}
}

func (t *Mem) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*Mem, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[ident.Address]*Mem)
	t.mu.Unlock()

	close(t.quit)
	t.mesh.leave(t.ep)

	for _, p := range peers {
		p.mu.Lock()
		delete(p.peers, t.id)
		lost := p.handlers.OnConnectionLost
		p.mu.Unlock()
		if lost != nil {
			lost(t.id)
		}
	}
	return nil
}

func (t *Mem) drain() {
	for {
		select {
		case <-t.quit:
			return
		case d := <-t.inbox:
			t.mu.Lock()
			onMessage := t.handlers.OnMessage
			t.mu.Unlock()
			if onMessage != nil {
				onMessage(d.from, d.data)
			}
		}
	}
}
