// Package conn ties routing-table membership to transport liveness: it
// adds peers once their connection is up, drops them when it is lost, and
// reports every resulting close-group change.
package conn

import (
	"errors"
	"net/netip"
	"sync"

	"go.uber.org/zap"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
	"xorroute/internal/telemetry"
	"xorroute/internal/transport"
)

var (
	ErrIDMismatch = errors.New("peer identity mismatch")
	ErrTableFull  = errors.New("routing table rejected peer")
)

// AddFunc completes AddNode/AddNodeAccept with the close-group change the
// insertion caused, if any.
type AddFunc func(err error, diff routing.CloseGroupDifference)

// LostFunc reports a dropped peer and the close-group change, if any.
type LostFunc func(peer ident.Address, diff routing.CloseGroupDifference)

type acceptWaiter struct {
	info routing.NodeInfo
	done AddFunc
}

// Manager owns the routing table and the transport underneath one node.
type Manager struct {
	table   *routing.Table
	tr      transport.Transport
	log     *zap.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	connected map[ident.Address]bool
	accepts   map[ident.Address]acceptWaiter

	onMessage func(peer ident.Address, data []byte)
	onLost    LostFunc
}

func NewManager(table *routing.Table, tr transport.Transport, log *zap.Logger, metrics *telemetry.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		table:     table,
		tr:        tr,
		log:       log,
		metrics:   metrics,
		connected: make(map[ident.Address]bool),
		accepts:   make(map[ident.Address]acceptWaiter),
	}
	tr.SetHandlers(transport.Handlers{
		OnMessage:        m.handleMessage,
		OnPeerAccepted:   m.handleAccepted,
		OnConnectionLost: m.handleLost,
	})
	return m
}

// SetUpcalls installs the node's message and churn handlers.
func (m *Manager) SetUpcalls(onMessage func(ident.Address, []byte), onLost LostFunc) {
	m.mu.Lock()
	m.onMessage = onMessage
	m.onLost = onLost
	m.mu.Unlock()
}

func (m *Manager) OurID() ident.Address { return m.table.Self() }

func (m *Manager) Size() int { return m.table.Size() }

func (m *Manager) OurCloseGroup() []routing.NodeInfo { return m.table.CloseGroup() }

func (m *Manager) GetTarget(target ident.Address) []routing.NodeInfo {
	return m.table.Targets(target)
}

func (m *Manager) InCloseGroupRange(addr ident.Address) bool {
	return m.table.InCloseGroupRange(addr)
}

// SuggestNodeToAdd reports whether the table would accept addr.
func (m *Manager) SuggestNodeToAdd(addr ident.Address) bool {
	return m.table.Check(addr)
}

// Lookup returns the table entry for addr.
func (m *Manager) Lookup(addr ident.Address) (routing.NodeInfo, bool) {
	return m.table.Lookup(addr)
}

// IsConnectedClient reports whether peer is directly connected but not a
// routing-table member — the relay case.
func (m *Manager) IsConnectedClient(peer ident.Address) bool {
	m.mu.Lock()
	conn := m.connected[peer]
	m.mu.Unlock()
	if !conn {
		return false
	}
	_, routed := m.table.Lookup(peer)
	return !routed
}

// Send hands bytes to the transport for peer.
func (m *Manager) Send(peer ident.Address, data []byte, done transport.SendFunc) {
	m.tr.Send(peer, data, done)
}

// Connect dials an endpoint without table involvement (bootstrap).
func (m *Manager) Connect(endpoint netip.AddrPort, done transport.ConnectFunc) {
	m.tr.Connect(endpoint, func(err error, peer ident.Address, observed netip.AddrPort) {
		if err == nil {
			m.mu.Lock()
			m.connected[peer] = true
			m.mu.Unlock()
		}
		done(err, peer, observed)
	})
}

// AcceptingPort exposes the transport's listen port for endpoint pairs.
func (m *Manager) AcceptingPort() uint16 { return m.tr.AcceptingPort() }

// AddNode dials the peer's endpoints and inserts it on success.
func (m *Manager) AddNode(info routing.NodeInfo, endpoints routing.EndpointPair, done AddFunc) {
	m.tr.Connect(endpoints.External, func(err error, peer ident.Address, _ netip.AddrPort) {
		if err != nil {
			done(err, routing.CloseGroupDifference{})
			return
		}
		if peer != info.Address {
			m.tr.Drop(peer)
			done(ErrIDMismatch, routing.CloseGroupDifference{})
			return
		}
		m.mu.Lock()
		m.connected[peer] = true
		m.mu.Unlock()
		diff, ok := m.insert(info)
		if !ok {
			done(ErrTableFull, routing.CloseGroupDifference{})
			return
		}
		done(nil, diff)
	})
}

// AddNodeAccept waits for the peer's incoming connection and inserts it
// once the transport reports the link.
func (m *Manager) AddNodeAccept(info routing.NodeInfo, _ routing.EndpointPair, done AddFunc) {
	m.mu.Lock()
	if m.connected[info.Address] {
		m.mu.Unlock()
		diff, ok := m.insert(info)
		if !ok {
			done(ErrTableFull, routing.CloseGroupDifference{})
			return
		}
		done(nil, diff)
		return
	}
	m.accepts[info.Address] = acceptWaiter{info: info, done: done}
	m.mu.Unlock()
}

// DropNode removes the peer from the table and tears the link down.
func (m *Manager) DropNode(addr ident.Address) routing.CloseGroupDifference {
	before := m.table.CloseGroupSnapshot()
	m.table.Drop(addr)
	after := m.table.CloseGroupSnapshot()
	m.tr.Drop(addr)

	m.mu.Lock()
	delete(m.connected, addr)
	m.mu.Unlock()

	m.observeTable()
	return routing.Diff(before, after)
}

func (m *Manager) insert(info routing.NodeInfo) (routing.CloseGroupDifference, bool) {
	info.Connected = true
	before := m.table.CloseGroupSnapshot()
	added, evicted := m.table.Add(info)
	after := m.table.CloseGroupSnapshot()

	if evicted != nil {
		m.log.Debug("evicting peer for new entry",
			zap.String("evicted", evicted.Address.Short()),
			zap.String("added", info.Address.Short()))
		m.tr.Drop(evicted.Address)
		m.mu.Lock()
		delete(m.connected, evicted.Address)
		m.mu.Unlock()
	}
	m.observeTable()
	if !added {
		return routing.CloseGroupDifference{}, false
	}
	return routing.Diff(before, after), true
}

func (m *Manager) observeTable() {
	m.metrics.ObserveTable(m.table.Size(), m.table.NetworkStatus())
}

func (m *Manager) handleMessage(peer ident.Address, data []byte) {
	m.mu.Lock()
	onMessage := m.onMessage
	m.mu.Unlock()
	if onMessage != nil {
		onMessage(peer, data)
	}
}

func (m *Manager) handleAccepted(peer ident.Address, _ netip.AddrPort) {
	m.mu.Lock()
	m.connected[peer] = true
	waiter, pending := m.accepts[peer]
	if pending {
		delete(m.accepts, peer)
	}
	m.mu.Unlock()

	if !pending {
		// A client, a reconnect, or a connect we did not ask for yet.
		m.table.MarkConnected(peer)
		return
	}
	diff, ok := m.insert(waiter.info)
	if !ok {
		waiter.done(ErrTableFull, routing.CloseGroupDifference{})
		return
	}
	waiter.done(nil, diff)
}

func (m *Manager) handleLost(peer ident.Address) {
	m.mu.Lock()
	delete(m.connected, peer)
	onLost := m.onLost
	m.mu.Unlock()

	before := m.table.CloseGroupSnapshot()
	m.table.Drop(peer)
	after := m.table.CloseGroupSnapshot()
	m.observeTable()

	if onLost != nil {
		onLost(peer, routing.Diff(before, after))
	}
}
