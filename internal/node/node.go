// Package node implements the overlay routing node: the forwarding
// engine, the join handshake and the authority classifier, on top of the
// routing table and a datagram transport.
package node

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"xorroute/internal/cache"
	"xorroute/internal/conn"
	"xorroute/internal/ident"
	"xorroute/internal/routing"
	"xorroute/internal/sentinel"
	"xorroute/internal/telemetry"
	"xorroute/internal/transport"
	"xorroute/internal/wire"
)

// State tracks the join lifecycle.
type State int32

const (
	StateNew State = iota
	StateBootstrapping
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateBootstrapping:
		return "bootstrapping"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Handler is the capability interface the application injects. The core
// calls it from the node's executor; implementations should return fast.
type Handler interface {
	// HandleGet may return the payload stored under name; a nil payload
	// means this node has nothing to contribute.
	HandleGet(source wire.Source, fromAuthority, ourAuthority wire.Authority, dataTag uint64, name ident.Address) ([]byte, error)
	HandlePut(source wire.Source, fromAuthority, ourAuthority wire.Authority, dataTag uint64, data []byte) error
	HandlePost(source wire.Source, fromAuthority, ourAuthority wire.Authority, dataTag uint64, payload []byte) error
	HandleGetDataResponse(response wire.GetDataResponse)
	HandleChurn(diff routing.CloseGroupDifference)
}

// NopHandler ignores everything; embed it to implement part of Handler.
type NopHandler struct{}

func (NopHandler) HandleGet(wire.Source, wire.Authority, wire.Authority, uint64, ident.Address) ([]byte, error) {
	return nil, nil
}
func (NopHandler) HandlePut(wire.Source, wire.Authority, wire.Authority, uint64, []byte) error {
	return nil
}
func (NopHandler) HandlePost(wire.Source, wire.Authority, wire.Authority, uint64, []byte) error {
	return nil
}
func (NopHandler) HandleGetDataResponse(wire.GetDataResponse) {}
func (NopHandler) HandleChurn(routing.CloseGroupDifference)   {}

// Config assembles a node. Zero values fall back to the routing and cache
// package defaults.
type Config struct {
	// PublicKey/PrivateKey are the node's long-term identity; generated
	// when absent. The address is derived from the public key.
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	Transport transport.Transport // required
	Handler   Handler             // nil means NopHandler
	Sentinel  sentinel.Sentinel   // nil disables the quorum gate

	Logger  *zap.Logger
	Metrics *telemetry.Metrics

	GroupSize  int
	TableSize  int
	BucketSize int

	FilterTTL  time.Duration
	FilterSize int
	CacheTTL   time.Duration
	CacheSize  int

	// CacheResponder answers GetData from the content cache without
	// forwarding. Disabled by default.
	CacheResponder bool
}

// GetFunc completes a Get.
type GetFunc func(err error, data []byte)

// DoneFunc completes a Put or Post.
type DoneFunc func(err error)

// RoutingNode is one overlay node. All message-driven work runs on a
// single executor goroutine; public methods post tasks onto it and
// complete through callbacks.
type RoutingNode struct {
	cfg     Config
	log     *zap.Logger
	metrics *telemetry.Metrics

	self ident.Address
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	mgr    *conn.Manager
	filter *cache.Filter
	store  *cache.Store
	sent   sentinel.Sentinel

	msgID atomic.Uint32
	state atomic.Int32

	// Everything below is touched only from executor tasks.
	bootstrapNode *ident.Address
	ourExternal   *netip.AddrPort
	pendingGets   map[uint32]GetFunc
	pendingPuts   map[uint32]DoneFunc
	pendingPosts  map[uint32]DoneFunc

	tasks     chan func()
	quit      chan struct{}
	destroyed atomic.Bool
}

func New(cfg Config) (*RoutingNode, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("node: transport is required")
	}
	if cfg.Handler == nil {
		cfg.Handler = NopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pub, priv := cfg.PublicKey, cfg.PrivateKey
	if pub == nil || priv == nil {
		var err error
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("node: generate identity: %w", err)
		}
	}
	self := ident.FromPublicKey(pub)

	tableOpts := []routing.Option{}
	if cfg.GroupSize > 0 {
		tableOpts = append(tableOpts, routing.WithGroupSize(cfg.GroupSize))
	}
	if cfg.TableSize > 0 {
		tableOpts = append(tableOpts, routing.WithTableSize(cfg.TableSize))
	}
	if cfg.BucketSize > 0 {
		tableOpts = append(tableOpts, routing.WithBucketSize(cfg.BucketSize))
	}
	table := routing.NewTable(self, tableOpts...)

	n := &RoutingNode{
		cfg:          cfg,
		log:          cfg.Logger.With(zap.String("self", self.Short())),
		metrics:      cfg.Metrics,
		self:         self,
		pub:          pub,
		priv:         priv,
		filter:       cache.NewFilter(cfg.FilterSize, cfg.FilterTTL),
		store:        cache.NewStore(cfg.CacheSize, cfg.CacheTTL),
		sent:         cfg.Sentinel,
		pendingGets:  make(map[uint32]GetFunc),
		pendingPuts:  make(map[uint32]DoneFunc),
		pendingPosts: make(map[uint32]DoneFunc),
		tasks:        make(chan func(), 256),
		quit:         make(chan struct{}),
	}
	n.mgr = conn.NewManager(table, cfg.Transport, n.log, cfg.Metrics)
	n.mgr.SetUpcalls(n.onDatagram, n.onConnectionLost)

	// Seed our own fob so joining peers can fetch the key behind our id.
	n.store.Put(self, pub)

	var seed [4]byte
	_, _ = rand.Read(seed[:])
	n.msgID.Store(binary.LittleEndian.Uint32(seed[:]))

	go n.run()
	return n, nil
}

func (n *RoutingNode) ID() ident.Address { return n.self }

func (n *RoutingNode) PublicKey() ed25519.PublicKey { return n.pub }

func (n *RoutingNode) State() State { return State(n.state.Load()) }

// Size is the current routing-table membership.
func (n *RoutingNode) Size() int { return n.mgr.Size() }

// CloseGroup is the node's current close group.
func (n *RoutingNode) CloseGroup() []routing.NodeInfo { return n.mgr.OurCloseGroup() }

// PublicKeyOf resolves a peer's long-term key from the routing table or
// the content cache; sentinels use this to verify group copies.
func (n *RoutingNode) PublicKeyOf(addr ident.Address) (ed25519.PublicKey, bool) {
	if info, ok := n.mgr.Lookup(addr); ok && len(info.PublicKey) == ed25519.PublicKeySize {
		return info.PublicKey, true
	}
	if b, ok := n.store.Get(addr); ok && len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), true
	}
	return nil, false
}

// Stop tears the node down. Outstanding callbacks become no-ops.
func (n *RoutingNode) Stop() error {
	if !n.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	close(n.quit)
	return n.cfg.Transport.Close()
}

func (n *RoutingNode) run() {
	for {
		select {
		case <-n.quit:
			return
		case f := <-n.tasks:
			f()
		}
	}
}

// post schedules f on the executor. After Stop it is a no-op: the
// destroy guard keeps late transport callbacks from touching dead state.
func (n *RoutingNode) post(f func()) {
	if n.destroyed.Load() {
		return
	}
	select {
	case n.tasks <- f:
	case <-n.quit:
	}
}

func (n *RoutingNode) nextMessageID() uint32 { return n.msgID.Add(1) }

// ourSource names this node as origin. While bootstrapping the source is
// the bootstrap peer with ourselves as reply-to, so answers can be
// relayed back through it.
func (n *RoutingNode) ourSource() wire.Source {
	if n.bootstrapNode != nil {
		self := n.self
		return wire.Source{Node: *n.bootstrapNode, ReplyTo: &self}
	}
	return wire.Source{Node: n.self}
}

// ourGroupSource speaks for the group around addr.
func (n *RoutingNode) ourGroupSource(group ident.Address) wire.Source {
	g := group
	return wire.Source{Node: n.self, Group: &g}
}

// nextEndpointPair advertises where peers can reach us: the accepting
// port on the local interface, and the externally observed address when
// bootstrap discovered one.
func (n *RoutingNode) nextEndpointPair() routing.EndpointPair {
	port := n.mgr.AcceptingPort()
	internal := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
	external := internal
	if n.ourExternal != nil {
		external = netip.AddrPortFrom(n.ourExternal.Addr(), port)
	}
	return routing.EndpointPair{Internal: internal, External: external}
}

func (n *RoutingNode) sign(body wire.Body) []byte {
	return ed25519.Sign(n.priv, wire.EncodeBody(body))
}

// sendRouted emits an encoded message. A destination reply-to naming a
// connected client short-circuits to that client; with an empty table the
// bootstrap peer is the forwarder of last resort.
func (n *RoutingNode) sendRouted(h wire.Header, body wire.Body) {
	data := wire.EncodeMessage(h, body)

	if h.Destination.ReplyTo != nil && n.mgr.IsConnectedClient(*h.Destination.ReplyTo) {
		n.sendTo(*h.Destination.ReplyTo, data)
		return
	}

	targets := n.mgr.GetTarget(h.Destination.Target)
	if len(targets) == 0 && n.bootstrapNode != nil {
		n.sendTo(*n.bootstrapNode, data)
		return
	}
	for _, t := range targets {
		n.sendTo(t.Address, data)
	}
}

func (n *RoutingNode) sendTo(peer ident.Address, data []byte) {
	n.mgr.Send(peer, data, func(err error) {
		if err != nil {
			n.metrics.IncSendError()
			n.log.Warn("send failed",
				zap.String("peer", peer.Short()), zap.Error(err))
		}
	})
}

func (n *RoutingNode) onConnectionLost(peer ident.Address, diff routing.CloseGroupDifference) {
	n.post(func() {
		n.log.Info("connection lost", zap.String("peer", peer.Short()))
		if diff.Empty() {
			return
		}
		n.cfg.Handler.HandleChurn(diff)
		// Close-group churn: try to re-densify our neighbourhood.
		n.connectToCloseGroup()
	})
}

func (n *RoutingNode) handleChurn(diff routing.CloseGroupDifference) {
	if diff.Empty() {
		return
	}
	n.cfg.Handler.HandleChurn(diff)
}
