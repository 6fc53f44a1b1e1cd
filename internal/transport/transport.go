// Package transport defines the reliable datagram transport the routing
// core consumes, plus the implementations shipped with it: QUIC for
// deployment and an in-process mesh for tests.
package transport

import (
	"errors"
	"net/netip"

	"xorroute/internal/ident"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrAlreadyConnected = errors.New("peer already connected")
)

// ConnectFunc completes a Connect: the remote's observed identity and the
// endpoint the remote saw us arrive from.
type ConnectFunc func(err error, peer ident.Address, ourObserved netip.AddrPort)

// SendFunc completes a Send.
type SendFunc func(err error)

// Handlers are the transport's upcalls. OnPeerAccepted fires for inbound
// connections once the peer's identity is known; OnMessage delivers one
// datagram; OnConnectionLost fires once per dropped peer.
type Handlers struct {
	OnMessage        func(peer ident.Address, data []byte)
	OnPeerAccepted   func(peer ident.Address, observed netip.AddrPort)
	OnConnectionLost func(peer ident.Address)
}

// Transport is a reliable, connection-oriented datagram carrier. Peer
// identity is established during the transport handshake; datagrams are
// delivered whole and in per-peer order.
type Transport interface {
	// Connect dials endpoint and completes done asynchronously.
	Connect(endpoint netip.AddrPort, done ConnectFunc)
	// Send hands one datagram to the peer. Completion is asynchronous;
	// failures are reported, never retried.
	Send(peer ident.Address, data []byte, done SendFunc)
	// Drop tears down the connection to peer, if any.
	Drop(peer ident.Address)
	// AcceptingPort is the local port peers can dial, used when
	// advertising endpoint pairs.
	AcceptingPort() uint16
	// SetHandlers installs the upcalls. Must be called before Connect.
	SetHandlers(h Handlers)
	Close() error
}
