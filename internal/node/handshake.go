package node

import (
	"fmt"
	"net/netip"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xorroute/internal/conn"
	"xorroute/internal/ident"
	"xorroute/internal/routing"
	"xorroute/internal/wire"
)

// Bootstrap dials the given contacts. The first connect whose observed
// identity matches the expected contact wins: the node records it as the
// bootstrap peer, keeps the externally observed endpoint, and starts the
// find-group handshake. When every contact fails, done receives
// ErrNoBootstrapPeer with the per-contact causes attached.
func (n *RoutingNode) Bootstrap(contacts []routing.Contact, done func(error)) {
	n.post(func() {
		if len(contacts) == 0 {
			done(ErrNoBootstrapPeer)
			return
		}
		n.state.Store(int32(StateBootstrapping))

		remaining := len(contacts)
		succeeded := false
		var causes error

		for _, contact := range contacts {
			contact := contact
			n.mgr.Connect(contact.Endpoints.External, func(err error, peer ident.Address, observed netip.AddrPort) {
				n.post(func() {
					remaining--
					if err == nil && peer != contact.Address {
						err = conn.ErrIDMismatch
					}
					if err != nil {
						causes = multierr.Append(causes,
							fmt.Errorf("contact %s: %w", contact.Address.Short(), err))
						if remaining == 0 && !succeeded {
							done(multierr.Append(ErrNoBootstrapPeer, causes))
						}
						return
					}
					if succeeded {
						return // first success wins; extra links stay usable
					}
					succeeded = true

					bn := contact.Address
					obs := observed
					n.bootstrapNode = &bn
					n.ourExternal = &obs
					n.state.Store(int32(StateJoining))
					n.log.Info("bootstrapped",
						zap.String("via", bn.Short()),
						zap.String("observed", obs.String()))

					n.connectToCloseGroup()
					done(nil)
				})
			})
		}
	})
}

// connectToCloseGroup asks the overlay for our own close group. While a
// bootstrap peer is set it is the sole forwarder; afterwards the message
// multicasts like any other.
func (n *RoutingNode) connectToCloseGroup() {
	body := wire.FindGroup{Requester: n.self, Target: n.self}
	h := wire.Header{
		Destination: wire.Destination{Target: n.self},
		Source:      n.ourSource(),
		MessageID:   n.nextMessageID(),
		Authority:   wire.AuthorityNode,
	}
	data := wire.EncodeMessage(h, body)

	if n.bootstrapNode != nil {
		n.sendTo(*n.bootstrapNode, data)
		return
	}
	for _, t := range n.mgr.GetTarget(n.self) {
		n.sendTo(t.Address, data)
	}
}

// handleFindGroup answers with our close group plus ourselves, speaking
// as a member of the target's group.
func (n *RoutingNode) handleFindGroup(m wire.FindGroup, orig wire.Header) {
	group := n.mgr.OurCloseGroup()
	fobs := make([]wire.Fob, 0, len(group)+1)
	for _, ni := range group {
		fobs = append(fobs, wire.Fob{Address: ni.Address, PublicKey: ni.PublicKey})
	}
	fobs = append(fobs, wire.Fob{Address: n.self, PublicKey: n.pub})

	resp := wire.FindGroupResponse{Target: m.Target, Group: fobs}
	h := wire.Header{
		Destination: orig.ReturnDestination(),
		Source:      n.ourGroupSource(m.Target),
		MessageID:   orig.MessageID,
		Authority:   wire.AuthorityNaeManager,
	}
	h.Signature = n.sign(resp)
	n.sendRouted(h, resp)
}

// handleFindGroupResponse tries to connect to every reported member the
// table would accept.
func (n *RoutingNode) handleFindGroupResponse(m wire.FindGroupResponse, _ wire.Header) {
	for _, fob := range m.Group {
		if fob.Address == n.self || !n.mgr.SuggestNodeToAdd(fob.Address) {
			continue
		}
		// Keep the key around: the sentinel verifies group copies with it.
		n.store.Put(fob.Address, fob.PublicKey)

		req := wire.Connect{
			RequesterEndpoints: n.nextEndpointPair(),
			RequesterID:        n.self,
			ReceiverID:         fob.Address,
			RequesterFob:       wire.Fob{Address: n.self, PublicKey: n.pub},
		}
		h := wire.Header{
			Destination: wire.Destination{Target: fob.Address},
			Source:      n.ourSource(),
			MessageID:   n.nextMessageID(),
			Authority:   wire.AuthorityNaeManager,
		}
		n.sendRouted(h, req)
	}
}

// handleConnect answers with our endpoints and waits for the requester's
// transport connection.
func (n *RoutingNode) handleConnect(m wire.Connect, orig wire.Header) {
	if m.ReceiverID != n.self {
		return
	}
	if !n.mgr.SuggestNodeToAdd(m.RequesterID) {
		return
	}

	resp := wire.ConnectResponse{
		RequesterEndpoints: m.RequesterEndpoints,
		ReceiverEndpoints:  n.nextEndpointPair(),
		RequesterID:        m.RequesterID,
		ReceiverID:         n.self,
		ReceiverFob:        wire.Fob{Address: n.self, PublicKey: n.pub},
	}
	h := wire.Header{
		Destination: orig.ReturnDestination(),
		Source:      n.ourSource(),
		MessageID:   orig.MessageID,
		Authority:   wire.AuthorityNode,
	}
	h.Signature = n.sign(resp)
	n.sendRouted(h, resp)

	n.store.Put(m.RequesterID, m.RequesterFob.PublicKey)
	info := routing.NodeInfo{
		Address:   m.RequesterID,
		PublicKey: m.RequesterFob.PublicKey,
		Endpoints: m.RequesterEndpoints,
	}
	n.mgr.AddNodeAccept(info, m.RequesterEndpoints, func(err error, diff routing.CloseGroupDifference) {
		n.post(func() {
			if err != nil {
				n.log.Debug("accept of requester failed",
					zap.String("peer", info.Address.Short()), zap.Error(err))
				return
			}
			n.handleChurn(diff)
		})
	})
}

// handleConnectResponse dials the responder's endpoints and, once the
// table reaches quorum, leaves the bootstrap peer behind.
func (n *RoutingNode) handleConnectResponse(m wire.ConnectResponse, _ wire.Header) {
	if m.RequesterID != n.self {
		return
	}
	if !n.mgr.SuggestNodeToAdd(m.ReceiverID) {
		return
	}

	n.store.Put(m.ReceiverID, m.ReceiverFob.PublicKey)
	info := routing.NodeInfo{
		Address:   m.ReceiverID,
		PublicKey: m.ReceiverFob.PublicKey,
		Endpoints: m.ReceiverEndpoints,
	}
	n.mgr.AddNode(info, m.ReceiverEndpoints, func(err error, diff routing.CloseGroupDifference) {
		n.post(func() {
			if err != nil {
				n.log.Debug("connect to responder failed",
					zap.String("peer", info.Address.Short()), zap.Error(err))
				return
			}
			n.handleChurn(diff)

			if n.bootstrapNode != nil && n.mgr.Size() >= n.groupSize() {
				n.bootstrapNode = nil
				n.state.Store(int32(StateJoined))
				n.log.Info("joined overlay", zap.Int("table_size", n.mgr.Size()))
			}
		})
	})
}

func (n *RoutingNode) groupSize() int {
	if n.cfg.GroupSize > 0 {
		return n.cfg.GroupSize
	}
	return routing.GroupSize
}
