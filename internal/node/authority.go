package node

import (
	"xorroute/internal/ident"
	"xorroute/internal/wire"
)

// ourAuthority classifies why this node is processing a message acting on
// element. It is a pure function of the routing-table snapshot and the
// header; an unclassifiable position is a protocol error.
func (n *RoutingNode) ourAuthority(element ident.Address, h wire.Header) (wire.Authority, error) {
	fromGroup := h.FromGroup()

	switch {
	case fromGroup == nil &&
		n.mgr.InCloseGroupRange(h.Source.Node) &&
		h.Destination.Target != element:
		return wire.AuthorityClientManager, nil

	case n.mgr.InCloseGroupRange(element) &&
		h.Destination.Target == element:
		return wire.AuthorityNaeManager, nil

	case fromGroup != nil &&
		n.mgr.InCloseGroupRange(h.Destination.Target) &&
		h.Destination.Target != n.self:
		return wire.AuthorityNodeManager, nil

	case fromGroup != nil &&
		n.mgr.InCloseGroupRange(*fromGroup) &&
		h.Destination.Target == n.self:
		return wire.AuthorityManagedNode, nil
	}
	return 0, ErrInvalidAuthority
}
