package routing

import (
	"crypto/ed25519"
	"net/netip"

	"xorroute/internal/ident"
)

// EndpointPair carries the (internal, external) UDP endpoints a node
// advertises for incoming connections.
type EndpointPair struct {
	Internal netip.AddrPort
	External netip.AddrPort
}

// NodeInfo is one routing-table peer. Immutable after insertion except
// for Connected, which flips once the transport confirms the link.
type NodeInfo struct {
	Address   ident.Address
	PublicKey ed25519.PublicKey
	Endpoints EndpointPair
	Connected bool
}

// Contact is a persisted bootstrap record.
type Contact struct {
	Address   ident.Address
	Endpoints EndpointPair
}

// CloseGroupDifference is the delta between two successive close-group
// snapshots, emitted to the application on churn.
type CloseGroupDifference struct {
	Added   []ident.Address
	Removed []ident.Address
}

func (d CloseGroupDifference) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff computes the close-group difference from old to new.
func Diff(old, new []ident.Address) CloseGroupDifference {
	was := make(map[ident.Address]struct{}, len(old))
	for _, a := range old {
		was[a] = struct{}{}
	}
	is := make(map[ident.Address]struct{}, len(new))
	for _, a := range new {
		is[a] = struct{}{}
	}

	var diff CloseGroupDifference
	for _, a := range new {
		if _, ok := was[a]; !ok {
			diff.Added = append(diff.Added, a)
		}
	}
	for _, a := range old {
		if _, ok := is[a]; !ok {
			diff.Removed = append(diff.Removed, a)
		}
	}
	return diff
}
