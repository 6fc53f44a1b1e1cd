package wire

import (
	"bytes"
	"crypto/ed25519"

	"xorroute/internal/ident"
)

// Authority is the role a node claims or plays for a message.
type Authority uint8

const (
	AuthorityClient Authority = iota + 1
	AuthorityNode
	AuthorityClientManager
	AuthorityNaeManager
	AuthorityNodeManager
	AuthorityManagedNode
)

func (a Authority) valid() bool {
	return a >= AuthorityClient && a <= AuthorityManagedNode
}

func (a Authority) String() string {
	switch a {
	case AuthorityClient:
		return "client"
	case AuthorityNode:
		return "node"
	case AuthorityClientManager:
		return "client_manager"
	case AuthorityNaeManager:
		return "nae_manager"
	case AuthorityNodeManager:
		return "node_manager"
	case AuthorityManagedNode:
		return "managed_node"
	default:
		return "invalid"
	}
}

// Destination addresses a message: the routing target plus an optional
// explicit reply-to used when answering relayed messages.
type Destination struct {
	Target  ident.Address
	ReplyTo *ident.Address
}

// Source identifies the origin: the sending node, an optional group the
// sender speaks for, and an optional reply-to for relayed client traffic.
type Source struct {
	Node    ident.Address
	Group   *ident.Address
	ReplyTo *ident.Address
}

// FilterKey is the duplicate-suppression and quorum-correlation key.
type FilterKey struct {
	Origin    ident.Address
	MessageID uint32
}

// Header travels with every message.
type Header struct {
	Destination Destination
	Source      Source
	MessageID   uint32
	Authority   Authority
	Signature   []byte
}

func (h *Header) FilterKey() FilterKey {
	return FilterKey{Origin: h.Source.Node, MessageID: h.MessageID}
}

// FromGroup returns the group address when the sender spoke for one.
func (h *Header) FromGroup() *ident.Address { return h.Source.Group }

// Relayed reports whether the message originated at a connected client
// reachable through the source's reply-to address.
func (h *Header) Relayed() bool { return h.Source.ReplyTo != nil }

// ReturnDestination addresses a reply back to the origin. A relayed
// message is answered to the client behind the relay: the reply targets
// the reply-to address and keeps it as the relay hint, so whichever node
// holds that client's connection can hand the reply over directly.
func (h *Header) ReturnDestination() Destination {
	if h.Source.ReplyTo != nil {
		return Destination{Target: *h.Source.ReplyTo, ReplyTo: h.Source.ReplyTo}
	}
	return Destination{Target: h.Source.Node}
}

func (h *Header) encodeTo(buf *bytes.Buffer) {
	writeAddress(buf, h.Destination.Target)
	writeOptAddress(buf, h.Destination.ReplyTo)
	writeAddress(buf, h.Source.Node)
	writeOptAddress(buf, h.Source.Group)
	writeOptAddress(buf, h.Source.ReplyTo)
	writeUint32(buf, h.MessageID)
	buf.WriteByte(byte(h.Authority))
	writeBytes(buf, h.Signature)
}

// DecodeHeader parses a header from the front of a datagram.
func DecodeHeader(r *bytes.Reader) (Header, error) {
	var h Header
	var err error

	if h.Destination.Target, err = readAddress(r, "destination"); err != nil {
		return h, err
	}
	if h.Destination.ReplyTo, err = readOptAddress(r, "destination reply-to"); err != nil {
		return h, err
	}
	if h.Source.Node, err = readAddress(r, "source"); err != nil {
		return h, err
	}
	if h.Source.Group, err = readOptAddress(r, "source group"); err != nil {
		return h, err
	}
	if h.Source.ReplyTo, err = readOptAddress(r, "source reply-to"); err != nil {
		return h, err
	}
	if h.MessageID, err = readUint32(r, "message id"); err != nil {
		return h, err
	}
	auth, err := r.ReadByte()
	if err != nil {
		return h, malformed("authority", err)
	}
	h.Authority = Authority(auth)
	if !h.Authority.valid() {
		return h, malformed("authority value", nil)
	}
	if h.Signature, err = readBytes(r, "signature"); err != nil {
		return h, err
	}
	if len(h.Signature) != 0 && len(h.Signature) != ed25519.SignatureSize {
		return h, malformed("signature length", nil)
	}
	return h, nil
}
