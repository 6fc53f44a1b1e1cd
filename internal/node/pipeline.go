package node

import (
	"bytes"

	"go.uber.org/zap"

	"xorroute/internal/ident"
	"xorroute/internal/wire"
)

// onDatagram is the transport upcall; the pipeline itself runs on the
// executor.
func (n *RoutingNode) onDatagram(peer ident.Address, data []byte) {
	n.post(func() { n.processDatagram(peer, data) })
}

// processDatagram is the receive pipeline: parse, suppress duplicates,
// maintain the cache, forward, then decide whether the message is ours to
// dispatch.
func (n *RoutingNode) processDatagram(peer ident.Address, data []byte) {
	r := bytes.NewReader(data)

	header, err := wire.DecodeHeader(r)
	if err != nil {
		n.metrics.IncMalformed()
		n.log.Warn("dropping malformed datagram",
			zap.String("peer", peer.Short()), zap.Error(err))
		return
	}
	tag, err := wire.DecodeTag(r)
	if err != nil {
		n.metrics.IncMalformed()
		n.log.Warn("dropping datagram with bad tag",
			zap.String("peer", peer.Short()), zap.Error(err))
		return
	}
	bodyBytes := data[len(data)-r.Len():]

	// Duplicate suppression: check-and-add is atomic, so each filter key
	// dispatches at most once however receives interleave.
	if n.filter.CheckAndAdd(header.FilterKey()) {
		n.metrics.IncDuplicate()
		return
	}

	// Opportunistic caching of payloads transiting this node.
	if tag == wire.TagGetDataResponse {
		if resp, err := wire.DecodeGetDataResponse(bytes.NewReader(bodyBytes)); err == nil && resp.Data != nil {
			n.store.Put(resp.Name, resp.Data)
		}
	}

	// Cache responder: answer a transiting GetData ourselves.
	if tag == wire.TagGetData && n.cfg.CacheResponder {
		if req, err := wire.DecodeGetData(bytes.NewReader(bodyBytes)); err == nil {
			if payload, ok := n.store.Get(req.Name); ok {
				n.metrics.IncCacheHit()
				n.respondFromCache(header, req, payload)
				return
			}
		}
	}

	// Forward before any local dispatch; swarm mode fans out inside the
	// destination's close group.
	n.forward(header.Destination.Target, peer, data)

	// Relay replies to directly connected clients.
	if header.Destination.ReplyTo != nil && n.mgr.IsConnectedClient(*header.Destination.ReplyTo) {
		n.sendTo(*header.Destination.ReplyTo, data)
		return
	}

	if !n.mgr.InCloseGroupRange(header.Destination.Target) {
		return // forwarding was all this node owed
	}

	// Connect traffic is point-to-point even inside a group.
	if tag == wire.TagConnect || tag == wire.TagConnectResponse {
		if header.Destination.Target != n.self {
			return
		}
	}

	// Group-authority messages wait for quorum; direct ones bypass.
	if n.sent != nil && header.FromGroup() != nil {
		released, ok := n.sent.Add(header, tag, bodyBytes)
		if !ok {
			return
		}
		bodyBytes = released
	}

	n.dispatch(header, tag, bodyBytes)
}

func (n *RoutingNode) forward(target ident.Address, from ident.Address, data []byte) {
	for _, t := range n.mgr.GetTarget(target) {
		if t.Address == from {
			continue
		}
		n.metrics.IncForwarded()
		n.sendTo(t.Address, data)
	}
}

func (n *RoutingNode) dispatch(header wire.Header, tag wire.Tag, bodyBytes []byte) {
	r := bytes.NewReader(bodyBytes)
	body, err := wire.DecodeBody(tag, r)
	if err != nil {
		n.metrics.IncMalformed()
		n.log.Warn("dropping message with malformed body",
			zap.Stringer("tag", tag), zap.Error(err))
		return
	}
	n.metrics.IncDispatched()

	switch m := body.(type) {
	case wire.Connect:
		n.handleConnect(m, header)
	case wire.ConnectResponse:
		n.handleConnectResponse(m, header)
	case wire.FindGroup:
		n.handleFindGroup(m, header)
	case wire.FindGroupResponse:
		n.handleFindGroupResponse(m, header)
	case wire.GetData:
		n.handleGetData(m, header)
	case wire.GetDataResponse:
		n.handleGetDataResponse(m, header)
	case wire.PutData:
		n.handlePutData(m, header)
	case wire.PutDataResponse:
		n.handlePutDataResponse(m, header)
	case wire.Post:
		n.handlePost(m, header)
	case wire.PostResponse:
		n.handlePostResponse(m, header)
	default:
		n.log.Warn("dropping message of unknown type", zap.Stringer("tag", tag))
	}
}

// respondFromCache synthesises a GetDataResponse for a cache hit.
func (n *RoutingNode) respondFromCache(orig wire.Header, req wire.GetData, payload []byte) {
	resp := wire.GetDataResponse{DataTag: req.DataTag, Name: req.Name, Data: payload}
	h := wire.Header{
		Destination: orig.ReturnDestination(),
		Source:      n.ourGroupSource(req.Name),
		MessageID:   orig.MessageID,
		Authority:   wire.AuthorityNaeManager,
	}
	h.Signature = n.sign(resp)
	n.sendRouted(h, resp)
}
