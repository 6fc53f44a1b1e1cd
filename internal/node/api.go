package node

import (
	"errors"

	"go.uber.org/zap"

	"xorroute/internal/ident"
	"xorroute/internal/wire"
)

// Get asks the group around name for the payload stored there. done
// fires at most once; the returned message id cancels the wait.
func (n *RoutingNode) Get(dataTag uint64, name ident.Address, done GetFunc) uint32 {
	id := n.nextMessageID()
	n.post(func() {
		if done != nil {
			n.pendingGets[id] = done
		}
		h := wire.Header{
			Destination: wire.Destination{Target: name},
			Source:      n.ourSource(),
			MessageID:   id,
			Authority:   wire.AuthorityNode,
		}
		n.sendRouted(h, wire.GetData{DataTag: dataTag, Name: name})
	})
	return id
}

// Put sends data toward target's managing group.
func (n *RoutingNode) Put(target ident.Address, dataTag uint64, data []byte, done DoneFunc) uint32 {
	id := n.nextMessageID()
	n.post(func() {
		if done != nil {
			n.pendingPuts[id] = done
		}
		h := wire.Header{
			Destination: wire.Destination{Target: target},
			Source:      n.ourSource(),
			MessageID:   id,
			Authority:   wire.AuthorityClient,
		}
		n.sendRouted(h, wire.PutData{DataTag: dataTag, Data: data})
	})
	return id
}

// Post delivers an application payload to the group at target.
func (n *RoutingNode) Post(target ident.Address, dataTag uint64, payload []byte, done DoneFunc) uint32 {
	id := n.nextMessageID()
	n.post(func() {
		if done != nil {
			n.pendingPosts[id] = done
		}
		h := wire.Header{
			Destination: wire.Destination{Target: target},
			Source:      n.ourSource(),
			MessageID:   id,
			Authority:   wire.AuthorityNode,
		}
		n.sendRouted(h, wire.Post{DataTag: dataTag, Payload: payload})
	})
	return id
}

// Cancel completes an in-flight operation with ErrCancelled and forgets
// its waiter. Any network echo arriving later is absorbed by the duplicate
// filter or dispatched into a handler with no waiter.
func (n *RoutingNode) Cancel(messageID uint32) {
	n.post(func() {
		if done, ok := n.pendingGets[messageID]; ok {
			delete(n.pendingGets, messageID)
			done(ErrCancelled, nil)
			return
		}
		if done, ok := n.pendingPuts[messageID]; ok {
			delete(n.pendingPuts, messageID)
			done(ErrCancelled)
			return
		}
		if done, ok := n.pendingPosts[messageID]; ok {
			delete(n.pendingPosts, messageID)
			done(ErrCancelled)
		}
	})
}

func (n *RoutingNode) handleGetData(m wire.GetData, orig wire.Header) {
	ourAuth, err := n.ourAuthority(m.Name, orig)
	if err != nil {
		n.log.Warn("get with no authority for us",
			zap.String("name", m.Name.Short()), zap.Error(err))
		return
	}

	data, err := n.cfg.Handler.HandleGet(orig.Source, orig.Authority, ourAuth, m.DataTag, m.Name)
	if err != nil || data == nil {
		return
	}

	resp := wire.GetDataResponse{DataTag: m.DataTag, Name: m.Name, Data: data}
	h := wire.Header{
		Destination: orig.ReturnDestination(),
		Source:      n.ourGroupSource(m.Name),
		MessageID:   orig.MessageID,
		Authority:   wire.AuthorityNaeManager,
	}
	h.Signature = n.sign(resp)
	n.sendRouted(h, resp)
}

func (n *RoutingNode) handleGetDataResponse(m wire.GetDataResponse, orig wire.Header) {
	if done, ok := n.pendingGets[orig.MessageID]; ok {
		delete(n.pendingGets, orig.MessageID)
		done(nil, m.Data)
	}
	n.cfg.Handler.HandleGetDataResponse(m)
}

func (n *RoutingNode) handlePutData(m wire.PutData, orig wire.Header) {
	element := orig.Destination.Target
	ourAuth, err := n.ourAuthority(element, orig)
	if err != nil {
		n.log.Warn("put with no authority for us", zap.Error(err))
		return
	}

	putErr := n.cfg.Handler.HandlePut(orig.Source, orig.Authority, ourAuth, m.DataTag, m.Data)

	resp := wire.PutDataResponse{DataTag: m.DataTag, Name: ident.NameOf(m.Data)}
	if putErr != nil {
		resp.Error = putErr.Error()
	}
	h := wire.Header{
		Destination: orig.ReturnDestination(),
		Source:      n.ourGroupSource(element),
		MessageID:   orig.MessageID,
		Authority:   wire.AuthorityNaeManager,
	}
	h.Signature = n.sign(resp)
	n.sendRouted(h, resp)
}

func (n *RoutingNode) handlePutDataResponse(m wire.PutDataResponse, orig wire.Header) {
	done, ok := n.pendingPuts[orig.MessageID]
	if !ok {
		return
	}
	delete(n.pendingPuts, orig.MessageID)
	if m.Error != "" {
		done(errors.New(m.Error))
		return
	}
	done(nil)
}

func (n *RoutingNode) handlePost(m wire.Post, orig wire.Header) {
	element := orig.Destination.Target
	ourAuth, err := n.ourAuthority(element, orig)
	if err != nil {
		n.log.Warn("post with no authority for us", zap.Error(err))
		return
	}

	postErr := n.cfg.Handler.HandlePost(orig.Source, orig.Authority, ourAuth, m.DataTag, m.Payload)

	resp := wire.PostResponse{DataTag: m.DataTag}
	if postErr != nil {
		resp.Error = postErr.Error()
	}
	h := wire.Header{
		Destination: orig.ReturnDestination(),
		Source:      n.ourGroupSource(element),
		MessageID:   orig.MessageID,
		Authority:   wire.AuthorityNaeManager,
	}
	h.Signature = n.sign(resp)
	n.sendRouted(h, resp)
}

func (n *RoutingNode) handlePostResponse(m wire.PostResponse, orig wire.Header) {
	done, ok := n.pendingPosts[orig.MessageID]
	if !ok {
		return
	}
	delete(n.pendingPosts, orig.MessageID)
	if m.Error != "" {
		done(errors.New(m.Error))
		return
	}
	done(nil)
}
