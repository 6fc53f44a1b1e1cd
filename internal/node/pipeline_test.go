package node

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
	"xorroute/internal/transport"
	"xorroute/internal/wire"
)

// buildMesh links n nodes into a full mesh.
func buildMesh(t *testing.T, n int) []*testNode {
	t.Helper()
	mesh := transport.NewMesh()
	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = newTestNode(t, mesh, Config{})
	}
	for i := range nodes {
		for j := range nodes {
			if i != j {
				link(t, nodes[i], nodes[j])
			}
		}
	}
	for i := range nodes {
		require.Equal(t, n-1, nodes[i].rn.Size())
	}
	return nodes
}

func sampleSwarmTarget(t *testing.T, tn *testNode) ident.Address {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		x := randAddress(t)
		if len(tn.rn.mgr.GetTarget(x)) > 1 && tn.rn.mgr.InCloseGroupRange(x) {
			return x
		}
	}
	t.Fatalf("no swarm-range target found")
	return ident.Address{}
}

func sampleGreedyTarget(t *testing.T, tn *testNode) ident.Address {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		x := randAddress(t)
		if len(tn.rn.mgr.GetTarget(x)) == 1 && !tn.rn.mgr.InCloseGroupRange(x) {
			return x
		}
	}
	t.Fatalf("no greedy-range target found")
	return ident.Address{}
}

func encodeGetData(origin, name ident.Address, msgID uint32) []byte {
	h := wire.Header{
		Destination: wire.Destination{Target: name},
		Source:      wire.Source{Node: origin},
		MessageID:   msgID,
		Authority:   wire.AuthorityClient,
	}
	return wire.EncodeMessage(h, wire.GetData{DataTag: 1, Name: name})
}

func decodeTagOf(t *testing.T, data []byte) wire.Tag {
	t.Helper()
	r := bytes.NewReader(data)
	_, err := wire.DecodeHeader(r)
	require.NoError(t, err)
	tag, err := wire.DecodeTag(r)
	require.NoError(t, err)
	return tag
}

func TestPipeline_SwarmForwardAndSingleDispatch(t *testing.T) {
	if testing.Short() {
		t.Skip("full mesh build")
	}
	nodes := buildMesh(t, 16)
	n0 := nodes[0]

	x := sampleSwarmTarget(t, n0)
	client := randAddress(t)
	data := encodeGetData(client, x, 1)

	wantTargets := make(map[ident.Address]bool)
	for _, ni := range n0.rn.mgr.GetTarget(x) {
		wantTargets[ni.Address] = true
	}
	require.Greater(t, len(wantTargets), 1, "swarm mode expected")

	n0.rec.reset()
	n0.rn.onDatagram(client, data)
	barrier(t, n0)

	sends := n0.rec.snapshot()
	gotTargets := make(map[ident.Address]bool)
	for _, s := range sends {
		require.True(t, bytes.Equal(s.data, data), "forwarding must relay the original bytes")
		gotTargets[s.peer] = true
	}
	require.Equal(t, wantTargets, gotTargets, "forwarded to every close-group member")

	gets, _, _ := n0.h.counts()
	require.Equal(t, 1, gets, "local dispatch exactly once")

	// The same datagram again, even from another peer, is suppressed.
	n0.rec.reset()
	n0.rn.onDatagram(nodes[1].rn.ID(), data)
	barrier(t, n0)
	require.Empty(t, n0.rec.snapshot(), "duplicates are not re-forwarded")
	gets, _, _ = n0.h.counts()
	require.Equal(t, 1, gets, "duplicates are not re-dispatched")
}

func TestPipeline_GreedyForwardOutsideCloseGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("full mesh build")
	}
	nodes := buildMesh(t, 16)
	f := nodes[1]

	x := sampleGreedyTarget(t, f)
	client := randAddress(t)
	data := encodeGetData(client, x, 2)

	f.rec.reset()
	f.rn.onDatagram(client, data)
	barrier(t, f)

	sends := f.rec.snapshot()
	require.Len(t, sends, 1, "greedy mode sends to exactly one peer")

	// The chosen peer is the table's closest to x.
	best := sends[0].peer
	for _, other := range nodes {
		addr := other.rn.ID()
		if addr == f.rn.ID() || addr == best {
			continue
		}
		require.False(t, ident.Closer(addr, best, x),
			"forwarded to a peer that is not the closest")
	}

	gets, _, _ := f.h.counts()
	require.Equal(t, 0, gets, "outside the close group nothing dispatches locally")
}

func TestPipeline_DirectMessageDrop(t *testing.T) {
	if testing.Short() {
		t.Skip("full mesh build")
	}
	nodes := buildMesh(t, 16)
	n := nodes[2]

	// A group member other than the destination itself.
	var m *testNode
	for _, cand := range nodes {
		if cand != n && n.rn.mgr.InCloseGroupRange(cand.rn.ID()) {
			m = cand
			break
		}
	}
	require.NotNil(t, m, "no close-group member found")

	client := randAddress(t)
	body := wire.Connect{
		RequesterEndpoints: m.info().Endpoints,
		RequesterID:        client,
		ReceiverID:         m.rn.ID(),
		RequesterFob:       wire.Fob{Address: client, PublicKey: make([]byte, 32)},
	}
	h := wire.Header{
		Destination: wire.Destination{Target: m.rn.ID()},
		Source:      wire.Source{Node: client},
		MessageID:   3,
		Authority:   wire.AuthorityNode,
	}
	data := wire.EncodeMessage(h, body)

	n.rec.reset()
	n.rn.onDatagram(client, data)
	barrier(t, n)

	sends := n.rec.snapshot()
	require.NotEmpty(t, sends, "the connect still forwards toward its destination")
	for _, s := range sends {
		require.True(t, bytes.Equal(s.data, data),
			"a connect for another node must not trigger a local reply")
	}
}

func TestPipeline_MalformedDatagramIsDropped(t *testing.T) {
	mesh := transport.NewMesh()
	n := newTestNode(t, mesh, Config{})

	n.rn.onDatagram(randAddress(t), []byte{0x01, 0x02, 0x03})
	barrier(t, n)

	require.Empty(t, n.rec.snapshot())
	gets, puts, churns := n.h.counts()
	require.Zero(t, gets+puts+churns)
}

func TestPipeline_CacheShortCircuit(t *testing.T) {
	mesh := transport.NewMesh()
	n := newTestNode(t, mesh, Config{CacheResponder: true})
	m := newTestNode(t, mesh, Config{})
	link(t, n, m)
	link(t, m, n)

	payload := []byte("cached chunk")
	name := ident.NameOf(payload)

	// A response transiting n populates the cache.
	transitHeader := wire.Header{
		Destination: wire.Destination{Target: randAddress(t)},
		Source:      wire.Source{Node: randAddress(t)},
		MessageID:   77,
		Authority:   wire.AuthorityNode,
	}
	transit := wire.EncodeMessage(transitHeader, wire.GetDataResponse{DataTag: 1, Name: name, Data: payload})
	n.rn.onDatagram(randAddress(t), transit)
	barrier(t, n)

	// A later request is served from the cache instead of forwarded.
	n.rec.reset()
	req := encodeGetData(m.rn.ID(), name, 78)
	n.rn.onDatagram(m.rn.ID(), req)
	barrier(t, n)

	sends := n.rec.snapshot()
	require.Len(t, sends, 1)
	require.Equal(t, m.rn.ID(), sends[0].peer)
	require.Equal(t, wire.TagGetDataResponse, decodeTagOf(t, sends[0].data))

	require.Eventually(t, func() bool {
		m.h.mu.Lock()
		defer m.h.mu.Unlock()
		for _, resp := range m.h.responses {
			if bytes.Equal(resp.Data, payload) && resp.Name == name {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "requester should see the cached payload")
}

func TestPipeline_CacheResponderDisabledByDefault(t *testing.T) {
	mesh := transport.NewMesh()
	n := newTestNode(t, mesh, Config{})
	m := newTestNode(t, mesh, Config{})
	link(t, n, m)
	link(t, m, n)

	payload := []byte("cached chunk")
	name := ident.NameOf(payload)

	transitHeader := wire.Header{
		Destination: wire.Destination{Target: randAddress(t)},
		Source:      wire.Source{Node: randAddress(t)},
		MessageID:   80,
		Authority:   wire.AuthorityNode,
	}
	transit := wire.EncodeMessage(transitHeader, wire.GetDataResponse{DataTag: 1, Name: name, Data: payload})
	n.rn.onDatagram(randAddress(t), transit)
	barrier(t, n)

	n.rec.reset()
	req := encodeGetData(m.rn.ID(), name, 81)
	n.rn.onDatagram(m.rn.ID(), req)
	barrier(t, n)

	for _, s := range n.rec.snapshot() {
		require.NotEqual(t, wire.TagGetDataResponse, decodeTagOf(t, s.data),
			"short-circuit must stay off unless configured")
	}
}

func TestAuthority_Classification(t *testing.T) {
	if testing.Short() {
		t.Skip("full mesh build")
	}
	nodes := buildMesh(t, 16)
	n := nodes[4]

	inRange := func(a ident.Address) bool { return n.rn.mgr.InCloseGroupRange(a) }

	sampleOutOfRange := func() ident.Address {
		for i := 0; i < 10_000; i++ {
			a := randAddress(t)
			if !inRange(a) {
				return a
			}
		}
		t.Fatalf("no out-of-range address found")
		return ident.Address{}
	}
	sampleInRange := func() ident.Address {
		for i := 0; i < 10_000; i++ {
			a := randAddress(t)
			if inRange(a) {
				return a
			}
		}
		t.Fatalf("no in-range address found")
		return ident.Address{}
	}

	t.Run("client manager", func(t *testing.T) {
		src := sampleInRange()
		element := sampleOutOfRange()
		h := wire.Header{
			Destination: wire.Destination{Target: randAddress(t)},
			Source:      wire.Source{Node: src},
			Authority:   wire.AuthorityClient,
		}
		got, err := n.rn.ourAuthority(element, h)
		require.NoError(t, err)
		require.Equal(t, wire.AuthorityClientManager, got)
	})

	t.Run("nae manager", func(t *testing.T) {
		element := sampleInRange()
		h := wire.Header{
			Destination: wire.Destination{Target: element},
			Source:      wire.Source{Node: sampleOutOfRange()},
			Authority:   wire.AuthorityClient,
		}
		got, err := n.rn.ourAuthority(element, h)
		require.NoError(t, err)
		require.Equal(t, wire.AuthorityNaeManager, got)
	})

	t.Run("node manager", func(t *testing.T) {
		group := randAddress(t)
		dest := sampleInRange()
		if dest == n.rn.ID() {
			t.Skip("improbable collision")
		}
		h := wire.Header{
			Destination: wire.Destination{Target: dest},
			Source:      wire.Source{Node: randAddress(t), Group: &group},
			Authority:   wire.AuthorityNaeManager,
		}
		got, err := n.rn.ourAuthority(sampleOutOfRange(), h)
		require.NoError(t, err)
		require.Equal(t, wire.AuthorityNodeManager, got)
	})

	t.Run("managed node", func(t *testing.T) {
		group := sampleInRange()
		h := wire.Header{
			Destination: wire.Destination{Target: n.rn.ID()},
			Source:      wire.Source{Node: randAddress(t), Group: &group},
			Authority:   wire.AuthorityNaeManager,
		}
		got, err := n.rn.ourAuthority(sampleOutOfRange(), h)
		require.NoError(t, err)
		require.Equal(t, wire.AuthorityManagedNode, got)
	})

	t.Run("invalid", func(t *testing.T) {
		h := wire.Header{
			Destination: wire.Destination{Target: randAddress(t)},
			Source:      wire.Source{Node: sampleOutOfRange()},
			Authority:   wire.AuthorityClient,
		}
		_, err := n.rn.ourAuthority(sampleOutOfRange(), h)
		require.ErrorIs(t, err, ErrInvalidAuthority)
	})
}

func TestGet_CancelCompletesWithError(t *testing.T) {
	mesh := transport.NewMesh()
	n := newTestNode(t, mesh, Config{})

	errCh := make(chan error, 1)
	id := n.rn.Get(1, randAddress(t), func(err error, _ []byte) { errCh <- err })
	n.rn.Cancel(id)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatalf("cancel never completed")
	}
}

func TestPut_CompletesThroughResponse(t *testing.T) {
	mesh := transport.NewMesh()
	seed := newTestNode(t, mesh, Config{})
	joiner := newTestNode(t, mesh, Config{})

	bootDone := make(chan error, 1)
	joiner.rn.Bootstrap([]routing.Contact{seed.contact()}, func(err error) { bootDone <- err })
	select {
	case err := <-bootDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("bootstrap never completed")
	}
	require.Eventually(t, func() bool {
		return seed.rn.Size() == 1 && joiner.rn.Size() == 1
	}, 5*time.Second, 10*time.Millisecond)

	putDone := make(chan error, 1)
	joiner.rn.Put(seed.rn.ID(), 1, []byte("stored"), func(err error) { putDone <- err })

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("put never completed")
	}
	_, puts, _ := seed.h.counts()
	require.Equal(t, 1, puts, "the seed's group handler stores exactly once")
}

func TestPost_CompletesThroughResponse(t *testing.T) {
	mesh := transport.NewMesh()
	seed := newTestNode(t, mesh, Config{})
	joiner := newTestNode(t, mesh, Config{})

	bootDone := make(chan error, 1)
	joiner.rn.Bootstrap([]routing.Contact{seed.contact()}, func(err error) { bootDone <- err })
	select {
	case err := <-bootDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("bootstrap never completed")
	}
	require.Eventually(t, func() bool {
		return seed.rn.Size() == 1 && joiner.rn.Size() == 1
	}, 5*time.Second, 10*time.Millisecond)

	postDone := make(chan error, 1)
	joiner.rn.Post(seed.rn.ID(), 1, []byte("notify"), func(err error) { postDone <- err })

	select {
	case err := <-postDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("post never completed")
	}
	require.Equal(t, 1, seed.h.postCount(), "the seed's group handler runs exactly once")

	// A handler rejection travels back through the response.
	seed.h.setPostErr(errors.New("refused"))
	rejected := make(chan error, 1)
	joiner.rn.Post(seed.rn.ID(), 1, []byte("notify again"), func(err error) { rejected <- err })

	select {
	case err := <-rejected:
		require.EqualError(t, err, "refused")
	case <-time.After(5 * time.Second):
		t.Fatalf("post rejection never completed")
	}
}
