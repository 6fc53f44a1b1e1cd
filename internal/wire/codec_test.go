package wire

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
)

func randAddr(t *testing.T) ident.Address {
	t.Helper()
	var a ident.Address
	_, err := rand.Read(a[:])
	require.NoError(t, err)
	return a
}

func randFob(t *testing.T) Fob {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return Fob{Address: ident.FromPublicKey(pub), PublicKey: pub}
}

func testEndpoints() routing.EndpointPair {
	return routing.EndpointPair{
		Internal: netip.MustParseAddrPort("192.168.1.9:5483"),
		External: netip.MustParseAddrPort("203.0.113.7:5483"),
	}
}

func testHeader(t *testing.T) Header {
	group := randAddr(t)
	reply := randAddr(t)
	return Header{
		Destination: Destination{Target: randAddr(t), ReplyTo: &reply},
		Source:      Source{Node: randAddr(t), Group: &group},
		MessageID:   0xdeadbeef,
		Authority:   AuthorityNaeManager,
		Signature:   bytes.Repeat([]byte{0x5a}, ed25519.SignatureSize),
	}
}

func decodeMessage(t *testing.T, data []byte) (Header, Body) {
	t.Helper()
	r := bytes.NewReader(data)
	h, err := DecodeHeader(r)
	require.NoError(t, err)
	tag, err := DecodeTag(r)
	require.NoError(t, err)
	body, err := DecodeBody(tag, r)
	require.NoError(t, err)
	return h, body
}

func TestRoundTrip_AllBodies(t *testing.T) {
	bodies := []Body{
		Connect{
			RequesterEndpoints: testEndpoints(),
			RequesterID:        randAddr(t),
			ReceiverID:         randAddr(t),
			RequesterFob:       randFob(t),
		},
		ConnectResponse{
			RequesterEndpoints: testEndpoints(),
			ReceiverEndpoints:  testEndpoints(),
			RequesterID:        randAddr(t),
			ReceiverID:         randAddr(t),
			ReceiverFob:        randFob(t),
		},
		FindGroup{Requester: randAddr(t), Target: randAddr(t)},
		FindGroupResponse{Target: randAddr(t), Group: []Fob{randFob(t), randFob(t)}},
		GetData{DataTag: 3, Name: randAddr(t)},
		GetDataResponse{DataTag: 3, Name: randAddr(t), Data: []byte("payload")},
		GetDataResponse{DataTag: 3, Name: randAddr(t)}, // no data
		PutData{DataTag: 7, Data: []byte("stored bytes")},
		PutDataResponse{DataTag: 7, Name: randAddr(t), Error: "full"},
		Post{DataTag: 1, Payload: []byte("functor")},
		PostResponse{DataTag: 1, Payload: []byte("ack")},
		PostResponse{DataTag: 1, Error: "refused"},
	}

	for _, body := range bodies {
		t.Run(body.Tag().String(), func(t *testing.T) {
			h := testHeader(t)
			data := EncodeMessage(h, body)
			gotHeader, gotBody := decodeMessage(t, data)
			require.Equal(t, h, gotHeader)
			require.Equal(t, body, gotBody)
		})
	}
}

func TestHeader_NoOptionals(t *testing.T) {
	h := Header{
		Destination: Destination{Target: randAddr(t)},
		Source:      Source{Node: randAddr(t)},
		MessageID:   1,
		Authority:   AuthorityClient,
	}
	data := EncodeMessage(h, FindGroup{Requester: h.Source.Node, Target: h.Destination.Target})
	got, _ := decodeMessage(t, data)
	require.Nil(t, got.Destination.ReplyTo)
	require.Nil(t, got.Source.Group)
	require.Nil(t, got.Source.ReplyTo)
	require.Empty(t, got.Signature)
}

func TestDecode_Truncated(t *testing.T) {
	h := testHeader(t)
	data := EncodeMessage(h, GetData{DataTag: 1, Name: randAddr(t)})
	for _, cut := range []int{1, ident.AddressBytes, len(data) / 2, len(data) - 1} {
		r := bytes.NewReader(data[:cut])
		_, err := DecodeHeader(r)
		if err == nil {
			if _, err = DecodeTag(r); err == nil {
				_, err = DecodeBody(TagGetData, r)
			}
		}
		require.Error(t, err, "cut=%d", cut)
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	h := testHeader(t)
	data := EncodeMessage(h, GetData{DataTag: 1, Name: randAddr(t)})
	r := bytes.NewReader(data)
	_, err := DecodeHeader(r)
	require.NoError(t, err)

	pos := len(data) - r.Len()
	data[pos] = 0xff
	r = bytes.NewReader(data[pos:])
	_, err = DecodeTag(r)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecode_BadSignatureLength(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		Destination: Destination{Target: randAddr(t)},
		Source:      Source{Node: randAddr(t)},
		MessageID:   9,
		Authority:   AuthorityNode,
		Signature:   []byte{1, 2, 3}, // not a valid ed25519 signature size
	}
	h.encodeTo(&buf)
	_, err := DecodeHeader(bytes.NewReader(buf.Bytes()))
	require.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestDecode_BadAuthority(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		Destination: Destination{Target: randAddr(t)},
		Source:      Source{Node: randAddr(t)},
		Authority:   Authority(0x7f),
	}
	h.encodeTo(&buf)
	_, err := DecodeHeader(bytes.NewReader(buf.Bytes()))
	require.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestHeader_ReturnDestination(t *testing.T) {
	reply := randAddr(t)
	h := Header{
		Destination: Destination{Target: randAddr(t)},
		Source:      Source{Node: randAddr(t), ReplyTo: &reply},
	}
	ret := h.ReturnDestination()
	require.Equal(t, reply, ret.Target)
	require.Equal(t, &reply, ret.ReplyTo)
	require.True(t, h.Relayed())

	direct := Header{Source: Source{Node: randAddr(t)}}
	ret = direct.ReturnDestination()
	require.Equal(t, direct.Source.Node, ret.Target)
	require.Nil(t, ret.ReplyTo)
	require.False(t, direct.Relayed())
}
