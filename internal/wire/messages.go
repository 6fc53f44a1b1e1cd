package wire

import (
	"bytes"
	"crypto/ed25519"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
)

// Tag enumerates the concrete body types.
type Tag uint8

const (
	TagConnect Tag = iota + 1
	TagConnectResponse
	TagFindGroup
	TagFindGroupResponse
	TagGetData
	TagGetDataResponse
	TagPutData
	TagPutDataResponse
	TagPost
	TagPostResponse
)

func (t Tag) valid() bool { return t >= TagConnect && t <= TagPostResponse }

func (t Tag) String() string {
	switch t {
	case TagConnect:
		return "connect"
	case TagConnectResponse:
		return "connect_response"
	case TagFindGroup:
		return "find_group"
	case TagFindGroupResponse:
		return "find_group_response"
	case TagGetData:
		return "get_data"
	case TagGetDataResponse:
		return "get_data_response"
	case TagPutData:
		return "put_data"
	case TagPutDataResponse:
		return "put_data_response"
	case TagPost:
		return "post"
	case TagPostResponse:
		return "post_response"
	default:
		return "unknown"
	}
}

// Fob is a node's public identity token: its address and the key the
// address is derived from.
type Fob struct {
	Address   ident.Address
	PublicKey ed25519.PublicKey
}

func (f Fob) encodeTo(buf *bytes.Buffer) {
	writeAddress(buf, f.Address)
	writeBytes(buf, f.PublicKey)
}

func decodeFob(r *bytes.Reader) (Fob, error) {
	var f Fob
	var err error
	if f.Address, err = readAddress(r, "fob address"); err != nil {
		return f, err
	}
	key, err := readBytes(r, "fob key")
	if err != nil {
		return f, err
	}
	if len(key) != ed25519.PublicKeySize {
		return f, malformed("fob key length", nil)
	}
	f.PublicKey = ed25519.PublicKey(key)
	return f, nil
}

// Body is a typed message payload.
type Body interface {
	Tag() Tag
	encodeTo(buf *bytes.Buffer)
}

// Connect asks a peer to establish a bidirectional connection.
type Connect struct {
	RequesterEndpoints routing.EndpointPair
	RequesterID        ident.Address
	ReceiverID         ident.Address
	RequesterFob       Fob
}

func (Connect) Tag() Tag { return TagConnect }

func (m Connect) encodeTo(buf *bytes.Buffer) {
	writeEndpoints(buf, m.RequesterEndpoints)
	writeAddress(buf, m.RequesterID)
	writeAddress(buf, m.ReceiverID)
	m.RequesterFob.encodeTo(buf)
}

func DecodeConnect(r *bytes.Reader) (Connect, error) {
	var m Connect
	var err error
	if m.RequesterEndpoints, err = readEndpoints(r, "requester endpoints"); err != nil {
		return m, err
	}
	if m.RequesterID, err = readAddress(r, "requester id"); err != nil {
		return m, err
	}
	if m.ReceiverID, err = readAddress(r, "receiver id"); err != nil {
		return m, err
	}
	if m.RequesterFob, err = decodeFob(r); err != nil {
		return m, err
	}
	return m, nil
}

// ConnectResponse answers Connect with the receiver's own endpoints.
type ConnectResponse struct {
	RequesterEndpoints routing.EndpointPair
	ReceiverEndpoints  routing.EndpointPair
	RequesterID        ident.Address
	ReceiverID         ident.Address
	ReceiverFob        Fob
}

func (ConnectResponse) Tag() Tag { return TagConnectResponse }

func (m ConnectResponse) encodeTo(buf *bytes.Buffer) {
	writeEndpoints(buf, m.RequesterEndpoints)
	writeEndpoints(buf, m.ReceiverEndpoints)
	writeAddress(buf, m.RequesterID)
	writeAddress(buf, m.ReceiverID)
	m.ReceiverFob.encodeTo(buf)
}

func DecodeConnectResponse(r *bytes.Reader) (ConnectResponse, error) {
	var m ConnectResponse
	var err error
	if m.RequesterEndpoints, err = readEndpoints(r, "requester endpoints"); err != nil {
		return m, err
	}
	if m.ReceiverEndpoints, err = readEndpoints(r, "receiver endpoints"); err != nil {
		return m, err
	}
	if m.RequesterID, err = readAddress(r, "requester id"); err != nil {
		return m, err
	}
	if m.ReceiverID, err = readAddress(r, "receiver id"); err != nil {
		return m, err
	}
	if m.ReceiverFob, err = decodeFob(r); err != nil {
		return m, err
	}
	return m, nil
}

// FindGroup asks the group around Target for its membership.
type FindGroup struct {
	Requester ident.Address
	Target    ident.Address
}

func (FindGroup) Tag() Tag { return TagFindGroup }

func (m FindGroup) encodeTo(buf *bytes.Buffer) {
	writeAddress(buf, m.Requester)
	writeAddress(buf, m.Target)
}

func DecodeFindGroup(r *bytes.Reader) (FindGroup, error) {
	var m FindGroup
	var err error
	if m.Requester, err = readAddress(r, "requester"); err != nil {
		return m, err
	}
	if m.Target, err = readAddress(r, "target"); err != nil {
		return m, err
	}
	return m, nil
}

// FindGroupResponse carries the responder's close group, itself included.
type FindGroupResponse struct {
	Target ident.Address
	Group  []Fob
}

func (FindGroupResponse) Tag() Tag { return TagFindGroupResponse }

func (m FindGroupResponse) encodeTo(buf *bytes.Buffer) {
	writeAddress(buf, m.Target)
	writeUvarint(buf, uint64(len(m.Group)))
	for _, f := range m.Group {
		f.encodeTo(buf)
	}
}

func DecodeFindGroupResponse(r *bytes.Reader) (FindGroupResponse, error) {
	var m FindGroupResponse
	var err error
	if m.Target, err = readAddress(r, "target"); err != nil {
		return m, err
	}
	n, err := readUvarint(r)
	if err != nil {
		return m, malformed("group count", err)
	}
	if n > MaxGroup {
		return m, malformed("group count", nil)
	}
	m.Group = make([]Fob, 0, n)
	for i := uint64(0); i < n; i++ {
		f, err := decodeFob(r)
		if err != nil {
			return m, err
		}
		m.Group = append(m.Group, f)
	}
	return m, nil
}

// GetData requests the payload stored under Name.
type GetData struct {
	DataTag uint64
	Name    ident.Address
}

func (GetData) Tag() Tag { return TagGetData }

func (m GetData) encodeTo(buf *bytes.Buffer) {
	writeUvarint(buf, m.DataTag)
	writeAddress(buf, m.Name)
}

func DecodeGetData(r *bytes.Reader) (GetData, error) {
	var m GetData
	var err error
	if m.DataTag, err = readUvarint(r); err != nil {
		return m, malformed("data tag", err)
	}
	if m.Name, err = readAddress(r, "name"); err != nil {
		return m, err
	}
	return m, nil
}

// GetDataResponse carries the payload, when the responder had it.
type GetDataResponse struct {
	DataTag uint64
	Name    ident.Address
	Data    []byte // nil when the responder had nothing
}

func (GetDataResponse) Tag() Tag { return TagGetDataResponse }

func (m GetDataResponse) encodeTo(buf *bytes.Buffer) {
	writeUvarint(buf, m.DataTag)
	writeAddress(buf, m.Name)
	if m.Data == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeBytes(buf, m.Data)
}

func DecodeGetDataResponse(r *bytes.Reader) (GetDataResponse, error) {
	var m GetDataResponse
	var err error
	if m.DataTag, err = readUvarint(r); err != nil {
		return m, malformed("data tag", err)
	}
	if m.Name, err = readAddress(r, "name"); err != nil {
		return m, err
	}
	flag, err := r.ReadByte()
	if err != nil {
		return m, malformed("data flag", err)
	}
	switch flag {
	case 0:
	case 1:
		if m.Data, err = readBytes(r, "data"); err != nil {
			return m, err
		}
		if m.Data == nil {
			m.Data = []byte{}
		}
	default:
		return m, malformed("data flag", nil)
	}
	return m, nil
}

// PutData stores a payload with the group managing the destination.
type PutData struct {
	DataTag uint64
	Data    []byte
}

func (PutData) Tag() Tag { return TagPutData }

func (m PutData) encodeTo(buf *bytes.Buffer) {
	writeUvarint(buf, m.DataTag)
	writeBytes(buf, m.Data)
}

func DecodePutData(r *bytes.Reader) (PutData, error) {
	var m PutData
	var err error
	if m.DataTag, err = readUvarint(r); err != nil {
		return m, malformed("data tag", err)
	}
	if m.Data, err = readBytes(r, "data"); err != nil {
		return m, err
	}
	return m, nil
}

// PutDataResponse acknowledges (or refuses) a PutData.
type PutDataResponse struct {
	DataTag uint64
	Name    ident.Address
	Error   string // empty on success
}

func (PutDataResponse) Tag() Tag { return TagPutDataResponse }

func (m PutDataResponse) encodeTo(buf *bytes.Buffer) {
	writeUvarint(buf, m.DataTag)
	writeAddress(buf, m.Name)
	writeBytes(buf, []byte(m.Error))
}

func DecodePutDataResponse(r *bytes.Reader) (PutDataResponse, error) {
	var m PutDataResponse
	var err error
	if m.DataTag, err = readUvarint(r); err != nil {
		return m, malformed("data tag", err)
	}
	if m.Name, err = readAddress(r, "name"); err != nil {
		return m, err
	}
	e, err := readBytes(r, "error")
	if err != nil {
		return m, err
	}
	m.Error = string(e)
	return m, nil
}

// Post delivers an application payload to the group at the destination.
type Post struct {
	DataTag uint64
	Payload []byte
}

func (Post) Tag() Tag { return TagPost }

func (m Post) encodeTo(buf *bytes.Buffer) {
	writeUvarint(buf, m.DataTag)
	writeBytes(buf, m.Payload)
}

func DecodePost(r *bytes.Reader) (Post, error) {
	var m Post
	var err error
	if m.DataTag, err = readUvarint(r); err != nil {
		return m, malformed("data tag", err)
	}
	if m.Payload, err = readBytes(r, "payload"); err != nil {
		return m, err
	}
	return m, nil
}

// PostResponse answers a Post.
type PostResponse struct {
	DataTag uint64
	Payload []byte
	Error   string // empty on success
}

func (PostResponse) Tag() Tag { return TagPostResponse }

func (m PostResponse) encodeTo(buf *bytes.Buffer) {
	writeUvarint(buf, m.DataTag)
	writeBytes(buf, m.Payload)
	writeBytes(buf, []byte(m.Error))
}

func DecodePostResponse(r *bytes.Reader) (PostResponse, error) {
	var m PostResponse
	var err error
	if m.DataTag, err = readUvarint(r); err != nil {
		return m, malformed("data tag", err)
	}
	if m.Payload, err = readBytes(r, "payload"); err != nil {
		return m, err
	}
	e, err := readBytes(r, "error")
	if err != nil {
		return m, err
	}
	m.Error = string(e)
	return m, nil
}
