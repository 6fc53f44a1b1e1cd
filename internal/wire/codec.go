package wire

import (
	"bytes"
	"fmt"
)

// EncodeMessage produces the wire form: header, tag, body.
func EncodeMessage(h Header, body Body) []byte {
	var buf bytes.Buffer
	h.encodeTo(&buf)
	buf.WriteByte(byte(body.Tag()))
	body.encodeTo(&buf)
	return buf.Bytes()
}

// EncodeBody serialises a body alone; this is the signed portion of a
// message whose header carries a signature.
func EncodeBody(body Body) []byte {
	var buf bytes.Buffer
	body.encodeTo(&buf)
	return buf.Bytes()
}

// DecodeTag reads the body tag following a header.
func DecodeTag(r *bytes.Reader) (Tag, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, malformed("tag", err)
	}
	t := Tag(b)
	if !t.valid() {
		return 0, fmt.Errorf("%w: %w", ErrMalformedMessage, ErrUnknownTag)
	}
	return t, nil
}

// DecodeBody parses the body matching tag from the remaining bytes.
func DecodeBody(tag Tag, r *bytes.Reader) (Body, error) {
	switch tag {
	case TagConnect:
		return decoded(DecodeConnect(r))
	case TagConnectResponse:
		return decoded(DecodeConnectResponse(r))
	case TagFindGroup:
		return decoded(DecodeFindGroup(r))
	case TagFindGroupResponse:
		return decoded(DecodeFindGroupResponse(r))
	case TagGetData:
		return decoded(DecodeGetData(r))
	case TagGetDataResponse:
		return decoded(DecodeGetDataResponse(r))
	case TagPutData:
		return decoded(DecodePutData(r))
	case TagPutDataResponse:
		return decoded(DecodePutDataResponse(r))
	case TagPost:
		return decoded(DecodePost(r))
	case TagPostResponse:
		return decoded(DecodePostResponse(r))
	default:
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, ErrUnknownTag)
	}
}

func decoded[B Body](body B, err error) (Body, error) {
	if err != nil {
		return nil, err
	}
	return body, nil
}
