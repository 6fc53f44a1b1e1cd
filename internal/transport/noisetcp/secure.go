package noisetcp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// secureConn wraps a TCP stream with Noise cipher states. Every frame is
// a 4-byte big-endian length followed by ciphertext.
type secureConn struct {
	underlying io.ReadWriteCloser

	readCS  *noise.CipherState
	writeCS *noise.CipherState
}

const maxFrame = 2 << 20

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxFrame {
		return fmt.Errorf("frame too large: %d", len(b))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadFrame reads and decrypts one whole frame.
func (c *secureConn) ReadFrame() ([]byte, error) {
	ct, err := readFrame(c.underlying)
	if err != nil {
		return nil, err
	}
	return c.readCS.Decrypt(nil, nil, ct)
}

// WriteFrame encrypts p and writes it as a single frame.
func (c *secureConn) WriteFrame(p []byte) error {
	ct, err := c.writeCS.Encrypt(nil, nil, p)
	if err != nil {
		return err
	}
	return writeFrame(c.underlying, ct)
}

func (c *secureConn) Close() error { return c.underlying.Close() }

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// handshakeResult carries the secured stream and the payloads the two
// sides exchanged inside the XX handshake.
type handshakeResult struct {
	conn          *secureConn
	remotePayload []byte
}

// secureClient runs Noise XX as initiator. payload travels encrypted in
// the third handshake message; the responder's payload arrives with the
// second.
func secureClient(underlying io.ReadWriteCloser, static noise.DHKey, payload []byte) (*handshakeResult, error) {
	cfg := noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es (+ responder payload)
	in, err := readFrame(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, in)
	if err != nil {
		return nil, err
	}

	// -> s, se (+ our payload)
	msg2, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(underlying, msg2); err != nil {
		return nil, err
	}

	return &handshakeResult{
		conn:          &secureConn{underlying: underlying, readCS: cs2, writeCS: cs1},
		remotePayload: remotePayload,
	}, nil
}

// secureServer runs Noise XX as responder.
func secureServer(underlying io.ReadWriteCloser, static noise.DHKey, payload []byte) (*handshakeResult, error) {
	cfg := noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: static,
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, err
	}

	// <- e
	in, err := readFrame(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, in); err != nil {
		return nil, err
	}

	// -> e, ee, s, es (+ our payload)
	msg, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se (+ initiator payload)
	in2, err := readFrame(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, in2)
	if err != nil {
		return nil, err
	}

	// Responder cipher-state order is swapped relative to the initiator.
	return &handshakeResult{
		conn:          &secureConn{underlying: underlying, readCS: cs1, writeCS: cs2},
		remotePayload: remotePayload,
	}, nil
}
