package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// SecureConn wraps an underlying stream with Noise cipher states.
type SecureConn struct {
	underlying io.ReadWriteCloser

	readCS  *noise.CipherState
	writeCS *noise.CipherState
}

// HandshakeResult carries the secured stream plus what the peer proved
// and announced during the handshake.
type HandshakeResult struct {
	Conn *SecureConn

	// RemoteStatic is the peer's long-term Noise public key.
	RemoteStatic []byte
	// RemotePayload is the identity payload the peer attached to its
	// final handshake message.
	RemotePayload []byte
}

// Read reads a single length-prefixed encrypted frame and decrypts it.
func (c *SecureConn) Read(p []byte) (int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.underlying, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, fmt.Errorf("invalid frame length")
	}

	ct := make([]byte, n)
	if _, err := io.ReadFull(c.underlying, ct); err != nil {
		return 0, err
	}

	pt, err := c.readCS.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, err
	}

	if len(pt) > len(p) {
		copy(p, pt[:len(p)])
		return len(p), io.ErrShortBuffer
	}
	copy(p, pt)
	return len(pt), nil
}

// Write encrypts p as a single frame and writes it with a length prefix.
func (c *SecureConn) Write(p []byte) (int, error) {
	ct, err := c.writeCS.Encrypt(nil, nil, p)
	if err != nil {
		return 0, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))

	if _, err := c.underlying.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := c.underlying.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *SecureConn) Close() error {
	return c.underlying.Close()
}

// Handshake messages use a 2-byte length prefix; they are small and sent
// before the frame format above applies.
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	var lenBuf [2]byte
	if len(msg) > 0xffff {
		return fmt.Errorf("handshake message too long")
	}
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return nil
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("invalid handshake message length")
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func newHandshakeState(staticPriv, staticPub []byte, initiator bool) (*noise.HandshakeState, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: noise.DHKey{Private: staticPriv, Public: staticPub},
	})
}

// NewSecureClient runs a Noise_XX handshake as initiator. payload rides
// on the final handshake message, already encrypted to the responder.
func NewSecureClient(underlying io.ReadWriteCloser, staticPriv, staticPub, payload []byte) (*HandshakeResult, error) {
	hs, err := newHandshakeState(staticPriv, staticPub, true)
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es (+ responder payload)
	buf, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, buf)
	if err != nil {
		return nil, err
	}

	// -> s, se (+ our payload)
	msg2, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg2); err != nil {
		return nil, err
	}

	// Initiator sends with the first cipher state and reads with the second.
	return &HandshakeResult{
		Conn: &SecureConn{
			underlying: underlying,
			readCS:     cs2,
			writeCS:    cs1,
		},
		RemoteStatic:  hs.PeerStatic(),
		RemotePayload: remotePayload,
	}, nil
}

// NewSecureServer runs a Noise_XX handshake as responder. payload rides
// on the second handshake message.
func NewSecureServer(underlying io.ReadWriteCloser, staticPriv, staticPub, payload []byte) (*HandshakeResult, error) {
	hs, err := newHandshakeState(staticPriv, staticPub, false)
	if err != nil {
		return nil, err
	}

	// <- e
	buf, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, buf); err != nil {
		return nil, err
	}

	// -> e, ee, s, es (+ our payload)
	msg, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se (+ initiator payload)
	buf2, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, buf2)
	if err != nil {
		return nil, err
	}

	// Responder cipher state order is swapped relative to the initiator.
	return &HandshakeResult{
		Conn: &SecureConn{
			underlying: underlying,
			readCS:     cs1,
			writeCS:    cs2,
		},
		RemoteStatic:  hs.PeerStatic(),
		RemotePayload: remotePayload,
	}, nil
}
