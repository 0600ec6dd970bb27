package netx

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const quicALPN = "overlay-routing"

// quicNetwork exposes QUIC as a Network. Every Conn is one long-lived
// bidirectional stream; the node-level handshake on top authenticates the
// peer, so the TLS layer only has to provide an encrypted pipe.
type quicNetwork struct {
	mu       sync.Mutex
	listener *quic.Listener

	accepted chan Conn
	done     chan struct{}
	dialTO   time.Duration
}

func NewQUICNetwork() Network {
	return &quicNetwork{
		accepted: make(chan Conn, 16),
		done:     make(chan struct{}),
		dialTO:   5 * time.Second,
	}
}

func (q *quicNetwork) Listen(bindAddr string) (Addr, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	l, err := quic.ListenAddr(bindAddr, tlsConf, nil)
	if err != nil {
		return "", err
	}
	q.listener = l

	go q.acceptConns(l)

	return Addr(l.Addr().String()), nil
}

func (q *quicNetwork) acceptConns(l *quic.Listener) {
	for {
		conn, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		go q.acceptStreams(conn)
	}
}

func (q *quicNetwork) acceptStreams(conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		c := &quicConn{stream: stream, remote: Addr(conn.RemoteAddr().String())}
		select {
		case q.accepted <- c:
		case <-q.done:
			_ = c.Close()
			return
		}
	}
}

func (q *quicNetwork) Accept() (Conn, error) {
	select {
	case c := <-q.accepted:
		return c, nil
	case <-q.done:
		return nil, net.ErrClosed
	}
}

func (q *quicNetwork) Dial(addr Addr) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.dialTO)
	defer cancel()

	conn, err := quic.DialAddr(ctx, string(addr), clientTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicConn{
		stream: stream,
		remote: Addr(conn.RemoteAddr().String()),
		conn:   conn,
	}, nil
}

func (q *quicNetwork) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.done:
	default:
		close(q.done)
	}
	if q.listener != nil {
		err := q.listener.Close()
		q.listener = nil
		return err
	}
	return nil
}

type quicConn struct {
	stream *quic.Stream
	remote Addr
	conn   *quic.Conn // set on the dial side; owns the connection
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	err := c.stream.Close()
	if c.conn != nil {
		_ = c.conn.CloseWithError(0, "")
	}
	return err
}

func (c *quicConn) RemoteAddr() Addr { return c.remote }

func (c *quicConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds a deterministic self-signed certificate. Peer identity
// is established by the handshake above this layer, not by TLS.
func devTLSCert() (tls.Certificate, error) {
	seed := sha256.Sum256([]byte("overlay-routing-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
}
