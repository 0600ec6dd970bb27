package netx

import (
	"net"
	"sync"
	"time"
)

type tcpNetwork struct {
	mu       sync.Mutex
	listener net.Listener
	dialTO   time.Duration
}

func NewTCPNetwork() Network {
	return &tcpNetwork{dialTO: 5 * time.Second}
}

func (t *tcpNetwork) Listen(bindAddr string) (Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return "", err
	}
	t.listener = l
	return Addr(l.Addr().String()), nil
}

func (t *tcpNetwork) Accept() (Conn, error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()

	if l == nil {
		return nil, net.ErrClosed
	}
	c, err := l.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}
	return &tcpConn{Conn: c}, nil
}

func (t *tcpNetwork) Dial(addr Addr) (Conn, error) {
	c, err := net.DialTimeout("tcp", string(addr), t.dialTO)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}
	return &tcpConn{Conn: c}, nil
}

func (t *tcpNetwork) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		err := t.listener.Close()
		t.listener = nil
		return err
	}
	return nil
}

type tcpConn struct {
	net.Conn
}

func (c *tcpConn) RemoteAddr() Addr {
	return Addr(c.Conn.RemoteAddr().String())
}
