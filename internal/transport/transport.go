package transport

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/frustreated/MaidSafe-Routing/internal/crypto/noiseconn"
	"github.com/frustreated/MaidSafe-Routing/internal/netx"
	"github.com/frustreated/MaidSafe-Routing/internal/telemetry"
)

var (
	ErrStopped     = errors.New("transport stopped")
	ErrUnknownPeer = errors.New("no connection to peer")
	ErrNoBootstrap = errors.New("no bootstrap contact reachable")
)

// MessageHandler receives one decrypted message per call.
type MessageHandler func(data []byte, from netx.Addr)

// ConnectionLostHandler runs after a peer's connection is gone.
type ConnectionLostHandler func(peer netx.Addr)

// Keys are the node's static Noise keypair.
type Keys struct {
	Priv []byte
	Pub  []byte
}

func GenerateKeys() (Keys, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	kp, err := cs.GenerateKeypair(rand.Reader)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Priv: kp.Private, Pub: kp.Public}, nil
}

// handshakePayload rides on the Noise handshake: the dialer's validation
// bytes plus the address each side observes for the other, which is how a
// node learns its external endpoint.
type handshakePayload struct {
	Validation []byte `json:"validation,omitempty"`
	Observed   string `json:"observed,omitempty"`
	Listen     string `json:"listen,omitempty"`
}

type sendReq struct {
	data   []byte
	onSent func(error)
}

type conn struct {
	endpoint netx.Addr
	secure   *noiseconn.SecureConn
	sendCh   chan sendReq
	done     chan struct{}
	once     sync.Once
}

// Manager keeps one secured connection per peer endpoint and moves opaque
// messages over them. It owns nothing above the byte layer.
type Manager struct {
	network netx.Network
	keys    Keys
	log     telemetry.Logger
	debug   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conns     map[netx.Addr]*conn
	local     netx.Addr
	external  netx.Addr
	nat       netx.NatType
	onMessage MessageHandler
	onLost    ConnectionLostHandler
	stopped   bool
}

func New(network netx.Network, keys Keys, log telemetry.Logger, debug bool) *Manager {
	if log == nil {
		log = telemetry.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		network: network,
		keys:    keys,
		log:     log,
		debug:   debug,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[netx.Addr]*conn),
		nat:     netx.NatUnknown,
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.debug {
		m.log.Printf("[transport] "+format, args...)
	}
}

// Bootstrap listens, installs the handlers, and tries the given contacts
// in order. It returns our endpoint pair, the detected NAT class and the
// contact that answered. An empty contact list is not an error: the first
// node of a network has nobody to call.
func (m *Manager) Bootstrap(contacts []netx.Addr, onMessage MessageHandler, onLost ConnectionLostHandler, local netx.Addr) (netx.EndpointPair, netx.NatType, netx.Addr, error) {
	bind := string(local)
	if bind == "" {
		bind = ":0"
	}
	listen, err := m.network.Listen(bind)
	if err != nil {
		return netx.EndpointPair{}, netx.NatUnknown, "", fmt.Errorf("transport listen: %w", err)
	}

	m.mu.Lock()
	m.local = listen
	m.onMessage = onMessage
	m.onLost = onLost
	m.mu.Unlock()

	go m.acceptLoop()

	var contacted netx.Addr
	for _, ep := range contacts {
		if ep == "" {
			continue
		}
		if err := m.Add(listen, ep, nil); err != nil {
			m.logf("bootstrap: %s unreachable: %v", ep, err)
			continue
		}
		contacted = ep
		break
	}
	if contacted == "" && len(contacts) > 0 {
		return m.Endpoints(), m.natType(), "", ErrNoBootstrap
	}
	return m.Endpoints(), m.natType(), contacted, nil
}

// GetAvailableEndpoint reports the endpoints the peer should use to reach
// us, plus our NAT class.
func (m *Manager) GetAvailableEndpoint(netx.Addr) (netx.EndpointPair, netx.NatType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return netx.EndpointPair{}, netx.NatUnknown, ErrStopped
	}
	return netx.EndpointPair{Local: m.local, External: m.external}, m.nat, nil
}

// Endpoints returns the current local/external pair.
func (m *Manager) Endpoints() netx.EndpointPair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return netx.EndpointPair{Local: m.local, External: m.external}
}

func (m *Manager) natType() netx.NatType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nat
}

// Add dials peer and secures the connection, sending validation bytes in
// the handshake. Idempotent for an endpoint we already hold.
func (m *Manager) Add(_ netx.Addr, peer netx.Addr, validation []byte) error {
	m.mu.RLock()
	_, exists := m.conns[peer]
	stopped := m.stopped
	local := m.local
	m.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	if exists {
		return nil
	}

	raw, err := m.network.Dial(peer)
	if err != nil {
		return fmt.Errorf("dial %s: %w", peer, err)
	}

	payload, _ := json.Marshal(handshakePayload{
		Validation: validation,
		Observed:   string(raw.RemoteAddr()),
		Listen:     string(local),
	})
	hs, err := noiseconn.NewSecureClient(raw, m.keys.Priv, m.keys.Pub, payload)
	if err != nil {
		_ = raw.Close()
		return fmt.Errorf("handshake with %s: %w", peer, err)
	}

	var remote handshakePayload
	_ = json.Unmarshal(hs.RemotePayload, &remote)
	m.noteObserved(remote.Observed)

	if err := m.register(peer, hs.Conn); err != nil {
		_ = hs.Conn.Close()
		return err
	}
	if len(remote.Validation) > 0 {
		m.deliver(remote.Validation, peer)
	}
	return nil
}

// Remove tears down the connection to peer without firing the lost
// handler; callers asked for this.
func (m *Manager) Remove(peer netx.Addr) {
	m.mu.Lock()
	c := m.conns[peer]
	delete(m.conns, peer)
	m.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
}

// Send queues data for peer. onSent runs exactly once, with nil on a
// successful write. The call never blocks on the network.
func (m *Manager) Send(peer netx.Addr, data []byte, onSent func(error)) {
	if onSent == nil {
		onSent = func(error) {}
	}

	m.mu.RLock()
	c := m.conns[peer]
	stopped := m.stopped
	m.mu.RUnlock()

	if stopped {
		go onSent(ErrStopped)
		return
	}
	if c == nil {
		go onSent(fmt.Errorf("%w: %s", ErrUnknownPeer, peer))
		return
	}

	select {
	case c.sendCh <- sendReq{data: data, onSent: onSent}:
	default:
		// A peer that cannot drain its queue is effectively gone.
		m.logf("send buffer to %s full, dropping connection", peer)
		go onSent(fmt.Errorf("%w: %s", ErrUnknownPeer, peer))
		go m.drop(peer)
	}
}

// Connected reports whether an endpoint currently has a live connection.
func (m *Manager) Connected(peer netx.Addr) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[peer]
	return ok
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stop closes every connection and the listener.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[netx.Addr]*conn)
	m.mu.Unlock()

	m.cancel()
	for _, c := range conns {
		c.shutdown()
	}
	_ = m.network.Close()
}

// --- internals ---

func (m *Manager) acceptLoop() {
	for {
		raw, err := m.network.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				m.logf("accept: %v", err)
			}
			return
		}
		go m.handleInbound(raw)
	}
}

func (m *Manager) handleInbound(raw netx.Conn) {
	m.mu.RLock()
	local := m.local
	m.mu.RUnlock()

	payload, _ := json.Marshal(handshakePayload{
		Observed: string(raw.RemoteAddr()),
		Listen:   string(local),
	})
	hs, err := noiseconn.NewSecureServer(raw, m.keys.Priv, m.keys.Pub, payload)
	if err != nil {
		m.logf("inbound handshake from %s: %v", raw.RemoteAddr(), err)
		_ = raw.Close()
		return
	}

	var remote handshakePayload
	_ = json.Unmarshal(hs.RemotePayload, &remote)
	m.noteObserved(remote.Observed)

	// Key the connection by the peer's listen endpoint when it announced
	// one; the ephemeral dial port is useless for reaching it later.
	endpoint := raw.RemoteAddr()
	if remote.Listen != "" {
		endpoint = rebindEndpoint(raw.RemoteAddr(), remote.Listen)
	}

	if err := m.register(endpoint, hs.Conn); err != nil {
		_ = hs.Conn.Close()
		return
	}
	if len(remote.Validation) > 0 {
		m.deliver(remote.Validation, endpoint)
	}
}

// rebindEndpoint keeps the observed host but trusts the announced port.
func rebindEndpoint(observed netx.Addr, listen string) netx.Addr {
	obsHost, _, err := net.SplitHostPort(string(observed))
	if err != nil {
		return netx.Addr(listen)
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return netx.Addr(listen)
	}
	return netx.Addr(net.JoinHostPort(obsHost, port))
}

func (m *Manager) register(endpoint netx.Addr, secure *noiseconn.SecureConn) error {
	c := &conn{
		endpoint: endpoint,
		secure:   secure,
		sendCh:   make(chan sendReq, 128),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if old := m.conns[endpoint]; old != nil {
		// Keep the existing connection; simultaneous dials happen.
		m.mu.Unlock()
		return fmt.Errorf("duplicate connection to %s", endpoint)
	}
	m.conns[endpoint] = c
	m.mu.Unlock()

	go m.readLoop(c)
	go m.writeLoop(c)
	m.logf("connected to %s", endpoint)
	return nil
}

func (m *Manager) readLoop(c *conn) {
	buf := make([]byte, 1<<16)
	for {
		n, err := c.secure.Read(buf)
		if err != nil {
			m.logf("read from %s: %v", c.endpoint, err)
			m.lost(c)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.deliver(data, c.endpoint)
	}
}

func (m *Manager) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			// Fail whatever is still queued so callbacks always fire.
			for {
				select {
				case req := <-c.sendCh:
					req.onSent(ErrStopped)
				default:
					return
				}
			}
		case req := <-c.sendCh:
			_, err := c.secure.Write(req.data)
			req.onSent(err)
			if err != nil {
				m.logf("write to %s: %v", c.endpoint, err)
				m.lost(c)
				return
			}
		}
	}
}

func (m *Manager) deliver(data []byte, from netx.Addr) {
	m.mu.RLock()
	h := m.onMessage
	m.mu.RUnlock()
	if h != nil {
		h(data, from)
	}
}

func (m *Manager) drop(peer netx.Addr) {
	m.mu.Lock()
	c := m.conns[peer]
	delete(m.conns, peer)
	m.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
}

// lost removes c and fires the lost handler, once.
func (m *Manager) lost(c *conn) {
	m.mu.Lock()
	cur := m.conns[c.endpoint]
	if cur == c {
		delete(m.conns, c.endpoint)
	}
	stopped := m.stopped
	onLost := m.onLost
	m.mu.Unlock()

	c.shutdown()
	if cur == c && !stopped && onLost != nil {
		onLost(c.endpoint)
	}
}

func (m *Manager) noteObserved(observed string) {
	if observed == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	locHost, locPort, err1 := net.SplitHostPort(string(m.local))
	obsHost, _, err2 := net.SplitHostPort(observed)
	if err1 != nil || err2 != nil {
		return
	}
	// The observed port is whatever socket we dialed from; only the host
	// part is meaningful. Peers reach us on our listen port.
	m.external = netx.Addr(net.JoinHostPort(obsHost, locPort))
	if locHost != obsHost && !isWildcard(locHost) {
		m.nat = netx.NatSymmetric
	} else if m.nat == netx.NatUnknown {
		m.nat = netx.NatNone
	}
}

func isWildcard(host string) bool {
	return host == "" || host == "0.0.0.0" || host == "::"
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.secure.Close()
	})
}
