package routing

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frustreated/MaidSafe-Routing/internal/bootfile"
	"github.com/frustreated/MaidSafe-Routing/internal/cache"
	"github.com/frustreated/MaidSafe-Routing/internal/fwd"
	"github.com/frustreated/MaidSafe-Routing/internal/message"
	"github.com/frustreated/MaidSafe-Routing/internal/netx"
	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
	"github.com/frustreated/MaidSafe-Routing/internal/params"
	"github.com/frustreated/MaidSafe-Routing/internal/paths"
	"github.com/frustreated/MaidSafe-Routing/internal/table"
	"github.com/frustreated/MaidSafe-Routing/internal/telemetry"
	"github.com/frustreated/MaidSafe-Routing/internal/timer"
	"github.com/frustreated/MaidSafe-Routing/internal/transport"
)

var (
	ErrNotJoined       = errors.New("not joined")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStopped         = errors.New("routing stopped")
	ErrJoinFailed      = errors.New("join failed")
)

const (
	stateInit int32 = iota
	stateJoining
	stateRunning
	stateStopping
	stateStopped
)

// Config sets a node up. Zero values fall back to sane defaults; only the
// key material is mandatory.
type Config struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	// Client nodes attach to the network without relaying for it.
	Client bool

	Params        params.Parameters
	Network       netx.Network // default: TCP
	LocalEndpoint netx.Addr
	BootstrapPath string // bolt file; default under the user data dir

	Logger  telemetry.Logger
	Debug   bool
	Metrics fwd.Metrics
}

// Routing is the public surface of the overlay core. It owns both tables,
// the pending-response registry and the cache, and drives the forwarder
// from transport callbacks.
type Routing struct {
	cfg  Config
	p    params.Parameters
	self nodeid.ID
	hex  string
	log  telemetry.Logger

	rt    *table.RoutingTable
	ct    *table.ClientTable
	tm    *timer.Timer
	cm    *cache.Manager
	tp    *transport.Manager
	fw    *fwd.Forwarder
	store *bootfile.Store

	state atomic.Int32

	mu       sync.RWMutex
	functors Functors

	joinOnce sync.Once
	joined   chan struct{}
}

// New builds a node around its key material. The overlay id is derived
// from the public key, so the address is earned, not chosen.
func New(cfg Config) (*Routing, error) {
	if len(cfg.PublicKey) == 0 || len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: missing key material", ErrInvalidArgument)
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	if cfg.Network == nil {
		cfg.Network = netx.NewTCPNetwork()
	}
	if cfg.BootstrapPath == "" {
		dir, err := paths.EnsureDir(paths.DefaultDataDir())
		if err != nil {
			return nil, err
		}
		cfg.BootstrapPath = filepath.Join(dir, "bootstrap.db")
	}

	p := cfg.Params.Normalized()
	self := nodeid.FromPublicKey(cfg.PublicKey)

	keys, err := transport.GenerateKeys()
	if err != nil {
		return nil, err
	}

	r := &Routing{
		cfg:    cfg,
		p:      p,
		self:   self,
		hex:    self.Hex(),
		log:    cfg.Logger,
		rt:     table.New(self, p, cfg.Logger),
		ct:     table.NewClientTable(self, p),
		tm:     timer.New(4, cfg.Logger),
		cm:     cache.New(self.Hex(), p.CacheBudgetBytes, cfg.Logger),
		tp:     transport.New(cfg.Network, keys, cfg.Logger, cfg.Debug),
		joined: make(chan struct{}),
	}
	r.fw = fwd.New(self, p, r.rt, r.ct, r.tm, r.cm, r.tp, r.deliverLocal, cfg.Metrics, cfg.Logger)
	return r, nil
}

func (r *Routing) logf(format string, args ...any) {
	if r.cfg.Debug {
		r.log.Printf("[routing %s] "+format, append([]any{r.self.Short()}, args...)...)
	}
}

// KNodeID returns this node's overlay id.
func (r *Routing) KNodeID() nodeid.ID { return r.self }

// Join brings the node online: it installs the functors, opens the
// bootstrap store, starts the transport and validates itself into the
// network through the given endpoints plus any remembered contacts.
// A node with nobody to call becomes the network's first member.
func (r *Routing) Join(functors Functors, peerEndpoints ...netx.Addr) error {
	if !r.state.CompareAndSwap(stateInit, stateJoining) {
		return fmt.Errorf("%w: join already attempted", ErrInvalidArgument)
	}

	r.mu.Lock()
	r.functors = functors
	r.mu.Unlock()

	r.rt.SetNotifiers(r.onCloseChanged, r.onStatus)
	r.cm.SetFunctors(functors.StoreCacheData, functors.HaveCacheData)

	store, err := bootfile.Open(r.cfg.BootstrapPath)
	if err != nil {
		r.state.Store(stateInit)
		return fmt.Errorf("bootstrap store: %w", err)
	}
	r.store = store

	contacts := append([]netx.Addr(nil), peerEndpoints...)
	if recs, err := store.Candidates(5, 16); err == nil {
		for _, rec := range recs {
			contacts = append(contacts, netx.Addr(rec.Endpoint))
		}
	}

	eps, nat, contacted, err := r.tp.Bootstrap(contacts, r.onTransportMessage, r.onConnectionLost, r.cfg.LocalEndpoint)
	if err != nil && !errors.Is(err, transport.ErrNoBootstrap) {
		r.state.Store(stateInit)
		return err
	}
	r.logf("listening on %s (external %s, nat %s)", eps.Local, eps.External, nat)

	if contacted == "" {
		// First node of the network; nothing to validate against.
		r.state.Store(stateRunning)
		r.markJoined()
		return nil
	}

	// Introduce ourselves to the contact and wait for the network to
	// admit us.
	r.tp.Send(contacted, r.connectRequestBytes(), nil)
	select {
	case <-r.joined:
	case <-time.After(15 * time.Second):
		r.state.Store(stateRunning) // keep running degraded; churn may fill us later
		r.logf("join window expired with table size %d", r.rt.Size())
		if r.rt.Size() == 0 {
			return ErrJoinFailed
		}
	}
	r.state.Store(stateRunning)
	return nil
}

func (r *Routing) markJoined() {
	r.joinOnce.Do(func() { close(r.joined) })
}

func (r *Routing) running() bool { return r.state.Load() == stateRunning }

// SendDirect routes payload toward the single node owning destination.
// With a response func the call registers exactly one expected response
// under the default timeout.
func (r *Routing) SendDirect(destination nodeid.ID, payload []byte, cacheable bool, response ResponseFunc) error {
	return r.send(destination, payload, cacheable, false, response)
}

// SendGroup routes payload to the GroupSize nodes closest to destination.
// The node whose id equals destination is not part of the group. With a
// response func, GroupSize responses are expected.
func (r *Routing) SendGroup(destination nodeid.ID, payload []byte, cacheable bool, response ResponseFunc) error {
	return r.send(destination, payload, cacheable, true, response)
}

func (r *Routing) send(dest nodeid.ID, payload []byte, cacheable, group bool, response ResponseFunc) error {
	switch r.state.Load() {
	case stateRunning:
	case stateStopping, stateStopped:
		return ErrStopped
	default:
		return ErrNotJoined
	}
	if dest.IsZero() {
		return fmt.Errorf("%w: zero destination", ErrInvalidArgument)
	}
	if !group && dest == r.self {
		return fmt.Errorf("%w: direct send to own id", ErrInvalidArgument)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	}

	m := &message.Message{
		Source:      r.hex,
		Destination: dest.Hex(),
		Group:       group,
		Request:     true,
		Type:        message.TypeData,
		Payload:     payload,
		Cacheable:   cacheable,
	}
	if response != nil {
		expected := 1
		if group {
			expected = r.p.GroupSize
		}
		m.ResponseID = r.tm.AddTask(r.p.DefaultResponseTimeout, expected, timer.Callback(response))
	}

	r.fw.Route(m)
	return nil
}

// GetGroup resolves the ids forming destination's group. The returned
// channel yields once, after GroupSize answers or the response timeout.
func (r *Routing) GetGroup(groupID nodeid.ID) <-chan []nodeid.ID {
	out := make(chan []nodeid.ID, 1)
	if !r.running() {
		out <- nil
		close(out)
		return out
	}

	var mu sync.Mutex
	members := make(map[nodeid.ID]struct{})
	answers := 0
	done := false

	resolve := func() {
		if done {
			return
		}
		done = true
		ids := make([]nodeid.ID, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return nodeid.CloserToTarget(groupID, ids[i], ids[j])
		})
		if len(ids) > r.p.GroupSize {
			ids = ids[:r.p.GroupSize]
		}
		out <- ids
		close(out)
	}

	rid := r.tm.AddTask(r.p.DefaultResponseTimeout, r.p.GroupSize, func(payload []byte, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			resolve()
			return
		}
		var reply message.FindGroupReply
		if jsonErr := json.Unmarshal(payload, &reply); jsonErr == nil {
			for _, h := range reply.Members {
				if id, parseErr := nodeid.Parse(h); parseErr == nil {
					members[id] = struct{}{}
				}
			}
		}
		answers++
		if answers >= r.p.GroupSize || len(members) >= r.p.GroupSize {
			resolve()
		}
	})

	m := &message.Message{
		Source:      r.hex,
		Destination: groupID.Hex(),
		Group:       true,
		Request:     true,
		Type:        message.TypeFindGroup,
		ResponseID:  rid,
		Payload:     []byte(groupID.Hex()),
	}
	r.fw.Route(m)
	return out
}

// --- membership queries ---

func (r *Routing) ClosestToID(target nodeid.ID) bool { return r.rt.ClosestTo(target) }

func (r *Routing) IsIDInGroupRange(groupID, nodeID nodeid.ID) table.GroupRange {
	return r.rt.IsIDInGroupRange(groupID, nodeID)
}

func (r *Routing) IsInGroupRange(groupID nodeid.ID) table.GroupRange {
	return r.rt.IsInGroupRange(groupID)
}

func (r *Routing) EstimateInGroup(senderID, infoID nodeid.ID) bool {
	return r.rt.EstimateInGroup(senderID, infoID)
}

func (r *Routing) ClosestNodes() []table.NodeInfo { return r.rt.ClosestNodes() }

func (r *Routing) RandomConnectedNode() (nodeid.ID, bool) {
	n, ok := r.rt.RandomConnectedNode(true)
	return n.ID, ok
}

func (r *Routing) IsConnectedVault(id nodeid.ID) bool  { return r.rt.KnownVault(id) }
func (r *Routing) IsConnectedClient(id nodeid.ID) bool { return r.ct.Contains(id) }

// NetworkStatus reports table fullness as a 0-100 percentage.
func (r *Routing) NetworkStatus() int { return r.rt.NetworkStatus() }

// Stop rejects new sends, resolves every pending response with a
// cancellation marker, persists the bootstrap list and tears the
// transport down.
func (r *Routing) Stop() {
	if !r.state.CompareAndSwap(stateRunning, stateStopping) &&
		!r.state.CompareAndSwap(stateJoining, stateStopping) &&
		!r.state.CompareAndSwap(stateInit, stateStopping) {
		return
	}

	r.tm.Stop()

	if r.store != nil {
		nodes := r.rt.Nodes()
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].LastSeen.After(nodes[j].LastSeen)
		})
		recs := make([]bootfile.Record, 0, len(nodes))
		for _, n := range nodes {
			ep := n.Endpoints.Best()
			if ep == "" {
				continue
			}
			recs = append(recs, bootfile.Record{IDHex: n.ID.Hex(), Endpoint: string(ep)})
		}
		if err := r.store.Rewrite(recs); err != nil {
			r.logf("bootstrap rewrite: %v", err)
		}
		_ = r.store.Close()
	}

	r.tp.Stop()
	r.state.Store(stateStopped)
}

// --- transport plumbing ---

func (r *Routing) onTransportMessage(data []byte, from netx.Addr) {
	m, err := message.Decode(data)
	if err != nil {
		r.logf("bad envelope from %s: %v", from, err)
		return
	}

	// Validation traffic never routes: it is strictly between direct
	// neighbours.
	if m.Type == message.TypeConnect {
		r.handleConnect(m, from)
		return
	}
	r.fw.HandleInbound(m, from)
}

func (r *Routing) onConnectionLost(peer netx.Addr) {
	for _, n := range r.rt.Nodes() {
		if n.Endpoints.Best() == peer {
			r.logf("vault %s lost (%s)", n.ID.Short(), peer)
			r.rt.DropNode(n.ID)
			if r.store != nil {
				_ = r.store.NoteFailure(string(peer))
			}
			return
		}
	}
	for _, n := range r.ct.Nodes() {
		if n.Endpoints.Best() == peer {
			r.logf("client %s lost (%s)", n.ID.Short(), peer)
			r.ct.DropNode(n.ID)
			return
		}
	}
}

func (r *Routing) onCloseChanged(closest []table.NodeInfo) {
	r.mu.RLock()
	fn := r.functors.CloseNodeReplaced
	r.mu.RUnlock()
	if fn != nil {
		fn(closest)
	}
}

func (r *Routing) onStatus(percent int) {
	r.mu.RLock()
	fn := r.functors.NetworkStatus
	r.mu.RUnlock()
	if fn != nil {
		fn(percent)
	}
}

// deliverLocal is the forwarder's upper edge: core message types are
// answered here, data goes to the caller.
func (r *Routing) deliverLocal(m *message.Message) {
	switch m.Type {
	case message.TypePing:
		if m.Request {
			r.fw.Route(m.Response(r.hex, m.Payload))
		}

	case message.TypeFindGroup:
		if !m.Request {
			return
		}
		target, err := nodeid.Parse(string(m.Payload))
		if err != nil {
			return
		}
		reply := message.FindGroupReply{}
		for _, n := range r.rt.GetClosestNodes(target, r.p.GroupSize) {
			if n.ID == target {
				continue
			}
			reply.Members = append(reply.Members, n.ID.Hex())
		}
		if target != r.self {
			reply.Members = append(reply.Members, r.hex)
		}
		r.fw.Route(m.Response(r.hex, message.MustMarshal(reply)))

	case message.TypeData:
		r.mu.RLock()
		fn := r.functors.MessageReceived
		r.mu.RUnlock()
		if fn == nil {
			return
		}
		var reply ReplyFunc
		if m.Request && m.ResponseID != 0 {
			req := m
			var once sync.Once
			reply = func(payload []byte) {
				once.Do(func() {
					r.fw.Route(req.Response(r.hex, payload))
				})
			}
		}
		fn(m.Payload, m.Cacheable, reply)
	}
}

// --- validation / connect ---

// connectRequestBytes is the payload a dial carries: who we are and how
// to reach us, plus our current close set for the peer's group matrix.
func (r *Routing) connectRequestBytes() []byte {
	m := &message.Message{
		Source:  r.hex,
		Request: true,
		Type:    message.TypeConnect,
		Relay:   string(r.tp.Endpoints().Best()),
		Payload: message.MustMarshal(r.connectInfo()),
	}
	data, _ := m.Encode()
	return data
}

func (r *Routing) connectInfo() message.ConnectInfo {
	ci := message.ConnectInfo{
		PublicKey: r.cfg.PublicKey,
		Endpoints: r.tp.Endpoints(),
		Client:    r.cfg.Client,
	}
	for _, n := range r.rt.ClosestNodes() {
		ci.CloseSet = append(ci.CloseSet, n.ID.Hex())
		ci.Peers = append(ci.Peers, message.PeerHint{
			IDHex:    n.ID.Hex(),
			Endpoint: string(n.Endpoints.Best()),
		})
	}
	return ci
}

func (r *Routing) handleConnect(m *message.Message, from netx.Addr) {
	peerID, err := nodeid.Parse(m.Source)
	if err != nil || peerID == r.self {
		return
	}
	var ci message.ConnectInfo
	if err := json.Unmarshal(m.Payload, &ci); err != nil {
		r.logf("connect from %s: bad payload: %v", from, err)
		return
	}

	r.verifyKey(peerID, ci, func(pub ed25519.PublicKey) {
		r.admitPeer(peerID, pub, ci, from)

		if m.Request {
			// Answer over the same connection; the requester may not be
			// reachable through the tables yet.
			resp := m.Response(r.hex, message.MustMarshal(r.connectInfo()))
			resp.Request = false
			if data, err := resp.Encode(); err == nil {
				r.tp.Send(from, data, nil)
			}
			return
		}

		// A response: widen our neighbourhood through the peer hints.
		for _, hint := range ci.Peers {
			r.pursueHint(hint)
		}
	})
}

// verifyKey resolves the peer's public key, preferring the caller's
// functor, and only continues when the key hashes to the claimed id.
func (r *Routing) verifyKey(id nodeid.ID, ci message.ConnectInfo, then func(ed25519.PublicKey)) {
	r.mu.RLock()
	request := r.functors.RequestPublicKey
	r.mu.RUnlock()

	check := func(pub ed25519.PublicKey) {
		if len(pub) == 0 {
			r.logf("no key for %s, refusing", id.Short())
			return
		}
		if nodeid.FromPublicKey(pub) != id {
			r.logf("key for %s does not match id, refusing", id.Short())
			return
		}
		then(pub)
	}

	if request != nil {
		request(id, check)
		return
	}
	check(ed25519.PublicKey(ci.PublicKey))
}

func (r *Routing) admitPeer(id nodeid.ID, pub ed25519.PublicKey, ci message.ConnectInfo, from netx.Addr) {
	eps := ci.Endpoints
	if eps.Best() == "" {
		eps = netx.EndpointPair{Local: from}
	}

	closeSet := make([]nodeid.ID, 0, len(ci.CloseSet))
	for _, h := range ci.CloseSet {
		if cid, err := nodeid.Parse(h); err == nil {
			closeSet = append(closeSet, cid)
		}
	}

	info := table.NodeInfo{
		ID:        id,
		PublicKey: pub,
		Endpoints: eps,
		State:     table.StateConnected,
		Nat:       ci.Nat,
		CloseSet:  closeSet,
	}

	if ci.Client {
		if r.ct.AddNode(info) {
			r.logf("client %s attached", id.Short())
		}
		return
	}

	if r.rt.Contains(id) {
		r.rt.UpdateCloseSet(id, closeSet)
		r.markJoined()
		return
	}
	if r.rt.AddNode(info) {
		r.logf("vault %s admitted (table %d)", id.Short(), r.rt.Size())
		if r.store != nil {
			_ = r.store.NoteSuccess(id.Hex(), string(eps.Best()))
		}
		r.markJoined()
	} else {
		// Not table material, but keep the link usable for relaying back.
		r.logf("vault %s not admitted", id.Short())
	}
}

// pursueHint dials a suggested peer when it could improve the table.
func (r *Routing) pursueHint(hint message.PeerHint) {
	if hint.Endpoint == "" {
		return
	}
	id, err := nodeid.Parse(hint.IDHex)
	if err != nil || id == r.self || r.rt.Contains(id) {
		return
	}
	if r.tp.Connected(netx.Addr(hint.Endpoint)) {
		return
	}
	go func() {
		local := r.tp.Endpoints().Local
		if err := r.tp.Add(local, netx.Addr(hint.Endpoint), r.connectRequestBytes()); err != nil {
			r.logf("hint %s (%s): %v", id.Short(), hint.Endpoint, err)
		}
	}()
}
