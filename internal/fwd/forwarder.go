package fwd

import (
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/frustreated/MaidSafe-Routing/internal/cache"
	"github.com/frustreated/MaidSafe-Routing/internal/message"
	"github.com/frustreated/MaidSafe-Routing/internal/netx"
	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
	"github.com/frustreated/MaidSafe-Routing/internal/params"
	"github.com/frustreated/MaidSafe-Routing/internal/table"
	"github.com/frustreated/MaidSafe-Routing/internal/telemetry"
	"github.com/frustreated/MaidSafe-Routing/internal/timer"
)

// Sender moves encoded envelopes to an endpoint. transport.Manager
// satisfies it.
type Sender interface {
	Send(peer netx.Addr, data []byte, onSent func(error))
}

// Deliver hands a message that terminates here to the upper layer.
type Deliver func(m *message.Message)

// Forwarder turns messages into per-hop sends against the two tables.
type Forwarder struct {
	self    nodeid.ID
	selfHex string
	p       params.Parameters
	log     telemetry.Logger

	rt      *table.RoutingTable
	ct      *table.ClientTable
	tm      *timer.Timer
	cache   *cache.Manager
	sender  Sender
	deliver Deliver
	metrics Metrics

	seen *seenCache

	rlMu sync.Mutex
	rl   map[string]*tokenBucket
}

func New(self nodeid.ID, p params.Parameters, rt *table.RoutingTable, ct *table.ClientTable,
	tm *timer.Timer, cm *cache.Manager, sender Sender, deliver Deliver,
	metrics Metrics, log telemetry.Logger) *Forwarder {

	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if log == nil {
		log = telemetry.Nop()
	}
	return &Forwarder{
		self:    self,
		selfHex: self.Hex(),
		p:       p.Normalized(),
		log:     log,
		rt:      rt,
		ct:      ct,
		tm:      tm,
		cache:   cm,
		sender:  sender,
		deliver: deliver,
		metrics: metrics,
		seen:    newSeenCache(30 * time.Second),
		rl:      make(map[string]*tokenBucket),
	}
}

// HandleInbound classifies one message that arrived from the wire.
func (f *Forwarder) HandleInbound(m *message.Message, from netx.Addr) {
	if m.Source != "" && !f.allowSource(m.Source) {
		f.metrics.IncDropped("rate_limited")
		return
	}
	if f.seen.Seen(dedupeKey(m)) {
		f.metrics.IncDropped("duplicate")
		return
	}

	// Opportunistic cache: answer GETs locally, remember content that
	// flows past.
	if m.Request {
		if f.cache != nil && f.cache.HandleGetFromCache(m) {
			f.metrics.IncCacheHit()
			// m has been rewritten into the response; route it back.
			f.Route(m)
			return
		}
	} else if f.cache != nil {
		f.cache.AddToCache(m)
	}

	f.Route(m)
}

// Route runs the classification for a message, outbound ones included:
// a send is handled exactly as if the envelope had just arrived.
func (f *Forwarder) Route(m *message.Message) {
	dest, err := nodeid.Parse(m.Destination)
	if err != nil {
		if m.Destination == "" && m.Relay != "" {
			// Answer to a node that has not joined yet: it has no id to
			// route on, only the relay endpoint it advertised.
			if data, encErr := m.Encode(); encErr == nil {
				f.sender.Send(netx.Addr(m.Relay), data, nil)
				return
			}
		}
		f.metrics.IncDropped("bad_destination")
		f.log.Printf("fwd: undeliverable destination %q", m.Destination)
		return
	}

	forMe := m.Destination == f.selfHex

	switch {
	case forMe && !m.Group:
		f.deliverLocal(m)

	case forMe && m.Group:
		f.deliverLocal(m)
		f.fanOut(m, dest, f.p.GroupSize-1)

	case f.ct.Contains(dest):
		// The destination is a client attached to us: terminal hop.
		f.sendToClient(m, dest)

	case m.Group && f.rt.IsIDInGroupRange(dest, f.self) == table.InRange:
		// We hold one of the group's slots: keep our copy and spread the
		// rest. Copies bouncing between members die in the seen cache.
		f.deliverLocal(m)
		f.fanOut(m, dest, f.p.GroupSize-1)

	case !f.rt.ClosestTo(dest):
		f.forwardOn(m, dest, nil)

	case m.Group:
		// Closest to the target yet outside its group estimate; anchor
		// the fan-out anyway, the members are in the table.
		f.deliverLocal(m)
		f.fanOut(m, dest, f.p.GroupSize-1)

	default:
		// Closest to a direct destination that is not us: hand the
		// message to the one peer nearer than anything else we know.
		next, ok := f.rt.GetClosestNode(dest, routeIDs(m), false)
		if !ok {
			f.unreachable(m, "no peer for terminal hop")
			return
		}
		f.sendTo(m, next, nil, 1)
	}
}

// fanOut sends copies to up to n peers close to dest that have not yet
// seen the message. The group centre never receives a group message.
func (f *Forwarder) fanOut(m *message.Message, dest nodeid.ID, n int) {
	if n <= 0 {
		return
	}
	cands := f.rt.GetClosestNodes(dest, f.p.GroupSize+len(m.Route))
	sentCount := 0
	for _, cand := range cands {
		if sentCount >= n {
			break
		}
		if cand.ID == dest || m.InRoute(cand.ID.Hex()) {
			continue
		}
		f.sendTo(m, cand, nil, 1)
		sentCount++
	}
}

// forwardOn relays toward dest with retry across next-hop candidates.
func (f *Forwarder) forwardOn(m *message.Message, dest nodeid.ID, exclude []nodeid.ID) {
	next, ok := f.rt.GetClosestNode(dest, append(routeIDs(m), exclude...), false)
	if !ok {
		f.unreachable(m, "routing table exhausted")
		return
	}
	f.sendTo(m, next, exclude, f.p.MaxForwardAttempts)
}

// sendTo transmits one copy to hop, re-selecting on transport failure
// until attempts runs out.
func (f *Forwarder) sendTo(m *message.Message, hop table.NodeInfo, exclude []nodeid.ID, attempts int) {
	out := cloneMessage(m)
	out.AppendToRoute(f.selfHex, f.p.RouteHistoryCap)
	out.Hops++

	data, err := out.Encode()
	if err != nil {
		f.metrics.IncDropped("encode")
		return
	}

	dest, _ := nodeid.Parse(out.Destination)
	f.sender.Send(hop.Endpoints.Best(), data, func(sendErr error) {
		if sendErr == nil {
			f.metrics.IncForwarded()
			return
		}
		f.log.Printf("fwd: send to %s failed: %v", hop.ID.Short(), sendErr)
		if attempts <= 1 {
			f.unreachable(m, "attempts exhausted")
			return
		}
		nextExclude := append(append([]nodeid.ID(nil), exclude...), hop.ID)
		next, ok := f.rt.GetClosestNode(dest, append(routeIDs(m), nextExclude...), false)
		if !ok {
			f.unreachable(m, "no alternative hop")
			return
		}
		f.sendTo(m, next, nextExclude, attempts-1)
	})
}

func (f *Forwarder) sendToClient(m *message.Message, dest nodeid.ID) {
	client, ok := f.ct.Get(dest)
	if !ok {
		f.unreachable(m, "client detached")
		return
	}
	out := cloneMessage(m)
	out.AppendToRoute(f.selfHex, f.p.RouteHistoryCap)
	out.Hops++
	data, err := out.Encode()
	if err != nil {
		f.metrics.IncDropped("encode")
		return
	}
	f.sender.Send(client.Endpoints.Best(), data, func(sendErr error) {
		if sendErr != nil {
			f.unreachable(m, "client send failed")
			return
		}
		f.metrics.IncForwarded()
	})
}

func (f *Forwarder) deliverLocal(m *message.Message) {
	f.metrics.IncDelivered()
	if !m.Request && m.ResponseID != 0 {
		// A response to something we asked; resolve the registration.
		f.tm.ExecuteTask(m.ResponseID, m.Payload)
		return
	}
	if f.deliver != nil {
		f.deliver(m)
	}
}

// unreachable is the single drop point. Our own failed requests resolve
// their pending registration; relayed traffic is somebody else's timeout.
func (f *Forwarder) unreachable(m *message.Message, reason string) {
	f.metrics.IncDropped(reason)

	if m.Relay != "" && m.Source != f.selfHex {
		// A reply for a node that has not joined yet travels straight to
		// the relay endpoint it advertised.
		if data, err := m.Encode(); err == nil {
			f.sender.Send(netx.Addr(m.Relay), data, nil)
			return
		}
	}

	f.log.Printf("fwd: dropping %s for %s: %s", m.Type, shortHex(m.Destination), reason)
	if m.Request && m.ResponseID != 0 && m.Source == f.selfHex {
		f.tm.FailTask(m.ResponseID, timer.ErrNoRoute)
	}
}

func (f *Forwarder) allowSource(source string) bool {
	now := time.Now()
	f.rlMu.Lock()
	defer f.rlMu.Unlock()
	b := f.rl[source]
	if b == nil {
		b = &tokenBucket{}
		f.rl[source] = b
		if len(f.rl) > 4096 {
			// Shed state rather than grow without bound.
			for k := range f.rl {
				delete(f.rl, k)
				if len(f.rl) <= 2048 {
					break
				}
			}
		}
	}
	return b.allow(now, 50, 100, 1)
}

func routeIDs(m *message.Message) []nodeid.ID {
	out := make([]nodeid.ID, 0, len(m.Route))
	for _, h := range m.Route {
		if id, err := nodeid.Parse(h); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func cloneMessage(m *message.Message) *message.Message {
	out := *m
	out.Route = append([]string(nil), m.Route...)
	return &out
}

func dedupeKey(m *message.Message) string {
	sum, _ := blake2b.New256(nil)
	sum.Write([]byte(m.Source))
	sum.Write([]byte{0})
	sum.Write([]byte(m.Destination))
	sum.Write([]byte{0, boolByte(m.Request), boolByte(m.Group)})
	var rid [8]byte
	for i := 0; i < 8; i++ {
		rid[i] = byte(m.ResponseID >> (8 * i))
	}
	sum.Write(rid[:])
	sum.Write(m.Payload)
	return hex.EncodeToString(sum.Sum(nil))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func shortHex(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
