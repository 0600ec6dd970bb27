package table

import (
	"sync"
	"time"

	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
	"github.com/frustreated/MaidSafe-Routing/internal/params"
)

// ClientTable holds peers that route through us but never relay.
// Its members are terminals: they are not next-hop candidates for any
// message whose destination is not themselves.
type ClientTable struct {
	self nodeid.ID
	p    params.Parameters

	mu    sync.RWMutex
	nodes map[nodeid.ID]NodeInfo
}

func NewClientTable(self nodeid.ID, p params.Parameters) *ClientTable {
	return &ClientTable{
		self:  self,
		p:     p.Normalized(),
		nodes: make(map[nodeid.ID]NodeInfo),
	}
}

func (ct *ClientTable) Size() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.nodes)
}

func (ct *ClientTable) AddNode(c NodeInfo) bool {
	if len(c.PublicKey) == 0 || c.ID == ct.self || c.ID.IsZero() {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	if _, dup := ct.nodes[c.ID]; dup {
		return false
	}
	if len(ct.nodes) >= ct.p.MaxClientTableSize {
		return false
	}
	c.Bucket = nodeid.CommonLeadingBits(ct.self, c.ID)
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	ct.nodes[c.ID] = c
	return true
}

func (ct *ClientTable) DropNode(id nodeid.ID) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, ok := ct.nodes[id]; !ok {
		return false
	}
	delete(ct.nodes, id)
	return true
}

func (ct *ClientTable) Contains(id nodeid.ID) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	_, ok := ct.nodes[id]
	return ok
}

func (ct *ClientTable) Get(id nodeid.ID) (NodeInfo, bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	n, ok := ct.nodes[id]
	return n, ok
}

// Nodes returns a snapshot of every attached client.
func (ct *ClientTable) Nodes() []NodeInfo {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]NodeInfo, 0, len(ct.nodes))
	for _, n := range ct.nodes {
		out = append(out, n)
	}
	return out
}

func (ct *ClientTable) SetState(id nodeid.ID, s ConnState) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	n, ok := ct.nodes[id]
	if !ok {
		return false
	}
	n.State = s
	n.LastSeen = time.Now()
	ct.nodes[id] = n
	return true
}
