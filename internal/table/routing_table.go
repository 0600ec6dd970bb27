package table

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
	"github.com/frustreated/MaidSafe-Routing/internal/params"
	"github.com/frustreated/MaidSafe-Routing/internal/telemetry"
)

// GroupRange is the three-valued answer to "where does a node stand
// relative to the replication group of an id".
type GroupRange int

const (
	OutOfRange GroupRange = iota
	Proximal
	InRange
)

func (g GroupRange) String() string {
	switch g {
	case InRange:
		return "in_range"
	case Proximal:
		return "proximal"
	default:
		return "out_of_range"
	}
}

// RoutingTable is the bounded vault-peer table. Peers are kept ordered by
// ascending XOR distance from the owner, so the close neighbourhood is the
// slice prefix and bucket occupancy is enforced against the tail.
type RoutingTable struct {
	self nodeid.ID
	p    params.Parameters
	log  telemetry.Logger

	mu    sync.RWMutex
	nodes []NodeInfo

	matrix *GroupMatrix

	// Notifiers run inside the writer critical section so that a reader
	// never observes a table state whose notification has not fired.
	// They must not call back into the table.
	onCloseChanged func(closest []NodeInfo)
	onStatus       func(percent int)
}

func New(self nodeid.ID, p params.Parameters, log telemetry.Logger) *RoutingTable {
	if log == nil {
		log = telemetry.Nop()
	}
	return &RoutingTable{
		self:   self,
		p:      p.Normalized(),
		log:    log,
		matrix: newGroupMatrix(),
	}
}

// SetNotifiers installs the close-set-changed and health callbacks.
// Both are invoked with the table lock held; they must not reenter.
func (rt *RoutingTable) SetNotifiers(onCloseChanged func([]NodeInfo), onStatus func(int)) {
	rt.mu.Lock()
	rt.onCloseChanged = onCloseChanged
	rt.onStatus = onStatus
	rt.mu.Unlock()
}

func (rt *RoutingTable) KNodeID() nodeid.ID { return rt.self }

func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.nodes)
}

// NetworkStatus is table fullness as a 0-100 percentage.
func (rt *RoutingTable) NetworkStatus() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.statusLocked()
}

func (rt *RoutingTable) statusLocked() int {
	return len(rt.nodes) * 100 / rt.p.MaxTableSize
}

// CheckNode reports whether AddNode would admit candidate, without
// mutating anything.
func (rt *RoutingTable) CheckNode(candidate NodeInfo) bool {
	if candidate.ID == rt.self || candidate.ID.IsZero() {
		return false
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.indexOfLocked(candidate.ID) >= 0 {
		return false
	}
	ok, _ := rt.admissionLocked(candidate.ID)
	return ok
}

// AddNode inserts candidate if the admission rule holds. When the table is
// full, the furthest incumbent of the candidate's bucket outside the close
// set is evicted to make room; below capacity nothing is evicted. Close
// neighbourhood changes fire the close-set notifier.
func (rt *RoutingTable) AddNode(candidate NodeInfo) bool {
	if len(candidate.PublicKey) == 0 {
		rt.log.Printf("table: rejecting %s: empty public key", candidate.ID.Short())
		return false
	}
	if candidate.ID == rt.self || candidate.ID.IsZero() {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.indexOfLocked(candidate.ID) >= 0 {
		return false
	}

	ok, evict := rt.admissionLocked(candidate.ID)
	if !ok {
		return false
	}

	before := rt.closeIDsLocked()

	if evict >= 0 {
		evicted := rt.nodes[evict]
		rt.nodes = append(rt.nodes[:evict], rt.nodes[evict+1:]...)
		rt.matrix.drop(evicted.ID)
		rt.log.Printf("table: evicted %s for %s", evicted.ID.Short(), candidate.ID.Short())
	}

	candidate.Bucket = nodeid.CommonLeadingBits(rt.self, candidate.ID)
	if candidate.LastSeen.IsZero() {
		candidate.LastSeen = time.Now()
	}
	rt.insertSortedLocked(candidate)
	if len(candidate.CloseSet) > 0 {
		rt.matrix.update(candidate.ID, candidate.CloseSet)
	}

	rt.notifyLocked(before)
	return true
}

// DropNode removes id if present.
func (rt *RoutingTable) DropNode(id nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	i := rt.indexOfLocked(id)
	if i < 0 {
		return false
	}
	before := rt.closeIDsLocked()
	rt.nodes = append(rt.nodes[:i], rt.nodes[i+1:]...)
	rt.matrix.drop(id)
	rt.notifyLocked(before)
	return true
}

// GetClosestNode returns the peer minimising XOR distance to target,
// skipping excluded ids and, when ignoreExact is set, target itself.
func (rt *RoutingTable) GetClosestNode(target nodeid.ID, exclude []nodeid.ID, ignoreExact bool) (NodeInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var best NodeInfo
	found := false
	for _, n := range rt.nodes {
		if ignoreExact && n.ID == target {
			continue
		}
		if idIn(exclude, n.ID) {
			continue
		}
		if !found || nodeid.CloserToTarget(target, n.ID, best.ID) {
			best = n
			found = true
		}
	}
	return best, found
}

// GetClosestNodes returns up to n peers ordered by ascending XOR distance
// to target.
func (rt *RoutingTable) GetClosestNodes(target nodeid.ID, n int) []NodeInfo {
	if n <= 0 {
		n = rt.p.GroupSize
	}

	rt.mu.RLock()
	out := make([]NodeInfo, len(rt.nodes))
	copy(out, rt.nodes)
	rt.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return nodeid.CloserToTarget(target, out[i].ID, out[j].ID)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ClosestTo reports whether the owner is closer to target than every peer
// in the table.
func (rt *RoutingTable) ClosestTo(target nodeid.ID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for _, n := range rt.nodes {
		if nodeid.CloserToTarget(target, n.ID, rt.self) {
			return false
		}
	}
	return true
}

// Contains reports whether id is a current table member.
func (rt *RoutingTable) Contains(id nodeid.ID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.indexOfLocked(id) >= 0
}

// Get returns the record for id.
func (rt *RoutingTable) Get(id nodeid.ID) (NodeInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	i := rt.indexOfLocked(id)
	if i < 0 {
		return NodeInfo{}, false
	}
	return rt.nodes[i], true
}

// SetState updates the connection state of a member.
func (rt *RoutingTable) SetState(id nodeid.ID, s ConnState) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	i := rt.indexOfLocked(id)
	if i < 0 {
		return false
	}
	rt.nodes[i].State = s
	rt.nodes[i].LastSeen = time.Now()
	return true
}

// UpdateCloseSet records the close neighbourhood a peer reported about
// itself, refreshing its group-matrix row.
func (rt *RoutingTable) UpdateCloseSet(id nodeid.ID, closeSet []nodeid.ID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	i := rt.indexOfLocked(id)
	if i < 0 {
		return false
	}
	rt.nodes[i].CloseSet = append([]nodeid.ID(nil), closeSet...)
	rt.matrix.update(id, closeSet)
	return true
}

// Nodes returns a snapshot of the whole table, closest first.
func (rt *RoutingTable) Nodes() []NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]NodeInfo, len(rt.nodes))
	copy(out, rt.nodes)
	return out
}

// ClosestNodes returns the maintained close neighbourhood.
func (rt *RoutingTable) ClosestNodes() []NodeInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.closeCopyLocked()
}

// RandomConnectedNode picks a random connected peer, excluding the close
// neighbourhood when excludeClosest is set. Callers should only use it
// once the table has grown past the close set.
func (rt *RoutingTable) RandomConnectedNode(excludeClosest bool) (NodeInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	start := 0
	if excludeClosest {
		start = rt.p.ClosestSize
	}
	cands := make([]int, 0, len(rt.nodes))
	for i := start; i < len(rt.nodes); i++ {
		if rt.nodes[i].State == StateConnected {
			cands = append(cands, i)
		}
	}
	if len(cands) == 0 {
		return NodeInfo{}, false
	}
	return rt.nodes[cands[rand.Intn(len(cands))]], true
}

// IsInGroupRange answers for the owner itself.
func (rt *RoutingTable) IsInGroupRange(groupID nodeid.ID) GroupRange {
	return rt.IsIDInGroupRange(groupID, rt.self)
}

// IsIDInGroupRange classifies nodeID against groupID's replication group:
// InRange when nodeID is one of the GroupSize nodes we know closest to
// groupID (the owner counts), Proximal when it falls within the owner's
// close-set radius of the group id, OutOfRange otherwise. The id at the
// group centre is never part of its own group.
func (rt *RoutingTable) IsIDInGroupRange(groupID, nodeID nodeid.ID) GroupRange {
	if groupID == rt.self || nodeID == groupID {
		return OutOfRange
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	// The owner competes with its peers for group membership. The group
	// centre itself never takes a slot.
	ids := make([]nodeid.ID, 0, len(rt.nodes)+1)
	ids = append(ids, rt.self)
	for _, n := range rt.nodes {
		if n.ID == groupID {
			continue
		}
		ids = append(ids, n.ID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return nodeid.CloserToTarget(groupID, ids[i], ids[j])
	})

	group := ids
	if len(group) > rt.p.GroupSize {
		group = group[:rt.p.GroupSize]
	}
	for _, id := range group {
		if id == nodeID {
			return InRange
		}
	}

	furthest, ok := rt.furthestCloseLocked()
	if !ok {
		return OutOfRange
	}
	nodeDist := nodeid.Xor(nodeID, groupID)
	radius := nodeid.Xor(rt.self, furthest.ID)
	if !nodeid.Less(radius, nodeDist) { // nodeDist <= radius
		return Proximal
	}
	return OutOfRange
}

// EstimateInGroup judges whether senderID plausibly belongs to infoID's
// group, using the owner's view widened by the group matrix.
func (rt *RoutingTable) EstimateInGroup(senderID, infoID nodeid.ID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	seen := map[nodeid.ID]struct{}{rt.self: {}, infoID: {}}
	ids := []nodeid.ID{rt.self}
	for _, n := range rt.nodes {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		ids = append(ids, n.ID)
	}
	for _, id := range rt.matrix.members() {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		return nodeid.CloserToTarget(infoID, ids[i], ids[j])
	})
	if len(ids) > rt.p.GroupSize {
		ids = ids[:rt.p.GroupSize]
	}
	for _, id := range ids {
		if id == senderID {
			return true
		}
	}
	return false
}

// KnownVault reports whether id appears in the table or the group matrix.
func (rt *RoutingTable) KnownVault(id nodeid.ID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.indexOfLocked(id) >= 0 {
		return true
	}
	return rt.matrix.contains(id)
}

// --- internals; callers hold rt.mu ---

func (rt *RoutingTable) indexOfLocked(id nodeid.ID) int {
	for i := range rt.nodes {
		if rt.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func (rt *RoutingTable) bucketCountLocked(bucket int) int {
	n := 0
	for i := range rt.nodes {
		if rt.nodes[i].Bucket == bucket {
			n++
		}
	}
	return n
}

// wouldBeInClosestLocked reports whether id, once inserted, would sit in
// the closest-ClosestSize prefix.
func (rt *RoutingTable) wouldBeInClosestLocked(id nodeid.ID) bool {
	if len(rt.nodes) < rt.p.ClosestSize {
		return true
	}
	closer := 0
	for i := range rt.nodes {
		if nodeid.CloserToTarget(rt.self, rt.nodes[i].ID, id) {
			closer++
		}
	}
	return closer < rt.p.ClosestSize
}

// admissionLocked decides whether id may enter and which incumbent index
// (if any) leaves to make room.
func (rt *RoutingTable) admissionLocked(id nodeid.ID) (bool, int) {
	bucket := nodeid.CommonLeadingBits(rt.self, id)

	if len(rt.nodes) < rt.p.MaxTableSize && rt.bucketCountLocked(bucket) < rt.p.BucketTarget {
		return true, -1
	}

	if !rt.wouldBeInClosestLocked(id) {
		return false, -1
	}
	if len(rt.nodes) < rt.p.MaxTableSize {
		return true, -1
	}

	// Full table: the furthest same-bucket incumbent outside the close set
	// gives way.
	for i := len(rt.nodes) - 1; i >= rt.p.ClosestSize; i-- {
		if rt.nodes[i].Bucket == bucket {
			return true, i
		}
	}
	return false, -1
}

func (rt *RoutingTable) insertSortedLocked(n NodeInfo) {
	i := sort.Search(len(rt.nodes), func(i int) bool {
		return nodeid.CloserToTarget(rt.self, n.ID, rt.nodes[i].ID)
	})
	rt.nodes = append(rt.nodes, NodeInfo{})
	copy(rt.nodes[i+1:], rt.nodes[i:])
	rt.nodes[i] = n
}

func (rt *RoutingTable) closeIDsLocked() []nodeid.ID {
	n := rt.p.ClosestSize
	if n > len(rt.nodes) {
		n = len(rt.nodes)
	}
	out := make([]nodeid.ID, n)
	for i := 0; i < n; i++ {
		out[i] = rt.nodes[i].ID
	}
	return out
}

func (rt *RoutingTable) closeCopyLocked() []NodeInfo {
	n := rt.p.ClosestSize
	if n > len(rt.nodes) {
		n = len(rt.nodes)
	}
	out := make([]NodeInfo, n)
	copy(out, rt.nodes[:n])
	return out
}

// furthestCloseLocked is the ProximalSize-th closest peer to the owner,
// the reference radius for the proximal band.
func (rt *RoutingTable) furthestCloseLocked() (NodeInfo, bool) {
	if len(rt.nodes) == 0 {
		return NodeInfo{}, false
	}
	i := rt.p.ProximalSize - 1
	if i >= len(rt.nodes) {
		i = len(rt.nodes) - 1
	}
	return rt.nodes[i], true
}

func (rt *RoutingTable) notifyLocked(before []nodeid.ID) {
	after := rt.closeIDsLocked()
	if rt.onCloseChanged != nil && !sameIDSet(before, after) {
		rt.onCloseChanged(rt.closeCopyLocked())
	}
	if rt.onStatus != nil {
		rt.onStatus(rt.statusLocked())
	}
}

func sameIDSet(a, b []nodeid.ID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[nodeid.ID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func idIn(ids []nodeid.ID, id nodeid.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
