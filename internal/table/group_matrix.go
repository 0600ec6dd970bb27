package table

import "github.com/frustreated/MaidSafe-Routing/internal/nodeid"

// GroupMatrix holds, for each close peer, that peer's own reported close
// neighbourhood. The rows widen the owner's view of the area around its
// position in the key space without another network round trip.
type GroupMatrix struct {
	rows map[nodeid.ID][]nodeid.ID
}

func newGroupMatrix() *GroupMatrix {
	return &GroupMatrix{rows: make(map[nodeid.ID][]nodeid.ID)}
}

// update replaces owner's row. Callers hold the routing table lock.
func (m *GroupMatrix) update(owner nodeid.ID, closeSet []nodeid.ID) {
	m.rows[owner] = append([]nodeid.ID(nil), closeSet...)
}

func (m *GroupMatrix) drop(owner nodeid.ID) {
	delete(m.rows, owner)
}

func (m *GroupMatrix) contains(id nodeid.ID) bool {
	if _, ok := m.rows[id]; ok {
		return true
	}
	for _, row := range m.rows {
		for _, x := range row {
			if x == id {
				return true
			}
		}
	}
	return false
}

// members returns every id the matrix knows of, rows and row owners both.
// Duplicates are possible; callers dedupe.
func (m *GroupMatrix) members() []nodeid.ID {
	out := make([]nodeid.ID, 0, len(m.rows)*4)
	for owner, row := range m.rows {
		out = append(out, owner)
		out = append(out, row...)
	}
	return out
}
