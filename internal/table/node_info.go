package table

import (
	"crypto/ed25519"
	"time"

	"github.com/frustreated/MaidSafe-Routing/internal/netx"
	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
)

// ConnState tracks where a peer is in its lifecycle with us.
type ConnState int

const (
	StatePendingValidation ConnState = iota
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StatePendingValidation:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// NodeInfo is everything a table records about one peer.
type NodeInfo struct {
	ID        nodeid.ID
	PublicKey ed25519.PublicKey
	Endpoints netx.EndpointPair

	// Bucket is the number of leading bits this peer shares with the
	// owner's id. Recomputed whenever the record enters a table.
	Bucket int

	State ConnState
	Nat   netx.NatType

	// CloseSet is the peer's own reported close neighbourhood, the row it
	// contributes to the group matrix.
	CloseSet []nodeid.ID

	LastSeen time.Time
}
