package routing

import (
	"crypto/ed25519"

	"github.com/frustreated/MaidSafe-Routing/internal/cache"
	"github.com/frustreated/MaidSafe-Routing/internal/nodeid"
	"github.com/frustreated/MaidSafe-Routing/internal/table"
)

// ResponseFunc receives one payload per response, or a terminal marker
// (timeout, no route, cancellation) through err.
type ResponseFunc func(payload []byte, err error)

// ReplyFunc lets the upper layer answer a delivered request. At most one
// reply per request is sent; extra calls are ignored.
type ReplyFunc func(payload []byte)

// Functors bundles everything the caller supplies at join time. Only
// MessageReceived is required.
type Functors struct {
	// MessageReceived delivers an upper-layer payload that terminated at
	// this node. reply is nil for messages that expect no response.
	MessageReceived func(payload []byte, cacheable bool, reply ReplyFunc)

	// NetworkStatus reports table fullness, 0-100.
	NetworkStatus func(percent int)

	// CloseNodeReplaced fires whenever the close-neighbourhood membership
	// changes, with the new close set.
	CloseNodeReplaced func(closest []table.NodeInfo)

	// RequestPublicKey resolves a node id to its public key. The core
	// never blocks on it; deliver may be called from any goroutine.
	// When nil, keys announced during validation are trusted if they
	// hash to the claimed id.
	RequestPublicKey func(id nodeid.ID, deliver func(ed25519.PublicKey))

	// StoreCacheData / HaveCacheData let the caller own cached content.
	StoreCacheData cache.StoreFunc
	HaveCacheData  cache.LookupFunc
}
