package message

import (
	"encoding/json"
	"fmt"

	"github.com/frustreated/MaidSafe-Routing/internal/netx"
)

type Type string

const (
	// TypeConnect carries a ConnectInfo while two nodes validate each other.
	TypeConnect Type = "connect"
	// TypePing probes liveness of a directly connected peer.
	TypePing Type = "ping"
	// TypeFindGroup asks the nodes around a target id to report the group.
	TypeFindGroup Type = "find_group"
	// TypeData is an upper-layer payload the core routes but does not read.
	TypeData Type = "data"
)

// Message is the overlay envelope. Source is empty only while a
// not-yet-joined node relays through its bootstrap contact; such messages
// are answered via Relay instead of the routing tables.
type Message struct {
	Source      string   `json:"src,omitempty"`
	Destination string   `json:"dst"`
	Group       bool     `json:"grp,omitempty"`
	Request     bool     `json:"req,omitempty"`
	Relay       string   `json:"relay,omitempty"`
	Route       []string `json:"route,omitempty"`
	Type        Type     `json:"type"`
	Payload     []byte   `json:"payload,omitempty"`
	Cacheable   bool     `json:"cacheable,omitempty"`
	ResponseID  uint64   `json:"rid,omitempty"`
	Hops        int      `json:"hops,omitempty"`
	Signature   []byte   `json:"sig,omitempty"`
}

func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("message decode: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return &m, nil
}

func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message encode: %w", err)
	}
	return b, nil
}

// InRoute reports whether id has already forwarded this message.
func (m *Message) InRoute(idHex string) bool {
	for _, h := range m.Route {
		if h == idHex {
			return true
		}
	}
	return false
}

// AppendToRoute records idHex as the latest hop. When the history exceeds
// limit, the oldest entries are dropped.
func (m *Message) AppendToRoute(idHex string, limit int) {
	if m.InRoute(idHex) {
		return
	}
	m.Route = append(m.Route, idHex)
	if limit > 0 && len(m.Route) > limit {
		m.Route = m.Route[len(m.Route)-limit:]
	}
}

// Response builds the reply envelope for a request, addressed back to its
// source. Route history starts fresh; the reply finds its own path.
func (m *Message) Response(selfIDHex string, payload []byte) *Message {
	return &Message{
		Source:      selfIDHex,
		Destination: m.Source,
		Relay:       m.Relay,
		Type:        m.Type,
		Payload:     payload,
		Cacheable:   m.Cacheable,
		ResponseID:  m.ResponseID,
	}
}

// ConnectInfo is the validation payload two nodes exchange before either
// admits the other to a table.
type ConnectInfo struct {
	PublicKey []byte            `json:"public_key"`
	Endpoints netx.EndpointPair `json:"endpoints"`
	Nat       netx.NatType      `json:"nat"`
	Client    bool              `json:"client,omitempty"`
	CloseSet  []string          `json:"close_set,omitempty"`
	Peers     []PeerHint        `json:"peers,omitempty"`
}

// PeerHint points a newly validated node at somebody else worth dialing.
type PeerHint struct {
	IDHex    string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// FindGroupReply lists the group members a responder knows around the
// queried id.
type FindGroupReply struct {
	Members []string `json:"members"`
}

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
