package room

import (
	"time"

	"relay/internal/codec"
	"relay/internal/objectid"
	"relay/internal/protocolengine"
)

// Member is a room's view of one connected peer: its identity, access
// scope, and protocol engine. A Room owns Members by id; nothing outside
// this package holds a *Member across a tick, matching the arena-style
// ownership spec.md §9 calls for.
type Member struct {
	ID           uint16
	PublicKey    [32]byte
	AccessGroups objectid.AccessGroups
	Forwarder    bool

	Protocol *protocolengine.Engine

	Attached  bool
	connected bool
}

func newMember(tmpl MemberTemplate, now time.Time, cfg protocolengine.Config) (*Member, error) {
	cipher, err := codec.NewCipher(tmpl.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Member{
		ID:           tmpl.ID,
		PublicKey:    tmpl.PublicKey,
		AccessGroups: tmpl.AccessGroups,
		Forwarder:    tmpl.Forwarder,
		Protocol:     protocolengine.New(cipher, now, cfg),
	}, nil
}
