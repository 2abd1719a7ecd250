package node

import (
	"time"

	"github.com/juanpablocruz/blesync/pkg/link"
	"github.com/juanpablocruz/blesync/pkg/model"
)

type EventType string

const (
	EventPeerDiscovered   EventType = "peer_discovered"
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventRecordReceived   EventType = "record_received"
	EventRecordSent       EventType = "record_sent"
	EventRecordPublished  EventType = "record_published"
	EventRoundComplete    EventType = "round_complete"
	EventWarn             EventType = "warn"
)

// Event is a domain event published on the node's bus.
type Event struct {
	Time   time.Time
	Node   link.Addr
	Type   EventType
	Peer   link.Addr
	Role   link.Role
	Record model.ID
	Fields map[string]any
}

func (e Event) GetType() string { return string(e.Type) }
