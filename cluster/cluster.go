// Package cluster defines the group-communication surface consumed by the
// session replication layer. It deliberately knows nothing about membership
// protocols or failure detection: a Transport implementation owns those
// concerns and the replication code only ever sees the interface below.
//
// Implementations
//
//	memorytransport : in-process fan-out used by tests and single-node examples
//	redistransport  : Redis pub/sub channels with TTL-heartbeat membership
//	tcptransport    : newline-delimited JSON over TCP with a watched peers file
package cluster

import "context"

// Member identifies one node of the cluster. Name must be unique within the
// cluster; Domain groups members for domain-scoped replication and may be
// empty.
type Member struct {
	Name   string `json:"name"`
	Addr   string `json:"addr,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Handler receives inbound cluster messages. A Transport invokes
// MessageReceived on its own listener goroutine(s); handlers must be safe for
// concurrent use and must not assume any cross-session ordering.
type Handler interface {
	MessageReceived(msg Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg Message)

func (f HandlerFunc) MessageReceived(msg Message) { f(msg) }

// Transport abstracts the cluster communication channel. Send delivers to
// every other member, SendTo to a single member, SendToDomain to every other
// member sharing the local member's domain. Delivery is best-effort; the
// replication protocol tolerates loss.
type Transport interface {
	// Send broadcasts msg to all other cluster members.
	Send(ctx context.Context, msg Message) error

	// SendTo delivers msg to exactly one member.
	SendTo(ctx context.Context, msg Message, target Member) error

	// SendToDomain broadcasts msg to all other members in the local domain.
	SendToDomain(ctx context.Context, msg Message) error

	// Members returns the current view of the other cluster members. The
	// local member is not included.
	Members() []Member

	// LocalMember describes this node.
	LocalMember() Member

	// SetHandler installs the receiver for inbound messages. Must be called
	// before any message can be delivered; a nil handler drops traffic.
	SetHandler(h Handler)
}
