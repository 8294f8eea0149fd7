package collab

import (
	"errors"
	"log"

	"docsync/internal/models"
)

// ErrUnknownConnection is returned when a message is addressed to a
// connection the registry no longer holds.
var ErrUnknownConnection = errors.New("unknown connection")

// Broadcaster fans a message out to every subscriber of a document. A
// delivery failure is isolated to the one failing connection: its
// disconnect path runs asynchronously through the failure handler while
// delivery to the remaining subscribers continues.
type Broadcaster struct {
	registry  *Registry
	subs      *SubscriptionIndex
	onFailure func(connID string)
}

// NewBroadcaster wires the broadcaster to the registry and subscription
// index. The failure handler is set by the controller after construction
// (it is the controller's disconnect path).
func NewBroadcaster(registry *Registry, subs *SubscriptionIndex) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		subs:      subs,
		onFailure: func(string) {},
	}
}

// SetFailureHandler installs the disconnect path invoked for connections
// whose transport rejects a delivery.
func (b *Broadcaster) SetFailureHandler(fn func(connID string)) {
	if fn != nil {
		b.onFailure = fn
	}
}

// Broadcast delivers the message to every subscriber of the document except
// the excluded connection (pass "" to exclude nobody). Order across
// recipients is unspecified; order per recipient follows call order because
// the controller serializes per document.
func (b *Broadcaster) Broadcast(documentID string, msg *models.ServerMessage, excludeConnID string) {
	for _, connID := range b.subs.SubscribersOf(documentID) {
		if connID == excludeConnID {
			continue
		}
		if err := b.SendTo(connID, msg); err != nil {
			log.Printf("⚠️  Delivery to %s failed, scheduling disconnect: %v", connID, err)
			go b.onFailure(connID)
		}
	}
}

// SendTo delivers a message to a single connection.
func (b *Broadcaster) SendTo(connID string, msg *models.ServerMessage) error {
	conn, ok := b.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	return conn.Transport.Send(msg)
}
