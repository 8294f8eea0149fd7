package api

import "context"

// CollabService is what the HTTP handlers need from the collaboration
// controller. Declared here, in the consuming package, and kept to the
// diagnostics surface - the protocol itself runs over the websocket path.
type CollabService interface {
	LiveConnections() int
	SubscriberCount(documentID string) int
	SyncDocument(ctx context.Context, documentID string) error
}
