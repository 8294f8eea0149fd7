package collab

import "sync"

// SubscriptionIndex maps each document to the set of connection ids
// receiving its broadcasts. The controller guarantees a connection
// unsubscribes from its previous document before subscribing to a new one,
// so an id appears in at most one document's set.
type SubscriptionIndex struct {
	mu   sync.RWMutex
	docs map[string]map[string]struct{} // doc id -> set of connection ids
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{docs: make(map[string]map[string]struct{})}
}

// Subscribe adds the connection to the document's set, creating the set if
// absent. Subscribing twice is a no-op.
func (s *SubscriptionIndex) Subscribe(documentID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[documentID] == nil {
		s.docs[documentID] = make(map[string]struct{})
	}
	s.docs[documentID][connID] = struct{}{}
}

// Unsubscribe removes the connection; the document entry is deleted when
// its set empties so the index never accumulates empty sets.
func (s *SubscriptionIndex) Unsubscribe(documentID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.docs[documentID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.docs, documentID)
		}
	}
}

// SubscribersOf returns the connection ids subscribed to a document.
func (s *SubscriptionIndex) SubscribersOf(documentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs[documentID]))
	for id := range s.docs[documentID] {
		ids = append(ids, id)
	}
	return ids
}

// CountFor returns the subscriber count for diagnostics.
func (s *SubscriptionIndex) CountFor(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[documentID])
}
