package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSubscribeIsIdempotent(t *testing.T) {
	s := NewSubscriptionIndex()
	s.Subscribe("doc-1", "alice:s1")
	s.Subscribe("doc-1", "alice:s1")
	assert.Equal(t, s.CountFor("doc-1"), 1)
}

func TestUnsubscribeDeletesEmptySets(t *testing.T) {
	s := NewSubscriptionIndex()
	s.Subscribe("doc-1", "alice:s1")
	s.Subscribe("doc-1", "bob:s1")

	s.Unsubscribe("doc-1", "alice:s1")
	assert.Equal(t, s.CountFor("doc-1"), 1)

	s.Unsubscribe("doc-1", "bob:s1")
	if _, ok := s.docs["doc-1"]; ok {
		t.Fatalf("document entry should be deleted once its set empties")
	}

	// Unsubscribing from a document with no set is a no-op.
	s.Unsubscribe("doc-2", "alice:s1")
}

func TestSubscribersOf(t *testing.T) {
	s := NewSubscriptionIndex()
	s.Subscribe("doc-1", "alice:s1")
	s.Subscribe("doc-1", "bob:s1")
	s.Subscribe("doc-2", "carol:s1")

	ids := s.SubscribersOf("doc-1")
	assert.Equal(t, len(ids), 2)
	assert.Equal(t, len(s.SubscribersOf("doc-3")), 0)
}
