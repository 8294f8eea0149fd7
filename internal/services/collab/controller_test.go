package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"docsync/internal/models"

	"github.com/go-playground/assert/v2"
)

type testEnv struct {
	ctrl  *Controller
	store *memStore
	clock *testClock
}

func newTestEnv() *testEnv {
	store := newMemStore()
	clock := newTestClock()
	dir := &fakeDirectory{users: map[string]models.UserInfo{
		"alice": {ID: "alice", Name: "Alice", Email: "alice@example.com"},
		"bob":   {ID: "bob", Name: "Bob", Email: "bob@example.com"},
		"carol": {ID: "carol", Name: "Carol", Email: "carol@example.com"},
	}}
	return &testEnv{
		ctrl:  NewController(store, dir, Conf{Clock: clock.Now}),
		store: store,
		clock: clock,
	}
}

// join connects and joins a participant in one step.
func (e *testEnv) join(t *testing.T, userID, sessionID, documentID string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn := e.ctrl.Connect(userID, sessionID, tr)
	e.ctrl.Join(context.Background(), conn.ID, documentID)
	return conn, tr
}

func editEvent(text string, clientVersion int64) *models.ClientEvent {
	payload, _ := json.Marshal(models.EditPayload{
		Op:            models.Operation{Type: models.OpInsert, Position: 0, Text: text},
		ClientVersion: clientVersion,
	})
	return &models.ClientEvent{Kind: models.EventDocumentEdit, Payload: payload}
}

func TestJoinAnnouncesAndSendsSnapshot(t *testing.T) {
	env := newTestEnv()

	_, aliceTr := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	// Alice hears about Bob; neither hears about themselves.
	joins := aliceTr.messagesOf(models.MessageUserJoined)
	assert.Equal(t, len(joins), 1)
	payload := joins[0].Payload.(models.UserEventPayload)
	assert.Equal(t, payload.User.Name, "Bob")
	assert.Equal(t, len(bobTr.messagesOf(models.MessageUserJoined)), 0)

	// Bob's snapshot carries the fresh document state.
	states := bobTr.messagesOf(models.MessageDocumentState)
	assert.Equal(t, len(states), 1)
	snap := states[0].Payload.(*models.StateSnapshot)
	assert.Equal(t, snap.Version, int64(1))
	assert.Equal(t, len(snap.ActiveUsers), 2)
	assert.Equal(t, len(snap.RecentOperations), 0)

	// Both sessions are durably open.
	if open, ok := env.store.sessionOpen("alice", "s1"); !ok || !open {
		t.Fatalf("alice's session should be recorded as open")
	}

	assert.Equal(t, env.ctrl.SubscriberCount("doc-1"), 2)
	assert.Equal(t, env.ctrl.LiveConnections(), 2)
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	env := newTestEnv()
	conn, tr := env.join(t, "alice", "s1", "doc-1")

	env.ctrl.Join(context.Background(), conn.ID, "doc-1")

	assert.Equal(t, env.ctrl.SubscriberCount("doc-1"), 1)
	// Each join replies with a fresh snapshot.
	assert.Equal(t, len(tr.messagesOf(models.MessageDocumentState)), 2)
}

func TestJoinSwitchesDocuments(t *testing.T) {
	env := newTestEnv()
	_, aliceTr := env.join(t, "alice", "s1", "doc-a")
	bobConn, _ := env.join(t, "bob", "s1", "doc-a")

	env.ctrl.Join(context.Background(), bobConn.ID, "doc-b")

	// The switch leaves doc-a first, announced to its remaining subscribers.
	lefts := aliceTr.messagesOf(models.MessageUserLeft)
	assert.Equal(t, len(lefts), 1)
	assert.Equal(t, lefts[0].Payload.(models.UserEventPayload).User.ID, "bob")

	assert.Equal(t, env.ctrl.SubscriberCount("doc-a"), 1)
	assert.Equal(t, env.ctrl.SubscriberCount("doc-b"), 1)

	got, _ := env.ctrl.registry.Get(bobConn.ID)
	assert.Equal(t, got.DocumentID, "doc-b")
}

func TestEditCommitsAndBroadcasts(t *testing.T) {
	env := newTestEnv()
	aliceConn, aliceTr := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	if err := env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("hello", 1)); err != nil {
		t.Fatalf("handle edit: %v", err)
	}

	// The committed version is broadcast to everyone but the editor.
	ops := bobTr.messagesOf(models.MessageDocumentOperation)
	assert.Equal(t, len(ops), 1)
	op := ops[0].Payload.(models.OperationBroadcast)
	assert.Equal(t, op.Version, int64(2))
	assert.Equal(t, op.UserID, "alice")
	assert.Equal(t, op.Op.Text, "hello")
	assert.Equal(t, len(aliceTr.messagesOf(models.MessageDocumentOperation)), 0)

	// Durable facts: operation row and version column.
	assert.Equal(t, env.store.opCount("doc-1"), 1)
	assert.Equal(t, env.store.version("doc-1"), int64(2))

	// The editor's presence flips to editing.
	for _, rec := range env.ctrl.presence.ActiveFor("doc-1") {
		if rec.UserID == "alice" {
			assert.Equal(t, rec.Status, models.StatusEditing)
		}
	}
}

func TestEditVersionsAreMonotonic(t *testing.T) {
	env := newTestEnv()
	aliceConn, _ := env.join(t, "alice", "s1", "doc-1")
	bobConn, _ := env.join(t, "bob", "s1", "doc-1")

	for i := 0; i < 3; i++ {
		env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("a", 0))
		env.ctrl.HandleEvent(context.Background(), bobConn.ID, editEvent("b", 0))
	}

	assert.Equal(t, env.store.version("doc-1"), int64(7))

	recent := env.ctrl.oplog.Recent("doc-1", 10)
	assert.Equal(t, len(recent), 6)
	for i, rec := range recent {
		assert.Equal(t, rec.VersionAfter, int64(7-i))
		assert.Equal(t, rec.VersionAfter, rec.VersionBefore+1)
	}
}

func TestEditStaysWithinItsDocument(t *testing.T) {
	env := newTestEnv()
	aliceConn, _ := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-2")

	env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("hello", 0))

	// Bob subscribes to a different document and must see nothing of this.
	assert.Equal(t, len(bobTr.messagesOf(models.MessageDocumentOperation)), 0)
	bobTr.mu.Lock()
	sent := append([]*models.ServerMessage(nil), bobTr.sent...)
	bobTr.mu.Unlock()
	for _, msg := range sent {
		if msg.DocumentID == "doc-1" {
			t.Fatalf("doc-2 subscriber received %s for doc-1", msg.Kind)
		}
	}

	// doc-1's state advanced, doc-2's did not.
	assert.Equal(t, env.store.version("doc-1"), int64(2))
	assert.Equal(t, env.store.version("doc-2"), int64(1))
}

func TestEditRequiresJoin(t *testing.T) {
	env := newTestEnv()
	tr := &fakeTransport{}
	conn := env.ctrl.Connect("alice", "s1", tr)

	env.ctrl.HandleEvent(context.Background(), conn.ID, editEvent("hello", 0))

	errs := tr.messagesOf(models.MessageError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].Payload.(models.ErrorPayload).Code, "not_joined")
	assert.Equal(t, env.store.opCount("doc-1"), 0)
}

func TestEditRejectsInvalidOperation(t *testing.T) {
	env := newTestEnv()
	conn, tr := env.join(t, "alice", "s1", "doc-1")

	env.ctrl.Edit(context.Background(), conn.ID, &models.EditPayload{
		Op: models.Operation{Type: models.OpDelete, Position: 4},
	})

	errs := tr.messagesOf(models.MessageError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].Payload.(models.ErrorPayload).Code, "bad_payload")
	assert.Equal(t, env.store.opCount("doc-1"), 0)
}

func TestEditPersistFailureIsNotBroadcast(t *testing.T) {
	env := newTestEnv()
	aliceConn, aliceTr := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	env.store.failInsertOp = true
	env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("lost", 1))

	// The failure is reported to the sender alone; nobody saw the operation.
	errs := aliceTr.messagesOf(models.MessageError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].Payload.(models.ErrorPayload).Code, "persist_failed")
	assert.Equal(t, len(bobTr.messagesOf(models.MessageDocumentOperation)), 0)

	// Version authority did not move; the next edit retries the same slot.
	assert.Equal(t, env.store.version("doc-1"), int64(1))

	env.store.failInsertOp = false
	env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("kept", 1))
	assert.Equal(t, env.store.version("doc-1"), int64(2))
	assert.Equal(t, len(bobTr.messagesOf(models.MessageDocumentOperation)), 1)
}

func TestCursorMoveRelaysToOthers(t *testing.T) {
	env := newTestEnv()
	aliceConn, aliceTr := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	env.ctrl.CursorMove(context.Background(), aliceConn.ID, &models.CursorPayload{
		Cursor: json.RawMessage(`{"line":3,"col":7}`),
	})

	cursors := bobTr.messagesOf(models.MessageCursorUpdate)
	assert.Equal(t, len(cursors), 1)
	bc := cursors[0].Payload.(models.CursorBroadcast)
	assert.Equal(t, bc.UserID, "alice")
	assert.Equal(t, string(bc.Cursor), `{"line":3,"col":7}`)
	assert.Equal(t, len(aliceTr.messagesOf(models.MessageCursorUpdate)), 0)
}

func TestPresenceUpdateValidatesStatus(t *testing.T) {
	env := newTestEnv()
	conn, tr := env.join(t, "alice", "s1", "doc-1")

	env.ctrl.PresenceUpdate(context.Background(), conn.ID, &models.PresencePayload{Status: "sleeping"})

	errs := tr.messagesOf(models.MessageError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].Payload.(models.ErrorPayload).Code, "bad_payload")
}

func TestPresenceUpdateBroadcastsState(t *testing.T) {
	env := newTestEnv()
	aliceConn, _ := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	env.ctrl.PresenceUpdate(context.Background(), aliceConn.ID, &models.PresencePayload{
		Status: models.StatusIdle,
	})

	states := bobTr.messagesOf(models.MessagePresenceState)
	assert.Equal(t, len(states), 1)
	rec := states[0].Payload.(models.PresenceRecord)
	assert.Equal(t, rec.UserID, "alice")
	assert.Equal(t, rec.Status, models.StatusIdle)
}

func TestLeaveReleasesDocumentState(t *testing.T) {
	env := newTestEnv()
	aliceConn, _ := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("x", 0))
	env.ctrl.Leave(context.Background(), aliceConn.ID)

	lefts := bobTr.messagesOf(models.MessageUserLeft)
	assert.Equal(t, len(lefts), 1)
	assert.Equal(t, lefts[0].Payload.(models.UserEventPayload).User.Name, "Alice")

	// The connection stays registered but unjoined.
	got, ok := env.ctrl.registry.Get(aliceConn.ID)
	if !ok {
		t.Fatalf("leave must not drop the connection")
	}
	assert.Equal(t, got.DocumentID, "")
	assert.Equal(t, env.ctrl.SubscriberCount("doc-1"), 1)

	if open, _ := env.store.sessionOpen("alice", "s1"); open {
		t.Fatalf("alice's session should be durably closed")
	}

	// Leaving while unjoined is a no-op.
	env.ctrl.Leave(context.Background(), aliceConn.ID)
	assert.Equal(t, len(bobTr.messagesOf(models.MessageUserLeft)), 1)
}

func TestLastLeaveDropsOperationTail(t *testing.T) {
	env := newTestEnv()
	conn, _ := env.join(t, "alice", "s1", "doc-1")
	env.ctrl.HandleEvent(context.Background(), conn.ID, editEvent("x", 0))
	assert.Equal(t, len(env.ctrl.oplog.Recent("doc-1", 10)), 1)

	env.ctrl.Leave(context.Background(), conn.ID)
	assert.Equal(t, len(env.ctrl.oplog.Recent("doc-1", 10)), 0)
}

func TestDisconnectTearsDownEverything(t *testing.T) {
	env := newTestEnv()
	aliceConn, aliceTr := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	env.ctrl.Disconnect(aliceConn.ID)

	assert.Equal(t, len(bobTr.messagesOf(models.MessageUserLeft)), 1)
	assert.Equal(t, env.ctrl.LiveConnections(), 1)
	assert.Equal(t, env.ctrl.SubscriberCount("doc-1"), 1)
	if !aliceTr.isClosed() {
		t.Fatalf("disconnect must close the transport")
	}

	// Disconnecting an unknown id is a no-op.
	env.ctrl.Disconnect(aliceConn.ID)
}

func TestReconnectClosesReplacedTransport(t *testing.T) {
	env := newTestEnv()
	_, oldTr := env.join(t, "alice", "s1", "doc-1")

	newTr := &fakeTransport{}
	conn := env.ctrl.Connect("alice", "s1", newTr)

	if !oldTr.isClosed() {
		t.Fatalf("the replaced transport must be closed")
	}
	got, _ := env.ctrl.registry.Get(conn.ID)
	assert.Equal(t, got.DocumentID, "doc-1")
	assert.Equal(t, env.ctrl.LiveConnections(), 1)
}

func TestDeliveryFailureIsIsolated(t *testing.T) {
	env := newTestEnv()
	aliceConn, _ := env.join(t, "alice", "s1", "doc-1")
	bobConn, bobTr := env.join(t, "bob", "s1", "doc-1")
	_, carolTr := env.join(t, "carol", "s1", "doc-1")

	bobTr.mu.Lock()
	bobTr.fail = true
	bobTr.mu.Unlock()

	env.ctrl.HandleEvent(context.Background(), aliceConn.ID, editEvent("x", 0))

	// Carol still got the operation despite Bob's dead transport.
	assert.Equal(t, len(carolTr.messagesOf(models.MessageDocumentOperation)), 1)

	// Bob's disconnect runs asynchronously; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for env.ctrl.LiveConnections() > 2 {
		if time.Now().After(deadline) {
			t.Fatalf("failing connection %s was never disconnected", bobConn.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := env.ctrl.registry.Get(bobConn.ID); ok {
		t.Fatalf("failing connection should be removed from the registry")
	}
}

func TestHandleEventUnknownConnection(t *testing.T) {
	env := newTestEnv()
	err := env.ctrl.HandleEvent(context.Background(), "nobody:s0", &models.ClientEvent{Kind: models.EventPing})
	assert.Equal(t, err, ErrUnknownConnection)
}

func TestHandleEventPing(t *testing.T) {
	env := newTestEnv()
	tr := &fakeTransport{}
	conn := env.ctrl.Connect("alice", "s1", tr)

	if err := env.ctrl.HandleEvent(context.Background(), conn.ID, &models.ClientEvent{Kind: models.EventPing}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	assert.Equal(t, len(tr.messagesOf(models.MessagePong)), 1)
}

func TestHandleEventUnknownKind(t *testing.T) {
	env := newTestEnv()
	tr := &fakeTransport{}
	conn := env.ctrl.Connect("alice", "s1", tr)

	env.ctrl.HandleEvent(context.Background(), conn.ID, &models.ClientEvent{Kind: "shout"})

	errs := tr.messagesOf(models.MessageError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].Payload.(models.ErrorPayload).Code, "unknown_event")
}

func TestHandleEventMalformedPayload(t *testing.T) {
	env := newTestEnv()
	conn, tr := env.join(t, "alice", "s1", "doc-1")

	env.ctrl.HandleEvent(context.Background(), conn.ID, &models.ClientEvent{
		Kind:    models.EventDocumentEdit,
		Payload: json.RawMessage(`{"op":`),
	})

	errs := tr.messagesOf(models.MessageError)
	assert.Equal(t, len(errs), 1)
	assert.Equal(t, errs[0].Payload.(models.ErrorPayload).Code, "bad_payload")
}

func TestSnapshotFallsBackToDurableLog(t *testing.T) {
	env := newTestEnv()
	base := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	// Operations committed by a previous process exist only durably.
	for i := int64(1); i <= 3; i++ {
		env.store.InsertOperation(context.Background(), opRecord("doc-1", i, base.Add(time.Duration(i)*time.Minute)))
	}
	env.store.UpdateDocumentVersion(context.Background(), "doc-1", 4, "alice")

	snap, err := env.ctrl.Snapshot(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	assert.Equal(t, snap.Version, int64(4))
	assert.Equal(t, len(snap.RecentOperations), 3)
	assert.Equal(t, snap.RecentOperations[0].VersionAfter, int64(4))
	if snap.LastEditedAt == nil {
		t.Fatalf("snapshot should carry the last durable edit time")
	}
}

func TestSnapshotFallsBackToDurablePresence(t *testing.T) {
	env := newTestEnv()

	// A presence shadow written by a previous process exists only durably.
	env.store.UpsertPresence(context.Background(), &models.PresenceRecord{
		DocumentID: "doc-1",
		UserID:     "alice",
		SessionID:  "s1",
		Status:     models.StatusViewing,
		User:       models.UserInfo{ID: "alice", Name: "Alice"},
		LastSeenAt: env.clock.Now().Add(-time.Minute),
	})

	snap, err := env.ctrl.Snapshot(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	assert.Equal(t, len(snap.ActiveUsers), 1)
	assert.Equal(t, snap.ActiveUsers[0].User.Name, "Alice")
}

func TestSyncDocumentBroadcastsToAllSubscribers(t *testing.T) {
	env := newTestEnv()
	_, aliceTr := env.join(t, "alice", "s1", "doc-1")
	_, bobTr := env.join(t, "bob", "s1", "doc-1")

	if err := env.ctrl.SyncDocument(context.Background(), "doc-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Sync excludes nobody.
	assert.Equal(t, len(aliceTr.messagesOf(models.MessageDocumentSync)), 1)
	assert.Equal(t, len(bobTr.messagesOf(models.MessageDocumentSync)), 1)
}

func TestUnknownUserFallsBackToID(t *testing.T) {
	env := newTestEnv()
	_, aliceTr := env.join(t, "alice", "s1", "doc-1")
	env.join(t, "ghost", "s1", "doc-1")

	joins := aliceTr.messagesOf(models.MessageUserJoined)
	assert.Equal(t, len(joins), 1)
	user := joins[0].Payload.(models.UserEventPayload).User
	assert.Equal(t, user.ID, "ghost")
	assert.Equal(t, user.Name, "ghost")
}
