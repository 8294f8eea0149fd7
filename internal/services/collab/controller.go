package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// ErrNotJoined is returned when an event requires the connection to be
// joined to a document and it isn't.
var ErrNotJoined = errors.New("connection is not joined to a document")

// Conf carries the collaboration timing and capacity knobs. Zero values
// take defaults; the clock is injectable for tests.
type Conf struct {
	PresenceWindow time.Duration // staleness window for presence reads
	IdleTimeout    time.Duration // reaper eviction threshold
	OpLogCap       int           // trailing operations kept per document
	SnapshotOps    int           // operations included in a state snapshot
	StoreTimeout   time.Duration // bound on each durable write
	Clock          func() time.Time
}

func (c *Conf) norm() {
	if c.PresenceWindow <= 0 {
		c.PresenceWindow = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.OpLogCap <= 0 {
		c.OpLogCap = 10
	}
	if c.SnapshotOps <= 0 {
		c.SnapshotOps = 10
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Controller orchestrates the collaboration protocol: it validates inbound
// events, sequences the in-memory stores, persists durable facts through
// the record store, and computes the outbound fan-out.
//
// All mutations for one document are serialized by a per-document mutex
// held across the durable writes, so version assignment and broadcast order
// are deterministic per document while different documents proceed in
// parallel. The connection registry carries its own lock since it is
// touched by both this path and the idle reaper.
type Controller struct {
	conf     Conf
	registry *Registry
	presence *PresenceStore
	subs     *SubscriptionIndex
	oplog    *OperationLog
	bcast    *Broadcaster
	store    RecordStore
	users    UserDirectory
	now      func() time.Time

	docMu    sync.Mutex
	docLocks map[string]*sync.Mutex
}

// NewController builds the collaboration service around the external
// record store and user directory. All in-memory state is owned by the
// returned instance - nothing is process-global, so tests get fresh
// instances.
func NewController(store RecordStore, users UserDirectory, conf Conf) *Controller {
	conf.norm()

	registry := NewRegistry(conf.Clock)
	subs := NewSubscriptionIndex()
	c := &Controller{
		conf:     conf,
		registry: registry,
		presence: NewPresenceStore(conf.PresenceWindow, conf.Clock),
		subs:     subs,
		oplog:    NewOperationLog(store, conf.OpLogCap),
		bcast:    NewBroadcaster(registry, subs),
		store:    store,
		users:    users,
		now:      conf.Clock,
		docLocks: make(map[string]*sync.Mutex),
	}
	c.bcast.SetFailureHandler(c.Disconnect)
	return c
}

// Connect registers a transport for (userID, sessionID) and returns the
// connection. Re-connecting the same pair replaces the old transport, which
// is closed.
func (c *Controller) Connect(userID, sessionID string, t Transport) *Connection {
	conn, replaced := c.registry.Register(userID, sessionID, t)
	if replaced != nil {
		_ = replaced.Close()
	}
	log.Printf("✓ Connection %s registered", conn.ID)
	return conn
}

// HandleEvent validates and dispatches one inbound event for a known
// connection. Validation and durable-write failures are reported to the
// sender only; the returned error covers the unknown-connection case.
func (c *Controller) HandleEvent(ctx context.Context, connID string, ev *models.ClientEvent) error {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}
	c.registry.Touch(connID)

	ctx, span := middleware.StartSpan(ctx, "Collab.HandleEvent",
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("connection.id", connID),
		attribute.String("document.id", ev.DocumentID),
	)
	defer span.End()

	switch ev.Kind {
	case models.EventJoinDocument:
		if ev.DocumentID == "" {
			c.sendError(connID, "bad_payload", "join_document requires a document_id")
			return nil
		}
		c.Join(ctx, connID, ev.DocumentID)

	case models.EventLeaveDocument:
		c.Leave(ctx, connID)

	case models.EventDocumentEdit:
		var payload models.EditPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			c.sendError(connID, "bad_payload", "malformed edit payload")
			return nil
		}
		c.Edit(ctx, connID, &payload)

	case models.EventCursorMove:
		var payload models.CursorPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			c.sendError(connID, "bad_payload", "malformed cursor payload")
			return nil
		}
		c.CursorMove(ctx, connID, &payload)

	case models.EventPresenceUpdate:
		var payload models.PresencePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			c.sendError(connID, "bad_payload", "malformed presence payload")
			return nil
		}
		c.PresenceUpdate(ctx, connID, &payload)

	case models.EventPing:
		// Touch above is the whole effect; the reply is not a broadcast.
		_ = c.bcast.SendTo(connID, models.NewServerMessage(models.MessagePong, "", nil))

	default:
		log.Printf("⚠️  Connection %s sent unknown event kind %q", conn.ID, ev.Kind)
		c.sendError(connID, "unknown_event", fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
	return nil
}

// Join subscribes the connection to a document, resolving display info,
// recording the durable session start, announcing the arrival to other
// subscribers and replying with a full state snapshot. Joining while joined
// to a different document implicitly leaves it first; re-joining the same
// document is idempotent and re-sends the snapshot.
func (c *Controller) Join(ctx context.Context, connID, documentID string) {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	if conn.DocumentID != "" && conn.DocumentID != documentID {
		c.leaveDocument(ctx, conn)
	}

	mu := c.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	c.subs.Subscribe(documentID, connID)
	c.registry.SetDocument(connID, documentID)

	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.InsertSession(sctx, documentID, conn.UserID, conn.SessionID)
	}); err != nil {
		// The in-memory join stays applied; a duplicate join is idempotent.
		log.Printf("⚠️  Failed to record session start for %s: %v", connID, err)
	}

	user := c.lookupUser(ctx, conn.UserID)
	rec := c.presence.Upsert(documentID, conn.UserID, conn.SessionID,
		models.StatusViewing, nil, nil, user)
	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.UpsertPresence(sctx, rec)
	}); err != nil {
		log.Printf("⚠️  Failed to persist presence for %s: %v", connID, err)
	}

	c.bcast.Broadcast(documentID, models.NewServerMessage(models.MessageUserJoined, documentID,
		models.UserEventPayload{User: user, SessionID: conn.SessionID}), connID)

	snap, err := c.Snapshot(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		c.sendError(connID, "internal", "failed to assemble document state")
	} else if err := c.bcast.SendTo(connID, models.NewServerMessage(models.MessageDocumentState, documentID, snap)); err != nil {
		log.Printf("⚠️  Failed to deliver snapshot to %s: %v", connID, err)
	}

	c.audit(ctx, documentID, conn.UserID, "join", map[string]any{"session_id": conn.SessionID})
	log.Printf("✓ Connection %s joined document %s (%d subscribers)",
		connID, documentID, c.subs.CountFor(documentID))
}

// Edit commits one operation: the version authority assigns the next
// version, the operation and version update are persisted durably, and only
// then is the operation broadcast to the other subscribers. A persistence
// failure aborts before any broadcast and is reported to the sender alone.
func (c *Controller) Edit(ctx context.Context, connID string, payload *models.EditPayload) {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	if conn.DocumentID == "" {
		c.sendError(connID, "not_joined", ErrNotJoined.Error())
		return
	}
	if err := payload.Op.Validate(); err != nil {
		c.sendError(connID, "bad_payload", err.Error())
		return
	}
	documentID := conn.DocumentID

	mu := c.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	var version int64
	err := c.durably(ctx, func(sctx context.Context) (err error) {
		version, err = c.oplog.CurrentVersion(sctx, documentID)
		return err
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		c.sendError(connID, "persist_failed", "could not read document version")
		return
	}

	// Client-supplied versions are advisory; the persisted record decides.
	if payload.ClientVersion != 0 && payload.ClientVersion != version {
		log.Printf("Connection %s edited %s at client version %d, authority at %d",
			connID, documentID, payload.ClientVersion, version)
	}

	rec := &models.OperationRecord{
		ID:            ksuid.New().String(),
		DocumentID:    documentID,
		UserID:        conn.UserID,
		SessionID:     conn.SessionID,
		Op:            payload.Op,
		VersionBefore: version,
		VersionAfter:  version + 1,
		Checksum:      payload.Checksum,
		AppliedAt:     c.now(),
	}

	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.oplog.Append(sctx, rec)
	}); err != nil {
		middleware.AddSpanError(ctx, err)
		c.sendError(connID, "persist_failed", "operation was not committed")
		return
	}
	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.UpdateDocumentVersion(sctx, documentID, rec.VersionAfter, conn.UserID)
	}); err != nil {
		middleware.AddSpanError(ctx, err)
		c.sendError(connID, "persist_failed", "document version was not committed")
		return
	}

	c.bcast.Broadcast(documentID, models.NewServerMessage(models.MessageDocumentOperation, documentID,
		models.OperationBroadcast{
			Op:        rec.Op,
			Version:   rec.VersionAfter,
			Checksum:  rec.Checksum,
			UserID:    conn.UserID,
			SessionID: conn.SessionID,
		}), connID)

	c.presence.SetStatus(documentID, conn.UserID, conn.SessionID, models.StatusEditing)
	c.audit(ctx, documentID, conn.UserID, "edit", map[string]any{
		"version":  rec.VersionAfter,
		"checksum": rec.Checksum,
	})
}

// CursorMove updates the sender's cursor/selection state and relays a
// lightweight cursor event to the other subscribers. The presence upsert is
// the only durable effect.
func (c *Controller) CursorMove(ctx context.Context, connID string, payload *models.CursorPayload) {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	if conn.DocumentID == "" {
		c.sendError(connID, "not_joined", ErrNotJoined.Error())
		return
	}
	documentID := conn.DocumentID

	mu := c.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	rec, ok := c.presence.SetCursor(documentID, conn.UserID, conn.SessionID, payload.Cursor, payload.Selection)
	if ok {
		if err := c.durably(ctx, func(sctx context.Context) error {
			return c.store.UpsertPresence(sctx, &rec)
		}); err != nil {
			log.Printf("⚠️  Failed to persist cursor for %s: %v", connID, err)
		}
	}

	c.bcast.Broadcast(documentID, models.NewServerMessage(models.MessageCursorUpdate, documentID,
		models.CursorBroadcast{
			UserID:    conn.UserID,
			SessionID: conn.SessionID,
			Cursor:    payload.Cursor,
			Selection: payload.Selection,
		}), connID)
}

// PresenceUpdate applies an explicit client presence change (status and
// optionally cursor state) and shares the updated record with the other
// subscribers.
func (c *Controller) PresenceUpdate(ctx context.Context, connID string, payload *models.PresencePayload) {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	if conn.DocumentID == "" {
		c.sendError(connID, "not_joined", ErrNotJoined.Error())
		return
	}
	if !payload.Status.Valid() {
		c.sendError(connID, "bad_payload", fmt.Sprintf("unknown presence status %q", payload.Status))
		return
	}
	documentID := conn.DocumentID

	mu := c.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	user := c.lookupUser(ctx, conn.UserID)
	rec := c.presence.Upsert(documentID, conn.UserID, conn.SessionID,
		payload.Status, payload.Cursor, payload.Selection, user)
	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.UpsertPresence(sctx, rec)
	}); err != nil {
		log.Printf("⚠️  Failed to persist presence for %s: %v", connID, err)
	}

	c.bcast.Broadcast(documentID, models.NewServerMessage(models.MessagePresenceState, documentID, *rec), connID)
}

// Leave detaches the connection from its current document but keeps it
// registered (and unjoined). Leaving while unjoined is a no-op.
func (c *Controller) Leave(ctx context.Context, connID string) {
	conn, ok := c.registry.Get(connID)
	if !ok || conn.DocumentID == "" {
		return
	}
	c.leaveDocument(ctx, conn)
}

// Disconnect runs the full teardown for a connection: leave its document,
// then remove it from the registry and close the transport. It is the
// target of transport closes, delivery failures and the idle reaper, and is
// safe to call for unknown ids.
func (c *Controller) Disconnect(connID string) {
	ctx := context.Background()
	conn, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	if conn.DocumentID != "" {
		c.leaveDocument(ctx, conn)
	}
	if removed, ok := c.registry.Remove(connID); ok {
		_ = removed.Transport.Close()
		log.Printf("✓ Connection %s disconnected", connID)
	}
}

// leaveDocument performs the shared leave/disconnect effects for the
// document the connection is joined to.
func (c *Controller) leaveDocument(ctx context.Context, conn Connection) {
	documentID := conn.DocumentID

	mu := c.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	// Capture display info before the presence record goes away. The read
	// must ignore the freshness window: a reaped connection's record is
	// stale by definition.
	user := models.UserInfo{ID: conn.UserID}
	if rec, ok := c.presence.Get(documentID, conn.UserID, conn.SessionID); ok {
		user = rec.User
	}

	c.subs.Unsubscribe(documentID, conn.ID)
	c.registry.SetDocument(conn.ID, "")

	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.EndSession(sctx, conn.UserID, conn.SessionID)
	}); err != nil {
		log.Printf("⚠️  Failed to record session end for %s: %v", conn.ID, err)
	}

	c.presence.Remove(documentID, conn.UserID, conn.SessionID)
	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.DeletePresence(sctx, conn.UserID, conn.SessionID)
	}); err != nil {
		log.Printf("⚠️  Failed to delete presence for %s: %v", conn.ID, err)
	}

	c.bcast.Broadcast(documentID, models.NewServerMessage(models.MessageUserLeft, documentID,
		models.UserEventPayload{User: user, SessionID: conn.SessionID}), conn.ID)

	c.audit(ctx, documentID, conn.UserID, "leave", map[string]any{"session_id": conn.SessionID})

	if c.subs.CountFor(documentID) == 0 {
		c.oplog.Drop(documentID)
	}
}

// Snapshot assembles the read-only collaboration state for a document:
// authoritative version, fresh presence, and the recent operation tail
// (most-recent-first). When this process holds no in-memory tail or presence
// for the document, the durable copies are consulted instead.
func (c *Controller) Snapshot(ctx context.Context, documentID string) (*models.StateSnapshot, error) {
	var version int64
	err := c.durably(ctx, func(sctx context.Context) (err error) {
		version, err = c.oplog.CurrentVersion(sctx, documentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	recent := c.oplog.Recent(documentID, c.conf.SnapshotOps)
	if len(recent) == 0 {
		if err := c.durably(ctx, func(sctx context.Context) (err error) {
			recent, err = c.store.QueryRecentOperations(sctx, documentID, c.conf.SnapshotOps)
			return err
		}); err != nil {
			return nil, err
		}
	}

	active := c.presence.ActiveFor(documentID)
	if len(active) == 0 {
		var rows []*models.PresenceRecord
		if err := c.durably(ctx, func(sctx context.Context) (err error) {
			rows, err = c.store.QueryActivePresence(sctx, documentID, c.now().Add(-c.conf.PresenceWindow))
			return err
		}); err != nil {
			return nil, err
		}
		for _, row := range rows {
			active = append(active, *row)
		}
	}

	snap := &models.StateSnapshot{
		DocumentID:       documentID,
		Version:          version,
		ActiveUsers:      active,
		RecentOperations: recent,
	}
	if t, ok := c.oplog.LastEditedAt(documentID); ok {
		snap.LastEditedAt = &t
	} else if len(recent) > 0 {
		snap.LastEditedAt = &recent[0].AppliedAt
	}
	return snap, nil
}

// SyncDocument rebroadcasts the full document state to every subscriber.
// Triggered out-of-band by operational tooling.
func (c *Controller) SyncDocument(ctx context.Context, documentID string) error {
	mu := c.docLock(documentID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := c.Snapshot(ctx, documentID)
	if err != nil {
		return err
	}
	c.bcast.Broadcast(documentID, models.NewServerMessage(models.MessageDocumentSync, documentID, snap), "")
	return nil
}

// LiveConnections reports the total live connection count.
func (c *Controller) LiveConnections() int {
	return c.registry.Count()
}

// SubscriberCount reports the subscriber count for a document.
func (c *Controller) SubscriberCount(documentID string) int {
	return c.subs.CountFor(documentID)
}

// Touch refreshes a connection's last-seen timestamp.
func (c *Controller) Touch(connID string) {
	c.registry.Touch(connID)
}

func (c *Controller) docLock(documentID string) *sync.Mutex {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	mu, ok := c.docLocks[documentID]
	if !ok {
		mu = &sync.Mutex{}
		c.docLocks[documentID] = mu
	}
	return mu
}

// durably runs one record-store call under the configured bounded timeout.
func (c *Controller) durably(ctx context.Context, fn func(ctx context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, c.conf.StoreTimeout)
	defer cancel()
	return fn(sctx)
}

func (c *Controller) lookupUser(ctx context.Context, userID string) models.UserInfo {
	var user *models.UserInfo
	err := c.durably(ctx, func(sctx context.Context) (err error) {
		user, err = c.users.GetUserInfo(sctx, userID)
		return err
	})
	if err != nil || user == nil {
		log.Printf("⚠️  Failed to resolve user %s: %v", userID, err)
		return models.UserInfo{ID: userID, Name: userID}
	}
	return *user
}

// sendError replies to the originating connection only; errors are never
// broadcast.
func (c *Controller) sendError(connID, code, message string) {
	msg := models.NewServerMessage(models.MessageError, "", models.ErrorPayload{Code: code, Message: message})
	if err := c.bcast.SendTo(connID, msg); err != nil {
		log.Printf("⚠️  Failed to deliver error to %s: %v", connID, err)
	}
}

func (c *Controller) audit(ctx context.Context, documentID, userID, eventType string, data map[string]any) {
	if err := c.durably(ctx, func(sctx context.Context) error {
		return c.store.InsertCollaborationEvent(sctx, documentID, userID, eventType, data)
	}); err != nil {
		log.Printf("⚠️  Failed to record %s event for %s: %v", eventType, userID, err)
	}
}
