package socket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"docsy/internal/access"
	"docsy/internal/document/model"
	"docsy/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const roomChannelPrefix = "room:"

// frame is what travels over the Redis backplane. Every room message is
// published to the room's channel and delivered by whichever worker
// holds each member's connection; the publishing worker receives its own
// frames through the same loopback, so delivery is uniform across
// processes. SenderConn is the originating connection id and is excluded
// from delivery.
type frame struct {
	Kind       string                 `json:"kind"`
	Event      *Event                 `json:"event,omitempty"`
	SenderConn string                 `json:"sender_conn,omitempty"`
	Settings   *model.SharingSettings `json:"settings,omitempty"`
	UpdatedBy  string                 `json:"updated_by,omitempty"`
}

const (
	frameBroadcast   = "broadcast"
	framePermissions = "permissions"
	frameDocRemoved  = "doc-removed"
)

// Hub is the room registry for this worker process. It tracks which
// local connections have joined which document room, subscribes to each
// active room's backplane channel, and fans incoming frames out to local
// members. Session state never leaves the process; only frames and the
// presence set do.
type Hub struct {
	rdb      *redis.Client
	Presence *Presence

	ctx    context.Context
	cancel context.CancelFunc
	sub    *redis.PubSub

	mu    sync.Mutex
	rooms map[string]map[*Client]bool
}

func NewHub(rdb *redis.Client) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rdb:      rdb,
		Presence: NewPresence(rdb),
		ctx:      ctx,
		cancel:   cancel,
		sub:      rdb.Subscribe(ctx),
		rooms:    make(map[string]map[*Client]bool),
	}
}

// Run consumes backplane frames until Close. Start it in its own
// goroutine.
func (h *Hub) Run() {
	for msg := range h.sub.Channel() {
		docID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
		var f frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			logger.Sugar.Errorf("Dropping unreadable backplane frame on %s: %v", msg.Channel, err)
			continue
		}
		h.dispatch(docID, &f)
	}
}

func (h *Hub) Close() {
	h.sub.Close()
	h.cancel()
}

func (h *Hub) dispatch(docID string, f *frame) {
	switch f.Kind {
	case frameBroadcast:
		h.deliver(docID, f)
	case framePermissions:
		h.applyPermissionChange(docID, f)
	case frameDocRemoved:
		h.closeRoom(docID)
	default:
		logger.Sugar.Warnf("Unknown backplane frame kind %q on room %s", f.Kind, docID)
	}
}

// deliver sends the frame's event to every local member of the room
// except the originating connection.
func (h *Hub) deliver(docID string, f *frame) {
	if f.Event == nil {
		return
	}
	payload, err := json.Marshal(f.Event)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast event: %v", err)
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.rooms[docID]))
	for client := range h.rooms[docID] {
		if client.id != f.SenderConn {
			clients = append(clients, client)
		}
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.enqueue(payload)
	}
}

// Publish sends an event to every member of the room across all worker
// processes, excluding senderConn. Pass an empty senderConn for
// server-originated events that everyone should see.
func (h *Hub) Publish(docID string, event Event, senderConn string) {
	h.publishFrame(docID, &frame{Kind: frameBroadcast, Event: &event, SenderConn: senderConn})
}

// PublishPermissionChange announces an owner's sharing-settings mutation.
// Every worker recomputes roles for its local sessions in the room
// against the new settings, delivers targeted role-change events, and
// only then broadcasts the room-wide settings update.
func (h *Hub) PublishPermissionChange(docID string, settings model.SharingSettings, updatedBy string) {
	h.publishFrame(docID, &frame{Kind: framePermissions, Settings: &settings, UpdatedBy: updatedBy})
}

// PublishDocumentRemoved disconnects every room member on every worker.
// Called when a document is deleted through the API.
func (h *Hub) PublishDocumentRemoved(docID string) {
	h.publishFrame(docID, &frame{Kind: frameDocRemoved})
}

func (h *Hub) publishFrame(docID string, f *frame) {
	b, err := json.Marshal(f)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling backplane frame: %v", err)
		return
	}
	if err := h.rdb.Publish(h.ctx, roomChannelPrefix+docID, b).Err(); err != nil {
		logger.Sugar.Errorf("Failed to publish to room %s: %v", docID, err)
	}
}

// join adds a local connection to a room, subscribing to the room's
// backplane channel when it is the first local member.
func (h *Hub) join(c *Client, docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Client]bool)
		if err := h.sub.Subscribe(h.ctx, roomChannelPrefix+docID); err != nil {
			logger.Sugar.Errorf("Failed to subscribe to room %s: %v", docID, err)
		}
	}
	h.rooms[docID][c] = true
}

// leave removes a local connection from a room, unsubscribing when no
// local member remains. Idempotent: leaving a room the connection is not
// in is a no-op.
func (h *Hub) leave(c *Client, docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[docID][c]; !ok {
		return
	}
	delete(h.rooms[docID], c)
	if len(h.rooms[docID]) == 0 {
		delete(h.rooms, docID)
		if err := h.sub.Unsubscribe(h.ctx, roomChannelPrefix+docID); err != nil {
			logger.Sugar.Errorf("Failed to unsubscribe from room %s: %v", docID, err)
		}
	}
}

// membersOf returns the local members of a room.
func (h *Hub) membersOf(docID string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*Client, 0, len(h.rooms[docID]))
	for client := range h.rooms[docID] {
		clients = append(clients, client)
	}
	return clients
}

// applyPermissionChange recomputes every local session's role against
// the new settings. Targeted role-change events go out first; the
// room-wide permissions-updated broadcast strictly follows, so no client
// sees the broadcast before its own role update.
func (h *Hub) applyPermissionChange(docID string, f *frame) {
	if f.Settings == nil {
		return
	}
	doc := &model.Document{
		ID:            docID,
		OwnerID:       f.Settings.OwnerID,
		IsPublic:      f.Settings.IsPublic,
		Collaborators: f.Settings.Collaborators,
	}

	for _, client := range h.membersOf(docID) {
		userID, email := client.identityKeys()
		newRole := access.ResolveRole(doc, userID, email)
		oldRole := client.swapRole(newRole)
		if oldRole == newRole {
			continue
		}
		// A newRole of none is the access-revoked notice; what the UI
		// does with it is the client's concern.
		payload, err := newEvent(RoleChangedType, docID, RoleChangedPayload{
			UserID:    userID,
			Email:     email,
			OldRole:   oldRole,
			NewRole:   newRole,
			UpdatedBy: f.UpdatedBy,
		})
		if err != nil {
			logger.Sugar.Errorf("Error marshalling role-change event: %v", err)
			continue
		}
		client.enqueue(payload)
	}

	broadcast, err := newEvent(PermissionsUpdatedType, docID, PermissionsUpdatedPayload{
		IsPublic:      f.Settings.IsPublic,
		Collaborators: f.Settings.Collaborators,
		UpdatedBy:     f.UpdatedBy,
	})
	if err != nil {
		logger.Sugar.Errorf("Error marshalling permissions-updated event: %v", err)
		return
	}
	for _, client := range h.membersOf(docID) {
		client.enqueue(broadcast)
	}
}

// closeRoom force-disconnects all local members, e.g. after a document
// deletion. Closing the conn makes each readPump exit and unregister
// through the normal path.
func (h *Hub) closeRoom(docID string) {
	for _, client := range h.membersOf(docID) {
		client.conn.Close()
	}
}
