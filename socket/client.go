package socket

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"docsy/internal/access"
	"docsy/internal/document/model"
	"docsy/internal/document/repository"
	"docsy/internal/identity"
	"docsy/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CheckOrigin allows connections from the dev frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one live connection's session. It moves through
// connected (identity resolved, possibly guest) -> document joined
// (docID and cached role set) -> closed. The cached role is authoritative
// only until the next permission change or refresh; the save path never
// trusts it.
type Client struct {
	hub  *Hub
	repo *repository.DocumentRepository
	conn *websocket.Conn
	send chan []byte

	id       string
	identity *identity.Identity // nil for guests

	mu     sync.Mutex
	docID  string
	role   access.Role
	closed bool

	cleanupOnce sync.Once
}

// ServeWs upgrades the request and starts the session's pumps. The
// identity may be nil: guests are allowed through so they can view
// public documents.
func ServeWs(hub *Hub, repo *repository.DocumentRepository, w http.ResponseWriter, r *http.Request, ident *identity.Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		hub:      hub,
		repo:     repo,
		conn:     conn,
		send:     make(chan []byte, 256),
		id:       uuid.NewString(),
		identity: ident,
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) identityKeys() (userID, email string) {
	if c.identity == nil {
		return "", ""
	}
	return c.identity.UserID, c.identity.Email
}

// presenceKey is how this session appears in the room's presence set.
// Authenticated users are keyed by identity so extra tabs collapse into
// one entry; guests are tracked per connection.
func (c *Client) presenceKey() string {
	if c.identity != nil {
		return c.identity.UserID
	}
	return "guest:" + c.id
}

func (c *Client) presenceInfo() PresenceInfo {
	if c.identity != nil {
		return PresenceInfo{UserID: c.identity.UserID, Email: c.identity.Email, Name: c.identity.Name}
	}
	return PresenceInfo{UserID: "guest:" + c.id, Name: "Anonymous"}
}

func (c *Client) joinedDoc() (string, access.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID, c.role
}

// swapRole replaces the cached role and returns the previous one.
func (c *Client) swapRole(role access.Role) access.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.role
	c.role = role
	return old
}

// enqueue hands a marshalled event to the write pump. A full buffer
// means the client stopped draining; closing the conn makes its readPump
// exit and clean up through the normal path.
func (c *Client) enqueue(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		logger.Sugar.Warnf("Connection %s send buffer full, disconnecting", c.id)
		c.conn.Close()
	}
}

func (c *Client) sendEvent(eventType, docID string, payload interface{}) {
	b, err := newEvent(eventType, docID, payload)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s event: %v", eventType, err)
		return
	}
	c.enqueue(b)
}

func (c *Client) sendError(message string) {
	c.sendEvent(ErrorType, "", ErrorPayload{Message: message})
}

// cleanup releases room membership and presence. Safe to run from any
// state, including before a document join, and runs exactly once no
// matter how the connection dies.
func (c *Client) cleanup() {
	c.cleanupOnce.Do(func() {
		c.mu.Lock()
		docID := c.docID
		c.docID = ""
		c.closed = true
		c.mu.Unlock()

		if docID != "" {
			c.hub.leave(c, docID)
			last, err := c.hub.Presence.Leave(c.hub.ctx, docID, c.presenceKey())
			if err != nil {
				logger.Sugar.Errorf("Presence leave failed for %s in room %s: %v", c.presenceKey(), docID, err)
			} else if last {
				b, err := json.Marshal(c.presenceInfo())
				if err == nil {
					c.hub.Publish(docID, Event{Type: UserLeftType, DocID: docID, Payload: b}, c.id)
				}
			}
		}
		close(c.send)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.cleanup()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("read error on connection %s: %v", c.id, err)
			}
			break
		}

		var evt Event
		if err := json.Unmarshal(rawMessage, &evt); err != nil {
			logger.Sugar.Errorf("Error unmarshalling event on connection %s: %v", c.id, err)
			c.sendError("Malformed event")
			continue
		}

		switch evt.Type {
		case GetDocumentType:
			c.handleGetDocument(evt.DocID)
		case SendChangesType:
			c.handleSendChanges(evt.Payload)
		case SaveDocumentType:
			c.handleSaveDocument(evt.Payload)
		case RefreshRoleType:
			c.handleRefreshRole()
		case CursorType:
			c.handleCursor(evt.Payload)
		default:
			logger.Sugar.Warnf("Unknown event type %q on connection %s", evt.Type, c.id)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleGetDocument loads (or lazily creates) the document, resolves the
// caller's role, joins the room, and replies with the snapshot. A repeat
// request for the already-joined document re-sends the snapshot without
// duplicating the room or presence registration.
func (c *Client) handleGetDocument(docID string) {
	if docID == "" {
		c.sendError("Missing document id")
		return
	}

	current, _ := c.joinedDoc()
	if current != "" && current != docID {
		c.detach(current)
		current = ""
	}

	userID, email := c.identityKeys()

	var doc *model.Document
	var err error
	if c.identity != nil {
		// Opening a brand-new id creates the document with the caller
		// as owner.
		doc, err = c.repo.FindOrCreate(docID, c.identity.UserID, "")
	} else {
		doc, err = c.repo.Get(docID)
		if err == sql.ErrNoRows {
			c.sendEvent(LoadDocumentType, docID, LoadDocumentPayload{Error: "Document not found"})
			return
		}
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load document %s for connection %s: %v", docID, c.id, err)
		c.sendEvent(LoadDocumentType, docID, LoadDocumentPayload{Error: "Failed to load document"})
		return
	}

	role := access.ResolveRole(doc, userID, email)
	if !role.CanView() {
		// A joined session re-requesting its own document and finding
		// access revoked leaves the room too: denial is a terminal
		// outcome, never a stale membership.
		if current != "" {
			c.detach(current)
		}
		c.sendEvent(LoadDocumentType, docID, LoadDocumentPayload{Error: "You do not have access to this document"})
		return
	}

	rejoin := current == docID

	c.mu.Lock()
	c.docID = docID
	c.role = role
	c.mu.Unlock()

	if !rejoin {
		c.hub.join(c, docID)
		first, err := c.hub.Presence.Join(c.hub.ctx, docID, c.presenceKey(), c.presenceInfo())
		if err != nil {
			logger.Sugar.Errorf("Presence join failed for %s in room %s: %v", c.presenceKey(), docID, err)
		} else if first {
			b, err := json.Marshal(c.presenceInfo())
			if err == nil {
				c.hub.Publish(docID, Event{Type: UserJoinedType, DocID: docID, Payload: b}, c.id)
			}
		}
	}

	presence, err := c.hub.Presence.Snapshot(c.hub.ctx, docID)
	if err != nil {
		logger.Sugar.Errorf("Presence snapshot failed for room %s: %v", docID, err)
	}

	c.sendEvent(LoadDocumentType, docID, LoadDocumentPayload{
		Content:  doc.Content,
		Title:    doc.Title,
		Role:     role,
		IsPublic: doc.IsPublic,
		Presence: presence,
	})
}

func (c *Client) leaveRoom(docID string) {
	c.hub.leave(c, docID)
	last, err := c.hub.Presence.Leave(c.hub.ctx, docID, c.presenceKey())
	if err != nil {
		logger.Sugar.Errorf("Presence leave failed for %s in room %s: %v", c.presenceKey(), docID, err)
		return
	}
	if last {
		if b, err := json.Marshal(c.presenceInfo()); err == nil {
			c.hub.Publish(docID, Event{Type: UserLeftType, DocID: docID, Payload: b}, c.id)
		}
	}
}

// detach releases room membership and clears the joined state so a
// later cleanup or relay cannot act on the departed room.
func (c *Client) detach(docID string) {
	c.leaveRoom(docID)
	c.mu.Lock()
	if c.docID == docID {
		c.docID = ""
		c.role = ""
	}
	c.mu.Unlock()
}

// handleSendChanges relays an edit delta verbatim to the rest of the
// room. The delta is opaque: no transformation, merging, or validation.
// The cached role gates the relay; the sender alone hears about a
// rejection.
func (c *Client) handleSendChanges(delta json.RawMessage) {
	docID, role := c.joinedDoc()
	if docID == "" {
		c.sendError("Join a document before sending changes")
		return
	}
	if !role.CanEdit() {
		logger.Sugar.Warnf("Blocked edit from connection %s (role %s) on doc %s", c.id, role, docID)
		c.sendError("You do not have permission to edit this document")
		return
	}
	c.hub.Publish(docID, Event{Type: ReceiveChanges, DocID: docID, Payload: delta}, c.id)
}

// handleSaveDocument persists the full content snapshot. This is the one
// path where the cached role is explicitly distrusted: the document is
// reloaded and the role recomputed before the write, so a permission
// change that happened mid-session cannot slip a stale editor role past
// the check. A rejected save leaves stored content untouched.
func (c *Client) handleSaveDocument(content json.RawMessage) {
	docID, _ := c.joinedDoc()
	if docID == "" {
		c.sendError("Join a document before saving")
		return
	}
	if len(content) == 0 || string(content) == "null" {
		c.sendError("Content cannot be empty")
		return
	}

	doc, err := c.repo.Get(docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to reload document %s before save: %v", docID, err)
		c.sendError("Failed to save document")
		return
	}

	userID, email := c.identityKeys()
	role := access.ResolveRole(doc, userID, email)
	c.swapRole(role)
	if !role.CanEdit() {
		logger.Sugar.Warnf("Blocked save from connection %s (role %s) on doc %s", c.id, role, docID)
		c.sendError("You do not have permission to save this document")
		return
	}

	if err := c.repo.UpdateContent(docID, content, userID); err != nil {
		c.sendError("Failed to save document")
	}
}

// handleRefreshRole recomputes the cached role from current stored
// state. No response payload: the updated role takes effect on the next
// action.
func (c *Client) handleRefreshRole() {
	docID, _ := c.joinedDoc()
	if docID == "" {
		return
	}
	doc, err := c.repo.Get(docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to reload document %s for role refresh: %v", docID, err)
		return
	}
	userID, email := c.identityKeys()
	c.swapRole(access.ResolveRole(doc, userID, email))
}

// handleCursor relays a cursor position to the room. Any joined role may
// move a cursor; the payload is opaque like an edit delta.
func (c *Client) handleCursor(payload json.RawMessage) {
	docID, _ := c.joinedDoc()
	if docID == "" {
		return
	}
	c.hub.Publish(docID, Event{Type: CursorType, DocID: docID, Payload: payload}, c.id)
}
