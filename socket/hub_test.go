package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docsy/internal/access"
	"docsy/internal/document/model"
	"docsy/internal/document/repository"
	"docsy/internal/identity"
	"docsy/pkg/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init()
}

type testEnv struct {
	hub    *Hub
	mock   sqlmock.Sqlmock
	server *httptest.Server
	wsURL  string
}

func newTestEnv(t *testing.T) *testEnv {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hub := NewHub(rdb)
	go hub.Run()
	t.Cleanup(hub.Close)

	repo := repository.NewDocumentRepository(db)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Tests pass the identity in the query string instead of a JWT.
		var ident *identity.Identity
		if uid := r.URL.Query().Get("user_id"); uid != "" {
			ident = &identity.Identity{
				UserID: uid,
				Email:  r.URL.Query().Get("email"),
				Name:   r.URL.Query().Get("name"),
			}
		}
		ServeWs(hub, repo, w, r, ident)
	}))
	t.Cleanup(server.Close)

	return &testEnv{
		hub:    hub,
		mock:   mock,
		server: server,
		wsURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (e *testEnv) connect(t *testing.T, userID, email string) *websocket.Conn {
	url := e.wsURL + "/ws"
	if userID != "" {
		url += "?user_id=" + userID + "&email=" + email
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to connect as %q", userID)
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, evt Event) {
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	var evt Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, p, err := conn.ReadMessage()
	require.NoError(t, err, "failed to read event")
	require.NoError(t, json.Unmarshal(p, &evt))
	return evt
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, p, err := conn.ReadMessage()
	require.Error(t, err, "expected silence, got event: %s", p)
}

// docColumns matches the repository's document select.
func docRows(content, ownerID string, isPublic bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"title", "content", "owner_id", "is_public", "last_modified_by", "created_at", "updated_at"}).
		AddRow("Test Doc", []byte(content), ownerID, isPublic, nil, now, now)
}

func (e *testEnv) expectLoad(docID, content, ownerID string, isPublic bool, collabs ...model.Collaborator) {
	e.mock.ExpectQuery("SELECT title, content, owner_id, is_public, last_modified_by, created_at, updated_at FROM documents").
		WithArgs(docID).
		WillReturnRows(docRows(content, ownerID, isPublic))

	rows := sqlmock.NewRows([]string{"user_id", "email", "role"})
	for _, c := range collabs {
		rows.AddRow(c.UserID, c.Email, c.Role)
	}
	e.mock.ExpectQuery("email, role FROM collaborators WHERE document_id").
		WithArgs(docID).
		WillReturnRows(rows)
}

func loadPayload(t *testing.T, evt Event) LoadDocumentPayload {
	t.Helper()
	require.Equal(t, LoadDocumentType, evt.Type)
	var payload LoadDocumentPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	return payload
}

func joinDocument(t *testing.T, conn *websocket.Conn, docID string) LoadDocumentPayload {
	t.Helper()
	sendEvent(t, conn, Event{Type: GetDocumentType, DocID: docID})
	payload := loadPayload(t, readEvent(t, conn))
	require.Empty(t, payload.Error)
	return payload
}

func TestGuestViewsPublicDocument(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-public"
	content := `{"ops":[{"insert":"Hello World"}]}`
	env.expectLoad(docID, content, "owner-1", true)

	guest := env.connect(t, "", "")
	defer guest.Close()

	payload := joinDocument(t, guest, docID)
	assert.Equal(t, access.RoleViewer, payload.Role)
	assert.JSONEq(t, content, string(payload.Content))
	assert.True(t, payload.IsPublic)
	assert.Len(t, payload.Presence, 1, "the guest itself is present")

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestGuestDeniedOnPrivateDocument(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-private"
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false)

	guest := env.connect(t, "", "")
	defer guest.Close()

	sendEvent(t, guest, Event{Type: GetDocumentType, DocID: docID})
	payload := loadPayload(t, readEvent(t, guest))
	assert.NotEmpty(t, payload.Error)
	assert.Empty(t, payload.Role)

	// The session never joined a room, so edits have nowhere to go.
	sendEvent(t, guest, Event{Type: SendChangesType, Payload: json.RawMessage(`{"ops":[]}`)})
	evt := readEvent(t, guest)
	assert.Equal(t, ErrorType, evt.Type)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestViewerEditRejectedWithoutBroadcast(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	viewerEntry := model.Collaborator{UserID: "viewer-1", Email: "viewer@example.com", Role: "viewer"}

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, viewerEntry)
	owner := env.connect(t, "owner-1", "owner@example.com")
	defer owner.Close()
	ownerLoad := joinDocument(t, owner, docID)
	require.Equal(t, access.RoleOwner, ownerLoad.Role)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, viewerEntry)
	viewer := env.connect(t, "viewer-1", "viewer@example.com")
	defer viewer.Close()
	viewerLoad := joinDocument(t, viewer, docID)
	require.Equal(t, access.RoleViewer, viewerLoad.Role)

	// The owner hears about the viewer joining.
	joined := readEvent(t, owner)
	assert.Equal(t, UserJoinedType, joined.Type)

	// The viewer's edit is rejected to the sender only.
	sendEvent(t, viewer, Event{Type: SendChangesType, Payload: json.RawMessage(`{"ops":[{"insert":"x"}]}`)})
	evt := readEvent(t, viewer)
	assert.Equal(t, ErrorType, evt.Type)
	expectNoEvent(t, owner)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestEditorRelayPreservesSenderOrder(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	collabs := []model.Collaborator{
		{UserID: "editor-a", Email: "a@example.com", Role: "editor"},
		{UserID: "editor-b", Email: "b@example.com", Role: "editor"},
	}

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, collabs...)
	connA := env.connect(t, "editor-a", "a@example.com")
	defer connA.Close()
	joinDocument(t, connA, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, collabs...)
	connB := env.connect(t, "editor-b", "b@example.com")
	defer connB.Close()
	joinDocument(t, connB, docID)

	require.Equal(t, UserJoinedType, readEvent(t, connA).Type)

	delta1 := `{"ops":[{"insert":"one"}]}`
	delta2 := `{"ops":[{"retain":3},{"insert":"two"}]}`
	sendEvent(t, connA, Event{Type: SendChangesType, Payload: json.RawMessage(delta1)})
	sendEvent(t, connA, Event{Type: SendChangesType, Payload: json.RawMessage(delta2)})

	// B receives A's deltas verbatim, in emission order.
	first := readEvent(t, connB)
	assert.Equal(t, ReceiveChanges, first.Type)
	assert.JSONEq(t, delta1, string(first.Payload))
	second := readEvent(t, connB)
	assert.Equal(t, ReceiveChanges, second.Type)
	assert.JSONEq(t, delta2, string(second.Payload))

	// Relay works the other way, and the sender never hears its own delta.
	delta3 := `{"ops":[{"insert":"three"}]}`
	sendEvent(t, connB, Event{Type: SendChangesType, Payload: json.RawMessage(delta3)})
	third := readEvent(t, connA)
	assert.Equal(t, ReceiveChanges, third.Type)
	assert.JSONEq(t, delta3, string(third.Payload))
	expectNoEvent(t, connB)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSaveDistrustsCachedRole(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"

	// Joins as editor...
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false,
		model.Collaborator{UserID: "user-x", Email: "x@example.com", Role: "editor"})
	conn := env.connect(t, "user-x", "x@example.com")
	defer conn.Close()
	payload := joinDocument(t, conn, docID)
	require.Equal(t, access.RoleEditor, payload.Role)

	// ...but by save time the stored role is viewer. The save path
	// reloads and recomputes, so the stale editor cache never wins and
	// no UPDATE reaches the store.
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false,
		model.Collaborator{UserID: "user-x", Email: "x@example.com", Role: "viewer"})
	sendEvent(t, conn, Event{Type: SaveDocumentType, Payload: json.RawMessage(`{"ops":[{"insert":"sneaky"}]}`)})

	evt := readEvent(t, conn)
	assert.Equal(t, ErrorType, evt.Type)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	saved := `{"ops":[{"insert":"persisted state"}]}`

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false)
	owner := env.connect(t, "owner-1", "owner@example.com")
	defer owner.Close()
	joinDocument(t, owner, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false)
	env.mock.ExpectExec("UPDATE documents SET content").
		WithArgs([]byte(saved), "owner-1", docID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sendEvent(t, owner, Event{Type: SaveDocumentType, Payload: json.RawMessage(saved)})

	// A fresh connection loads exactly what was saved.
	env.expectLoad(docID, saved, "owner-1", false)
	reader := env.connect(t, "owner-1", "owner@example.com")
	defer reader.Close()
	payload := joinDocument(t, reader, docID)
	assert.Equal(t, saved, string(payload.Content))

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestPresenceDeduplicatesSameIdentity(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	first := env.connect(t, "user-1", "one@example.com")
	defer first.Close()
	joinDocument(t, first, docID)

	// A second tab from the same identity: no duplicate entry.
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	second := env.connect(t, "user-1", "one@example.com")
	defer second.Close()
	payload := joinDocument(t, second, docID)
	assert.Len(t, payload.Presence, 1)
	assert.Equal(t, "user-1", payload.Presence[0].UserID)

	// A different identity does grow the set.
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	other := env.connect(t, "user-2", "two@example.com")
	defer other.Close()
	otherPayload := joinDocument(t, other, docID)
	assert.Len(t, otherPayload.Presence, 2)

	// The first tab's next event is user-2's join: the second tab of
	// user-1 never produced an announcement.
	joined := readEvent(t, first)
	require.Equal(t, UserJoinedType, joined.Type)
	var info PresenceInfo
	require.NoError(t, json.Unmarshal(joined.Payload, &info))
	assert.Equal(t, "user-2", info.UserID)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestUserLeftOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	stayer := env.connect(t, "user-1", "one@example.com")
	defer stayer.Close()
	joinDocument(t, stayer, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	leaver := env.connect(t, "user-2", "two@example.com")
	joinDocument(t, leaver, docID)
	require.Equal(t, UserJoinedType, readEvent(t, stayer).Type)

	leaver.Close()

	left := readEvent(t, stayer)
	assert.Equal(t, UserLeftType, left.Type)
	var info PresenceInfo
	require.NoError(t, json.Unmarshal(left.Payload, &info))
	assert.Equal(t, "user-2", info.UserID)
}

func TestPermissionChangePropagation(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	editorEntry := model.Collaborator{UserID: "user-x", Email: "x@example.com", Role: "editor"}
	viewerEntry := model.Collaborator{UserID: "user-x", Email: "x@example.com", Role: "viewer"}

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, editorEntry)
	owner := env.connect(t, "owner-1", "owner@example.com")
	defer owner.Close()
	joinDocument(t, owner, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, editorEntry)
	collab := env.connect(t, "user-x", "x@example.com")
	defer collab.Close()
	payload := joinDocument(t, collab, docID)
	require.Equal(t, access.RoleEditor, payload.Role)
	require.Equal(t, UserJoinedType, readEvent(t, owner).Type)

	// Owner downgrades X to viewer. X's first event must be the
	// targeted role change; the room-wide broadcast strictly follows.
	env.hub.PublishPermissionChange(docID, model.SharingSettings{
		OwnerID:       "owner-1",
		IsPublic:      false,
		Collaborators: []model.Collaborator{viewerEntry},
	}, "owner@example.com")

	evt := readEvent(t, collab)
	require.Equal(t, RoleChangedType, evt.Type)
	var change RoleChangedPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &change))
	assert.Equal(t, access.RoleEditor, change.OldRole)
	assert.Equal(t, access.RoleViewer, change.NewRole)
	assert.Equal(t, "owner@example.com", change.UpdatedBy)

	assert.Equal(t, PermissionsUpdatedType, readEvent(t, collab).Type)

	// The owner's role did not change: broadcast only.
	assert.Equal(t, PermissionsUpdatedType, readEvent(t, owner).Type)

	// The downgraded session can no longer edit. If the rejected edit
	// had leaked, the owner would see a receive-changes before the
	// upgrade broadcast below.
	sendEvent(t, collab, Event{Type: SendChangesType, Payload: json.RawMessage(`{"ops":[]}`)})
	assert.Equal(t, ErrorType, readEvent(t, collab).Type)

	// Owner upgrades X back to editor.
	env.hub.PublishPermissionChange(docID, model.SharingSettings{
		OwnerID:       "owner-1",
		IsPublic:      false,
		Collaborators: []model.Collaborator{editorEntry},
	}, "owner@example.com")

	evt = readEvent(t, collab)
	require.Equal(t, RoleChangedType, evt.Type)
	require.NoError(t, json.Unmarshal(evt.Payload, &change))
	assert.Equal(t, access.RoleViewer, change.OldRole)
	assert.Equal(t, access.RoleEditor, change.NewRole)
	assert.Equal(t, PermissionsUpdatedType, readEvent(t, collab).Type)
	assert.Equal(t, PermissionsUpdatedType, readEvent(t, owner).Type)

	// After an explicit refresh the next edit goes through and reaches
	// the rest of the room.
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, editorEntry)
	sendEvent(t, collab, Event{Type: RefreshRoleType})

	delta := `{"ops":[{"insert":"back"}]}`
	sendEvent(t, collab, Event{Type: SendChangesType, Payload: json.RawMessage(delta)})
	received := readEvent(t, owner)
	assert.Equal(t, ReceiveChanges, received.Type)
	assert.JSONEq(t, delta, string(received.Payload))

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRevocationNotifiesSession(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	viewerEntry := model.Collaborator{UserID: "user-x", Email: "x@example.com", Role: "viewer"}

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, viewerEntry)
	collab := env.connect(t, "user-x", "x@example.com")
	defer collab.Close()
	joinDocument(t, collab, docID)

	// The owner removes X entirely from a private document.
	env.hub.PublishPermissionChange(docID, model.SharingSettings{
		OwnerID:  "owner-1",
		IsPublic: false,
	}, "owner@example.com")

	evt := readEvent(t, collab)
	require.Equal(t, RoleChangedType, evt.Type)
	var change RoleChangedPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &change))
	assert.Equal(t, access.RoleViewer, change.OldRole)
	assert.Equal(t, access.RoleNone, change.NewRole)

	assert.Equal(t, PermissionsUpdatedType, readEvent(t, collab).Type)
}

func TestDeniedSwitchDetachesFromOldRoom(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	collabs := []model.Collaborator{
		{UserID: "user-w", Email: "w@example.com", Role: "viewer"},
		{UserID: "user-x", Email: "x@example.com", Role: "editor"},
	}

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, collabs...)
	watcher := env.connect(t, "user-w", "w@example.com")
	defer watcher.Close()
	joinDocument(t, watcher, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, collabs...)
	switcher := env.connect(t, "user-x", "x@example.com")
	joinDocument(t, switcher, docID)
	require.Equal(t, UserJoinedType, readEvent(t, watcher).Type)

	// Switching to a document the caller cannot view leaves the old
	// room behind for good: exactly one departure, and the session no
	// longer belongs anywhere.
	env.expectLoad("doc-2", `{"ops":[]}`, "stranger-1", false)
	sendEvent(t, switcher, Event{Type: GetDocumentType, DocID: "doc-2"})
	payload := loadPayload(t, readEvent(t, switcher))
	assert.NotEmpty(t, payload.Error)

	left := readEvent(t, watcher)
	require.Equal(t, UserLeftType, left.Type)
	var info PresenceInfo
	require.NoError(t, json.Unmarshal(left.Payload, &info))
	assert.Equal(t, "user-x", info.UserID)

	// The stale editor role from doc-1 must not keep relaying there.
	sendEvent(t, switcher, Event{Type: SendChangesType, Payload: json.RawMessage(`{"ops":[{"insert":"ghost"}]}`)})
	assert.Equal(t, ErrorType, readEvent(t, switcher).Type)

	// Disconnecting the detached session must not release doc-1 again.
	switcher.Close()
	time.Sleep(100 * time.Millisecond)

	snapshot, err := env.hub.Presence.Snapshot(env.hub.ctx, docID)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "user-w", snapshot[0].UserID)

	expectNoEvent(t, watcher)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestDeniedRejoinAfterRevocationDetaches(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"
	editorEntry := model.Collaborator{UserID: "user-x", Email: "x@example.com", Role: "editor"}

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, editorEntry)
	owner := env.connect(t, "owner-1", "owner@example.com")
	defer owner.Close()
	joinDocument(t, owner, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false, editorEntry)
	collab := env.connect(t, "user-x", "x@example.com")
	defer collab.Close()
	joinDocument(t, collab, docID)
	require.Equal(t, UserJoinedType, readEvent(t, owner).Type)

	// By the next request the store no longer lists X. Re-requesting
	// the joined document is denied and ends the membership too.
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", false)
	sendEvent(t, collab, Event{Type: GetDocumentType, DocID: docID})
	payload := loadPayload(t, readEvent(t, collab))
	assert.NotEmpty(t, payload.Error)

	left := readEvent(t, owner)
	require.Equal(t, UserLeftType, left.Type)
	var info PresenceInfo
	require.NoError(t, json.Unmarshal(left.Payload, &info))
	assert.Equal(t, "user-x", info.UserID)

	// The pre-revocation editor role is gone with the membership.
	sendEvent(t, collab, Event{Type: SendChangesType, Payload: json.RawMessage(`{"ops":[{"insert":"ghost"}]}`)})
	assert.Equal(t, ErrorType, readEvent(t, collab).Type)
	expectNoEvent(t, owner)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRejoinSameDocumentIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	docID := "doc-1"

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	first := env.connect(t, "user-1", "one@example.com")
	defer first.Close()
	joinDocument(t, first, docID)

	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	second := env.connect(t, "user-2", "two@example.com")
	defer second.Close()
	joinDocument(t, second, docID)
	require.Equal(t, UserJoinedType, readEvent(t, first).Type)

	// Re-requesting the joined document re-sends the snapshot but does
	// not re-announce or duplicate presence.
	env.expectLoad(docID, `{"ops":[]}`, "owner-1", true)
	payload := joinDocument(t, second, docID)
	assert.Len(t, payload.Presence, 2)
	expectNoEvent(t, first)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}
