package socket

import (
	"encoding/json"

	"docsy/internal/access"
	"docsy/internal/document/model"
)

// Protocol event types. Client-to-server events carry an opaque payload
// the server either acts on or relays verbatim; server-to-client events
// carry structured payloads defined below.
const (
	GetDocumentType  = "get-document"  // client requests a document snapshot
	LoadDocumentType = "load-document" // server reply: snapshot + role, or error
	SendChangesType  = "send-changes"  // client emits an edit delta
	ReceiveChanges   = "receive-changes"
	SaveDocumentType = "save-document" // client persists the full content
	RefreshRoleType  = "refresh-role"  // client asks for a role recompute
	CursorType       = "cursor"        // cursor position, relayed opaquely

	UserJoinedType         = "user-joined"
	UserLeftType           = "user-left"
	RoleChangedType        = "collaborator-role-changed"
	PermissionsUpdatedType = "permissions-updated"
	ErrorType              = "error"
)

// Event is the wire envelope for every protocol message in both
// directions.
type Event struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PresenceInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

type LoadDocumentPayload struct {
	Content  json.RawMessage `json:"content,omitempty"`
	Title    string          `json:"title,omitempty"`
	Role     access.Role     `json:"role,omitempty"`
	IsPublic bool            `json:"is_public,omitempty"`
	Presence []PresenceInfo  `json:"presence,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type RoleChangedPayload struct {
	UserID    string      `json:"user_id,omitempty"`
	Email     string      `json:"email,omitempty"`
	OldRole   access.Role `json:"old_role"`
	NewRole   access.Role `json:"new_role"`
	UpdatedBy string      `json:"updated_by"`
}

type PermissionsUpdatedPayload struct {
	IsPublic      bool                 `json:"is_public"`
	Collaborators []model.Collaborator `json:"collaborators"`
	UpdatedBy     string               `json:"updated_by"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newEvent(eventType, docID string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Event{Type: eventType, DocID: docID, Payload: raw})
}
