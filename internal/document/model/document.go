package model

import (
	"encoding/json"
	"time"
)

// Collaborator is one entry in a document's sharing list. UserID is empty
// when the invitee had no account at invite time; such entries are matched
// by email until the account exists.
type Collaborator struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type Document struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Content        []byte         `json:"content"`
	OwnerID        string         `json:"owner_id"`
	IsPublic       bool           `json:"is_public"`
	Collaborators  []Collaborator `json:"collaborators"`
	LastModifiedBy string         `json:"last_modified_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SharingSettings is the unit the permission propagator works with: the
// full new sharing state of a document after an owner mutation.
type SharingSettings struct {
	OwnerID       string         `json:"owner_id"`
	IsPublic      bool           `json:"is_public"`
	Collaborators []Collaborator `json:"collaborators"`
}

type CollaboratorInfo struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
}

type DocumentMetadata struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	UpdatedAt time.Time          `json:"updated_at"`
	Snippet   string             `json:"snippet"`
	IsOwner   bool               `json:"is_owner"`
	Collab    []CollaboratorInfo `json:"collab"`
}

type CreateDocRequest struct {
	Title string `json:"title"`
}

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type UpdateDocRequest struct {
	Title string `json:"title"`
}

type InviteRequest struct {
	DocID string `json:"document_id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type ShareRequest struct {
	DocID         string          `json:"document_id"`
	IsPublic      *bool           `json:"is_public,omitempty"`
	Collaborators *[]Collaborator `json:"collaborators,omitempty"`
}

type SaveDocRequest struct {
	DocID   string          `json:"document_id"`
	Content json.RawMessage `json:"content"`
}
