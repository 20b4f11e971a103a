// Package access computes effective document roles. Role resolution is a
// pure function of the document's current sharing state and is recomputed
// on every check rather than cached across permission changes.
package access

import (
	"strings"

	"docsy/internal/document/model"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// CanEdit reports whether the role permits mutating document content.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanView reports whether the role permits reading the document at all.
func (r Role) CanView() bool {
	return r != RoleNone && r != ""
}

// Normalize maps an arbitrary stored string to a valid collaborator role.
// Unknown values degrade to viewer, never escalate.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// ResolveRole computes the effective role of (userID, email) on doc.
// Order matters: owner wins over any collaborator entry, collaborator
// entries win over the public flag. A collaborator entry matches on
// user id first; entries invited by email before the invitee had an
// account carry no user id and match on case-insensitive email instead.
// Guests pass empty userID and email.
func ResolveRole(doc *model.Document, userID, email string) Role {
	if doc == nil {
		return RoleNone
	}
	if userID != "" && doc.OwnerID == userID {
		return RoleOwner
	}
	if userID != "" || email != "" {
		for _, c := range doc.Collaborators {
			if userID != "" && c.UserID == userID {
				return Normalize(c.Role)
			}
			if email != "" && c.UserID == "" && strings.EqualFold(c.Email, email) {
				return Normalize(c.Role)
			}
		}
	}
	if doc.IsPublic {
		return RoleViewer
	}
	return RoleNone
}
