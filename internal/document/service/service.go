package service

import (
	"context"
	"errors"
	"strings"

	"docsy/internal/access"
	"docsy/internal/document/model"
	"docsy/internal/document/repository"
	"docsy/internal/identity"
	"docsy/internal/ratelimit"
	"docsy/socket"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("too many invitations, try again later")
)

type DocumentService struct {
	Repo    *repository.DocumentRepository
	Hub     *socket.Hub
	Limiter *ratelimit.Limiter
}

func NewDocumentService(repo *repository.DocumentRepository, hub *socket.Hub, limiter *ratelimit.Limiter) *DocumentService {
	return &DocumentService{Repo: repo, Hub: hub, Limiter: limiter}
}

func (s *DocumentService) CreateDocument(ident *identity.Identity, title string) (string, error) {
	docID := uuid.NewString()
	if title == "" {
		title = "Untitled Document"
	}
	_, err := s.Repo.FindOrCreate(docID, ident.UserID, title)
	return docID, err
}

// SaveDocument is the REST variant of snapshot persistence. Like the
// socket path it recomputes the role from current stored state before
// writing, then pushes the saved content to connected clients.
func (s *DocumentService) SaveDocument(ident *identity.Identity, req model.SaveDocRequest) error {
	doc, err := s.Repo.Get(req.DocID)
	if err != nil {
		return err
	}
	role := access.ResolveRole(doc, ident.UserID, ident.Email)
	if !role.CanEdit() {
		return ErrUnauthorized
	}

	if err := s.Repo.UpdateContent(req.DocID, req.Content, ident.UserID); err != nil {
		return err
	}

	s.Hub.Publish(req.DocID, socket.Event{
		Type:    socket.ReceiveChanges,
		DocID:   req.DocID,
		Payload: req.Content,
	}, "")
	return nil
}

func (s *DocumentService) DeleteDocument(docID string, ident *identity.Identity) error {
	doc, err := s.Repo.Get(docID)
	if err != nil {
		return err
	}
	if doc.OwnerID != ident.UserID {
		return ErrUnauthorized
	}

	if err := s.Repo.Delete(docID); err != nil {
		return err
	}
	s.Hub.PublishDocumentRemoved(docID)
	return nil
}

func (s *DocumentService) UpdateTitle(docID string, ident *identity.Identity, title string) error {
	rowsAffected, err := s.Repo.UpdateTitle(docID, title, ident.UserID)
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return errors.New("document not found or unauthorized")
	}
	return nil
}

// InviteCollaborator adds or updates a single sharing entry. Owner-only,
// throttled per inviter through the shared Redis counter so the limit
// holds across workers. The entry links to a user id when the email
// already has an account; otherwise it stays email-keyed until signup.
func (s *DocumentService) InviteCollaborator(ctx context.Context, ident *identity.Identity, req model.InviteRequest) error {
	doc, err := s.Repo.Get(req.DocID)
	if err != nil {
		return err
	}
	if doc.OwnerID != ident.UserID {
		return ErrUnauthorized
	}

	allowed, err := s.Limiter.Allow(ctx, ident.UserID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrRateLimited
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return errors.New("email is required")
	}
	// The owner never appears in the collaborator list.
	if strings.EqualFold(email, ident.Email) {
		return errors.New("owner cannot be invited as a collaborator")
	}

	entry := model.Collaborator{Email: email, Role: string(access.Normalize(req.Role))}
	if userID, err := s.Repo.GetUserByEmail(email); err == nil {
		entry.UserID = userID
	}

	if err := s.Repo.UpsertCollaborator(req.DocID, entry); err != nil {
		return err
	}
	return s.propagate(req.DocID, ident)
}

// UpdateSharing applies an owner's sharing-settings mutation (public
// flag and/or full collaborator list) and propagates the new settings to
// every live session in the room.
func (s *DocumentService) UpdateSharing(ident *identity.Identity, req model.ShareRequest) error {
	doc, err := s.Repo.Get(req.DocID)
	if err != nil {
		return err
	}
	if doc.OwnerID != ident.UserID {
		return ErrUnauthorized
	}

	if req.IsPublic != nil {
		if err := s.Repo.SetPublic(req.DocID, *req.IsPublic); err != nil {
			return err
		}
	}
	if req.Collaborators != nil {
		collabs := make([]model.Collaborator, 0, len(*req.Collaborators))
		for _, c := range *req.Collaborators {
			c.Email = strings.ToLower(strings.TrimSpace(c.Email))
			if c.Email == "" {
				continue
			}
			if c.UserID == "" {
				if userID, err := s.Repo.GetUserByEmail(c.Email); err == nil {
					c.UserID = userID
				}
			}
			// The owner never appears in the collaborator list, however
			// the entry was keyed.
			if c.UserID == doc.OwnerID {
				continue
			}
			c.Role = string(access.Normalize(c.Role))
			collabs = append(collabs, c)
		}
		if err := s.Repo.ReplaceCollaborators(req.DocID, collabs); err != nil {
			return err
		}
	}
	return s.propagate(req.DocID, ident)
}

// propagate re-reads the document and announces its current sharing
// state on the backplane.
func (s *DocumentService) propagate(docID string, ident *identity.Identity) error {
	doc, err := s.Repo.Get(docID)
	if err != nil {
		return err
	}
	updatedBy := ident.Email
	if updatedBy == "" {
		updatedBy = ident.UserID
	}
	s.Hub.PublishPermissionChange(docID, model.SharingSettings{
		OwnerID:       doc.OwnerID,
		IsPublic:      doc.IsPublic,
		Collaborators: doc.Collaborators,
	}, updatedBy)
	return nil
}

func (s *DocumentService) GetDocuments(ident *identity.Identity) ([]model.DocumentMetadata, error) {
	docs, err := s.Repo.GetDocumentsByUser(ident.UserID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		members, _ := s.Repo.GetDocumentMembers(docs[i].ID)
		if members == nil {
			members = []model.CollaboratorInfo{}
		}
		docs[i].Collab = members
	}
	return docs, nil
}

func (s *DocumentService) GetDocumentMembers(docID string, ident *identity.Identity) ([]model.CollaboratorInfo, error) {
	doc, err := s.Repo.Get(docID)
	if err != nil {
		return nil, err
	}
	role := access.ResolveRole(doc, ident.UserID, ident.Email)
	if !role.CanView() {
		return nil, ErrUnauthorized
	}
	return s.Repo.GetDocumentMembers(docID)
}
