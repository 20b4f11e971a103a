package repository

import (
	"database/sql"
	"encoding/json"
	"strings"

	"docsy/internal/document/model"
	"docsy/pkg/logger"
)

const emptyContent = `{"ops":[]}`

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

// Get loads a document together with its collaborator list. Returns
// sql.ErrNoRows when no backing record exists.
func (r *DocumentRepository) Get(docID string) (*model.Document, error) {
	doc := &model.Document{ID: docID}
	var lastModifiedBy sql.NullString
	err := r.DB.QueryRow(
		`SELECT title, content, owner_id, is_public, last_modified_by, created_at, updated_at FROM documents WHERE id = $1`,
		docID,
	).Scan(&doc.Title, &doc.Content, &doc.OwnerID, &doc.IsPublic, &lastModifiedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			logger.Sugar.Errorf("Failed to load document %s: %v", docID, err)
		}
		return nil, err
	}
	doc.LastModifiedBy = lastModifiedBy.String

	collabs, err := r.collaborators(docID)
	if err != nil {
		return nil, err
	}
	doc.Collaborators = collabs
	return doc, nil
}

// FindOrCreate loads a document, lazily creating an empty one when the id
// has no backing record yet. Open-by-id flows depend on this: a brand-new
// document id must resolve rather than error. The insert tolerates a
// concurrent create of the same id and re-reads the winner.
func (r *DocumentRepository) FindOrCreate(docID, ownerID, title string) (*model.Document, error) {
	doc, err := r.Get(docID)
	if err == nil {
		return doc, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	if title == "" {
		title = "Untitled Document"
	}
	_, err = r.DB.Exec(
		`INSERT INTO documents (id, title, content, owner_id, is_public, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, false, NOW(), NOW()) ON CONFLICT (id) DO NOTHING`,
		docID, title, emptyContent, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to create document %s: %v", docID, err)
		return nil, err
	}
	return r.Get(docID)
}

func (r *DocumentRepository) collaborators(docID string) ([]model.Collaborator, error) {
	rows, err := r.DB.Query(
		"SELECT COALESCE(user_id, ''), email, role FROM collaborators WHERE document_id = $1 ORDER BY email",
		docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to load collaborators for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	var collabs []model.Collaborator
	for rows.Next() {
		var c model.Collaborator
		if err := rows.Scan(&c.UserID, &c.Email, &c.Role); err != nil {
			continue
		}
		collabs = append(collabs, c)
	}
	return collabs, rows.Err()
}

// UpdateContent overwrites the stored content in full. There is no
// version check: the last write wins when two saves race.
func (r *DocumentRepository) UpdateContent(docID string, content []byte, modifiedBy string) error {
	_, err := r.DB.Exec(
		`UPDATE documents SET content = $1, last_modified_by = $2, updated_at = NOW() WHERE id = $3`,
		content, modifiedBy, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update content for doc %s: %v", docID, err)
	}
	return err
}

func (r *DocumentRepository) UpdateTitle(docID, title, ownerID string) (int64, error) {
	result, err := r.DB.Exec(
		"UPDATE documents SET title = $1, updated_at = NOW() WHERE id = $2 AND owner_id = $3",
		title, docID, ownerID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update title for doc %s: %v", docID, err)
		return 0, err
	}
	return result.RowsAffected()
}

// SetPublic flips the public flag.
func (r *DocumentRepository) SetPublic(docID string, isPublic bool) error {
	_, err := r.DB.Exec("UPDATE documents SET is_public = $1, updated_at = NOW() WHERE id = $2", isPublic, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to set public flag for doc %s: %v", docID, err)
	}
	return err
}

// ReplaceCollaborators swaps the full collaborator list inside one
// transaction so readers never observe a half-applied sharing change.
func (r *DocumentRepository) ReplaceCollaborators(docID string, collabs []model.Collaborator) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM collaborators WHERE document_id = $1", docID); err != nil {
		logger.Sugar.Errorf("Failed to clear collaborators for doc %s: %v", docID, err)
		return err
	}
	for _, c := range collabs {
		var userID interface{}
		if c.UserID != "" {
			userID = c.UserID
		}
		if _, err := tx.Exec(
			"INSERT INTO collaborators (document_id, user_id, email, role) VALUES ($1, $2, $3, $4)",
			docID, userID, c.Email, c.Role); err != nil {
			logger.Sugar.Errorf("Failed to insert collaborator %s for doc %s: %v", c.Email, docID, err)
			return err
		}
	}
	return tx.Commit()
}

// UpsertCollaborator adds one entry or updates its role in place.
func (r *DocumentRepository) UpsertCollaborator(docID string, c model.Collaborator) error {
	var userID interface{}
	if c.UserID != "" {
		userID = c.UserID
	}
	_, err := r.DB.Exec(`INSERT INTO collaborators (document_id, user_id, email, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, email) DO UPDATE SET user_id = $2, role = $4`,
		docID, userID, c.Email, c.Role)
	if err != nil {
		logger.Sugar.Errorf("Failed to add collaborator %s to doc %s: %v", c.Email, docID, err)
	}
	return err
}

func (r *DocumentRepository) Delete(docID string) error {
	_, err := r.DB.Exec("DELETE FROM documents WHERE id = $1", docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete doc %s: %v", docID, err)
	}
	return err
}

// GetUserByEmail resolves a directory email to a user id, for linking
// collaborator entries invited by email.
func (r *DocumentRepository) GetUserByEmail(email string) (string, error) {
	var userID string
	err := r.DB.QueryRow("SELECT id FROM users WHERE LOWER(email) = LOWER($1)", email).Scan(&userID)
	if err != nil && err != sql.ErrNoRows {
		logger.Sugar.Errorf("Failed to get user by email %s: %v", email, err)
	}
	return userID, err
}

func (r *DocumentRepository) GetDocumentsByUser(userID string) ([]model.DocumentMetadata, error) {
	query := `
		SELECT id, title, updated_at, content, owner_id FROM documents WHERE owner_id = $1
		UNION
		SELECT d.id, d.title, d.updated_at, d.content, d.owner_id FROM documents d JOIN collaborators c ON d.id = c.document_id WHERE c.user_id = $1
		ORDER BY updated_at DESC`
	rows, err := r.DB.Query(query, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get documents for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	var docs []model.DocumentMetadata
	for rows.Next() {
		var doc model.DocumentMetadata
		var content []byte
		var ownerID string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.UpdatedAt, &content, &ownerID); err != nil {
			continue
		}
		doc.IsOwner = (ownerID == userID)
		doc.Snippet = snippetFromContent(content)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetDocumentMembers lists the owner plus every collaborator with their
// directory display info, for the members/share UI.
func (r *DocumentRepository) GetDocumentMembers(docID string) ([]model.CollaboratorInfo, error) {
	query := `
		SELECT u.id, u.email, u.name, 'owner' AS role FROM documents d JOIN users u ON d.owner_id = u.id WHERE d.id = $1
		UNION ALL
		SELECT COALESCE(c.user_id, ''), c.email, COALESCE(u.name, ''), c.role
		FROM collaborators c LEFT JOIN users u ON c.user_id = u.id WHERE c.document_id = $1`
	rows, err := r.DB.Query(query, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get document members for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	var members []model.CollaboratorInfo
	for rows.Next() {
		var m model.CollaboratorInfo
		if err := rows.Scan(&m.ID, &m.Email, &m.Name, &m.Role); err == nil {
			members = append(members, m)
		}
	}
	return members, rows.Err()
}

func snippetFromContent(content []byte) string {
	type quillOp struct {
		Insert interface{} `json:"insert"`
	}
	var delta struct {
		Ops []quillOp `json:"ops"`
	}
	if err := json.Unmarshal(content, &delta); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, op := range delta.Ops {
		if str, ok := op.Insert.(string); ok {
			sb.WriteString(str)
		}
		if sb.Len() > 100 {
			break
		}
	}
	res := strings.TrimSpace(sb.String())
	res = strings.ReplaceAll(res, "\n", " ")
	if len(res) > 100 {
		return res[:100] + "..."
	}
	return res
}
