// Package identity maps bearer credentials to internal user identities.
// Verification failure is never fatal: callers receive a guest (nil
// identity) so public-document viewing keeps working.
package identity

import (
	"database/sql"
	"fmt"
	"os"

	"docsy/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is a resolved internal user. A nil *Identity means guest.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

type Resolver struct {
	DB *sql.DB
}

func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{DB: db}
}

// Resolve verifies a bearer token and returns the identity, or nil for a
// guest. An empty token is a guest. An invalid token is logged and
// treated the same as no token at all.
func (r *Resolver) Resolve(tokenString string) *Identity {
	if tokenString == "" {
		return nil
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			return nil, fmt.Errorf("server is not configured to validate JWTs")
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		logger.Sugar.Warnf("Token verification failed, continuing as guest: %v", err)
		return nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		logger.Sugar.Warn("Token claims unreadable, continuing as guest")
		return nil
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		logger.Sugar.Warn("Token missing sub claim, continuing as guest")
		return nil
	}

	ident := &Identity{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		ident.Name = name
	}

	if err := r.ensureUser(ident); err != nil {
		logger.Sugar.Errorf("Failed to sync user %s: %v", ident.UserID, err)
	}
	return ident
}

// ensureUser lazily populates the users directory on first sight of an
// identity. The upsert makes concurrent first connections for the same
// subject converge on a single canonical row.
func (r *Resolver) ensureUser(ident *Identity) error {
	_, err := r.DB.Exec(`INSERT INTO users (id, email, name, created_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name`,
		ident.UserID, ident.Email, ident.Name)
	return err
}

// LookupEmail returns the directory email for a user id, or "" when the
// user has no row yet.
func (r *Resolver) LookupEmail(userID string) string {
	var email string
	err := r.DB.QueryRow("SELECT email FROM users WHERE id = $1", userID).Scan(&email)
	if err != nil {
		if err != sql.ErrNoRows {
			logger.Sugar.Errorf("Failed to look up email for user %s: %v", userID, err)
		}
		return ""
	}
	return email
}
