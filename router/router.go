package router

import (
	"database/sql"
	"net/http"
	"time"

	docHandler "docsy/internal/document"
	"docsy/internal/document/repository"
	"docsy/internal/document/service"
	"docsy/internal/identity"
	"docsy/internal/ratelimit"
	"docsy/middleware"
	"docsy/socket"

	"github.com/redis/go-redis/v9"
)

func Setup(db *sql.DB, rdb *redis.Client, hub *socket.Hub) http.Handler {
	mux := http.NewServeMux()

	resolver := identity.NewResolver(db)
	docRepo := repository.NewDocumentRepository(db)

	// WebSocket: identity is optional so guests can open public docs.
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := middleware.IdentityFrom(r.Context())
		socket.ServeWs(hub, docRepo, w, r, ident)
	})
	mux.Handle("/ws", middleware.AuthOptional(resolver)(wsHandler))

	// REST API
	limiter := ratelimit.NewLimiter(rdb, "ratelimit:invite", 20, time.Hour)
	docService := service.NewDocumentService(docRepo, hub, limiter)
	handler := docHandler.NewDocumentHandler(docService)
	auth := middleware.AuthRequired(resolver)

	mux.Handle("/api/documents/create", auth(http.HandlerFunc(handler.CreateDocument)))
	mux.Handle("/api/documents/delete", auth(http.HandlerFunc(handler.DeleteDocument)))
	mux.Handle("/api/documents/update", auth(http.HandlerFunc(handler.UpdateDocument)))
	mux.Handle("/api/documents", auth(http.HandlerFunc(handler.GetDocuments)))
	mux.Handle("/api/documents/invite", auth(http.HandlerFunc(handler.AddCollaborator)))
	mux.Handle("/api/documents/share", auth(http.HandlerFunc(handler.UpdateSharing)))
	mux.Handle("/api/documents/members", auth(http.HandlerFunc(handler.GetDocumentMembers)))
	mux.Handle("/api/documents/save", auth(http.HandlerFunc(handler.SaveDocument)))

	return middleware.CORSMiddleware(mux)
}
