package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/config"
	"github.com/npezzotti/pilgrim-chat/internal/database"
	"github.com/npezzotti/pilgrim-chat/internal/storage"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

// Realtime accepts upgraded websocket connections.
type Realtime interface {
	ServeClient(member types.Member, conn *websocket.Conn)
}

type ChatApp struct {
	log            *log.Logger
	db             database.Repository
	svc            *chat.Service
	rt             Realtime
	blobs          storage.BlobStore
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
	maxUploadBytes int64
}

func NewChatApp(mux *http.ServeMux, logger *log.Logger, rt Realtime, db database.Repository, svc *chat.Service, blobs storage.BlobStore, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		svc:            svc,
		rt:             rt,
		blobs:          blobs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		maxUploadBytes: cfg.MaxUploadBytes,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/login", s.limitJsonBody(s.login))
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("PUT /api/account", s.authMiddleware(s.limitJsonBody(s.updateAccount)))
	mux.HandleFunc("GET /api/members/{id}", s.authMiddleware(s.getMember))
	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.HandleFunc("POST /api/conversations", s.authMiddleware(s.limitJsonBody(s.startConversation)))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.authMiddleware(s.limitJsonBody(s.sendMessage)))
	mux.HandleFunc("POST /api/conversations/{id}/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("PATCH /api/messages/{id}", s.authMiddleware(s.limitJsonBody(s.editMessage)))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.HandleFunc("POST /api/uploads", s.authMiddleware(s.upload))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))
	if cfg.MediaDir != "" {
		mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaDir))))
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(s.requestLogger(h))

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
