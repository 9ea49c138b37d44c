package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	"github.com/sensacall/sensacall-server/internal/config"
	"github.com/sensacall/sensacall-server/internal/database"
	"github.com/sensacall/sensacall-server/internal/persona"
	"github.com/sensacall/sensacall-server/internal/relay"
	"github.com/sensacall/sensacall-server/internal/usage"
)

type SensaCallApp struct {
	log            *log.Logger
	db             database.SensaRepository
	mux            *http.Server
	relay          *relay.RelayServer
	personas       *persona.Registry
	ledger         *usage.Ledger
	rdb            *redis.Client
	signingKey     []byte
	allowedOrigins []string
}

func NewSensaCallApp(
	mux *http.ServeMux,
	logger *log.Logger,
	rs *relay.RelayServer,
	db database.SensaRepository,
	personas *persona.Registry,
	ledger *usage.Ledger,
	cfg *config.Config,
) *SensaCallApp {
	s := &SensaCallApp{
		log:            logger,
		db:             db,
		relay:          rs,
		personas:       personas,
		ledger:         ledger,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	if cfg.RedisAddr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("GET /api/personas", s.authMiddleware(s.getPersonas))
	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("GET /api/conversations", s.authMiddleware(s.getConversations))
	mux.Handle("DELETE /api/conversations", s.authMiddleware(s.deleteConversation))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/usage", s.authMiddleware(s.getUsage))
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.rateLimitMiddleware(h)
	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *SensaCallApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *SensaCallApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.log.Println("redis close:", err)
		}
	}

	return nil
}
