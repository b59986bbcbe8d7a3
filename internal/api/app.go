package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/collabfab/roomserver/internal/auth"
	"github.com/collabfab/roomserver/internal/config"
	"github.com/collabfab/roomserver/internal/presence"
	"github.com/collabfab/roomserver/internal/server"
)

type RoomApp struct {
	log            *log.Logger
	mux            *http.Server
	rs             *server.RoomServer
	aggregator     *presence.Aggregator
	verifier       auth.TokenVerifier
	internalToken  string
	allowedOrigins []string
}

func NewRoomApp(mux *http.ServeMux, logger *log.Logger, rs *server.RoomServer,
	aggregator *presence.Aggregator, verifier auth.TokenVerifier, cfg *config.Config) *RoomApp {
	s := &RoomApp{
		log:            logger,
		rs:             rs,
		aggregator:     aggregator,
		verifier:       verifier,
		internalToken:  cfg.InternalToken,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.Handle("GET /ws/chat/{id}", s.gatekeeper(s.serveChatWs))
	mux.Handle("GET /ws/board/{id}", s.gatekeeper(s.serveDocWs(server.KindBoard)))
	mux.Handle("GET /ws/document/{id}", s.gatekeeper(s.serveDocWs(server.KindDocument)))
	mux.HandleFunc("GET /ws/presence", s.servePresenceWs)
	mux.HandleFunc("GET /api/presence", s.readPresence)
	mux.Handle("POST /api/presence", s.internalAuth(s.pushPresence))
	mux.Handle("DELETE /api/presence", s.internalAuth(s.deletePresence))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", auth.InternalAuthHeader}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *RoomApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *RoomApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
