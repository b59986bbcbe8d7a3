package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/collabfab/roomserver/internal/api"
	"github.com/collabfab/roomserver/internal/auth"
	"github.com/collabfab/roomserver/internal/config"
	"github.com/collabfab/roomserver/internal/crdt"
	"github.com/collabfab/roomserver/internal/database"
	"github.com/collabfab/roomserver/internal/presence"
	"github.com/collabfab/roomserver/internal/server"
	"github.com/collabfab/roomserver/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	addr           string
	dsn            string
	authMode       string
	authServiceURL string
	signingKey     string
	internalToken  string
	presenceURL    string
	allowedOrigins stringSliceFlag
)

func main() {
	// optional .env for local development
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("SERVER_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("DATABASE_DSN",
		"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&authMode, "auth-mode", envOr("AUTH_MODE", config.AuthModeLocal), "token verification strategy (remote or local)")
	flag.StringVar(&authServiceURL, "auth-service-url", os.Getenv("AUTH_SERVICE_URL"), "session verification service base URL (remote mode)")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("SIGNING_KEY"), "base64 encoded signing key (local mode)")
	flag.StringVar(&internalToken, "internal-token", os.Getenv("INTERNAL_TOKEN"), "shared secret for internal calls")
	flag.StringVar(&presenceURL, "presence-url", os.Getenv("PRESENCE_URL"), "presence aggregator push endpoint")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[roomserver] ", log.LstdFlags)

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:     addr,
		DatabaseDSN:    dsn,
		AuthMode:       authMode,
		AuthServiceURL: authServiceURL,
		Base64Secret:   signingKey,
		InternalToken:  internalToken,
		PresenceURL:    presenceURL,
		AllowedOrigins: allowedOrigins,
	})
	if err != nil {
		logger.Fatal("config:", err)
	}

	db, err := database.NewPgRoomRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	aggregator := presence.NewAggregator(logger, db, statsUpdater)

	pusher := presence.NewClient(cfg.PresenceURL, cfg.InternalToken)

	roomServer, err := server.NewRoomServer(logger, db, statsUpdater, pusher, crdt.NopMigrator{})
	if err != nil {
		logger.Fatal("new room server:", err)
	}

	var verifier auth.TokenVerifier
	switch cfg.AuthMode {
	case config.AuthModeRemote:
		verifier = auth.NewRemoteVerifier(cfg.AuthServiceURL)
	case config.AuthModeLocal:
		verifier = auth.NewLocalVerifier(cfg.SigningKey)
	}

	srv := api.NewRoomApp(mux, logger, roomServer, aggregator, verifier, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go aggregator.Run()
	go roomServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down room server...")
	if err := roomServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("room server shutdown:", err)
	}

	aggregator.Shutdown()

	logger.Println("shutdown complete")
}
