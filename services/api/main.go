package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storechat/internal/auth"
	"github.com/storechat/internal/config"
	"github.com/storechat/internal/handler"
	"github.com/storechat/internal/lifecycle"
	"github.com/storechat/internal/logger"
	"github.com/storechat/internal/middleware"
	"github.com/storechat/internal/notify"
	"github.com/storechat/internal/relay"
	"github.com/storechat/internal/startup"
	"github.com/storechat/internal/storage"
	"github.com/storechat/internal/storage/postgres"
	"github.com/storechat/internal/transport"
	transportmemory "github.com/storechat/internal/transport/memory"
	"github.com/storechat/internal/ws"
	"github.com/storechat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-process pub/sub (no external services required)")
	flag.Parse()

	logger.Info("starting chat API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
		if os.Getenv("TRANSPORT_KIND") == "" {
			cfg.Transport.Kind = "memory"
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	var store storage.SessionStore = postgres.New(pool)

	var bus transport.PubSub
	switch cfg.Transport.Kind {
	case "redis":
		bus = startup.ConnectRedisWithRetry(cfg.Transport.RedisURL, 60*time.Second, "")
		logger.Info("redis transport connected")
	case "nats":
		bus = startup.ConnectNATSWithRetry(cfg.Transport.NATSURL, 60*time.Second, "")
		logger.Info("nats transport connected")
	case "memory":
		bus = transportmemory.New()
		logger.Info("in-process transport (single instance only)")
	default:
		logger.Errorf("unknown transport kind %q (want redis, nats or memory)", cfg.Transport.Kind)
		os.Exit(1)
	}
	defer bus.Close()

	notifyClient := notify.NewClient(cfg.NotifyServiceURL)
	rl := relay.New(store, bus, cfg.MaxMessageLen)
	manager := lifecycle.NewManager(store, rl)
	if notifyClient.Enabled() {
		rl.SetNotifier(notifyClient)
		manager.SetQueueNotifier(notifyClient)
	}
	tokens := auth.NewGuestTokens(cfg.GuestTokenSecret, cfg.GuestTokenTTL)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(store, bus, manager, rl, cfg.MaxWSConnections)

	var bgWg sync.WaitGroup
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		hub.Run(hubCtx)
	}()

	sweeper := lifecycle.NewSweeper(manager, cfg.SweepInterval, cfg.WaitingTTL)
	bgWg.Add(1)
	go func() {
		defer bgWg.Done()
		sweeper.Run(hubCtx)
	}()

	sessionH := handler.NewSessionHandler(store, manager, rl, tokens)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)
	notifyH := handler.NewNotifyHandler(notifyClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress WebSocket traffic: a wrapped ResponseWriter loses
	// http.Hijacker and the upgrade fails with a 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Guest-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/chat", configH.GetChatConfig)
	r.Get("/api/config/notify", configH.GetNotifyConfig)

	// Anonymous visitors: session creation issues the scoped guest token.
	r.Post("/api/guest/sessions", sessionH.CreateGuestSession)
	r.Group(func(r chi.Router) {
		r.Use(middleware.GuestAuth(tokens))
		r.Get("/api/guest/sessions/{id}", sessionH.GetSession)
		r.Get("/api/guest/sessions/{id}/messages", sessionH.GetHistory)
		r.Post("/api/guest/sessions/{id}/messages", sessionH.SendMessage)
		r.Post("/api/guest/sessions/{id}/close", sessionH.CloseSession)
		r.Get("/ws/guest", wsH.ServeWS)
	})

	// Authenticated storefront customers.
	r.Group(func(r chi.Router) {
		r.Use(middleware.CustomerAuth(cfg.AuthServiceURL, nil))
		r.Post("/api/sessions", sessionH.CreateSession)
		r.Get("/api/sessions/{id}", sessionH.GetSession)
		r.Get("/api/sessions/{id}/messages", sessionH.GetHistory)
		r.Post("/api/sessions/{id}/messages", sessionH.SendMessage)
		r.Post("/api/sessions/{id}/close", sessionH.CloseSession)
		r.Get("/ws", wsH.ServeWS)
	})

	// Staff console.
	r.Group(func(r chi.Router) {
		r.Use(middleware.StaffAuth(cfg.AuthServiceURL, nil))
		r.Get("/api/staff/sessions/waiting", sessionH.ListWaiting)
		r.Get("/api/staff/sessions/{id}", sessionH.GetSession)
		r.Get("/api/staff/sessions/{id}/messages", sessionH.GetHistory)
		r.Post("/api/staff/sessions/{id}/messages", sessionH.SendMessage)
		r.Post("/api/staff/sessions/{id}/claim", sessionH.Claim)
		r.Post("/api/staff/sessions/{id}/close", sessionH.CloseSession)
		r.Post("/api/staff/notify/subscribe", notifyH.Subscribe)
		r.Delete("/api/staff/notify/subscribe", notifyH.Unsubscribe)
		r.Get("/ws/staff", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	bgWg.Wait()
	logger.Info("hub and sweeper stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "storechat"
		password = "storechat_secret"
		database = "storechat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
