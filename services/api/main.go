package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
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

	"github.com/dabubble/internal/config"
	"github.com/dabubble/internal/docstore"
	pgstore "github.com/dabubble/internal/docstore/postgres"
	"github.com/dabubble/internal/engine"
	"github.com/dabubble/internal/handler"
	"github.com/dabubble/internal/identity"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/presence"
	presencememory "github.com/dabubble/internal/presence/memory"
	"github.com/dabubble/internal/push"
	"github.com/dabubble/internal/startup"
	"github.com/dabubble/internal/workspace"
	"github.com/dabubble/internal/ws"
	"github.com/dabubble/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory presence (no external services required)")
	flag.Parse()

	logger.Info("starting API service")
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

	// Документный стор поверх Postgres; Mux дедуплицирует живые подписки.
	store := docstore.NewMux(pgstore.New(pool))
	defer store.Close()

	var pres presence.Store
	if *dev {
		pres = presencememory.New()
	} else {
		pres = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		logger.Info("redis connected")
	}
	defer pres.Close()

	provider := identity.NewRegistry(store)
	wsp := workspace.New(store)
	eng := engine.New(store)

	vapidKeys, err := push.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("VAPID: %v — push отключены", err)
	}
	sender := push.NewSender(store, vapidKeys)
	if !sender.Enabled() {
		logger.Info("VAPID keys not set — push-уведомления отключены (подписки сохраняются, отправка не выполняется)")
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(wsp, eng, pres, cfg.MaxWSConnections, sender)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(provider, wsp)
	userH := handler.NewUserHandler(wsp)
	channelH := handler.NewChannelHandler(wsp)
	chatH := handler.NewChatHandler(wsp)
	msgH := handler.NewMessageHandler(wsp, eng)
	mentionH := handler.NewMentionHandler(wsp)
	pushH := handler.NewPushHandler(sender, cfg.PushVAPIDPublicKey)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/cache", configH.GetCacheConfig)
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/push/vapid-public", pushH.VAPIDPublic)
	r.Post("/api/auth/sign-in", authH.SignIn)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(provider))
		r.Post("/api/auth/sign-out", authH.SignOut)
		r.Get("/api/users", userH.List)
		r.Get("/api/users/{uid}", userH.Get)
		r.Put("/api/users/me", userH.UpdateProfile)
		r.Get("/api/channels", channelH.List)
		r.Post("/api/channels", channelH.Create)
		r.Get("/api/channels/{channelID}", channelH.Get)
		r.Put("/api/channels/{channelID}", channelH.Update)
		r.Post("/api/channels/{channelID}/members", channelH.AddMembers)
		r.Delete("/api/channels/{channelID}/members/{uid}", channelH.RemoveMember)
		r.Post("/api/chats/ensure", chatH.Ensure)
		r.Get("/api/messages", msgH.History)
		r.Post("/api/messages", msgH.Send)
		r.Patch("/api/messages/{messageID}", msgH.Edit)
		r.Delete("/api/messages/{messageID}", msgH.Delete)
		r.Post("/api/messages/{messageID}/reactions", msgH.ToggleReaction)
		r.Post("/api/mentions/suggest", mentionH.Suggest)
		r.Post("/api/mentions/apply", mentionH.Apply)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
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
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// runMigrations применяет встроенные миграции по порядку имён файлов.
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	sort.Strings(entries)
	for _, name := range entries {
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
		user     = "dabubble"
		password = "dabubble_secret"
		database = "dabubble"
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
