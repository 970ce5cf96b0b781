package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerdesk/backend/internal/cache"
	"ledgerdesk/backend/internal/catalog"
	"ledgerdesk/backend/internal/config"
	"ledgerdesk/backend/internal/httpapi"
	"ledgerdesk/backend/internal/importer"
	"ledgerdesk/backend/internal/ledger"
	"ledgerdesk/backend/internal/lock"
	"ledgerdesk/backend/internal/logging"
	"ledgerdesk/backend/internal/service"
	"ledgerdesk/backend/internal/store"
	"ledgerdesk/backend/internal/store/memory"
	pgstore "ledgerdesk/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Info("repository: in-memory")
	}

	var (
		tier   cache.CatalogCache = cache.NoopCatalogCache{}
		locker lock.Locker        = lock.NewLocalLocker()
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisCatalogCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using noop cache and process-local locks")
			_ = client.Close()
		} else {
			tier = redisCache
			locker = lock.NewRedisLocker(client)
			closers = append(closers, client.Close)
			log.Info("cache: redis")
		}
	} else {
		log.Info("cache: noop")
	}

	cat := catalog.New(repo, tier, cfg.CatalogCacheTTL, log.WithField("module", "catalog"))
	led := ledger.New(repo, log.WithField("module", "ledger"))
	imp := importer.New(repo, cat, log.WithField("module", "importer"), importer.WithChunkWrites(cfg.ImportChunkWrites))
	svc := service.New(repo, led, cat, imp, locker, log.WithField("module", "service"),
		service.WithImportLockTTL(cfg.ImportLockTTL),
		service.WithPhoneRegion(cfg.PhoneRegion),
	)
	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Production:    cfg.IsProduction(),
		Logger:        log.WithField("module", "http"),
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ImportLockTTL,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("ledger backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ImportLockTTL < time.Minute {
		return fmt.Errorf("IMPORT_LOCK_TTL must be at least one minute")
	}
	return nil
}
