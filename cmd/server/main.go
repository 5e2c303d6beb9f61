package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/org/keyvault/internal/api"
	"github.com/org/keyvault/internal/audit"
	"github.com/org/keyvault/internal/auth"
	"github.com/org/keyvault/internal/cache"
	"github.com/org/keyvault/internal/crypto"
	"github.com/org/keyvault/internal/policy"
	"github.com/org/keyvault/internal/replication"
	"github.com/org/keyvault/internal/secret"
	"github.com/org/keyvault/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type replicationConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SyncInterval    string `yaml:"sync_interval"`
	RetentionDays   int    `yaml:"retention_days"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

type cacheConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	TTL       string `yaml:"ttl"`
}

type config struct {
	ListenAddr    string            `yaml:"listen_addr"`
	TLSCertFile   string            `yaml:"tls_cert"`
	TLSKeyFile    string            `yaml:"tls_key"`
	DBUrl         string            `yaml:"db_url"`
	MigrationsDir string            `yaml:"migrations_dir"`
	LogLevel      string            `yaml:"log_level"`
	EncryptionKey string            `yaml:"encryption_key"`
	AdminPassword string            `yaml:"admin_password"`
	TokenTTL      string            `yaml:"token_ttl"`
	Replication   replicationConfig `yaml:"replication"`
	Cache         cacheConfig       `yaml:"cache"`
}

func loadConfig() config {
	cfgFile := "config.yaml"
	if v := os.Getenv("KEYVAULT_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8300",
		MigrationsDir: "migrations",
		LogLevel:      "info",
		TokenTTL:      "1h",
		Replication: replicationConfig{
			Enabled:         true,
			SyncInterval:    "30s",
			RetentionDays:   7,
			CleanupSchedule: "0 2 * * *",
		},
		Cache: cacheConfig{Backend: "memory", TTL: "5m"},
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("KEYVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("KEYVAULT_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("KEYVAULT_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("KEYVAULT_REPLICATION_ENABLED"); v != "" {
		cfg.Replication.Enabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("KEYVAULT_REDIS_ADDR"); v != "" {
		cfg.Cache.Backend = "redis"
		cfg.Cache.RedisAddr = v
	}
	return cfg
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := loadConfig()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.EncryptionKey == "" {
		log.Fatal().Msg("encryption_key must be configured (or KEYVAULT_ENCRYPTION_KEY env var)")
	}

	ctx := context.Background()

	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	envelope, err := crypto.NewEnvelope(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize encryption")
	}

	var readCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		readCache, err = cache.NewRedis(ctx, cfg.Cache.RedisAddr, parseDuration(cfg.Cache.TTL, 5*time.Minute))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis cache")
		}
	} else {
		readCache = cache.NewMemory()
	}

	// Replication: the change logger records local mutations; the
	// replicator applies events shipped by other instances.
	instanceID := replication.NewInstanceID()
	changes := replication.NewLogger(store, instanceID, cfg.Replication.Enabled)
	defer changes.Close()

	engine := policy.NewEngine(store)
	secrets := secret.NewStore(store, envelope, engine, readCache, changes)
	policies := policy.NewService(store, changes)
	tokens := auth.NewTokenService(store, parseDuration(cfg.TokenTTL, time.Hour))
	identities := auth.NewIdentityService(store, changes)
	auditor := audit.NewLogger(store)

	if created, err := identities.Bootstrap(ctx, cfg.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap admin identity")
	} else if created {
		log.Info().Msg("created initial admin identity")
	}

	var (
		replicator *replication.Replicator
		scheduler  *replication.Scheduler
	)
	if cfg.Replication.Enabled {
		retention := time.Duration(cfg.Replication.RetentionDays) * 24 * time.Hour
		replicator = replication.NewReplicator(store, instanceID, retention)
		scheduler, err = replication.StartScheduler(replicator,
			parseDuration(cfg.Replication.SyncInterval, 30*time.Second),
			cfg.Replication.CleanupSchedule)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start replication scheduler")
		}
	}

	srv := api.NewServer(api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
	}, store, secrets, policies, tokens, identities, auditor, replicator)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("instance", instanceID).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	if scheduler != nil {
		scheduler.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
