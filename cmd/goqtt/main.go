package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/server"
	"github.com/pyr33x/goqtt/internal/session"
)

// Config is the on-disk YAML shape for the broker (spec.md §6). Authenticator
// is an optional path to a SQLite user store; omit it to accept every
// Connect.
type Config struct {
	IP               string `yaml:"ip"`
	Port             uint16 `yaml:"port"`
	DumpPath         string `yaml:"dump_path"`
	DumpIntervalSecs int    `yaml:"dump_interval_secs"`
	Authenticator    string `yaml:"authenticator"`
	LogPath          string `yaml:"log_path"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func buildLogger(cfg Config) (*logger.Logger, *os.File, error) {
	logCfg := logger.ProductionConfig()
	logCfg.Component = "broker"

	if cfg.LogPath == "" {
		return logger.New(logCfg), nil, nil
	}

	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	logCfg.Output = f
	return logger.New(logCfg), f, nil
}

func buildAuthenticator(cfg Config, log *logger.Logger) (*sql.DB, session.Authenticator, error) {
	if cfg.Authenticator == "" {
		return nil, nil, nil
	}
	if cfg.Authenticator == "*" {
		log.Info("authenticator enabled", logger.String("store", "*"))
		return nil, session.AllowAll{}, nil
	}

	db, err := sql.Open("sqlite3", cfg.Authenticator)
	if err != nil {
		return nil, nil, err
	}
	if err := auth.EnsureSchema(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("authenticator enabled", logger.String("store", cfg.Authenticator))
	return db, auth.New(db), nil
}

func gracefulShutdown(ctrl *server.Controller, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("graceful shutdown triggered")

	ctrl.Shutdown()
	if err := ctrl.Join(); err != nil {
		log.Println(err)
	}
	close(done)
}

func main() {
	cfg, err := loadConfig("config.yml")
	if err != nil {
		log.Fatalf("failed to load config.yml: %v", err)
	}

	brokerLog, logFile, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("failed to open log_path: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	db, authenticator, err := buildAuthenticator(cfg, brokerLog)
	if err != nil {
		log.Fatalf("failed to configure authenticator: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	addr := net.JoinHostPort(cfg.IP, fmt.Sprintf("%d", cfg.Port))
	broker, err := server.New(server.Config{
		Addr:           addr,
		DumpPath:       cfg.DumpPath,
		DumpInterval:   time.Duration(cfg.DumpIntervalSecs) * time.Second,
		PublishWorkers: 64,
	}, authenticator, brokerLog)
	if err != nil {
		log.Fatalf("failed to build broker: %v", err)
	}

	if err := broker.LoadState(); err != nil {
		log.Fatalf("failed to restore persisted state: %v", err)
	}

	done := make(chan struct{}, 1)

	ctrl := server.Start(broker)
	log.Printf("broker listening at %s\n", addr)

	go gracefulShutdown(ctrl, done)

	<-done
	log.Println("graceful shutdown complete")
}
