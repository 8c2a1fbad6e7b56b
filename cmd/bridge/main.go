package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"execbridge/internal/api"
	"execbridge/internal/bridge"
	"execbridge/internal/events"
	"execbridge/internal/monitor"
	"execbridge/internal/persistence"
	"execbridge/pkg/config"
	"execbridge/pkg/crypto"
	"execbridge/pkg/db"
	"execbridge/pkg/instruments"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.LoadBridge()
	if err != nil {
		log.Fatalf("bridge: config load failed: %v", err)
	}
	log.Printf("bridge: starting on port %s, db %s", cfg.Port, cfg.DBPath)

	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("bridge: db init failed: %v", err)
	}
	defer database.Close()
	if err := database.ApplyMigrations(); err != nil {
		log.Fatalf("bridge: migrations failed: %v", err)
	}

	enc, err := crypto.NewFromBase64(credentialKey(cfg.EncryptionKey))
	if err != nil {
		log.Fatalf("bridge: credential key invalid: %v", err)
	}

	catalog, err := instruments.Load(cfg.InstrumentFile)
	if err != nil {
		log.Fatalf("bridge: instrument catalog load failed: %v", err)
	}
	log.Printf("bridge: %d instruments loaded from %s", len(catalog.Symbols()), cfg.InstrumentFile)

	audit := persistence.NewAuditWriter(database, 100, 5*time.Second)
	defer audit.Close()

	hub := bridge.NewHub(cfg.HeartbeatInterval, bus)
	defer hub.Close()
	if cfg.AgentToken != "" {
		hub.RequireToken(cfg.AgentToken)
	} else {
		log.Println("bridge: AGENT_TOKEN not set, accepting any terminal handshake")
	}

	svc := bridge.NewService(database, hub, audit, catalog, enc, bus, cfg.RequestTimeout)
	hub.SetHandler(svc.HandleTerminalMessage)

	registry := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(registry)
	metrics.Watch(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics.PollHeartbeats(ctx, cfg.HeartbeatInterval, hub.HeartbeatAges)

	server := api.NewServer(database, svc, hub, enc, registry, cfg.JWTSecret, cfg.HeartbeatInterval)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("bridge: api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("bridge: shutting down")
}

// credentialKey returns the configured key or, for development runs with
// no key set, generates an ephemeral one. Credentials encrypted with an
// ephemeral key cannot be read after a restart.
func credentialKey(configured string) string {
	if configured != "" {
		return configured
	}
	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("bridge: key generation failed: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	log.Println("bridge: CREDENTIAL_KEY not set, using an ephemeral key; stored credentials will not survive a restart")
	return encoded
}
