package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calibra.org/internal/audit"
	"calibra.org/internal/auth"
	"calibra.org/internal/config"
	"calibra.org/internal/equipment"
	"calibra.org/internal/httpapi"
	"calibra.org/internal/obs"
	"calibra.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sessions, err := auth.NewTokenCodec(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("session codec: %v", err)
	}
	auditors, err := auth.NewAuditorCodec(cfg.AuditorSecret, cfg.AuditorTTL)
	if err != nil {
		log.Fatalf("auditor codec: %v", err)
	}

	// Without a DSN the API runs on in-memory stores. Useful for local
	// development; production always sets CALIBRA_PG_DSN.
	var (
		identities auth.IdentityStore
		roles      auth.RoleStore
		auditLog   auth.AuditStore
		registry   equipment.Service
		probe      httpapi.ReadyProbe
		closeStore func() error
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		identities = store.Identities
		roles = store.Roles
		auditLog = store.AuditLog
		registry = store.Equipment
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = store.Close
	} else {
		log.Printf("CALIBRA_PG_DSN not set; using in-memory stores")
		mem := newMemoryBackend()
		identities = mem.identities
		roles = mem.roles
		auditLog = mem.audit
		registry = equipment.NewInMemory()
	}

	service, err := auth.NewService(identities, roles, auditLog, sessions)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	recorder := audit.NewRecorder(auditLog)

	api := httpapi.New(httpapi.Options{
		Version:       version,
		ReadyProbe:    probe,
		Auth:          service,
		Sessions:      sessions,
		AuditorTokens: auditors,
		Equipment:     registry,
		AuditLog:      auditLog,
		Recorder:      recorder,
		FrontendURL:   cfg.FrontendURL,
		RateBurst:     cfg.RateBurst,
		RatePerSec:    cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting calibra-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	recorder.Flush()
	if closeStore != nil {
		_ = closeStore()
	}
	log.Println("Stopped")
}
