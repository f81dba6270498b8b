package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/labfleet/labfleet/internal/auth"
	"github.com/labfleet/labfleet/internal/catalog"
	"github.com/labfleet/labfleet/internal/clock"
	"github.com/labfleet/labfleet/internal/command"
	"github.com/labfleet/labfleet/internal/config"
	"github.com/labfleet/labfleet/internal/creds"
	"github.com/labfleet/labfleet/internal/hub"
	"github.com/labfleet/labfleet/internal/logging"
	"github.com/labfleet/labfleet/internal/mfa"
	"github.com/labfleet/labfleet/internal/registry"
	"github.com/labfleet/labfleet/internal/store"
	"github.com/labfleet/labfleet/internal/web"
	"github.com/labfleet/labfleet/internal/ws"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("LabFleet " + version)
	fmt.Println("=============================================")
	fmt.Printf("LABFLEET_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("LABFLEET_API_ROOT=%s\n", cfg.APIRoot)
	fmt.Printf("LABFLEET_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("LABFLEET_DATA_DIR=%s\n", cfg.DataDir)
	fmt.Printf("LABFLEET_ACCESS_TTL=%s\n", cfg.AccessTTLStr)
	fmt.Printf("LABFLEET_REFRESH_TTL=%s\n", cfg.RefreshTTLStr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	kdf := creds.New(creds.KDFParams{
		MemoryKiB:   cfg.KDFMemoryKiB,
		Iterations:  cfg.KDFIterations,
		Parallelism: cfg.KDFParallelism,
	})

	authSvc := auth.NewService(auth.ServiceConfig{
		Users:        db,
		Tokens:       db,
		KDF:          kdf,
		Clock:        clk,
		Log:          log.Component("auth"),
		AccessSecret: []byte(cfg.AccessSecret),
		AccessTTL:    cfg.AccessTTL,
		RefreshTTL:   cfg.RefreshTTL,
	})
	regSvc := registry.NewService(db, db, kdf, clk, log.Component("registry"))
	broker := mfa.NewBroker(clk)

	cat, err := catalog.New(db, clk, log.Component("catalog"), cfg.DataDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Error("failed to init package catalog", "error", err)
		os.Exit(1)
	}

	transport := ws.NewServer(log.Component("ws"))
	h := hub.New(hub.Config{
		Transport:       transport,
		Agents:          regSvc,
		Frontends:       &frontendAuthAdapter{auth: authSvc},
		Authorizer:      db,
		Log:             log.Component("hub"),
		OfflineDebounce: cfg.OfflineDebounce,
	})
	coordinator := command.New(command.Config{
		Sessions:   h,
		Authorizer: db,
		Log:        log.Component("command"),
		Timeout:    cfg.CommandTimeout,
	})
	transport.Bind(h, coordinator)

	if err := seedAdminUser(db, log.Logger); err != nil {
		log.Error("failed to seed admin user", "error", err)
		os.Exit(1)
	}

	srv := web.NewServer(web.Dependencies{
		Auth:        authSvc,
		Registry:    regSvc,
		MFA:         broker,
		Catalog:     cat,
		Hub:         h,
		Users:       db,
		Computers:   db,
		Rooms:       db,
		Assignments: db,
		WS:          transport,
		Config:      cfg,
		Log:         log.Component("web"),
	})

	// Periodic housekeeping. Refresh tokens live for days, so a daily
	// sweep is enough; MFA codes go stale within minutes.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() {
		authSvc.SweepExpired()
	}); err != nil {
		log.Error("failed to schedule token sweep", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		if n := broker.Sweep(); n > 0 {
			log.Info("swept stale MFA codes", "count", n)
		}
	}); err != nil {
		log.Error("failed to schedule MFA sweep", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Info("labfleet started", "version", version, "addr", cfg.ListenAddr)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("labfleet exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("labfleet shutdown complete")
}

// seedAdminUser creates a default admin on an empty database so the first
// login is possible. The generated password is printed exactly once.
func seedAdminUser(db *store.Store, log *slog.Logger) error {
	count, err := db.UserCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password, err := creds.GenerateSecret(12)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := db.CreateUser(auth.User{
		Username:     "admin",
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return err
	}

	fmt.Printf("created initial admin user: admin / %s\n", password)
	log.Warn("initial admin user created, change the password after first login")
	return nil
}

// frontendAuthAdapter bridges the auth service to the hub's handshake. A
// valid access token whose user has since been deactivated is rejected.
type frontendAuthAdapter struct {
	auth *auth.Service
}

func (a *frontendAuthAdapter) AuthenticateFrontend(token string) (*auth.User, error) {
	claims, err := auth.VerifyAccessToken(token, a.auth.AccessSecret)
	if err != nil {
		return nil, err
	}
	user, err := a.auth.Users.GetUser(claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, auth.ErrInvalidCredential
	}
	return user, nil
}
