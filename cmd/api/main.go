package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kycgate.dev/internal/auth"
	"kycgate.dev/internal/config"
	"kycgate.dev/internal/httpapi"
	"kycgate.dev/internal/idempotency"
	"kycgate.dev/internal/obs"
	"kycgate.dev/internal/rbac"
	"kycgate.dev/internal/store/pg"
	"kycgate.dev/internal/token"
)

var version = "1.2.0"

func main() {
	obs.Init()
	config.LoadDotenv()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := pg.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	if err := pg.Ping(context.Background(), db); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	tokens, err := token.NewService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	revocations := token.NewPGRevocationStore(db)
	resolver := rbac.NewPGResolver(db)
	catalog, err := rbac.NewService(rbac.NewPGStore(db))
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}

	users := auth.NewPGUserStore(db)
	refresh := auth.NewPGRefreshStore(db)
	authSvc, err := auth.NewService(users, refresh, tokens, revocations, resolver, cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	admin, err := auth.NewAdmin(users, refresh, resolver, catalog)
	if err != nil {
		log.Fatalf("admin service: %v", err)
	}

	idemStore := idempotency.NewPGStore(db)

	api, err := httpapi.New(cfg, httpapi.Deps{
		Auth:        authSvc,
		Admin:       admin,
		Catalog:     catalog,
		Tokens:      tokens,
		Revocations: revocations,
		Resolver:    resolver,
		Idempotency: idemStore,
	})
	if err != nil {
		log.Fatalf("api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expired denylist and idempotency rows are garbage; sweep them hourly.
	purgeCtx, cancelPurge := context.WithCancel(context.Background())
	go runPurge(purgeCtx, revocations, refresh, idemStore)

	log.Printf("Starting kycgate-api %s on %s (env=%s)", version, srv.Addr, cfg.Env)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancelPurge()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

func runPurge(ctx context.Context, revocations token.RevocationStore, refresh auth.RefreshStore, idem idempotency.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := revocations.PurgeExpired(ctx); err != nil {
				log.Printf("purge revocations: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired revocations", n)
			}
			if n, err := refresh.PurgeExpired(ctx); err != nil {
				log.Printf("purge refresh tokens: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired refresh tokens", n)
			}
			if n, err := idem.PurgeExpired(ctx); err != nil {
				log.Printf("purge idempotency records: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired idempotency records", n)
			}
		}
	}
}
