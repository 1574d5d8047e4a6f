package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/auth"
	"incidentdesk.org/internal/config"
	"incidentdesk.org/internal/httpapi"
	"incidentdesk.org/internal/lifecycle"
	"incidentdesk.org/internal/migrate"
	"incidentdesk.org/internal/obs"
	"incidentdesk.org/internal/policy"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/store"
	"incidentdesk.org/internal/store/memstore"
	"incidentdesk.org/internal/store/pg"
	"incidentdesk.org/ops/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (default: ./config.yaml if present)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(obs.ResolveBuild(version, commit))
	obs.SetLevel(cfg.Logging.Level)
	if err := auth.Configure(cfg.Auth.Secret); err != nil {
		log.Fatalf("auth: %v", err)
	}

	pol, err := policy.New(cfg.Policy.File)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	var (
		st    store.Store
		ready httpapi.ReadyProbe
		pgst  *pg.Store
	)
	switch cfg.Store {
	case config.StoreMemory:
		st = memstore.New()
		obs.Log("warn", "using in-memory store, data is lost on restart", nil)
	default:
		pgst, err = pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: pg.DefaultPool.ConnMaxIdleTime,
		})
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st, ready = pgst, pgst
		if cfg.Migrations.Auto {
			var fsys fs.FS = migrations.FS
			if cfg.Migrations.Dir != "" {
				fsys = os.DirFS(cfg.Migrations.Dir)
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout*6)
			err := migrate.NewManager(pgst.DB(), fsys, migrations.SQLDir, migrations.SeedsDir).Up(ctx)
			cancel()
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
		}
	}

	engine := roles.NewEngine(st)
	lc := lifecycle.New(st, pol, audit.NewTrail(st))
	api := httpapi.New(st, lc, engine, pol, ready, httpapi.Options{
		Version:      version,
		RateBurst:    cfg.RateLimit.Burst,
		RatePerSec:   cfg.RateLimit.PerSecond,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	obs.Log("info", "starting incidentdesk-api", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"store":   cfg.Store,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Log("info", "shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgst != nil {
		_ = pgst.Close()
	}
	obs.Log("info", "stopped", nil)
}
