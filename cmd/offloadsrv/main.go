// Command offloadsrv runs the offload HTTP accelerator: the main listener
// serving the Request Pipeline, and (if enabled) a separate admin
// listener serving purge/status/diagnostics endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/redis/go-redis/v9"

	"go.offloadsrv.dev/offload/mod/cache"
	"go.offloadsrv.dev/offload/mod/cachemutex"
	"go.offloadsrv.dev/offload/mod/config"
	"go.offloadsrv.dev/offload/mod/discovery"
	"go.offloadsrv.dev/offload/mod/dlregistry"
	"go.offloadsrv.dev/offload/mod/hoststats"
	"go.offloadsrv.dev/offload/mod/keyindex"
	"go.offloadsrv.dev/offload/mod/logger"
	"go.offloadsrv.dev/offload/mod/offload"
	"go.offloadsrv.dev/offload/mod/originclient"
	"go.offloadsrv.dev/offload/mod/originhealth"
	"go.offloadsrv.dev/offload/mod/pathfilter"
	"go.offloadsrv.dev/offload/mod/poolpurge"
	"go.offloadsrv.dev/offload/mod/store"
)

var systemLogger = logger.New(os.Stdout, logger.LevelInfo)

func main() {
	if err := run(); err != nil {
		systemLogger.PrintAndLog("main", "fatal startup error", err)
		os.Exit(1)
	}
}

func run() error {
	systemLogger.Println("offloadsrv starting up")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cacheStore, err := cache.NewStore(cfg.OffloadDir)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}

	index, err := keyindex.Open(filepath.Join(cfg.OffloadDir, ".keyindex"))
	if err != nil {
		return fmt.Errorf("open key index: %w", err)
	}
	defer index.Close()

	statsDB, err := store.Open(filepath.Join(config.ConfFolder, "hoststats.db"))
	if err != nil {
		return fmt.Errorf("open stats database: %w", err)
	}
	defer statsDB.Close()
	stats, err := hoststats.NewCollector(hoststats.CollectorOption{Database: statsDB})
	if err != nil {
		return fmt.Errorf("init host stats collector: %w", err)
	}
	defer stats.Close()

	origin := originclient.New(cfg.BaseServer, cfg.BaseServerPort, cfg.Timeout())
	filter := pathfilter.New(cfg.ExcludedPaths)

	registry, liveness, closeRegistry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("init duplicate-download registry: %w", err)
	}
	defer closeRegistry()

	handler := offload.NewHandler(cfg, origin, cacheStore, registry, liveness, filter, systemLogger, stats, index)

	pool := poolpurge.New(cfg.PoolMembers)
	defer pool.Close()

	var prober *originhealth.Prober
	if cfg.OriginHealth.Enabled {
		prober = originhealth.New(cfg.BaseServer, time.Duration(cfg.OriginHealth.IntervalSeconds)*time.Second)
		prober.Start()
		defer prober.Stop()
	}

	var advertiser *discovery.Advertiser
	if cfg.Discovery.Enabled {
		advertiser, err = discovery.Advertise(cfg.Discovery.Instance, cfg.Discovery.Service, cfg.Discovery.Domain, cfg.BaseServerPort, []string{"cache-name=" + cfg.CacheName})
		if err != nil {
			systemLogger.PrintAndLog("main", "mDNS advertisement failed to start", err)
		} else {
			defer advertiser.Shutdown()
		}
	}

	mainServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminHandler := offload.NewAdminHandler(cfg, handler, stats, systemLogger, pool, prober)
		adminServer = &http.Server{
			Addr:    cfg.Admin.ListenAddr,
			Handler: adminHandler.Mux(),
		}
	}

	errCh := make(chan error, 2)
	go serve(mainServer, cfg.ProxyProtocol, errCh)
	if adminServer != nil {
		go serve(adminServer, false, errCh)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		systemLogger.Println("received " + sig.String() + " - shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mainServer.Shutdown(ctx); err != nil {
		systemLogger.PrintAndLog("main", "main listener shutdown", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(ctx); err != nil {
			systemLogger.PrintAndLog("main", "admin listener shutdown", err)
		}
	}
	systemLogger.Println("offloadsrv shut down cleanly")
	return nil
}

// serve runs srv.ListenAndServe (optionally behind a PROXY protocol
// listener, for preserving client IPs behind an L4 load balancer),
// reporting only unexpected errors — a clean Shutdown is not an error.
func serve(srv *http.Server, wrapProxyProto bool, errCh chan<- error) {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		errCh <- fmt.Errorf("listen on %s: %w", srv.Addr, err)
		return
	}
	if wrapProxyProto {
		ln = &proxyproto.Listener{Listener: ln}
	}

	systemLogger.Println("listening on " + srv.Addr)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
}

// buildRegistry selects the Duplicate-Download Registry backend per
// cfg.Registry.Backend. A zero MaxDupeDownloads disables the registry
// entirely, per spec.md §9.
func buildRegistry(cfg *config.Config) (dlregistry.Registry, *dlregistry.LivenessChecker, func(), error) {
	noop := func() {}
	if cfg.MaxDupeDownloads <= 0 {
		return nil, nil, noop, nil
	}

	ttl := time.Duration(cfg.Registry.LivenessTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Second
	}
	liveness := dlregistry.NewLivenessChecker(ttl)

	switch cfg.Registry.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.Redis.Addr,
			Password: cfg.Registry.Redis.Password,
			DB:       cfg.Registry.Redis.DB,
		})
		reg := dlregistry.NewRedisRegistry(client, cfg.MaxDupeDownloads, 2*cfg.Timeout())
		return reg, liveness, func() {
			reg.Close()
			liveness.Close()
		}, nil

	default:
		mutex := cachemutex.New(cfg.OffloadDir, cfg.CacheName+"-dlregistry")
		dbPath := filepath.Join(cfg.OffloadDir, cfg.CacheName+".dlregistry.db")
		reg, err := dlregistry.NewLocalRegistry(dbPath, mutex, cachemutex.Token(1), cfg.MaxDupeDownloads, liveness)
		if err != nil {
			liveness.Close()
			return nil, nil, noop, err
		}
		return reg, liveness, func() {
			reg.Close()
			liveness.Close()
		}, nil
	}
}
