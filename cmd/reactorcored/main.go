// Command reactorcored is reactorcore's composition root: it loads
// configuration, wires the worker pool, DB pool, epoll I/O engine, health
// checker, ops API, and reference business handler together, and runs until
// a termination signal arrives. Grounded on the teacher's
// (JeelKantaria-db-bouncer) cmd/dbbouncer/main.go wiring order and its
// log.Printf-at-the-composition-root / log/slog-in-components split.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/reactorcore/reactorcore/internal/api"
	"github.com/reactorcore/reactorcore/internal/apphandler"
	"github.com/reactorcore/reactorcore/internal/config"
	"github.com/reactorcore/reactorcore/internal/dbpool"
	"github.com/reactorcore/reactorcore/internal/health"
	"github.com/reactorcore/reactorcore/internal/ioengine"
	"github.com/reactorcore/reactorcore/internal/metrics"
	"github.com/reactorcore/reactorcore/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "configs/reactorcore.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("reactorcore starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	live := config.NewLive(cfg)
	log.Printf("Configuration loaded from %s", *configPath)

	m := metrics.New()

	dbCfg := dbpool.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPasswd,
		DBName:   cfg.DBName,
		PoolSize: cfg.DBPoolSize,
	}
	dbPool, err := dbpool.Get(dbCfg)
	if err != nil {
		log.Fatalf("Failed to open DB pool: %v", err)
	}

	hc := health.NewChecker(dbCfg, m, health.Config{})
	hc.Start()

	pool := workerpool.New(workerpool.Config{
		ThreadNum: cfg.ThreadPoolSize,
		Overload:  cfg.Overload(),
	})
	pool.Start()

	handler := apphandler.New(dbPool, "")

	srv, err := ioengine.NewServer(ioengine.Config{
		IP:               cfg.IP,
		Port:             cfg.Port,
		ReadBufferSize:   cfg.ReadBufferSize,
		MaxMessageLength: cfg.MaxMessageLength,
		Pool:             pool,
		Handler:          handler.Handle,
	})
	if err != nil {
		log.Fatalf("Failed to start I/O engine: %v", err)
	}
	go func() {
		if err := srv.Run(); err != nil {
			log.Printf("I/O engine stopped: %v", err)
		}
	}()

	apiServer := api.NewServer(pool, dbPool, hc, m)
	if err := apiServer.Start(cfg.APIBind, cfg.APIPort); err != nil {
		log.Fatalf("Failed to start ops API: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		live.Set(newCfg)
		log.Printf("thread_pool_size/thread_pool_overload/db_pool_size changes require a " +
			"restart to take effect — the worker pool and DB pool are fixed-size for their " +
			"process lifetime; only the live-readable config snapshot updates immediately")
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("reactorcore ready - listen:%d api:%d", cfg.Port, cfg.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	srv.Stop()
	hc.Stop()
	pool.Terminate(true)
	dbPool.Close()

	log.Printf("reactorcore stopped")
}
