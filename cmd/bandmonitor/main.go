package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bandmonitor/internal/cache"
	"bandmonitor/internal/config"
	"bandmonitor/internal/linkpub"
	"bandmonitor/internal/monitor"
	"bandmonitor/internal/probe"
	"bandmonitor/internal/server"
	"bandmonitor/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		addr       = flag.String("addr", ":8080", "address for the web server")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := storage.Open(filepath.Join(cfg.DataDirectory, "accounts.db"))
	if err != nil {
		log.Fatalf("initialise storage: %v", err)
	}
	defer store.Close()

	// Tasks do not survive a restart; rows claiming otherwise are stale.
	if err := store.ResetRunning(); err != nil {
		log.Fatalf("reset stale statuses: %v", err)
	}

	browser, err := probe.NewBrowser(cfg.Browser)
	if err != nil {
		log.Fatalf("initialise browser: %v", err)
	}
	defer browser.Close()

	links := cache.New(cfg.Redis, cfg.Publisher.Enabled)
	defer links.Close()

	publisher := linkpub.New(store, browser, links,
		time.Duration(cfg.Publisher.BaseIntervalSeconds)*time.Second,
		time.Duration(cfg.Publisher.MinIntervalSeconds)*time.Second)
	if cfg.Publisher.Enabled {
		publisher.Start()
		defer publisher.Stop()
	}

	mgr := monitor.NewManager(store, browser,
		time.Duration(cfg.PollIntervalSeconds)*time.Second,
		publisher.Trigger)
	defer mgr.Shutdown()

	srv := server.New(*addr, store, mgr, browser)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("band monitor listening on %s (poll interval %ds)", *addr, cfg.PollIntervalSeconds)
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
