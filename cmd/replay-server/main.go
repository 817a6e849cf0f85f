// Command replay-server serves recorded telemetry logs over the replay gRPC
// API. Each client Session stream gets its own replay engine.
//
// Usage:
//
//	go run ./cmd/replay-server [flags]
//
// Flags:
//
//	-config    JSON config file
//	-addr      Listen address (default: localhost:50061)
//	-root      Directory that "files" paths are relative to (default: .)
//	-catalog   Recording catalog database enabling "recording" commands
//	-listen    Debug HTTP listen address (catalog routes)
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/telemetry.relay/internal/catalog"
	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/config"
	"github.com/banshee-data/telemetry.relay/internal/replay"
	"github.com/banshee-data/telemetry.relay/internal/replayrpc"
	"github.com/banshee-data/telemetry.relay/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file")
	addr       = flag.String("addr", "", "Listen address (overrides replay_listen_addr)")
	root       = flag.String("root", "", "Replay root directory (overrides replay_root)")
	catalogDB  = flag.String("catalog", "", "Recording catalog database (overrides catalog_path)")
	listen     = flag.String("listen", "", "Debug HTTP listen address (overrides admin_listen_addr)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		log.Printf("replay-server %s", version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ReplayListenAddr = addr
		case "root":
			cfg.ReplayRoot = root
		case "catalog":
			cfg.CatalogPath = catalogDB
		case "listen":
			cfg.AdminListenAddr = listen
		}
	})

	types, err := cfg.TypeTable()
	if err != nil {
		log.Fatalf("invalid payload types: %v", err)
	}

	rcfg := replayrpc.DefaultConfig()
	rcfg.ListenAddr = cfg.GetReplayListenAddr()
	rcfg.Root = cfg.GetReplayRoot()
	rcfg.EngineOptions = []replay.Option{
		replay.WithDecoder(codec.NewDecoder(types)),
		replay.WithAutoPlay(cfg.GetAutoPlay()),
		replay.WithEventBuffer(cfg.GetEventBuffer()),
	}

	var cat *catalog.Catalog
	if path := cfg.GetCatalogPath(); path != "" {
		cat, err = catalog.Open(path)
		if err != nil {
			log.Fatalf("failed to open catalog: %v", err)
		}
		defer cat.Close()
		rcfg.Recordings = cat
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := replayrpc.NewServer(rcfg)
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start replay server: %v", err)
	}
	log.Printf("Server ready on %s, serving logs under %s", srv.Addr(), rcfg.Root)

	var httpServer *http.Server
	if a := cfg.GetAdminListenAddr(); a != "" && cat != nil {
		mux := http.NewServeMux()
		if err := cat.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach catalog routes: %v", err)
		}
		httpServer = &http.Server{Addr: a, Handler: mux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("debug routes on http://%s/debug/", a)
	}

	<-ctx.Done()
	log.Printf("Shutting down...")
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		cancel()
	}
	srv.Stop()
}
