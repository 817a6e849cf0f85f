// Command telemetry-relay connects to a live telemetry websocket, logs the
// envelopes of the requested topics, optionally records every frame for
// later replay and serves debug routes.
//
// Usage:
//
//	telemetry-relay -url ws://vehicle:9090/ -topics pose,planning [flags]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/telemetry.relay/internal/catalog"
	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/config"
	"github.com/banshee-data/telemetry.relay/internal/livechannel"
	"github.com/banshee-data/telemetry.relay/internal/recorder"
	"github.com/banshee-data/telemetry.relay/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file")
	url        = flag.String("url", "", "Websocket URL (overrides live_url)")
	topics     = flag.String("topics", "", "Comma-separated topics to log (overrides topics)")
	recordDir  = flag.String("record-dir", "", "Record frames under this directory (overrides record_dir)")
	catalogDB  = flag.String("catalog", "", "Recording catalog database (overrides catalog_path)")
	listen     = flag.String("listen", "", "Debug HTTP listen address (overrides admin_listen_addr)")
	quiet      = flag.Bool("quiet", false, "Do not log received envelopes")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		log.Printf("telemetry-relay %s", version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if cfg.GetLiveURL() == "" {
		log.Fatal("a websocket URL is required (-url or live_url)")
	}

	types, err := cfg.TypeTable()
	if err != nil {
		log.Fatalf("invalid payload types: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cat *catalog.Catalog
	if path := cfg.GetCatalogPath(); path != "" {
		cat, err = catalog.Open(path)
		if err != nil {
			log.Fatalf("failed to open catalog: %v", err)
		}
		defer cat.Close()
	}

	var rec *recorder.Recorder
	opts := []livechannel.Option{
		livechannel.WithDecoder(codec.NewDecoder(types)),
		livechannel.WithReconnectDelay(cfg.GetReconnectDelay()),
	}
	if dir := cfg.GetRecordDir(); dir != "" {
		ropts := recorder.Options{
			Name:         cfg.GetLiveURL(),
			ChunkRecords: cfg.GetChunkRecords(),
			Buffer:       cfg.GetRecordBuffer(),
		}
		if cat != nil {
			ropts.Catalog = cat
		}
		rec, err = recorder.New(recorder.SessionDir(dir, time.Now()), ropts)
		if err != nil {
			log.Fatalf("failed to start recorder: %v", err)
		}
		opts = append(opts, livechannel.WithFrameHook(rec.Record))
	}

	ch := livechannel.New(cfg.GetLiveURL(), opts...)
	for _, topic := range cfg.GetTopics() {
		topic := topic
		ch.Subscribe(topic, func(env codec.Envelope) {
			if *quiet {
				return
			}
			b, err := json.Marshal(env.Data)
			if err != nil {
				log.Printf("[%s] <unencodable %T>", topic, env.Data)
				return
			}
			log.Printf("[%s] %s", topic, b)
		})
	}
	ch.Initialize()
	log.Printf("relaying %s (topics: %s)", cfg.GetLiveURL(), strings.Join(cfg.GetTopics(), ", "))

	var wg sync.WaitGroup
	if addr := cfg.GetAdminListenAddr(); addr != "" {
		mux := http.NewServeMux()
		ch.AttachAdminRoutes(mux)
		if rec != nil {
			rec.AttachAdminRoutes(mux)
		}
		if cat != nil {
			if err := cat.AttachAdminRoutes(mux); err != nil {
				log.Fatalf("failed to attach catalog routes: %v", err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, addr, mux)
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down...")
	ch.Dispose()

	if rec != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r, err := rec.Close(closeCtx)
		cancel()
		if err != nil {
			log.Printf("recorder close: %v", err)
		} else {
			log.Printf("recorded %d frames into %d files (id %s)", r.Records, len(r.Files), r.ID)
		}
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// applyFlags overrides config values with explicitly set flags.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "url":
			cfg.LiveURL = url
		case "topics":
			cfg.Topics = splitList(*topics)
		case "record-dir":
			cfg.RecordDir = recordDir
		case "catalog":
			cfg.CatalogPath = catalogDB
		case "listen":
			cfg.AdminListenAddr = listen
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()
	log.Printf("debug routes on http://%s/debug/", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}
