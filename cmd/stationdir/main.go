// stationdir is the reference directory service for station discovery.
//
// Stations POST their encrypted contact envelope here and poll for
// peers; the directory itself never sees contact details in the clear.
// Records live in Redis with a TTL, so crashed stations age out.
//
// Usage:
//
//	stationdir -addr :8080 -redis 127.0.0.1:6379
//	stationdir -addr :8080 -memory
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/otel"
	"github.com/hamnetlabs/stationbridge/pkg/ratelimit"
	"github.com/hamnetlabs/stationbridge/pkg/stationdir"
)

const version = "1.0.0"

func main() {
	addr := flag.String("addr", ":8080", "API listen address")
	redisAddr := flag.String("redis", "127.0.0.1:6379", "Redis address")
	memory := flag.Bool("memory", false, "use an in-process store instead of Redis (single node only)")
	recordTTL := flag.Duration("record-ttl", stationdir.DefaultRecordTTL, "how long a station record survives without a heartbeat")
	activityWindow := flag.Duration("activity-window", stationdir.DefaultActivityWindow, "max age for a station to appear in the peers listing")
	rateLimitRPS := flag.Float64("rate-limit-rps", 10, "rate limit: write requests per second per client IP (0 to disable)")
	rateLimitBurst := flag.Int("rate-limit-burst", 30, "rate limit: burst size per client IP")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := otel.Init(ctx, "stationdir", version)
	if err != nil {
		log.Printf("[Directory] telemetry disabled: %v", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	var store stationdir.Store
	if *memory {
		store = stationdir.NewMemoryStore()
		log.Printf("[Directory] using in-process store")
	} else {
		store, err = stationdir.NewRedisStore(*redisAddr, *recordTTL)
		if err != nil {
			log.Fatalf("[Directory] %v", err)
		}
	}
	defer store.Close()

	var limiter *ratelimit.IPRateLimiter
	if *rateLimitRPS > 0 {
		limiter = ratelimit.New(*rateLimitRPS, float64(*rateLimitBurst), ratelimit.DefaultMaxIPs)
	}

	api := stationdir.NewAPI(stationdir.APIConfig{
		Store:          store,
		Limiter:        limiter,
		Version:        version,
		ActivityWindow: *activityWindow,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Directory] listening on %s (redis=%s, window=%s)", *addr, *redisAddr, *activityWindow)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[Directory] received %s, shutting down", sig)
	case err := <-errCh:
		log.Fatalf("[Directory] server failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Directory] shutdown: %v", err)
	}
}
