package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"transferlock/internal/api"
	"transferlock/internal/model"
	"transferlock/internal/obs"
	"transferlock/internal/storage"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := getenv("TRANSFERLOCK_DB", "./transferlock.db")
	addr := getenv("TRANSFERLOCK_ADDR", ":8080")

	svcCfg := model.Config{
		LeaseTTL:   getenvSeconds("LOCK_TTL_SECONDS", model.DefaultLeaseTTL),
		RequestTTL: getenvSeconds("REQUEST_TTL_SECONDS", model.DefaultRequestTTL),
	}
	streamCfg := api.StreamConfig{
		MaxLifetime:    getenvSeconds("SSE_MAX_SECONDS", 300*time.Second),
		MinInterval:    getenvMillis("SSE_MIN_INTERVAL_MS", 500*time.Millisecond),
		MaxInterval:    getenvMillis("SSE_MAX_INTERVAL_MS", 5*time.Second),
		HeartbeatEvery: getenvSeconds("SSE_HEARTBEAT_SECONDS", 15*time.Second),
		RetryMS:        getenvInt("SSE_RETRY_MS", 2000),
		OneConnPerTab:  getenvBool("SSE_ONE_CONN_PER_TAB", true),
	}

	db, err := storage.Open(ctx, storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	logger := obs.NewLogger()
	metrics := obs.NewMetrics()

	svc := model.NewService(db.DB, logger, metrics, svcCfg)
	apiServer := api.NewServer(svc, db.DB, logger, metrics, streamCfg)

	mon := model.NewExpirationMonitor(db.DB, logger, metrics, 500*time.Millisecond)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("transferlockd up addr=%s db=%s lease_ttl=%s", addr, dbPath, svcCfg.LeaseTTL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	// Graceful shutdown gives open event streams a moment to flush their
	// closed frames.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	wg.Wait()
	log.Printf("transferlockd stopped")
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("bad %s=%q: %v", k, v, err)
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("bad %s=%q: %v", k, v, err)
	}
	return b
}

func getenvSeconds(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		return time.Duration(getenvInt(k, 0)) * time.Second
	}
	return def
}

func getenvMillis(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		return time.Duration(getenvInt(k, 0)) * time.Millisecond
	}
	return def
}
