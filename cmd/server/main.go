/*
main.go - Referral engine server entrypoint

Wires the sqlite store, tree accessor, policy resolver, reward engine,
batch processor and claim aggregator behind the HTTP API, and runs the
background reward-job worker.

The claim lock defaults to the in-process provider; pass -redis to use
a shared Redis lock when more than one instance runs against the same
database.

USAGE:
  server [-port 8080] [-db referral.db] [-redis redis://host:6379]
         [-workers 16] [-poll 2s] [-cache-ttl 30s]
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/lock/redislock"
	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

func main() {
	var (
		port     = flag.Int("port", 8080, "HTTP listen port")
		dbPath   = flag.String("db", "referral.db", "sqlite database path")
		redisURL = flag.String("redis", "", "redis address for distributed claim locks (optional)")
		workers  = flag.Int("workers", 16, "concurrent events per reward batch")
		poll     = flag.Duration("poll", 2*time.Second, "reward-job poll interval")
		cacheTTL = flag.Duration("cache-ttl", 30*time.Second, "ancestor chain cache TTL (0 disables)")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("open store", zap.String("path", *dbPath), zap.Error(err))
	}
	defer store.Close()

	var locks referral.LockProvider = referral.NewMemoryLockProvider()
	if *redisURL != "" {
		client, err := redislock.Connect(context.Background(), *redisURL)
		if err != nil {
			logger.Fatal("connect redis", zap.String("addr", *redisURL), zap.Error(err))
		}
		defer client.Close()
		locks = redislock.New(client)
		logger.Info("using redis claim locks", zap.String("addr", *redisURL))
	}

	tree := referral.NewAccessor(store, *cacheTTL)
	resolver := referral.NewResolver(store)
	engine := referral.NewEngine(store, logger)
	processor := referral.NewProcessor(tree, resolver, engine, store, logger)
	processor.Concurrency = *workers
	aggregator := referral.NewAggregator(store, store, locks, logger)

	handler := api.NewHandler(store, tree, resolver, processor, aggregator, logger)
	router := api.NewRouter(handler)

	worker := api.NewWorker(store, processor, logger)
	worker.PollInterval = *poll
	worker.Start()
	defer worker.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", *port), zap.String("db", *dbPath))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}
}
