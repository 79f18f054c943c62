// Command aegis-keysvc runs the per-database encryption key service, or
// exercises it once via the roundtrip subcommand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sebastian464/couchdb/cache"
	"github.com/Sebastian464/couchdb/config"
	"github.com/Sebastian464/couchdb/keymanager"
	"github.com/Sebastian464/couchdb/keyservice"
	"github.com/Sebastian464/couchdb/server"
	"github.com/Sebastian464/couchdb/telemetry"
	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

var cli struct {
	Serve     ServeCmd     `cmd:"" help:"Start the key service and its metrics endpoint."`
	Roundtrip RoundtripCmd `cmd:"" help:"Init a database, encrypt and decrypt one payload, and exit."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("aegis-keysvc"),
		kong.Description("Per-database encryption key service."),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

// ServeCmd starts the long-running key service.
type ServeCmd struct {
	LogLevel     string `enum:"debug,info,warn,error" default:"info" help:"Log level."`
	LogFormat    string `enum:"text,json" default:"text" help:"Log format."`
	Address      string `default:":8443" help:"Address for the HTTP API and /metrics endpoint."`
	AuthToken    string `help:"Bearer token required on every request except /health and /metrics."`
	OTLPEndpoint string `help:"OTLP gRPC collector endpoint; disabled if empty."`
	Prometheus   bool   `default:"true" help:"Expose a Prometheus /metrics endpoint."`
}

func (c *ServeCmd) Run() error {
	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, shutdownMetrics, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:      "aegis-keysvc",
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	keyCache := cache.New(cache.Config{
		Limit:         cfg.CacheLimit,
		MaxAge:        time.Duration(cfg.CacheMaxAgeSec) * time.Second,
		CheckInterval: time.Duration(cfg.CacheExpirationCheckSec) * time.Second,
		Metrics:       metrics,
		Logger:        logger,
	})
	keyCache.Start(ctx)
	defer keyCache.Stop()

	km := keymanager.NewStatic()
	kms := keyservice.New(keyCache, km, metrics, logger)

	srv, err := server.New(server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger,
	}, kms, keyCache, metrics)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			srvErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fatalErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-cacheErr(keyCache):
		logger.Error("key cache reported a fatal invariant violation", "error", err)
		fatalErr = err
	case err := <-srvErrCh:
		logger.Error("server failed", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := shutdownMetrics(shutdownCtx); err != nil {
		return err
	}
	return fatalErr
}

func cacheErr(c *cache.Cache) <-chan error {
	return c.Err()
}

// RoundtripCmd is a one-shot smoke test of InitDB/Encrypt/Decrypt.
type RoundtripCmd struct {
	DB      string `required:"" help:"UUID of the database to exercise."`
	Payload string `default:"hello, aegis" help:"Plaintext payload to encrypt and decrypt."`
}

func (c *RoundtripCmd) Run() error {
	logger, err := newLogger("info", "text")
	if err != nil {
		return err
	}

	id, err := uuid.Parse(c.DB)
	if err != nil {
		return fmt.Errorf("parsing --db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keyCache := cache.New(cache.Config{Limit: 100, MaxAge: time.Hour, CheckInterval: time.Minute, Logger: logger})
	keyCache.Start(ctx)
	defer keyCache.Stop()

	km := keymanager.NewStatic()
	kms := keyservice.New(keyCache, km, nil, logger)

	desc := keymanager.Descriptor{ID: id}
	if ok := kms.InitDB(ctx, desc, nil); !ok {
		return fmt.Errorf("init_db failed for %s", id)
	}

	ciphertext, err := kms.Encrypt(ctx, desc, "roundtrip", []byte(c.Payload))
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	plaintext, err := kms.Decrypt(ctx, desc, "roundtrip", ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	ok := string(plaintext) == c.Payload
	fmt.Printf("db=%s envelope_bytes=%d round_trip_ok=%t\n", id, len(ciphertext), ok)
	if !ok {
		return fmt.Errorf("round trip mismatch: got %q, want %q", plaintext, c.Payload)
	}
	return nil
}
