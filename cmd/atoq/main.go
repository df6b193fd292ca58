// Command atoq inspects and services ato queue files.
//
//	atoq -app my-agent stat    # count and age of queued records
//	atoq -app my-agent drain   # print queued records as JSON lines and empty the file
//	atoq -app my-agent flush   # deliver queued records to the collector now
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/ato/internal/config"
	"github.com/ashita-ai/ato/internal/delivery"
	"github.com/ashita-ai/ato/internal/queue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	app := flag.String("app", "", "application identity (required)")
	dir := flag.String("dir", "", "queue directory (default: host temp dir)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *app != "" {
		cfg.AppName = *app
	}
	if *dir != "" {
		cfg.QueueDir = *dir
	}
	if cfg.AppName == "" {
		return fmt.Errorf("-app is required (or set ATO_APP_NAME)")
	}

	q := queue.New(queue.PathFor(cfg.QueueDir, cfg.AppName), logger)

	switch flag.Arg(0) {
	case "stat":
		return stat(ctx, q)
	case "drain":
		return drain(ctx, q)
	case "flush":
		return flush(ctx, q, cfg, logger)
	default:
		return fmt.Errorf("usage: atoq -app NAME [-dir DIR] <stat|drain|flush>")
	}
}

func stat(ctx context.Context, q *queue.Queue) error {
	spans, err := q.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("queue file: %s\n", q.Path())
	fmt.Printf("records:    %d\n", len(spans))
	if len(spans) > 0 {
		now := time.Now().UTC()
		oldest := spans[0].Age(now)
		for i := range spans {
			oldest = max(oldest, spans[i].Age(now))
		}
		fmt.Printf("oldest:     %s\n", oldest.Round(time.Second))
	}
	return nil
}

func drain(ctx context.Context, q *queue.Queue) error {
	// No TTL or capacity: the operator asked for everything, as-is.
	res, err := q.DrainAll(ctx, 0, 0)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range res.Spans {
		if err := enc.Encode(&res.Spans[i]); err != nil {
			return err
		}
	}
	return nil
}

func flush(ctx context.Context, q *queue.Queue, cfg config.Config, logger *slog.Logger) error {
	pipe := delivery.New(delivery.Config{
		Store:       q,
		AppName:     cfg.AppName,
		BaseURL:     cfg.CollectorURL,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxSendAttempts,
		TTL:         cfg.QueueTTL,
		Capacity:    cfg.QueueCapacity,
		Timeout:     cfg.RequestTimeout,
		Logger:      logger,
	})
	if err := pipe.Flush(ctx); err != nil {
		return err
	}
	fmt.Printf("delivered %d records\n", pipe.Delivered())
	return nil
}
