// Command mediacache-probe exercises a Cache against a real origin URL
// from the command line: fetch a byte range, print progress as it
// lands, then report what ended up on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/meigma/mediacache"
)

type config struct {
	url         string
	cacheDir    string
	offset      int64
	length      int64
	preload     bool
	priority    string
	strategy    string
	maxSize     int64
	concurrency int64
	verbose     bool
}

func main() {
	cfg := parseFlags()

	var logger *slog.Logger
	if cfg.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	priority, err := parsePriority(cfg.priority)
	if err != nil {
		log.Fatal(err)
	}
	strategy, err := parseStrategy(cfg.strategy)
	if err != nil {
		log.Fatal(err)
	}

	opts := []mediacache.Option{
		mediacache.WithCacheDirectory(cfg.cacheDir),
		mediacache.WithMaxCacheSizeBytes(cfg.maxSize),
		mediacache.WithMaxConcurrentDownloads(cfg.concurrency),
		mediacache.WithCleanupStrategy(strategy),
		mediacache.WithProgress(func(key, url string, percent float64, cachedBytes, totalBytes int64) {
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%d/%d bytes)", key, percent, cachedBytes, totalBytes)
		}),
	}
	if logger != nil {
		opts = append(opts, mediacache.WithLogger(logger))
	}

	c, err := mediacache.NewCache(opts...)
	if err != nil {
		log.Fatalf("mediacache.NewCache: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if cfg.preload {
		runPreload(c, cfg, priority)
		return
	}
	runRead(ctx, c, cfg)
}

func runRead(ctx context.Context, c *mediacache.Cache, cfg config) {
	req := mediacache.NewRequest("probe", cfg.offset, cfg.length)
	if err := c.HandlePlayerRequest(ctx, cfg.url, req); err != nil {
		log.Fatalf("HandlePlayerRequest: %v", err)
	}

	var total int64
	for chunk := range req.Chunks() {
		if chunk.Err != nil {
			log.Fatalf("fetch failed: %v", chunk.Err)
		}
		total += int64(len(chunk.Data))
		if chunk.Done {
			break
		}
	}
	fmt.Println()
	fmt.Printf("received %d bytes\n", total)

	key, err := c.KeyFor(cfg.url)
	if err != nil {
		log.Fatalf("KeyFor: %v", err)
	}
	res, err := c.GetMetadata(key)
	if err != nil {
		log.Fatalf("GetMetadata: %v", err)
	}
	fmt.Printf("key=%s complete=%v cachedBytes=%d totalLength=%d\n", res.Key, res.IsComplete, res.CachedBytes, res.TotalLength)
}

func runPreload(c *mediacache.Cache, cfg config, priority mediacache.Priority) {
	id, err := c.Preload(cfg.url, priority, cfg.length)
	if err != nil {
		log.Fatalf("Preload: %v", err)
	}
	fmt.Printf("queued preload task %s\n", id)

	for {
		task, ok := c.PreloadStatus(id)
		if !ok {
			log.Fatal("preload task vanished")
		}
		fmt.Printf("\r%s", task.State)
		if task.State.String() == "completed" || task.State.String() == "failed" || task.State.String() == "cancelled" {
			fmt.Println()
			if task.State.String() == "failed" {
				log.Fatalf("preload failed: %s", task.FailReason)
			}
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.url, "url", "", "origin URL to fetch (required)")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "cache directory (default: a fresh temp dir)")
	flag.Int64Var(&cfg.offset, "offset", 0, "byte offset to request")
	flag.Int64Var(&cfg.length, "length", -1, "byte length to request, -1 for open-ended")
	flag.BoolVar(&cfg.preload, "preload", false, "enqueue as a background preload task instead of a foreground read")
	flag.StringVar(&cfg.priority, "priority", "normal", "preload priority: low, normal, high, permanent")
	flag.StringVar(&cfg.strategy, "strategy", "lru", "eviction strategy: lru, lfu, fifo, expired, priority")
	flag.Int64Var(&cfg.maxSize, "max-size", 1<<30, "cache size budget in bytes")
	flag.Int64Var(&cfg.concurrency, "concurrency", 4, "max concurrent preload downloads")
	flag.BoolVar(&cfg.verbose, "v", false, "enable debug logging")
	flag.Parse()

	if cfg.url == "" {
		fmt.Fprintln(os.Stderr, "mediacache-probe: -url is required")
		flag.Usage()
		os.Exit(2)
	}
	if cfg.cacheDir == "" {
		dir, err := os.MkdirTemp("", "mediacache-probe-*")
		if err != nil {
			log.Fatal(err)
		}
		cfg.cacheDir = dir
	}
	return cfg
}

func parsePriority(s string) (mediacache.Priority, error) {
	switch s {
	case "low":
		return mediacache.PriorityLow, nil
	case "normal":
		return mediacache.PriorityNormal, nil
	case "high":
		return mediacache.PriorityHigh, nil
	case "permanent":
		return mediacache.PriorityPermanent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func parseStrategy(s string) (mediacache.Strategy, error) {
	switch s {
	case "lru":
		return mediacache.StrategyLRU, nil
	case "lfu":
		return mediacache.StrategyLFU, nil
	case "fifo":
		return mediacache.StrategyFIFO, nil
	case "expired":
		return mediacache.StrategyExpired, nil
	case "priority":
		return mediacache.StrategyPriority, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", s)
	}
}
