package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-coord/config"
	"github.com/agentuity/go-coord/coord"
	"github.com/agentuity/go-coord/kv"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <redis-url> <command> [args]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  lock <resource> <lease>     acquire, hold for half the lease, release\n")
	fmt.Fprintf(os.Stderr, "  allow <identity> <limit>    run one admission check (1s window)\n")
	fmt.Fprintf(os.Stderr, "  get <key>                   print a raw store value\n")
	fmt.Fprintf(os.Stderr, "  invalidate <key>            drop a cache entry\n")
	fmt.Fprintf(os.Stderr, "Example: %s redis://localhost:6379 lock users:email:ana@example.com 5s\n", os.Args[0])
	os.Exit(1)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	redisURL := os.Args[1]
	command := os.Args[2]
	args := os.Args[3:]

	ctx := context.Background()
	log := logger.NewConsoleLogger(logger.LevelInfo)

	store, err := kv.NewRedisFromURL(ctx, redisURL, kv.WithLogger(log))
	if err != nil {
		fatal("Error connecting to store: %v", err)
	}
	defer store.Close()

	cfg := config.Default()
	layer := coord.FromConfigWithStore(store, cfg, log)

	switch command {
	case "lock":
		if len(args) != 2 {
			usage()
		}
		lease, err := time.ParseDuration(args[1])
		if err != nil {
			fatal("Error parsing lease: %v", err)
		}
		h, err := layer.Locker.Acquire(ctx, args[0], lease, cfg.LockMaxWait)
		if err != nil {
			fatal("Error acquiring lock: %v", err)
		}
		fmt.Printf("Acquired %s (fence %d, lease until %s)\n", h.Resource, h.FencingToken, h.LeaseDeadline.Format(time.RFC3339))
		// Hold for half the lease so the release still beats expiry.
		time.Sleep(lease / 2)
		released, err := layer.Locker.Release(ctx, h)
		if err != nil {
			fatal("Error releasing lock: %v", err)
		}
		fmt.Printf("Released: %v\n", released)

	case "allow":
		if len(args) != 2 {
			usage()
		}
		var limit int64
		if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
			fatal("Error parsing limit: %v", err)
		}
		allowed, err := layer.Limiter.Allow(ctx, args[0], limit, cfg.RateLimitWindow)
		if err != nil {
			fatal("Error checking admission: %v", err)
		}
		fmt.Printf("Allowed: %v\n", allowed)

	case "get":
		if len(args) != 1 {
			usage()
		}
		val, found, err := store.Get(ctx, args[0])
		if err != nil {
			fatal("Error reading key: %v", err)
		}
		if !found {
			fmt.Println("(absent)")
			return
		}
		fmt.Printf("%q\n", val)

	case "invalidate":
		if len(args) != 1 {
			usage()
		}
		if err := layer.Cache.Invalidate(ctx, args[0]); err != nil {
			fatal("Error invalidating: %v", err)
		}
		fmt.Printf("Invalidated %s\n", args[0])

	default:
		usage()
	}
}
