package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/akatsuki-hq/dispatch/internal/apikey"
	"github.com/akatsuki-hq/dispatch/internal/calllog"
	"github.com/akatsuki-hq/dispatch/internal/config"
	"github.com/akatsuki-hq/dispatch/internal/dispatch"
	"github.com/akatsuki-hq/dispatch/internal/events"
	"github.com/akatsuki-hq/dispatch/internal/functions"
	"github.com/akatsuki-hq/dispatch/internal/gateway"
	"github.com/akatsuki-hq/dispatch/internal/lock"
	"github.com/akatsuki-hq/dispatch/internal/log"
	"github.com/akatsuki-hq/dispatch/internal/queue"
	"github.com/akatsuki-hq/dispatch/internal/ratelimit"
	"github.com/akatsuki-hq/dispatch/internal/registry"
	"github.com/akatsuki-hq/dispatch/internal/storage"
	"github.com/akatsuki-hq/dispatch/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "key":
		os.Exit(runKeyNoun(args))

	case "start":
		os.Exit(runStart(args))
	case "version":
		fmt.Printf("dispatchd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`dispatchd - durable function-call dispatch service

Usage:
  dispatchd <noun> <action> [flags]

System Commands:
  system start      Start the gateway and poller in foreground

Key Commands:
  key mint          Mint an API key (prints the secret once)

General:
  version           Show version information
  help              Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd system start [flags]")
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runKeyNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: dispatchd key mint [flags]")
		return 1
	}
	switch args[0] {
	case "mint":
		return runKeyMint(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown key action: %s\n", args[0])
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		return 1
	}
	defer db.Close()

	reg := registry.New()
	if err := functions.RegisterBuiltins(reg); err != nil {
		logger.Error("failed to register builtin functions", "error", err)
		return 1
	}

	q := queue.New(db)
	calls := calllog.New(db)
	disp := dispatch.New(reg, q, calls)
	hub := events.NewHub(256)

	if cfg.Worker.Enabled {
		// The pid lock guarantees a single claimer per state directory.
		pl, err := lock.Acquire(cfg.State.LockPath)
		if err != nil {
			logger.Error("another dispatchd poller appears to be running", "lock", cfg.State.LockPath, "error", err)
			return 1
		}
		defer func() { _ = pl.Release() }()

		w := worker.New(worker.Config{
			TickInterval: cfg.Service.TickInterval,
			BatchSize:    cfg.Service.BatchSize,
		}, q, reg, hub)
		w.Start(ctx)
		defer w.Stop()
	}

	if !cfg.Gateway.Enabled {
		logger.Info("gateway disabled; running poller only")
		<-ctx.Done()
		return 0
	}

	auth := apikey.NewAuthenticator(apikey.NewStore(db))
	limiter := ratelimit.New(db)
	usage := gateway.NewUsageRecorder(db)
	srv := gateway.New(gateway.Config{
		Listen:     cfg.Gateway.Listen,
		AuthHeader: cfg.Gateway.AuthHeader,
		Targets:    cfg.Gateway.Targets,
	}, auth, limiter, q, usage, disp, reg)

	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("gateway stopped", "error", err)
		return 1
	}
	return 0
}

func runKeyMint(args []string) int {
	fs := flag.NewFlagSet("key mint", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	entity := fs.String("entity", "", "entity this key is authorized for")
	ops := fs.String("ops", "list,get", "comma-separated allowed operations")
	rpm := fs.Int("rpm", 60, "requests per minute")
	rpd := fs.Int("rpd", 10000, "requests per day")
	ttl := fs.Duration("ttl", 0, "key lifetime (0 = no expiry)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *entity == "" {
		fmt.Fprintln(os.Stderr, "Error: --entity is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	var expiresAt *time.Time
	if *ttl > 0 {
		t := time.Now().UTC().Add(*ttl)
		expiresAt = &t
	}

	store := apikey.NewStore(db)
	key, secret, err := store.Create(ctx, apikey.CreateParams{
		Entity:             *entity,
		AllowedOperations:  strings.Split(*ops, ","),
		RateLimitPerMinute: *rpm,
		RateLimitPerDay:    *rpd,
		ExpiresAt:          expiresAt,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("key_id: %s\n", key.ID)
	fmt.Printf("entity: %s\n", key.Entity)
	fmt.Printf("secret: %s\n", secret)
	fmt.Println("Store the secret now; it is not recoverable.")
	return 0
}
