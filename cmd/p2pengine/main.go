package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/shurlinet/p2pengine/internal/config"
	"github.com/shurlinet/p2pengine/internal/identity"
	"github.com/shurlinet/p2pengine/pkg/engine"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "whoami":
		runWhoami(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("p2pengine %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: p2pengine <command> [options]")
	fmt.Println()
	fmt.Println("  run [--config path]     Start the engine and block until shutdown")
	fmt.Println("  whoami [--config path]  Print this node's peer id")
	fmt.Println("  version                 Show version information")
	fmt.Println()
	fmt.Println("Without --config, p2pengine looks for ./p2pengine.yaml.")
}

func configPath(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return "p2pengine.yaml"
}

func runWhoami(args []string) {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	keyPath := cfg.PrivateKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(".", "identity.key")
	}
	pub, err := identity.PublicKeyFromKeyFile(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%x\n", pub)
}

func runRun(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath(args))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		slog.Error("build engine", "error", err)
		os.Exit(1)
	}
	slog.Info("engine started", "node_id", eng.NodeID(), "direct_addresses", eng.DirectAddresses())

	<-ctx.Done()
	slog.Info("shutting down")
	if err := eng.Shutdown(); err != nil {
		slog.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
