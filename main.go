// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
)

const cfgFile = "goopcall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	setup    = flag.Bool("setup", false, "Ask for peer settings before starting")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]
	switch command {
	case "peer":
		runPeer(dir)
	case "relay":
		runRelay(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string) {
	absDir, cfgPath, cfg, created := loadConfig(peerDirArg)

	if *setup || created || cfg.Identity.UserID == "" {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			fatalf("Failed to save config: %v", err)
		}
	}
	if err := cfg.ValidatePeer(); err != nil {
		fatalf("Invalid config %s: %v", cfgPath, err)
	}

	printBanner("peer", absDir, cfgPath)
	fmt.Printf("Identity:       %s\n", cfg.Identity.UserID)
	fmt.Printf("Relay:          %s\n", cfg.Relay.URL)
	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Local UI API:   %s\n", url)
	}
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fatalf("Peer failed: %v", err)
	}
}

func runRelay(dirArg string) {
	absDir, cfgPath, cfg, _ := loadConfig(dirArg)
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid config %s: %v", cfgPath, err)
	}

	printBanner("relay", absDir, cfgPath)
	fmt.Printf("Listen:         %s:%d\n", cfg.Rendezvous.Bind, cfg.Rendezvous.Port)
	fmt.Println()

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fatalf("Relay failed: %v", err)
	}
}

// loadConfig resolves dir, reads an optional .env there and loads or creates
// the config file with environment overrides applied.
func loadConfig(dirArg string) (absDir, cfgPath string, cfg config.Config, created bool) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fatalf("Create directory %s: %v", absDir, err)
	}
	if err := config.LoadDotEnv(absDir); err != nil {
		fatalf("Load .env: %v", err)
	}

	cfgPath = filepath.Join(absDir, cfgFile)
	cfg, created, err = config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		fatalf("Environment overrides: %v", err)
	}
	return absDir, cfgPath, cfg, created
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("goopcall - two-party calls with chat, presence and invites")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [options] peer <directory>    Run a calling peer")
	fmt.Println("  goopcall [options] relay <directory>   Run the relay service")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run one user's peer. The directory holds goopcall.json")
	fmt.Println("        and an optional .env; both are created on first run.")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the relay (directory, chat, call signaling).")
	fmt.Println("        The sqlite database lives under the directory.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -setup    Ask for peer settings before starting")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  GOOPCALL_USER_ID, GOOPCALL_RELAY_URL, GOOPCALL_LOG_LEVEL, ...")
	fmt.Println("  override the config file; see internal/config/env.go.")
}

func printBanner(mode, dir, cfgPath string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Printf("║ goopcall %-46s║\n", mode)
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
}
