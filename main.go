// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/watchbox/boxsync/internal/app"
	"github.com/watchbox/boxsync/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "boxsync.json", "Path to the config file")
	userFlag = flag.String("user", "", "Username for backend login")
	passFlag = flag.String("pass", "", "Password for backend login")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("boxsync v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 || args[0] != "join" {
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		}
		showUsage()
		os.Exit(1)
	}
	boxID := args[1]

	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		os.Exit(1)
	}

	cfgPath, err := filepath.Abs(*cfgFlag)
	if err != nil {
		log.Fatalf("Invalid config path: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		CfgPath:  cfgPath,
		Cfg:      cfg,
		BoxID:    boxID,
		Username: *userFlag,
		Password: *passFlag,
	}); err != nil {
		log.Fatalf("boxsync failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("boxsync - shared watch sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  boxsync -user <name> [-pass <password>] join <box-id>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  join <box-id>")
	fmt.Println("        Join a box and follow its playback, chat and call streams")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>  Config file (default: boxsync.json)")
	fmt.Println("  -user <name>    Backend username")
	fmt.Println("  -pass <pw>      Backend password")
	fmt.Println("  -h              Show this help message")
	fmt.Println("  -version        Show version")
}
