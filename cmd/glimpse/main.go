package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/glimpsedev/glimpse/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "override glimpse config path (optional)")
	flag.Parse()

	// Optional .env for local overrides; absence is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{ConfigPath: *configPath}); err != nil {
		fmt.Fprintf(os.Stderr, "glimpse: %v\n", err)
		return 1
	}
	return 0
}
