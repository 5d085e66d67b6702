package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"meter-collector/pkg/collector"
)

func main() {
	var opts collector.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/config.yaml", "path to YAML config")
	flag.StringVar(&opts.EnvFile, "env", ".env", "path to .env file (optional)")
	flag.StringVar(&opts.DBPath, "db", "", "override catalog.db_path")
	flag.StringVar(&opts.SeedFile, "seed", "", "catalog YAML used to seed an empty database")
	flag.StringVar(&opts.APIListen, "listen", "", "enable the HTTP API on this address")
	flag.BoolVar(&opts.RunOnStart, "run-on-start", false, "start a cycle immediately")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal: %v, shutting down...", s)
		cancel()
	}()

	if err := collector.Run(ctx, opts); err != nil {
		log.Fatalf("collector exited with error: %v", err)
	}
}
