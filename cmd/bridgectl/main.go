package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/sigbridge/internal/config"
	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/service"
)

func main() {
	path := flag.String("config", "cmd/bridgectl/config.toml", "bridge config path")
	envPath := flag.String("env", "", "dotenv file applied before the config (defaults to ./.env)")
	flag.Parse()

	config.LoadDotEnv(*envPath)
	logging.ConfigureRuntime()

	cfg, err := config.LoadBridgeConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}
