package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"aegis/api"
	"aegis/config"
	"aegis/manager"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║      🛡  Aegis - AI-Directed Futures Trading Loop          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("ℹ️  No .env file found, continuing with OS environment variables")
		} else {
			log.Printf("⚠️  Failed to load .env file: %v", err)
		}
	}

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	log.Printf("📋 Loading configuration file: %s", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	if envPort := os.Getenv("PORT"); envPort != "" {
		if portNum, err := strconv.Atoi(envPort); err == nil {
			cfg.APIServerPort = portNum
			log.Printf("✓ Using PORT from environment: %d", portNum)
		}
	}

	log.Printf("✓ Configuration loaded: %d instrument(s), provider %s, exchange %s",
		len(cfg.Instruments), cfg.AI.Provider, cfg.Exchange.Mode)

	mgr, err := manager.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize: %v", err)
	}

	fmt.Println()
	fmt.Println("🏁 Instruments:")
	for _, inst := range cfg.Instruments {
		fmt.Printf("  • %s: cadence %s, fast check %s, max %dx, cap %.0f USDT\n",
			inst.Symbol, inst.Cadence(), inst.FastCheckInterval(),
			inst.MaxLeverage, inst.MaxPositionNotional)
	}
	fmt.Println()
	if cfg.Exchange.Mode == "binance" {
		fmt.Println("⚠️  Live trading enabled: real orders will be placed!")
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	apiServer := api.NewServer(mgr, cfg.APIServerPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	mgr.StartAll(context.Background())

	<-sigChan
	fmt.Println()
	log.Println("📛 Received shutdown signal, stopping all loops...")
	mgr.StopAll()
	fmt.Println("👋 Shutdown complete")
}
