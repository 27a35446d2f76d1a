package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mohamedebrahem13/ble-order/bluetooth"
	"github.com/mohamedebrahem13/ble-order/config"
	"github.com/mohamedebrahem13/ble-order/orders"
	"github.com/mohamedebrahem13/ble-order/server"
	"github.com/mohamedebrahem13/ble-order/session"
	"github.com/mohamedebrahem13/ble-order/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to TOML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		deviceName = flag.String("device", "", "Cashier device name filter (overrides config)")
		dbPath     = flag.String("db", "", "Order database path (overrides config)")
		logFile    = flag.String("log", "", "Log file path (default: stderr)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *deviceName != "" {
		cfg.DeviceName = *deviceName
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}

	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("Warning: Could not open log file: %v", err)
		} else {
			defer file.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, file))
			log.Printf("Logging to %s", cfg.LogFile)
		}
	}

	log.Println("========================================")
	log.Println("Starting ble-order Service")
	log.Println("========================================")
	log.Printf("Configuration:")
	log.Printf("  Device name:     %s", cfg.DeviceName)
	log.Printf("  Scan timeout:    %v", cfg.ScanTimeout)
	log.Printf("  Reconnect delay: %v", cfg.ReconnectDelay)
	log.Printf("  Chunk delay:     %v", cfg.ChunkDelay)
	log.Printf("  Database:        %s", cfg.DBPath)
	log.Printf("  Port:            %d", cfg.Port)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Printf("Warning: Could not create database directory: %v", err)
	}

	store, err := orders.OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open order store: %v", err)
	}
	defer store.Close()
	log.Println("Order store opened")

	transport, err := bluetooth.NewBluezTransport()
	if err != nil {
		log.Fatalf("Failed to initialize BlueZ transport: %v", err)
	}
	log.Println("BlueZ transport initialized")

	ctrl := bluetooth.NewController(transport, cfg.DeviceName,
		bluetooth.WithScanTimeout(cfg.ScanTimeout),
		bluetooth.WithReconnectDelay(cfg.ReconnectDelay),
		bluetooth.WithChunkDelay(cfg.ChunkDelay))
	queue := orders.NewQueue(store, ctrl)

	dispatcher := session.NewDispatcher(ctrl, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	hub := utils.NewHub()
	srv := server.NewServer(dispatcher, store, hub)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx, cfg.Port); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-errChan:
		log.Printf("HTTP server failed: %v", err)
	}

	if err := srv.Stop(); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	cancel()
	dispatcher.Close()
	log.Println("ble-order service stopped")
}
