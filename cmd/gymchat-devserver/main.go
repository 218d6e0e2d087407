package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/devserver"
	"github.com/gymlink/gymchat/internal/logging"
	"github.com/gymlink/gymchat/internal/store"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	issue := flag.String("issue-token", "", "print a token for this user id and exit")
	reset := flag.Bool("reset", false, "drop and recreate the schema before serving")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	addr := getenv("DEVSERVER_ADDR", ":8080")
	dbPath := getenv("DEVSERVER_DB", "gymchat-dev.db")
	publicURL := getenv("DEVSERVER_PUBLIC_URL", "http://localhost"+addr)
	secret := os.Getenv("DEVSERVER_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "error: DEVSERVER_SECRET is required")
		os.Exit(1)
	}

	if *issue != "" {
		tok, err := devserver.IssueToken([]byte(secret), *issue, 30*24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	logger, err := logging.NewConsole(getenv("DEVSERVER_LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, addr, dbPath, publicURL, []byte(secret), *reset); err != nil {
		logger.Fatal("dev server failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, addr, dbPath, publicURL string, secret []byte, reset bool) error {
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if reset {
		if err := db.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		logger.Info("schema reset")
	}
	result, err := db.Migrate()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("store ready",
		zap.String("path", dbPath),
		zap.Uint("version", result.Version),
		zap.Bool("migrated", result.Changed),
	)

	srv := devserver.New(db, devserver.Config{Secret: secret, PublicURL: publicURL}, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		_ = srv.Shutdown()
	}()

	return srv.Listen(addr)
}
