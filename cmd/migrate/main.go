package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jinzhu/copier"

	"github.com/agicash/walletcore/config"
	"github.com/agicash/walletcore/internal/database"
	"github.com/agicash/walletcore/pkg/logger"
)

var cfg config.AppConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filename)
	configPath := config.Path(root).Join("config.toml", "..", "..")
	if err := config.Load(configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var dbCfg database.Config
	if err := copier.Copy(&dbCfg, &cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	defer db.Close()

	logger.Info("running migrations")
	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
