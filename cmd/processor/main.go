package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/agicash/walletcore/config"
	"github.com/agicash/walletcore/internal/database"
	"github.com/agicash/walletcore/internal/ledger"
	"github.com/agicash/walletcore/internal/mintclient"
	"github.com/agicash/walletcore/internal/processor"
	"github.com/agicash/walletcore/internal/receivequote"
	"github.com/agicash/walletcore/internal/sendquote"
	"github.com/agicash/walletcore/internal/sendswap"
	"github.com/agicash/walletcore/internal/sparkclient"
	"github.com/agicash/walletcore/internal/tokenswap"
	"github.com/agicash/walletcore/internal/transaction"
	"github.com/agicash/walletcore/internal/walletkeys"
	"github.com/agicash/walletcore/pkg/cache"
	"github.com/agicash/walletcore/pkg/logger"
	"github.com/agicash/walletcore/pkg/queue"
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

	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	if err := cache.Init(redisCfg); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cache.Close()

	var dbCfg database.Config
	if err := copier.Copy(&dbCfg, &cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database connection: %w", err)
	}
	defer db.Close()

	keys, err := walletkeys.NewFromMnemonic(cfg.Codec.WalletMnemonic)
	if err != nil {
		return fmt.Errorf("failed to derive wallet keys: %w", err)
	}
	masterKeys, err := walletkeys.NewMasterKeyProvider(cfg.Codec.WalletMnemonic)
	if err != nil {
		return fmt.Errorf("failed to derive wallet master key: %w", err)
	}

	ledgerRepo := ledger.NewPostgresRepository(db.Pool(), keys)
	ledg := ledger.New(ledgerRepo)

	proj := transaction.NewProjector(transaction.NewPostgresRepository(db.Pool()))

	mintTimeout := mintclient.DefaultTimeout
	if cfg.Mint.RequestTimeoutSeconds > 0 {
		mintTimeout = time.Duration(cfg.Mint.RequestTimeoutSeconds) * time.Second
	}
	mints := processor.NewMints(ledg, mintTimeout)

	var sparkClient *sparkclient.Client
	if cfg.Spark.Endpoint != "" {
		sparkCfg := sparkclient.Config{
			Endpoint:          cfg.Spark.Endpoint,
			Network:           cfg.Spark.Network,
			SessionTokenFile:  cfg.Spark.SessionTokenFile,
			TLSCertPath:       cfg.Spark.TLSCertPath,
			RequestTimeoutSec: cfg.Spark.RequestTimeoutSec,
		}
		var err error
		sparkClient, err = sparkclient.Dial(sparkCfg)
		if err != nil {
			return fmt.Errorf("failed to dial spark: %w", err)
		}
		defer sparkClient.Close()
	}

	cashuReceiveRepo := receivequote.NewPostgresRepository(db.Pool(), keys)
	sparkReceiveRepo := cashuReceiveRepo
	var sparkReceiveEngine *receivequote.SparkEngine
	if sparkClient != nil {
		sparkReceiveEngine = receivequote.NewSparkEngine(sparkReceiveRepo, sparkClient)
	}

	cashuSendRepo := sendquote.NewPostgresRepository(db.Pool(), keys)
	sparkSendRepo := cashuSendRepo

	tokenSwapRepo := tokenswap.NewPostgresRepository(db.Pool(), keys)
	sendSwapRepo := sendswap.NewPostgresRepository(db.Pool(), keys)

	drivers := []processor.Driver{
		processor.NewCashuReceiveDriver(cashuReceiveRepo, ledg, masterKeys, mints, proj),
		processor.NewCashuSendDriver(cashuSendRepo, ledg, masterKeys, mints, proj),
		processor.NewSparkSendDriver(sparkSendRepo),
		processor.NewTokenSwapDriver(tokenSwapRepo, ledg, masterKeys, mints, proj),
		processor.NewSendSwapDriver(sendSwapRepo, tokenSwapRepo, ledg, masterKeys, mints, proj),
	}
	if sparkReceiveEngine != nil {
		drivers = append(drivers, processor.NewSparkReceiveDriver(sparkReceiveRepo, sparkReceiveEngine, proj))
	}

	stream := queue.NewStreamQueue(cache.Client)
	proc := processor.New(stream, cfg.Processor.ConsumerGroup, cfg.Processor.ConsumerName, drivers...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("processor starting", zap.String("consumer", cfg.Processor.ConsumerName))
	if err := proc.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("processor stopped: %w", err)
	}
	logger.Info("processor stopped")
	return nil
}
