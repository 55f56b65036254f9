package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/pairvolume/api"
	"github.com/gregtusar/pairvolume/internal/config"
	"github.com/gregtusar/pairvolume/pkg/lighter"
	"github.com/gregtusar/pairvolume/pkg/metrics"
	"github.com/gregtusar/pairvolume/pkg/models"
	"github.com/gregtusar/pairvolume/pkg/session"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Delta neutral volume trader",
		Long:  `Runs randomized, offsetting sessions across two exchange accounts to generate volume with near-zero net exposure`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Print the balance of both accounts and exit",
		Run:   runBalance,
	}
	rootCmd.AddCommand(balanceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger and exchange gateway shared
// by every command.
func setup() (*config.Config, *lighter.Executor, *lighter.Gateway, func()) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Warn("Failed to load env file")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	closeLog, err := configureLogger(logger, cfg.Logging)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure logging")
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	exec, err := lighter.NewExecutor(cfg.ExecutorConfig(), cfg.Credentials(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create request executor")
	}
	gateway := lighter.NewGateway(exec, logger)

	return cfg, exec, gateway, closeLog
}

func runTrader(cmd *cobra.Command, args []string) {
	cfg, exec, gateway, closeLog := setup()
	defer closeLog()
	defer exec.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logBalances(ctx, exec, gateway)

	rng := session.NewRand(time.Now().UnixNano())
	engine, err := session.NewEngine(gateway, cfg.SessionConfig(), rng, session.RealClock, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session engine")
	}
	scheduler := session.NewScheduler(engine, cfg.SchedulerConfig(), rng, session.RealClock, logger)

	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(engine, scheduler, logger, fmt.Sprintf("%d", cfg.Server.Port))
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	var stream *lighter.TickerStream
	if sc := cfg.StreamConfig(); sc.URL != "" {
		stream = lighter.NewTickerStream(sc, cfg.Trading.Symbols, func(t models.Ticker) {
			metrics.LastPrice.WithLabelValues(t.Symbol).Set(t.LastPrice.InexactFloat64())
			if apiServer != nil {
				apiServer.UpdateTicker(t)
			}
		}, logger)
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Ticker stream stopped")
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- scheduler.Run(ctx)
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Pair volume trader is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
		scheduler.Stop()
		select {
		case err := <-done:
			logRunResult(err)
		case <-sigChan:
			logger.Warn("Second signal received, aborting in-flight session")
			cancel()
			logRunResult(<-done)
		}
	case err := <-done:
		logRunResult(err)
	}

	// Graceful shutdown
	if stream != nil {
		stream.Close()
	}
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown")
		}
		shutdownCancel()
	}
	cancel()

	logger.Info("Pair volume trader shutdown complete")
}

func logRunResult(err error) {
	var serr *session.SchedulerError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("Daily cycle finished")
	case errors.As(err, &serr):
		logger.WithError(err).Fatal("Daily cycle could not be planned")
	default:
		logger.WithError(err).Error("Daily cycle ended with error")
	}
}

func runBalance(cmd *cobra.Command, args []string) {
	_, exec, gateway, closeLog := setup()
	defer closeLog()
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if !logBalances(ctx, exec, gateway) {
		os.Exit(1)
	}
}

func logBalances(ctx context.Context, exec *lighter.Executor, gateway *lighter.Gateway) bool {
	ok := true
	for account := 0; account < 2; account++ {
		balance, err := gateway.GetBalance(ctx, account)
		if err != nil {
			logger.WithError(err).WithField("account", exec.AccountName(account)).Error("Failed to fetch balance")
			ok = false
			continue
		}
		logger.WithFields(logrus.Fields{
			"account": exec.AccountName(account),
			"balance": balance,
		}).Info("Account balance")
	}
	return ok
}
