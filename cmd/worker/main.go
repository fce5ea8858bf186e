package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"outbound-dialer/internal/ami"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/logging"
	"outbound-dialer/internal/node"
	"outbound-dialer/internal/outcome"
	"outbound-dialer/internal/store"
)

var (
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Dialer worker: claims campaigns, paces and places calls, follows the switch",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	var sink outcome.Publisher = outcome.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := outcome.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		sink = outcome.NewAsync(kp, cfg.Kafka.Buffer, logger.Named("outcome"))
	}
	defer sink.Close()

	sw := ami.NewClient(ami.Config{
		Addr:           cfg.Switch.Addr,
		Username:       cfg.Switch.Username,
		Secret:         cfg.Switch.Secret,
		DialTimeout:    cfg.Switch.ActionTimeout,
		ActionTimeout:  cfg.Switch.ActionTimeout,
		PingInterval:   cfg.Switch.PingInterval,
		ReconnectDelay: cfg.Switch.ReconnectDelay,
	}, logger.Named("ami"))

	n, err := node.New(node.Deps{
		Config:   cfg,
		Redis:    rdb,
		Store:    st,
		Switch:   sw,
		Outcomes: sink,
		Log:      logger.Named("node"),
	})
	if err != nil {
		return err
	}

	logger.Info("worker running",
		zap.String("worker_id", cfg.WorkerID),
		zap.String("switch", cfg.Switch.Addr),
		zap.Int("max_campaigns", cfg.Lease.MaxCampaigns))
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
