package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"PairAgent-Chain/internal/api"
	"PairAgent-Chain/internal/auth"
	"PairAgent-Chain/internal/config"
	"PairAgent-Chain/internal/journal"
	"PairAgent-Chain/internal/mailbox"
	"PairAgent-Chain/internal/observability/alerting"
	"PairAgent-Chain/internal/observability/metrics"
	"PairAgent-Chain/internal/relay"
	"PairAgent-Chain/internal/web3/provider"
	"PairAgent-Chain/internal/web3/signer"
	"PairAgent-Chain/pkg/logger"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start both agents and the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.Named("pairagentd")
	source, _ := cfg.SourceAddress()
	target, _ := cfg.TargetAddress()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	ledger, err := chains.DefaultClient()
	if err != nil {
		return err
	}
	chainID, err := ledger.ChainID(ctx)
	if err != nil {
		return err
	}
	keySigner, err := signer.FromHex(cfg.Accounts.PrivateKey, chainID)
	if err != nil {
		return err
	}
	if keySigner.Address() != source {
		return fmt.Errorf("私钥地址 %s 与 ADDRESS_SOURCE %s 不一致", keySigner.Address().Hex(), source.Hex())
	}

	factory, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	boxes, err := mailbox.NewPair(factory, cfg.Agents.First, cfg.Agents.Second)
	if err != nil {
		return err
	}
	defer boxes.Close()

	records, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}

	pair, err := relay.NewPair(boxes, relay.Deps{
		Ledger:   ledger,
		Signer:   keySigner,
		Recorder: records,
		Alerter:  alerting.NewFanout(notifiers...),
	}, relay.Settings{
		First:            cfg.Agents.First,
		Second:           cfg.Agents.Second,
		GenerateInterval: cfg.Agents.GenerateInterval.Duration(),
		BalanceInterval:  cfg.Agents.BalanceInterval.Duration(),
		QuietPeriod:      cfg.Agents.QuietPeriod.Duration(),
		PollInterval:     cfg.Mailbox.PollInterval.Duration(),
		DispatchWorkers:  cfg.Agents.DispatchWorkers,
		Words:            cfg.Agents.Words,
		Seed:             uint64(time.Now().UnixNano()),
		Source:           source,
		Target:           target,
		Amount:           big.NewInt(cfg.Transfer.Amount),
		MaxAttempts:      cfg.Transfer.MaxAttempts,
		ConfirmTimeout:   cfg.Transfer.ConfirmTimeout.Duration(),
		GasLimit:         cfg.Transfer.GasLimit,
	})
	if err != nil {
		return err
	}

	log.Info("启动代理",
		slog.String("chain", ledger.Name()),
		slog.String("chain_id", chainID.String()),
		slog.String("mailbox", cfg.Mailbox.Driver),
		slog.String("journal", cfg.Journal.Driver),
		slog.String("source", source.Hex()),
		slog.String("target", target.Hex()),
	)
	if err := pair.Start(ctx); err != nil {
		return err
	}

	guard, err := auth.NewService(cfg.Server.Tokens)
	if err != nil {
		_ = pair.Stop(context.WithoutCancel(ctx))
		return err
	}
	server := api.NewServer(cfg.Server.Address, pair, records,
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Duration()),
		api.WithAuth(guard),
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(gctx) })
	if cfg.Metrics.Enabled {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	group.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return pair.Stop(stopCtx)
	})

	err = group.Wait()
	log.Info("代理已停止")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openTransport 根据配置选择邮箱实现，返回工厂和释放函数。
func openTransport(ctx context.Context, cfg *config.Config) (mailbox.Factory, func(), error) {
	switch cfg.Mailbox.Driver {
	case "", "memory":
		return mailbox.MemoryFactory(cfg.Mailbox.Capacity), func() {}, nil
	case "redis":
		redisCfg := mailbox.RedisConfig{
			Address:  cfg.Mailbox.Redis.Address,
			Password: cfg.Mailbox.Redis.Password,
			DB:       cfg.Mailbox.Redis.DB,
			Prefix:   cfg.Mailbox.Redis.Prefix,
			Capacity: cfg.Mailbox.Capacity,
		}
		client, err := mailbox.NewRedisClient(ctx, redisCfg)
		if err != nil {
			return nil, nil, err
		}
		return mailbox.RedisFactory(client, redisCfg), func() { _ = client.Close() }, nil
	case "rabbitmq":
		conn, err := mailbox.DialRabbitMQ(mailbox.RabbitMQConfig{
			URL:        cfg.Mailbox.RabbitMQ.URL,
			Prefix:     cfg.Mailbox.RabbitMQ.Prefix,
			Durable:    cfg.Mailbox.RabbitMQ.Durable,
			AutoDelete: cfg.Mailbox.RabbitMQ.AutoDelete,
			Capacity:   cfg.Mailbox.Capacity,
		})
		if err != nil {
			return nil, nil, err
		}
		return conn.Factory(), func() { _ = conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的邮箱驱动: %s", cfg.Mailbox.Driver)
	}
}

func openJournal(ctx context.Context, cfg *config.Config) (journal.Journal, error) {
	switch cfg.Journal.Driver {
	case "", "memory":
		return journal.NewMemoryJournal(cfg.Journal.Path)
	case "mysql":
		return journal.NewSQLJournal(ctx, journal.MySQLConfig{DSN: cfg.Journal.DSN})
	default:
		return nil, fmt.Errorf("未知的流水驱动: %s", cfg.Journal.Driver)
	}
}
