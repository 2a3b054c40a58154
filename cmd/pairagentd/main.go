package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"PairAgent-Chain/internal/config"
	"PairAgent-Chain/pkg/logger"
)

var configPath string

// main 是 pairagent 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "pairagentd",
		Short:         "Two message-driven agents that trade greetings and ERC20 transfers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"path to pairagent.json (env PAIRAGENT_CONFIG)")

	root.AddCommand(runCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(sendCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pairagentd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("PAIRAGENT_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "pairagent.json")
}

// loadConfig 读取配置并初始化日志。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
