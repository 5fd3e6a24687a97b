package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DonaldAirey/data-model-test/config"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

// loadConfig reads --config if given and applies the flags shared by all commands.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.InitLogger(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	closeDone := make(chan struct{}, 1)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.Stringer("signal", sig))
		globalCancel()

		select {
		case <-sc:
			os.Exit(1)
		case <-time.After(10 * time.Second):
			fmt.Print("\nWait 10s for closed, force exit\n")
			os.Exit(1)
		case <-closeDone:
			return
		}
	}()

	rootCmd := &cobra.Command{
		Use:          "portfolio-bench",
		Short:        "Concurrent trading workload against the in-memory data model",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newRunCommand(),
		newDeadlockCommand(),
	)

	err := rootCmd.Execute()
	globalCancel()
	closeDone <- struct{}{}
	if err != nil {
		os.Exit(1)
	}
}
