package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/logger"
	"github.com/tetherlabs/tether/internal/runner"
)

func main() {
	var (
		configPath string
		brokerURL  string
		runnerID   string
		secret     string
		shell      string
		workdir    string
		historyDir string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "tether",
		Short: "tether runner agent",
		Long:  "Connects this machine to a tether broker so paired apps can open terminal sessions on it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				p, err := config.AgentConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			cfg, err := config.LoadAgent(path)
			if err != nil {
				return err
			}
			if brokerURL != "" {
				cfg.BrokerURL = brokerURL
			}
			if runnerID != "" {
				cfg.RunnerID = runnerID
			}
			if secret != "" {
				cfg.Secret = secret
			}
			if shell != "" {
				cfg.Shell = shell
			}
			if workdir != "" {
				cfg.Workdir = workdir
			}
			if historyDir != "" {
				cfg.HistoryDir = historyDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logger.Init(logLevel, ""); err != nil {
				return err
			}

			wsURL := strings.Replace(cfg.BrokerURL, "https://", "wss://", 1)
			wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
			wsURL = strings.TrimRight(wsURL, "/") + "/ws/runner"

			client := &runner.Client{
				BrokerURL: wsURL,
				RunnerID:  cfg.RunnerID,
				Secret:    cfg.Secret,
				Shell:     cfg.Shell,
				Workdir:   cfg.Workdir,
			}
			if cfg.HistoryDir != "" {
				client.History = &runner.FileHistory{Dir: cfg.HistoryDir}
			}
			client.OnPairingCode = func(code string, expiresAt time.Time) {
				fmt.Printf("\n  pairing code: %s\n  expires:      %s\n\n",
					code, expiresAt.Local().Format("15:04:05"))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("connecting to %s as %s\n", wsURL, cfg.RunnerID)
			err = client.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "agent config file (default ~/.tether/agent.yaml)")
	root.Flags().StringVar(&brokerURL, "broker-url", "", "broker base URL")
	root.Flags().StringVar(&runnerID, "runner-id", "", "runner id registered with the broker")
	root.Flags().StringVar(&secret, "secret", "", "runner shared secret")
	root.Flags().StringVar(&shell, "shell", "", "shell for new sessions (default $SHELL)")
	root.Flags().StringVar(&workdir, "workdir", "", "working directory for new sessions")
	root.Flags().StringVar(&historyDir, "history-dir", "", "directory with {session}.jsonl transcripts")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	root.AddCommand(initCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var cfg config.AgentConfig

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the agent config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.AgentConfigPath()
			if err != nil {
				return err
			}
			if err := config.SaveAgent(path, &cfg); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.BrokerURL, "broker-url", "", "broker base URL")
	cmd.Flags().StringVar(&cfg.RunnerID, "runner-id", "", "runner id registered with the broker")
	cmd.Flags().StringVar(&cfg.Secret, "secret", "", "runner shared secret")
	cmd.Flags().StringVar(&cfg.Shell, "shell", "", "shell for new sessions")
	cmd.Flags().StringVar(&cfg.Workdir, "workdir", "", "working directory for new sessions")
	cmd.Flags().StringVar(&cfg.HistoryDir, "history-dir", "", "directory with {session}.jsonl transcripts")
	cmd.MarkFlagRequired("broker-url")
	cmd.MarkFlagRequired("runner-id")
	cmd.MarkFlagRequired("secret")
	return cmd
}
