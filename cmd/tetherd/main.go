package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/auth"
	"github.com/tetherlabs/tether/internal/broker"
	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/logger"
	"github.com/tetherlabs/tether/internal/store"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "tetherd",
		Short: "tether broker",
		Long:  "Relays terminal sessions between apps and the runners they are paired with.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.AddCommand(tokenCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBroker(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := store.Open(openCtx, store.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	runners := cfg.Auth.Runners
	if cfg.Auth.RunnersFile != "" {
		runners, err = auth.LoadRunnerCredentials(cfg.Auth.RunnersFile)
		if err != nil {
			return err
		}
	}
	validator := auth.NewValidator(runners, []byte(cfg.Auth.JWTSecret))

	srv, err := broker.NewServer(st, validator, broker.Config{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestsPerSec: cfg.Limits.RequestsPerSec,
		Burst:          cfg.Limits.Burst,
	})
	if err != nil {
		return err
	}

	if cfg.Auth.RunnersFile != "" {
		// Credential edits take effect without a restart; runners removed
		// from the file are disconnected and their pairings dissolved.
		err := auth.WatchCredentials(ctx, cfg.Auth.RunnersFile, func(m map[string]string) {
			for _, id := range validator.SetRunners(m) {
				srv.RevokeRunner(ctx, id)
			}
		})
		if err != nil {
			return err
		}
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tetherd listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var user string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an app bearer token",
		Long:  "Signs a JWT with the broker's secret. Hand the token to an app; it expires after --ttl.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			token, expires, err := auth.IssueAppToken([]byte(cfg.Auth.JWTSecret), user, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}
