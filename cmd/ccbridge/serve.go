package main

import (
	"context"
	"errors"
	"io/fs"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pkt.systems/ccbridge"
	"pkt.systems/ccbridge/internal/appconfig"
	"pkt.systems/ccbridge/internal/claude"
	"pkt.systems/ccbridge/internal/telegram"
	"pkt.systems/ccbridge/schema"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var envFile string
	var noTelegram bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent supervisor, control sockets, and Telegram bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if noTelegram {
				cfg.Telegram.Enabled = false
			}
			runner, err := claude.NewRunner(claude.Config{
				BinaryPath: cfg.Claude.Binary,
				ExtraArgs:  cfg.Claude.Args,
				Env:        cfg.ClaudeEnv(),
			})
			if err != nil {
				return err
			}
			logger.Info("claude runner selected", "binary", cfg.Claude.Binary, "args", len(cfg.Claude.Args))

			server, err := ccbridge.New(serverConfig(cfg), ccbridge.ServerDeps{
				Runner: runner,
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")
	cmd.Flags().BoolVar(&noTelegram, "no-telegram", false, "disable the Telegram bridge even when configured")
	return cmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func serverConfig(cfg appconfig.Config) ccbridge.ServerConfig {
	out := ccbridge.ServerConfig{
		Supervisor: cfg.SupervisorSettings(),
		Control:    cfg.ControlSettings(),
	}
	if cfg.Telegram.Enabled {
		out.Telegram = &telegram.Config{
			Token: cfg.Telegram.Token,
			FrontendConfig: telegram.FrontendConfig{
				AllowedChats:    cfg.Telegram.AllowedChats,
				DefaultRepo:     cfg.Telegram.DefaultRepo,
				DefaultModel:    schema.ModelID(cfg.Telegram.DefaultModel),
				AgentPrefix:     cfg.Telegram.AgentPrefix,
				EditInterval:    time.Duration(cfg.Telegram.EditIntervalMs) * time.Millisecond,
				IncludeThinking: cfg.Telegram.IncludeThinking,
				DispatchTools:   cfg.Telegram.DispatchTools,
			},
		}
	}
	return out
}

func configPath(cmd *cobra.Command) string {
	return flagValue(cmd, "config")
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}
