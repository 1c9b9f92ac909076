// Command wsserver runs the shelterlink relay as a standalone WebSocket
// server for local development.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vmorsell/shelterlink/internal/auth"
	"github.com/vmorsell/shelterlink/internal/config"
	"github.com/vmorsell/shelterlink/internal/relay"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:          "wsserver",
		Short:        "Run the shelterlink WebSocket relay",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.LoadEnvFiles(".env", ".env.local")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", config.DefaultAddr, "listen address")
	flags.String("jwt-secret", "", "HS256 secret used to verify access tokens")
	flags.Duration("connection-ttl", config.DefaultConnectionTTL, "lifetime of a connection record")
	flags.String("log-level", config.DefaultLogLevel, "log level")

	for key, flag := range map[string]string{
		config.KeyAddr:          "addr",
		config.KeyJWTSecret:     "jwt-secret",
		config.KeyConnectionTTL: "connection-ttl",
		config.KeyLogLevel:      "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := cfg.Require(config.KeyJWTSecret); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := relay.New(logger, auth.NewJWTService(cfg.JWTSecret, cfg.TokenExpiry),
		relay.WithConnectionTTL(cfg.ConnectionTTL))

	logger.Info("starting relay", zap.String("addr", cfg.Addr))
	if err := s.Run(ctx, cfg.Addr); err != nil {
		return fmt.Errorf("run relay: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}
