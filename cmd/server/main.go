// Command server exposes the billing bridge over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yourorg/billing-bridge/internal/config"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/tracing"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing-bridge",
		Short: "HTTP facade over a callback-based billing client",
		Long: `billing-bridge serves the billing client's operations as blocking HTTP
calls and reconciles outstanding purchases on request.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./config.yaml)")
	flags.String("addr", "", "listen address")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("billing-mode", "", "billing client: mock or http")
	flags.String("billing-url", "", "billing service base URL in http mode")
	flags.Bool("tracing", false, "export spans to stdout")

	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("billing.mode", flags.Lookup("billing-mode"))
	_ = viper.BindPFlag("billing.base_url", flags.Lookup("billing-url"))
	_ = viper.BindPFlag("tracing.enabled", flags.Lookup("tracing"))
	return cmd
}

func initConfig() error {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// BILLING_BRIDGE_RECONCILE_MAX_ATTEMPTS for reconcile.max_attempts
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(os.Stderr, cfg.Logging.Level)

	tp, err := tracing.NewTracerProvider(tracing.Config{Enabled: cfg.Tracing.Enabled, Pretty: cfg.Tracing.Pretty})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	a, err := newApp(cfg, logger, billingClientFor(cfg.Billing, logger))
	if err != nil {
		return err
	}

	gin.SetMode(ginMode(cfg.Logging.Level))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: setupRouter(a)}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	err = errors.Join(
		srv.Shutdown(shutdownCtx),
		a.close(shutdownCtx),
		tp.Shutdown(shutdownCtx),
	)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ginMode keeps gin's debug output only when debug logging is on.
func ginMode(level string) string {
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}
