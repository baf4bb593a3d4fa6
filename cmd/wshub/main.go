package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/config"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/amoylab/wshub/internal/relay"
	"github.com/amoylab/wshub/internal/server"
	"github.com/amoylab/wshub/pkg/logger"
	"github.com/amoylab/wshub/pkg/metrics"
	"github.com/amoylab/wshub/pkg/trace"
	"github.com/amoylab/wshub/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.CommandName,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.CommandName, version.Get())
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", cfgPath, err)
			}
			issues := cfg.Validate()
			for _, issue := range issues {
				cmd.Println(issue.String())
			}
			if len(issues) == 0 {
				cmd.Printf("%s: configuration OK\n", cfgPath)
			}
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName,
		Short: "Real-time websocket connection hub",
		Long:  `wshub accepts websocket clients, tracks their topic subscriptions and fans published messages out to them`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.ConfigFile, "path to configuration file, like /etc/wshub/wshub.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
}

func initLogger(cfg *config.LoggerConfig) *zap.Logger {
	lg, err := logger.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return lg
}

// initRelay connects the cross-instance relay when enabled. Without an
// address, or when the relay cannot be reached, the hub runs standalone and
// only local clients receive published messages.
func initRelay(lg *zap.Logger, cfg *config.RelayConfig, m *metrics.Metrics) *relay.RedisRelay {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Addr == "" {
		lg.Warn("Relay enabled without relay.addr, running without relay")
		return nil
	}
	r, err := relay.NewRedisRelay(*cfg, lg, m)
	if err != nil {
		lg.Error("Failed to connect relay, running without relay",
			zap.String("addr", cfg.Addr),
			zap.Error(err))
		return nil
	}
	return r
}

func initHub(lg *zap.Logger, cfg *config.Config, m *metrics.Metrics, r *relay.RedisRelay) *hub.Service {
	opts := []hub.Option{hub.WithMetrics(m)}
	if r != nil {
		opts = append(opts, hub.WithRelay(r))
	}
	return hub.New(cfg.Hub, lg, opts...)
}

func initRouter(lg *zap.Logger, cfg *config.Config, svc *hub.Service, m *metrics.Metrics) (*server.Server, *gin.Engine) {
	srv := server.NewServer(lg, svc, cfg, m)
	router := gin.New()
	srv.RegisterRoutes(router)
	return srv, router
}

func run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	lg := initLogger(&cfg.Logger)
	defer lg.Sync()

	lg.Info("Loaded configuration", zap.String("path", cfgPath))
	// issues never stop the server
	for _, issue := range cfg.Validate() {
		if issue.Severity == config.SeverityError {
			lg.Error("Configuration issue", zap.String("issue", issue.String()))
		} else {
			lg.Warn("Configuration issue", zap.String("issue", issue.String()))
		}
	}

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	r := initRelay(lg, &cfg.Relay, m)
	svc := initHub(lg, cfg, m, r)
	svc.Start(ctx)

	if r != nil {
		go func() {
			if err := r.Run(ctx, svc.PublishLocal); err != nil {
				lg.Error("Relay stopped", zap.Error(err))
			}
		}()
	}

	srv, router := initRouter(lg, cfg, svc, m)
	go func() {
		if err := srv.Start(router); err != nil {
			lg.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	lg.Info("Started "+cnst.AppName, zap.String("version", version.Get()), zap.String("addr", cfg.Server.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lg.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Failed to shutdown server", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		lg.Error("Failed to shutdown hub", zap.Error(err))
	}
	cancel()
	if r != nil {
		if err := r.Close(); err != nil {
			lg.Warn("Failed to close relay", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("Failed to shutdown tracing", zap.Error(err))
	}
	lg.Info("Server exited")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
