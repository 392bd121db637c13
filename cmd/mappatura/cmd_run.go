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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mappaturasmd/mappatura/internal/agent"
	"github.com/mappaturasmd/mappatura/internal/backend"
	"github.com/mappaturasmd/mappatura/internal/config"
	"github.com/mappaturasmd/mappatura/internal/delivery"
	"github.com/mappaturasmd/mappatura/internal/hostbridge"
	"github.com/mappaturasmd/mappatura/internal/httpapi"
	"github.com/mappaturasmd/mappatura/internal/metrics"
	"github.com/mappaturasmd/mappatura/internal/plotindex"
)

var (
	hostURL         string
	hostToken       string
	statusAddr      string
	adminToken      string
	reconnectMin    time.Duration
	reconnectMax    time.Duration
	reconnectJitter float64
	shutdownTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the game client and map plots",
	Long: `Connects to the game client bridge, runs the probe loop and delivers
mapped plots to the backend. Pending deliveries survive restarts.

The status server exposes /health, /metrics, /v1/status, /v1/pending and
/v1/index. Pass an empty --status-addr to disable it.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVar(&hostURL, "host-url", envOrDefault("MAPPATURA_HOST_URL", hostbridge.DefaultURL), "Websocket URL of the game client bridge")
	runCmd.Flags().StringVar(&hostToken, "host-token", envOrDefault("MAPPATURA_HOST_TOKEN", ""), "Bearer token for the game client bridge")
	runCmd.Flags().StringVar(&statusAddr, "status-addr", envOrDefault("MAPPATURA_STATUS_ADDR", "127.0.0.1:8787"), "Listen address of the status server")
	runCmd.Flags().StringVar(&adminToken, "admin-token", envOrDefault("MAPPATURA_ADMIN_TOKEN", ""), "Bearer token required on /v1 status routes")
	runCmd.Flags().DurationVar(&reconnectMin, "reconnect-min", durationEnv("MAPPATURA_RECONNECT_MIN", 500*time.Millisecond), "Initial delay before reconnecting to the client")
	runCmd.Flags().DurationVar(&reconnectMax, "reconnect-max", durationEnv("MAPPATURA_RECONNECT_MAX", 15*time.Second), "Maximum delay before reconnecting to the client")
	runCmd.Flags().Float64Var(&reconnectJitter, "reconnect-jitter", floatEnv("MAPPATURA_RECONNECT_JITTER", 0.2), "Reconnect delay jitter ratio (0..1)")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", durationEnv("MAPPATURA_SHUTDOWN_TIMEOUT", 5*time.Second), "Grace period for the status server on shutdown")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := cfgStore.Snapshot()
	m := metrics.New("mappatura")
	identity := agent.NewIdentity(backend.Operator{})
	client := backend.NewClient(cfgStore, backend.ClientOptions{
		Operator: identity.Get,
		Logger:   logger.Named("backend"),
	})

	store, err := delivery.BuildPendingStoreFromDSN(pendingDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open pending store: %w", err)
	}
	mailbox := agent.NewMailbox()
	pipeline, err := delivery.New(cfg.Delivery(delivery.Options{
		Store:     store,
		Submitter: client,
		Readiness: delivery.RequireSettings(cfgStore),
		Sink:      mailbox,
		Logger:    logger.Named("delivery"),
		Metrics:   m,
	}))
	if err != nil {
		_ = store.Close()
		return err
	}

	index, err := plotindex.Open(cfgStore.ResolvePath(cfg.IndexFile), plotindex.Options{Logger: logger.Named("index")})
	if err != nil {
		_ = pipeline.Close()
		return fmt.Errorf("failed to open plot index: %w", err)
	}

	bridge := hostbridge.New(hostbridge.Options{
		URL:          hostURL,
		Token:        hostToken,
		ReconnectMin: reconnectMin,
		ReconnectMax: reconnectMax,
		JitterRatio:  jitterOption(reconnectJitter),
		Logger:       logger.Named("host"),
		Metrics:      m,
	})

	ctrl, err := agent.New(agent.Options{
		Config:   cfgStore,
		Host:     bridge,
		Backend:  client,
		Queue:    pipeline,
		Index:    index,
		Mailbox:  mailbox,
		Identity: identity,
		Logger:   logger.Named("agent"),
		Metrics:  m,
	})
	if err != nil {
		_ = pipeline.Close()
		return err
	}

	logger.Info("mappatura starting",
		zap.String("config", cfgStore.Path()),
		zap.String("endpoint", cfgStore.EndpointURL()),
		zap.String("host", hostURL),
		zap.String("status", statusAddr),
		zap.Int("pending", pipeline.Pending()),
		zap.Int("indexed", index.Len()),
	)

	pipeline.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := cfgStore.Watch(gctx); err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx, bridge.Inbound()) })

	if strings.TrimSpace(statusAddr) != "" {
		server := &http.Server{
			Addr: statusAddr,
			Handler: httpapi.NewServer(httpapi.Dependencies{
				Agent:      ctrl,
				Queue:      pipeline,
				Index:      index,
				Connection: bridge,
			}, httpapi.ServerConfig{AdminToken: adminToken, Metrics: m.Handler()}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status server listening", zap.String("addr", statusAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	ctrl.Close()
	if err := pipeline.Close(); err != nil {
		logger.Warn("failed to close delivery pipeline", zap.Error(err))
	}
	logger.Info("mappatura stopped", zap.Int("pending", pipeline.Pending()))
	return runErr
}

// pendingDSN resolves bare paths against the config directory.
func pendingDSN(cfg config.AppConfig) string {
	dsn := strings.TrimSpace(cfg.PendingStoreDSN)
	if dsn == "" {
		return cfgStore.ResolvePath(delivery.DefaultPendingFile)
	}
	if strings.Contains(dsn, "://") {
		return dsn
	}
	return cfgStore.ResolvePath(dsn)
}

// jitterOption maps an explicit zero to the bridge's "disabled" value.
func jitterOption(ratio float64) float64 {
	if ratio <= 0 {
		return -1
	}
	return ratio
}
