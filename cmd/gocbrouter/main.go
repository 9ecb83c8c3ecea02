package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchbase/gocbrouter/bucket"
	"github.com/couchbase/gocbrouter/config"
	"github.com/couchbase/gocbrouter/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "gocbrouter",
	Short: "A standalone data-path router for Couchbase Server",

	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Flags())
	},
}

func init() {
	config.BindFlags(rootCmd.Flags())
}

func getLogger(levelStr string) (zap.AtomicLevel, *zap.Logger) {
	level := zap.NewAtomicLevel()
	parsed, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	level.SetLevel(parsed)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), level)

	return level, zap.New(core, zap.AddCaller())
}

func run(fs *pflag.FlagSet) error {
	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel, logger := getLogger(cfg.Cluster.LogLevel)

	logger.Info("starting gocbrouter",
		zap.String("seedHost", cfg.Cluster.SeedHost),
		zap.String("bucket", cfg.Cluster.BucketName))

	ctx := context.Background()

	providers, err := telemetry.Setup(ctx, telemetry.Options{
		Logger:        logger,
		OTLPEndpoint:  cfg.OTLPEndpoint,
		EnableTraces:  !cfg.DisableOTLPTraces,
		EnableMetrics: !cfg.DisableOTLPMetrics,
	})
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}
	defer providers.Shutdown(context.Background())

	if providers.TracerProvider != nil {
		otel.SetTracerProvider(providers.TracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if providers.MeterProvider != nil {
		otel.SetMeterProvider(providers.MeterProvider)
	}

	metricsServer := telemetry.NewServer(logger, cfg.MetricsBindAddress)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	var tlsConfig *tls.Config
	if cfg.Cluster.TLSEnabled {
		tlsConfig = &tls.Config{InsecureSkipVerify: cfg.Cluster.TLSInsecureSkipVerify}
		if cfg.Cluster.TLSCertPath != "" {
			caPEM, err := os.ReadFile(cfg.Cluster.TLSCertPath)
			if err != nil {
				logger.Error("failed to read TLS CA certificate", zap.Error(err))
				os.Exit(1)
			}
			roots := x509.NewCertPool()
			if !roots.AppendCertsFromPEM(caPEM) {
				logger.Error("no certificates found in TLS CA file", zap.String("path", cfg.Cluster.TLSCertPath))
				os.Exit(1)
			}
			tlsConfig.RootCAs = roots
		}
	}

	b, err := bucket.Open(ctx, bucket.Options{
		Logger:                  logger,
		SeedHost:                cfg.Cluster.SeedHost,
		BucketName:              cfg.Cluster.BucketName,
		BucketType:              cfg.Cluster.BucketType,
		Username:                cfg.Cluster.Username,
		Password:                cfg.Cluster.Password,
		TLSConfig:               tlsConfig,
		MinPoolSize:             cfg.Pool.MinPoolSize,
		MaxPoolSize:             cfg.Pool.MaxPoolSize,
		WaitTimeout:             cfg.Pool.WaitTimeout,
		IdleTimeout:             cfg.Pool.IdleTimeout,
		MaxDialAttempts:         cfg.Pool.MaxDialAttempts,
		EnableTCPKeepAlives:     cfg.Pool.EnableTCPKeepAlives,
		TCPKeepAliveTime:        cfg.Pool.TCPKeepAliveTime,
		TCPKeepAliveInterval:    cfg.Pool.TCPKeepAliveInterval,
		Multiplexed:             cfg.Pool.Multiplexed,
		MultiplexedConnsPerNode: cfg.Pool.MultiplexedConnsPerNode,
		HighWaterMark:           cfg.Pool.HighWaterMark,
		StaleOperationTimeout:   cfg.Pool.StaleOperationTimeout,
		HealthErrorThreshold:    cfg.Pool.HealthErrorThreshold,
		HealthCheckInterval:     cfg.Pool.HealthCheckInterval,
		VBucketRetryBaseSleep:   cfg.Pool.VBucketRetryBaseSleep,
		PollInterval:            cfg.Pool.PollInterval,
		QueryFailedThreshold:    cfg.HTTPDispatcher.QueryFailedThreshold,
	})
	if err != nil {
		logger.Error("failed to open bucket", zap.Error(err))
		os.Exit(1)
	}
	defer b.Close()

	logger.Info("gocbrouter is ready")

	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, resetting log level to debug")
			logLevel.SetLevel(zapcore.DebugLevel)
			continue
		}

		logger.Info("received shutdown signal, stopping", zap.String("signal", sig.String()))
		return nil
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
