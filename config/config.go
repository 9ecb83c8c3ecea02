// Package config defines the router's configuration surface (spec §6) as
// plain Go structs, loadable either directly by an embedding application or
// via Load, which binds them to flags and GOCBROUTER_-prefixed environment
// variables with viper, following cmd/gateway/main.go's flags-then-viper
// pattern.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClusterConfig is the connection-level configuration: where to connect,
// which bucket, and as whom.
type ClusterConfig struct {
	SeedHost   string
	BucketName string
	BucketType string
	Username   string
	Password   string

	TLSEnabled            bool
	TLSCertPath           string
	TLSInsecureSkipVerify bool

	LogLevel string
}

// PoolConfiguration is the per-node connection pool and IO Service tuning
// surface, matching spec §6's PoolConfiguration fields.
type PoolConfiguration struct {
	MinPoolSize     int
	MaxPoolSize     int
	WaitTimeout     time.Duration
	IdleTimeout     time.Duration
	MaxDialAttempts int

	EnableTCPKeepAlives  bool
	TCPKeepAliveTime     time.Duration
	TCPKeepAliveInterval time.Duration

	Multiplexed             bool
	MultiplexedConnsPerNode int
	HighWaterMark           int32
	StaleOperationTimeout   time.Duration

	HealthErrorThreshold  int
	HealthCheckInterval   time.Duration
	VBucketRetryBaseSleep time.Duration

	PollInterval time.Duration
}

// HTTPDispatcherConfig tunes the query-services HTTP dispatcher, per spec §6.
type HTTPDispatcherConfig struct {
	// QueryFailedThreshold is the consecutive-failure count that retires a
	// URI from round-robin selection for Query/Analytics (spec §4.6, §8).
	QueryFailedThreshold int
}

// Config is the full, loadable configuration: ClusterConfig plus
// PoolConfiguration plus the telemetry surface new in this expansion.
type Config struct {
	Cluster        ClusterConfig
	Pool           PoolConfiguration
	HTTPDispatcher HTTPDispatcherConfig

	MetricsBindAddress string
	OTLPEndpoint       string
	DisableOTLPTraces  bool
	DisableOTLPMetrics bool
}

// BindFlags registers every configuration field onto fs, mirroring
// cmd/gateway/main.go's configFlags set.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("cb-host", "localhost:8091", "the couchbase server seed host (host:port)")
	fs.String("bucket", "default", "the bucket to route operations against")
	fs.String("bucket-type", "couchbase", "the bucket type: couchbase, ephemeral, or memcached")
	fs.String("cb-user", "Administrator", "the couchbase server username")
	fs.String("cb-pass", "", "the couchbase server password")
	fs.Bool("tls", false, "wrap KV connections in TLS (HTTP requests stay plain, and the published plain ports are dialed)")
	fs.String("tls-cert", "", "path to a CA certificate to trust for TLS")
	fs.Bool("tls-insecure-skip-verify", false, "skip TLS certificate verification")
	fs.String("log-level", "info", "the log level to run at")

	fs.Int("min-pool-size", 1, "minimum connections per node")
	fs.Int("max-pool-size", 5, "maximum connections per node")
	fs.Duration("wait-timeout", 5*time.Second, "connection pool acquire wait timeout")
	fs.Duration("idle-timeout", 5*time.Minute, "idle connection reclamation timeout")
	fs.Int("max-dial-attempts", 3, "connection bring-up retry count")

	fs.Bool("tcp-keepalive", true, "enable TCP keep-alives")
	fs.Duration("tcp-keepalive-time", 30*time.Second, "TCP keep-alive idle time")
	fs.Duration("tcp-keepalive-interval", 10*time.Second, "TCP keep-alive probe interval")

	fs.Bool("multiplexed", false, "use one shared connection per node instead of pooled connections")
	fs.Int("multiplexed-conns-per-node", 1, "connections per node in multiplexed mode")
	fs.Int("high-water-mark", 0, "max outstanding ops per multiplexed connection (0 disables)")
	fs.Duration("stale-operation-timeout", 0, "proactively fail ops pending longer than this (0 disables)")

	fs.Int("health-error-threshold", 3, "transport errors within one health-check interval before a node is marked down")
	fs.Duration("health-check-interval", time.Minute, "rolling window for health error counting")
	fs.Duration("vbucket-retry-base-sleep", 100*time.Millisecond, "base sleep for NotMyVBucket retry backoff")

	fs.Duration("poll-interval", 2500*time.Millisecond, "config provider poll interval fallback")

	fs.Int("query-failed-threshold", 2, "consecutive failures before the HTTP dispatcher retires a query/analytics URI")

	fs.String("metrics-bind-address", "0.0.0.0:9091", "address the Prometheus metrics endpoint listens on")
	fs.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	fs.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	fs.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
}

// Load binds fs to viper with the GOCBROUTER_ environment prefix and
// returns the resolved Config.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("gocbrouter")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	return &Config{
		Cluster: ClusterConfig{
			SeedHost:              v.GetString("cb-host"),
			BucketName:            v.GetString("bucket"),
			BucketType:            v.GetString("bucket-type"),
			Username:              v.GetString("cb-user"),
			Password:              v.GetString("cb-pass"),
			TLSEnabled:            v.GetBool("tls"),
			TLSCertPath:           v.GetString("tls-cert"),
			TLSInsecureSkipVerify: v.GetBool("tls-insecure-skip-verify"),
			LogLevel:              v.GetString("log-level"),
		},
		Pool: PoolConfiguration{
			MinPoolSize:             v.GetInt("min-pool-size"),
			MaxPoolSize:             v.GetInt("max-pool-size"),
			WaitTimeout:             v.GetDuration("wait-timeout"),
			IdleTimeout:             v.GetDuration("idle-timeout"),
			MaxDialAttempts:         v.GetInt("max-dial-attempts"),
			EnableTCPKeepAlives:     v.GetBool("tcp-keepalive"),
			TCPKeepAliveTime:        v.GetDuration("tcp-keepalive-time"),
			TCPKeepAliveInterval:    v.GetDuration("tcp-keepalive-interval"),
			Multiplexed:             v.GetBool("multiplexed"),
			MultiplexedConnsPerNode: v.GetInt("multiplexed-conns-per-node"),
			HighWaterMark:           int32(v.GetInt("high-water-mark")),
			StaleOperationTimeout:   v.GetDuration("stale-operation-timeout"),
			HealthErrorThreshold:    v.GetInt("health-error-threshold"),
			HealthCheckInterval:     v.GetDuration("health-check-interval"),
			VBucketRetryBaseSleep:   v.GetDuration("vbucket-retry-base-sleep"),
			PollInterval:            v.GetDuration("poll-interval"),
		},
		HTTPDispatcher: HTTPDispatcherConfig{
			QueryFailedThreshold: v.GetInt("query-failed-threshold"),
		},
		MetricsBindAddress: v.GetString("metrics-bind-address"),
		OTLPEndpoint:       v.GetString("otlp-endpoint"),
		DisableOTLPTraces:  v.GetBool("disable-otlp-traces"),
		DisableOTLPMetrics: v.GetBool("disable-otlp-metrics"),
	}, nil
}
