package bucket

import (
	"crypto/tls"
	"time"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/utils/cbclientnames"
	"go.uber.org/zap"
)

// Options configures Open. Field names mirror spec §6's configuration
// surface (ClusterConfig/PoolConfiguration), realized as plain Go structs
// per SPEC_FULL.md §6.
type Options struct {
	Logger *zap.Logger

	// SeedHost is the initial mgmt REST host ("host:port") used to
	// bootstrap the Config Provider.
	SeedHost   string
	BucketName string
	BucketType string // "couchbase", "ephemeral", or "memcached"

	Username string
	Password string

	TLSConfig *tls.Config

	// ClientName is sent verbatim as the HELLO client identifier. If empty
	// and UserAgent is set, it is derived from UserAgent the way an SDK's
	// user-agent string gets shortened for the wire.
	ClientName string
	UserAgent  string

	// Pool tuning, per spec §6 PoolConfiguration.
	MinPoolSize     int
	MaxPoolSize     int
	WaitTimeout     time.Duration
	IdleTimeout     time.Duration
	MaxDialAttempts int

	EnableTCPKeepAlives  bool
	TCPKeepAliveTime     time.Duration
	TCPKeepAliveInterval time.Duration

	// IO Service tuning.
	Multiplexed             bool
	MultiplexedConnsPerNode int
	HighWaterMark           int32
	StaleOperationTimeout   time.Duration
	HealthErrorThreshold    int
	HealthCheckInterval     time.Duration
	VBucketRetryBaseSleep   time.Duration

	PollInterval time.Duration

	// QueryFailedThreshold is the consecutive-failure count that retires a
	// query/analytics URI from selection (spec §4.6, §8). Defaults to 2.
	QueryFailedThreshold int
}

func (o *Options) setDefaults() {
	if o.MinPoolSize <= 0 {
		o.MinPoolSize = 1
	}
	if o.MaxPoolSize <= 0 {
		o.MaxPoolSize = 5
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.MaxDialAttempts <= 0 {
		o.MaxDialAttempts = 3
	}
	if o.MultiplexedConnsPerNode <= 0 {
		o.MultiplexedConnsPerNode = 1
	}
	if o.HealthErrorThreshold <= 0 {
		o.HealthErrorThreshold = 3
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = time.Minute
	}
	if o.VBucketRetryBaseSleep <= 0 {
		o.VBucketRetryBaseSleep = 100 * time.Millisecond
	}
	if o.QueryFailedThreshold <= 0 {
		o.QueryFailedThreshold = 2
	}
	if o.ClientName == "" {
		if o.UserAgent != "" {
			o.ClientName = cbclientnames.FromUserAgent(o.UserAgent)
		} else {
			o.ClientName = "gocbrouter"
		}
	}
}

func (o *Options) poolOptionsFor(node *clusterview.Node, logger *zap.Logger) connpool.Options {
	return connpool.Options{
		Logger:     logger,
		Endpoint:   node.Endpoint,
		ClientName: o.ClientName,
		TLSConfig:  o.TLSConfig,
		Username:   o.Username,
		Password:   o.Password,
		Bucket:     o.BucketName,
		KeepAlive: connpool.KeepAliveOptions{
			Enabled:  o.EnableTCPKeepAlives,
			Time:     o.TCPKeepAliveTime,
			Interval: o.TCPKeepAliveInterval,
		},
		MinSize:         o.MinPoolSize,
		MaxSize:         o.MaxPoolSize,
		WaitTimeout:     o.WaitTimeout,
		IdleTimeout:     o.IdleTimeout,
		MaxDialAttempts: o.MaxDialAttempts,
	}
}
