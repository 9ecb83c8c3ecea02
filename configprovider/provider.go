package configprovider

import (
	"context"
	"time"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/couchbase/gocbrouter/utils/latestonlychannel"
	"go.uber.org/zap"
)

// Options configures a Provider.
type Options struct {
	Logger       *zap.Logger
	Fetcher      *cbconfig.Fetcher
	BucketName   string
	BucketType   string // "couchbase", "ephemeral", or "memcached"
	PollInterval time.Duration
}

// Provider implements the priority chain of spec §4.5: CCCP bootstrap (via
// FetchCCCP, called directly by whatever already holds the seed KV
// connection), then HTTP streaming, falling back to HTTP polling if
// streaming is unavailable or drops.
type Provider struct {
	logger       *zap.Logger
	fetcher      *cbconfig.Fetcher
	bucketName   string
	bucketType   string
	pollInterval time.Duration
}

// NewProvider builds a Provider. opts.PollInterval defaults to 2500ms,
// matching the teacher's polling cadence.
func NewProvider(opts Options) *Provider {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}

	return &Provider{
		logger:       opts.Logger,
		fetcher:      opts.Fetcher,
		bucketName:   opts.BucketName,
		bucketType:   opts.BucketType,
		pollInterval: interval,
	}
}

// Watch fetches the current topology and starts background refresh,
// publishing every snapshot it fetches to the returned channel. Revisions
// are not filtered here: polling republishes an unchanged revision on each
// tick, and the consumer's View.Replace ignores it. The channel is
// latest-only: a slow consumer never sees a queue of stale documents build
// up behind the current one, per spec §4.5.
func (p *Provider) Watch(ctx context.Context) (<-chan *clusterview.Snapshot, error) {
	initial, err := p.fetcher.FetchTerseBucket(ctx, p.bucketName)
	if err != nil {
		return nil, err
	}

	snap, err := Normalize(initial, p.bucketType)
	if err != nil {
		return nil, err
	}

	inputCh := make(chan *clusterview.Snapshot)
	outputCh := latestonlychannel.Wrap(inputCh)

	go p.run(ctx, inputCh, snap)

	return outputCh, nil
}

func (p *Provider) run(ctx context.Context, inputCh chan<- *clusterview.Snapshot, first *clusterview.Snapshot) {
	defer close(inputCh)

	select {
	case inputCh <- first:
	case <-ctx.Done():
		return
	}

	raw := make(chan *cbconfig.TerseConfigJson, 1)
	if err := p.fetcher.StreamTerseBucket(ctx, p.bucketName, raw); err != nil {
		if p.logger != nil {
			p.logger.Warn("config streaming unavailable, polling instead", zap.Error(err))
		}
		p.pollLoop(ctx, inputCh)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-raw:
			if !ok {
				if p.logger != nil {
					p.logger.Warn("config stream ended, falling back to polling")
				}
				p.pollLoop(ctx, inputCh)
				return
			}

			snap, err := Normalize(cfg, p.bucketType)
			if err != nil {
				if p.logger != nil {
					p.logger.Warn("discarding unparseable streamed config", zap.Error(err))
				}
				continue
			}

			select {
			case inputCh <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Provider) pollLoop(ctx context.Context, inputCh chan<- *clusterview.Snapshot) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := p.fetcher.FetchTerseBucket(ctx, p.bucketName)
			if err != nil {
				if p.logger != nil {
					p.logger.Debug("poll fetch failed, retrying next tick", zap.Error(err))
				}
				continue
			}

			snap, err := Normalize(cfg, p.bucketType)
			if err != nil {
				continue
			}

			select {
			case inputCh <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}
