package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/configprovider"
	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/couchbase/gocbrouter/httpdispatcher"
	"github.com/couchbase/gocbrouter/ioservice"
	"go.uber.org/zap"
)

// Bucket is the application-facing entry point: it owns the cluster view,
// the config provider's watch loop, and the HTTP dispatcher, and resolves
// + forwards every KV operation to the right node's IO Service.
type Bucket struct {
	logger *zap.Logger
	opts   Options

	view       *clusterview.View
	dispatcher *httpdispatcher.Dispatcher

	cancel context.CancelFunc
}

// Open bootstraps a Bucket: fetches the initial topology, dials every data
// node's connection pool/IO service, and starts the background config
// watch that reconfigures the view as the topology changes.
func Open(ctx context.Context, opts Options) (*Bucket, error) {
	opts.setDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{
		Host:     "http://" + opts.SeedHost,
		Username: opts.Username,
		Password: opts.Password,
		Logger:   logger,
	})

	provider := configprovider.NewProvider(configprovider.Options{
		Logger:       logger,
		Fetcher:      fetcher,
		BucketName:   opts.BucketName,
		BucketType:   opts.BucketType,
		PollInterval: opts.PollInterval,
	})

	watchCtx, cancel := context.WithCancel(ctx)

	view := clusterview.NewView()

	b := &Bucket{
		logger: logger,
		opts:   opts,
		view:   view,
		cancel: cancel,
	}

	// Try CCCP first: it rides the same socket we need to dial anyway and
	// saves a round trip versus waiting on the HTTP fetch below, per the
	// config source priority of spec §4.5. Falling through to HTTP on
	// failure is normal for nodes that don't support CCCP.
	if snap, err := bootstrapCCCP(watchCtx, opts, logger); err != nil {
		logger.Debug("CCCP bootstrap unavailable, falling back to HTTP config fetch", zap.Error(err))
	} else if err := b.applySnapshot(watchCtx, snap); err != nil {
		logger.Warn("failed to apply CCCP bootstrap snapshot", zap.Error(err))
	}

	snapshots, err := provider.Watch(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bucket: initial config fetch: %w", err)
	}

	first := <-snapshots
	if err := b.applySnapshot(watchCtx, first); err != nil {
		cancel()
		return nil, err
	}

	b.dispatcher = httpdispatcher.New(httpdispatcher.Options{
		Logger:               logger,
		View:                 view,
		Username:             opts.Username,
		Password:             opts.Password,
		QueryFailedThreshold: opts.QueryFailedThreshold,
	})

	go b.watch(watchCtx, snapshots)

	return b, nil
}

// bootstrapCCCP dials a throwaway authenticated connection to the seed host
// and asks it directly for the cluster config (Cluster Configuration
// Carrier Publication), the highest-priority config source of spec §4.5.
func bootstrapCCCP(ctx context.Context, opts Options, logger *zap.Logger) (*clusterview.Snapshot, error) {
	conn, err := connpool.DialOne(ctx, connpool.Options{
		Logger:          logger,
		Endpoint:        opts.SeedHost,
		ClientName:      opts.ClientName,
		TLSConfig:       opts.TLSConfig,
		Username:        opts.Username,
		Password:        opts.Password,
		Bucket:          opts.BucketName,
		MaxDialAttempts: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("bucket: CCCP bootstrap dial: %w", err)
	}
	defer conn.Close()

	host, _, _ := net.SplitHostPort(opts.SeedHost)

	raw, err := configprovider.FetchCCCP(ctx, conn, host)
	if err != nil {
		return nil, fmt.Errorf("bucket: CCCP bootstrap fetch: %w", err)
	}

	return configprovider.Normalize(raw, opts.BucketType)
}

func (b *Bucket) watch(ctx context.Context, snapshots <-chan *clusterview.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := b.applySnapshot(ctx, snap); err != nil {
				b.logger.Error("failed to apply new topology", zap.Error(err))
			}
		}
	}
}

// applySnapshot attaches fresh node resources to any endpoint the view
// does not already know about, then swaps the view to the new snapshot.
// Endpoints the view already has a Node for keep their existing resources,
// per the reconfiguration algorithm of spec §4.2.
func (b *Bucket) applySnapshot(ctx context.Context, snap *clusterview.Snapshot) error {
	for _, node := range snap.Nodes {
		if !node.Caps.Data {
			continue
		}
		if _, exists := b.view.GetNodeByEndpoint(node.Endpoint); exists {
			continue
		}

		res, err := buildNodeResources(ctx, b.logger, node, b.opts)
		if err != nil {
			return fmt.Errorf("bucket: building resources for %s: %w", node.Endpoint, err)
		}
		node.SetResources(res)
	}

	b.view.Replace(snap)
	return nil
}

// installConfigDoc decodes a NotMyVBucket response body as a terse config
// document and, if it parses and normalizes cleanly, installs it into the
// view the same way a regular config-provider update would (spec §4.4).
// Malformed or stale bodies are logged and otherwise ignored: the
// background config watch will still catch up on its own.
func (b *Bucket) installConfigDoc(ctx context.Context, raw []byte) {
	var doc cbconfig.TerseConfigJson
	if err := json.Unmarshal(raw, &doc); err != nil {
		b.logger.Debug("failed to decode NotMyVBucket config body", zap.Error(err))
		return
	}

	snap, err := configprovider.Normalize(&doc, b.opts.BucketType)
	if err != nil {
		b.logger.Debug("failed to normalize NotMyVBucket config body", zap.Error(err))
		return
	}

	if err := b.applySnapshot(ctx, snap); err != nil {
		b.logger.Warn("failed to apply NotMyVBucket config body", zap.Error(err))
	}
}

// Execute resolves key to its owning node via the key mapper, applies the
// random-live-node fallback, and forwards op to that node's IO Service,
// retrying on NotMyVBucket/transient classes (spec §4.1, §4.4, §8) up to
// deadline.
func (b *Bucket) Execute(ctx context.Context, key []byte, op *ioservice.Operation) (ioservice.Result, error) {
	deadline, _ := ctx.Deadline()
	bo := ioservice.NewVBucketBackOff(b.opts.VBucketRetryBaseSleep, deadline)

	var result ioservice.Result
	err := backoff.Retry(func() error {
		mapper := b.view.GetKeyMapper()
		if mapper == nil {
			return backoff.Permanent(fmt.Errorf("bucket: no topology available yet"))
		}

		partitionID, nodeIndex, _ := mapper.Map(key)

		node, err := b.view.ResolveDataNode(nodeIndex)
		if err != nil {
			return err
		}

		res := resourcesOf(node)
		if res == nil {
			return fmt.Errorf("bucket: node %s has no resources attached", node.Endpoint)
		}

		op.VBucket = uint16(partitionID)
		result = res.Execute(ctx, op)

		if !result.Retryable {
			// Success or a permanent failure: either way, stop here and
			// let the caller see result.Err as-is.
			return nil
		}
		if result.ConfigDoc != nil {
			// The NotMyVBucket body carries the topology the server
			// thinks is current; install it before retrying so the next
			// attempt targets the right node instead of repeating the
			// same miss (spec §4.4).
			b.installConfigDoc(ctx, result.ConfigDoc)
		}
		if result.Err != nil {
			return result.Err
		}
		// A NotMyVBucket reply without a transport error: retry once the
		// client-observed topology catches up with the server's.
		return fmt.Errorf("bucket: retryable response status 0x%02x", uint16(result.Status))
	}, bo)

	if err != nil && result.Err == nil {
		result.Err = err
	}

	return result, nil
}

// Dispatcher returns the HTTP query-service dispatcher for views/N1QL/
// FTS/analytics requests.
func (b *Bucket) Dispatcher() *httpdispatcher.Dispatcher {
	return b.dispatcher
}

// Close stops the config watch and tears down every node's resources.
func (b *Bucket) Close() {
	b.cancel()
	b.view.Close()
}
