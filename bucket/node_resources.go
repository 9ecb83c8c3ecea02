// Package bucket is the Bucket Facade: it stitches the key mapper, cluster
// view, connection pools, IO services, config provider, and HTTP
// dispatcher into the single entry point an application-level client
// issues operations against (spec §2, §4).
package bucket

import (
	"context"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/ioservice"
	"go.uber.org/zap"
)

// nodeResources bundles the per-node connection pool and IO Service the
// Bucket Facade attaches to every clusterview.Node, and implements
// clusterview.Resources so a retired node tears both down without
// clusterview importing either package.
type nodeResources struct {
	pool   *connpool.ConnectionPool
	pooled *ioservice.PooledService

	multiplexed []*ioservice.MultiplexedService
}

func (r *nodeResources) Dispose() {
	for _, m := range r.multiplexed {
		m.Close()
	}
	if r.pool != nil {
		r.pool.Dispose()
	}
}

// Execute dispatches op against this node, using the multiplexed
// dispatchers if configured, otherwise the pooled service.
func (r *nodeResources) Execute(ctx context.Context, op *ioservice.Operation) ioservice.Result {
	if len(r.multiplexed) > 0 {
		// A fixed hash over the vbucket spreads operations across the
		// node's multiplexed connections without needing per-key state.
		idx := int(op.VBucket) % len(r.multiplexed)
		return r.multiplexed[idx].Execute(ctx, op)
	}
	return r.pooled.Execute(ctx, op)
}

var _ clusterview.Resources = (*nodeResources)(nil)

// buildNodeResources dials and authenticates the pool (and, in multiplexed
// mode, its dedicated connections) for one node, per the pool/IO tuning in
// Options.
func buildNodeResources(ctx context.Context, logger *zap.Logger, node *clusterview.Node, opts Options) (*nodeResources, error) {
	poolOpts := opts.poolOptionsFor(node, logger)

	pool, err := connpool.New(ctx, poolOpts)
	if err != nil {
		return nil, err
	}

	res := &nodeResources{pool: pool}
	health := ioservice.NewHealthCounter(node, opts.HealthErrorThreshold, opts.HealthCheckInterval)

	if !opts.Multiplexed {
		res.pooled = ioservice.NewPooledService(logger, pool, health)
		return res, nil
	}

	conns := opts.MultiplexedConnsPerNode
	if conns <= 0 {
		conns = 1
	}
	for i := 0; i < conns; i++ {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			res.Dispose()
			return nil, err
		}
		res.multiplexed = append(res.multiplexed, ioservice.NewMultiplexedService(logger, conn, health, opts.HighWaterMark, opts.StaleOperationTimeout))
	}

	return res, nil
}

// resourcesOf returns the node's attached nodeResources, or nil if none are
// set yet.
func resourcesOf(node *clusterview.Node) *nodeResources {
	r, _ := node.GetResources().(*nodeResources)
	return r
}
