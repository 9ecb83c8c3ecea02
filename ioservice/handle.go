// Package ioservice is the per-node dispatcher over a connpool.ConnectionPool:
// pooled and multiplexed execution, opaque-based response correlation,
// per-operation timeout/cancellation, retry, and node health counting
// (spec §4.4).
package ioservice

import (
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbrouter/memdx"
)

// Operation is a single key/value request submitted to the IO Service. The
// VBucket field is the partition id the caller (Bucket Facade, via the Key
// Mapper) has already resolved.
type Operation struct {
	OpCode  memdx.OpCode
	VBucket uint16
	Key     []byte
	Extras  []byte
	Value   []byte
	CAS     uint64
}

// Result is the user-visible outcome of an operation, per spec §7: success
// flag, status, CAS and value are always defined when the server replied;
// Err carries transport/auth/client failures.
type Result struct {
	Status  memdx.StatusCode
	CAS     uint64
	Value   []byte
	Err     error
	// Retryable is true for NotMyVBucket/Busy/TemporaryFailure/transport
	// classes the Bucket Facade may retry against a refreshed topology.
	Retryable bool
	// ConfigDoc is non-nil when the response carried an updated topology
	// document (a NotMyVBucket body), handed to the Config Provider.
	ConfigDoc []byte
}

func (r Result) Success() bool {
	return r.Err == nil && r.Status == memdx.StatusSuccess
}

// handle is the internal bookkeeping for one in-flight multiplexed
// operation: the opaque table entry the receiver completes by opaque match.
type handle struct {
	opaque    uint32
	op        *Operation
	done      chan Result
	canceled  bool
	startedAt time.Time
}

// opaqueAllocator hands out monotonically increasing opaque values for one
// PooledService (shared by all of its pool's connections) or one
// MultiplexedService. It wraps around only after 2^32 allocations, which
// the spec's opaque-correlation scheme (§4.4) tolerates: collisions only
// matter within the set of truly concurrent in-flight requests.
type opaqueAllocator struct {
	counter atomic.Uint32
}

func (a *opaqueAllocator) next() uint32 {
	return a.counter.Add(1)
}
