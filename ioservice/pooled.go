package ioservice

import (
	"context"
	"errors"
	"net"

	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/memdx"
	"go.uber.org/zap"
)

// PooledService implements spec §4.4's pooled mode: one Connection per
// in-flight operation, acquired and released around a single round trip.
// Concurrent operations require concurrent connections, which is exactly
// what the underlying ConnectionPool provides.
type PooledService struct {
	logger  *zap.Logger
	pool    *connpool.ConnectionPool
	health  *HealthCounter
	opaques opaqueAllocator
}

// NewPooledService builds a pooled-mode IO Service over pool.
func NewPooledService(logger *zap.Logger, pool *connpool.ConnectionPool, health *HealthCounter) *PooledService {
	return &PooledService{logger: logger, pool: pool, health: health}
}

// Execute performs one round trip synchronously, honoring ctx's deadline
// for both connection acquisition and the socket round trip.
func (s *PooledService) Execute(ctx context.Context, op *Operation) Result {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, connpool.ErrConnectionPoolExhausted) {
			return Result{Err: err}
		}
		s.health.RecordError()
		return Result{Err: err}
	}

	result := s.roundTrip(ctx, conn, op)

	healthy := result.Err == nil || errors.Is(result.Err, context.DeadlineExceeded)
	s.pool.Release(conn, healthy)

	return result
}

func (s *PooledService) roundTrip(ctx context.Context, conn *connpool.Connection, op *Operation) Result {
	opaque := s.opaques.next()

	req := &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: op.OpCode,
		VBucket: op.VBucket,
		Opaque:  opaque,
		CAS:     op.CAS,
		Extras:  op.Extras,
		Key:     op.Key,
		Value:   op.Value,
	}

	if err := conn.WritePacket(req); err != nil {
		s.health.RecordError()
		return Result{Err: err}
	}

	type readResult struct {
		pak *memdx.Packet
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		pak, err := conn.ReadPacket()
		ch <- readResult{pak, err}
	}()

	select {
	case <-ctx.Done():
		return Result{Err: ctx.Err(), Retryable: true}
	case r := <-ch:
		if r.err != nil {
			if !errors.Is(r.err, net.ErrClosed) {
				s.health.RecordError()
			}
			return Result{Err: r.err, Retryable: true}
		}
		if r.pak.Opaque != opaque {
			return Result{Err: errors.New("ioservice: opaque mismatch"), Retryable: true}
		}
		s.health.RecordSuccess()
		return classifyResponse(r.pak)
	}
}

func classifyResponse(pak *memdx.Packet) Result {
	class := memdx.Classify(pak.Status)

	result := Result{
		Status: pak.Status,
		CAS:    pak.CAS,
		Value:  pak.Value,
	}

	switch class {
	case memdx.ClassSuccess:
		return result
	case memdx.ClassRetryRouting:
		result.Retryable = true
		result.ConfigDoc = pak.Value
		return result
	case memdx.ClassRetryTransient:
		result.Retryable = true
		return result
	default:
		return result
	}
}
