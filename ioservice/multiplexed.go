package ioservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/memdx"
	"go.uber.org/zap"
)

// ErrHighWaterMark is returned when a multiplexed connection already has
// HighWaterMark operations outstanding; the caller (Bucket Facade) treats
// this as a transient, retryable backpressure signal rather than a node
// failure.
var ErrHighWaterMark = errors.New("ioservice: connection at high water mark")

// MultiplexedService implements spec §4.4's multiplexed mode: many
// operations share one Connection, correlated by opaque, with a single
// receiver goroutine demultiplexing responses back to their callers.
type MultiplexedService struct {
	logger *zap.Logger
	conn   *connpool.Connection
	health *HealthCounter

	opaques       opaqueAllocator
	highWaterMark int32
	staleAfter    time.Duration

	mu      sync.Mutex
	pending map[uint32]*handle
	closed  bool

	stopCh chan struct{}
}

// NewMultiplexedService starts the receiver and sweep goroutines for conn
// and returns a ready-to-use dispatcher. highWaterMark <= 0 disables the
// backpressure check; staleAfter <= 0 disables the sweep.
func NewMultiplexedService(logger *zap.Logger, conn *connpool.Connection, health *HealthCounter, highWaterMark int32, staleAfter time.Duration) *MultiplexedService {
	s := &MultiplexedService{
		logger:        logger,
		conn:          conn,
		health:        health,
		highWaterMark: highWaterMark,
		staleAfter:    staleAfter,
		pending:       make(map[uint32]*handle),
		stopCh:        make(chan struct{}),
	}

	go s.receiveLoop()
	if staleAfter > 0 {
		go s.sweepLoop()
	}

	return s
}

// Execute submits op and blocks until a response arrives, ctx is done, or
// the connection is closed.
func (s *MultiplexedService) Execute(ctx context.Context, op *Operation) Result {
	if s.highWaterMark > 0 && s.conn.InFlight() >= s.highWaterMark {
		return Result{Err: ErrHighWaterMark, Retryable: true}
	}

	opaque := s.opaques.next()
	h := &handle{
		opaque:    opaque,
		op:        op,
		done:      make(chan Result, 1),
		startedAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{Err: errors.New("ioservice: connection closed"), Retryable: true}
	}
	s.pending[opaque] = h
	s.mu.Unlock()

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

	s.conn.IncInFlight()

	if err := s.conn.WritePacket(req); err != nil {
		s.removeHandle(opaque)
		s.conn.DecInFlight()
		s.health.RecordError()
		return Result{Err: err, Retryable: true}
	}

	select {
	case <-ctx.Done():
		// The handle may already be in flight to completion; removing it
		// from the table means a late reply is silently dropped by the
		// receiver's opaque lookup rather than delivered to no one. Only
		// decrement if we actually won the removal race: if receiveLoop (or
		// a sweep) already removed this opaque, it already decremented.
		if s.removeHandle(opaque) != nil {
			s.conn.DecInFlight()
		}
		return Result{Err: ctx.Err(), Retryable: true}
	case result := <-h.done:
		return result
	}
}

func (s *MultiplexedService) removeHandle(opaque uint32) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.pending[opaque]
	delete(s.pending, opaque)
	return h
}

// receiveLoop is the connection's single reader: it owns ReadPacket calls
// for the lifetime of the connection and demultiplexes every response to
// the waiting Execute call by opaque.
func (s *MultiplexedService) receiveLoop() {
	for {
		pak, err := s.conn.ReadPacket()
		if err != nil {
			s.failAll(err)
			return
		}

		h := s.removeHandle(pak.Opaque)
		if h == nil {
			// Already timed out/canceled client-side (which already
			// decremented), or a stray reply for an opaque we never
			// tracked; either way there is nowhere to deliver it and
			// nothing more to decrement here.
			continue
		}
		s.conn.DecInFlight()

		s.health.RecordSuccess()
		h.done <- classifyResponse(pak)
	}
}

// sweepLoop proactively fails operations that have sat in the pending
// table longer than staleAfter, in case the connection is wedged rather
// than closed (no read error, no reply).
func (s *MultiplexedService) sweepLoop() {
	ticker := time.NewTicker(s.staleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *MultiplexedService) sweepOnce() {
	now := time.Now()

	s.mu.Lock()
	var stale []*handle
	for opaque, h := range s.pending {
		if now.Sub(h.startedAt) > s.staleAfter {
			stale = append(stale, h)
			delete(s.pending, opaque)
		}
	}
	s.mu.Unlock()

	for _, h := range stale {
		s.conn.DecInFlight()
		s.health.RecordError()
		h.done <- Result{Err: context.DeadlineExceeded, Retryable: true}
	}
}

func (s *MultiplexedService) failAll(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	close(s.stopCh)

	for _, h := range pending {
		h.done <- Result{Err: err, Retryable: true}
	}
}

// Close tears down the dispatcher and its connection. Any operations still
// pending fail with an explicit closed error rather than hanging.
func (s *MultiplexedService) Close() {
	s.failAll(errors.New("ioservice: dispatcher closed"))
	_ = s.conn.Close()
}
