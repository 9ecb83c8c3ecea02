package connpool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrConnectionPoolExhausted is returned by Acquire when the pool is at
// MaxSize and the wait timeout elapses before a connection frees up.
var ErrConnectionPoolExhausted = errors.New("connpool: exhausted")

// KeepAliveOptions tunes the TCP keep-alive behavior of spec §6.
type KeepAliveOptions struct {
	Enabled  bool
	Time     time.Duration
	Interval time.Duration
}

// Options configures a ConnectionPool for one node.
type Options struct {
	Logger *zap.Logger

	Endpoint   string // host:port to dial
	ClientName string // sent as the HELLO key

	TLSConfig *tls.Config // nil for plaintext

	Username     string
	Password     string
	Bucket       string
	EnhancedAuth bool // cluster-wide auth; select bucket separately per op
	ForceSaslPlain bool

	KeepAlive KeepAliveOptions

	MinSize      int
	MaxSize      int
	WaitTimeout  time.Duration
	IdleTimeout  time.Duration

	// MaxDialAttempts bounds the bring-up retry count of spec §4.3.
	MaxDialAttempts int
}

// ConnectionPool manages a bounded set of Connections to one node, per
// spec §4.3.
type ConnectionPool struct {
	opts Options

	mu      sync.Mutex
	idle    []*Connection
	size    int
	waiters []chan struct{}

	closed bool
	stopReclaim chan struct{}
}

// New constructs a pool and establishes MinSize connections.
func New(ctx context.Context, opts Options) (*ConnectionPool, error) {
	if opts.MaxDialAttempts <= 0 {
		opts.MaxDialAttempts = 3
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}

	p := &ConnectionPool{
		opts:        opts,
		stopReclaim: make(chan struct{}),
	}

	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	go p.reclaimLoop()

	return p, nil
}

// Initialize brings the pool up to MinSize connections.
func (p *ConnectionPool) Initialize(ctx context.Context) error {
	for i := 0; i < p.opts.MinSize; i++ {
		conn, err := p.dialWithRetry(ctx)
		if err != nil {
			return fmt.Errorf("connpool: initializing min pool size: %w", err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.size++
		p.mu.Unlock()
	}
	return nil
}

func (p *ConnectionPool) dialWithRetry(ctx context.Context) (*Connection, error) {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxDialAttempts; attempt++ {
		conn, err := p.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if p.opts.Logger != nil {
			p.opts.Logger.Debug("connection bring-up failed, retrying",
				zap.String("endpoint", p.opts.Endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}
	return nil, lastErr
}

// Acquire obtains a Connection, dialing a new one if below MaxSize and none
// are idle, or blocking up to WaitTimeout otherwise.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("connpool: pool closed")
	}

	if len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		return conn, nil
	}

	if p.size < p.opts.MaxSize {
		p.size++
		p.mu.Unlock()

		conn, err := p.dialWithRetry(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			return nil, err
		}
		return conn, nil
	}

	wait := make(chan struct{})
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.WaitTimeout)
	defer timer.Stop()

	select {
	case <-wait:
		return p.Acquire(ctx)
	case <-timer.C:
		return nil, ErrConnectionPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a Connection to the idle set, or discards it (and frees
// its slot) if it is no longer usable.
func (p *ConnectionPool) Release(conn *Connection, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !healthy || p.closed {
		p.size--
		_ = conn.Close()
		p.wakeOneWaiterLocked()
		return
	}

	conn.touch()
	p.idle = append(p.idle, conn)
	p.wakeOneWaiterLocked()
}

func (p *ConnectionPool) wakeOneWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// reclaimLoop closes idle connections beyond MinSize once they have been
// idle longer than IdleTimeout, per spec §4.3.
func (p *ConnectionPool) reclaimLoop() {
	ticker := time.NewTicker(p.opts.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopReclaim:
			return
		case <-ticker.C:
			p.reclaimOnce()
		}
	}
}

func (p *ConnectionPool) reclaimOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := p.idle[:0]
	for _, conn := range p.idle {
		if p.size > p.opts.MinSize && conn.IdleFor() > p.opts.IdleTimeout {
			p.size--
			_ = conn.Close()
			continue
		}
		keep = append(keep, conn)
	}
	p.idle = keep
}

// DialOne establishes a single authenticated Connection without a backing
// pool, for one-off uses such as an initial CCCP fetch during bootstrap.
// The caller owns the returned Connection's lifecycle and must Close it.
func DialOne(ctx context.Context, opts Options) (*Connection, error) {
	if opts.MaxDialAttempts <= 0 {
		opts.MaxDialAttempts = 3
	}
	p := &ConnectionPool{opts: opts}
	return p.dialWithRetry(ctx)
}

// Dispose closes every connection and stops background goroutines. It
// implements clusterview.Resources so a retired Node can dispose its pool
// without the clusterview package depending on connpool.
func (p *ConnectionPool) Dispose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopReclaim)

	for _, conn := range idle {
		_ = conn.Close()
	}
	for _, w := range waiters {
		close(w)
	}
}

// Size reports the current number of live connections (idle + checked out).
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
