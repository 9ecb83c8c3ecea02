package ioservice

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/memdx"
	"github.com/stretchr/testify/require"
)

// dialRaw obtains an authenticated connpool.Connection against ln by running
// the pool's normal bring-up (HELLO, SASLListMechs, SASLAuth PLAIN) through
// a pool of size 1 and acquiring its only connection.
func dialRaw(t *testing.T, ln net.Listener) *connpool.Connection {
	t.Helper()
	ctx := context.Background()
	pool, err := connpool.New(ctx, connpool.Options{
		Endpoint:        ln.Addr().String(),
		ClientName:      "test",
		Username:        "Administrator",
		Password:        "password",
		ForceSaslPlain:  true,
		MinSize:         1,
		MaxSize:         1,
		WaitTimeout:     time.Second,
		MaxDialAttempts: 1,
	})
	require.NoError(t, err)
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	return conn
}

// delayedEchoServer behaves like echoServer but replies to Get out of
// arrival order, chosen by the caller-supplied delay function, to exercise
// opaque-based correlation rather than a FIFO assumption.
func delayedEchoServer(t *testing.T, ln net.Listener, delay func(key string) time.Duration) {
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var wg sync.WaitGroup
		for {
			req, err := memdx.ReadPacket(conn)
			if err != nil {
				wg.Wait()
				return
			}

			switch req.Command {
			case memdx.OpHello:
				_ = memdx.WritePacket(conn, &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque})
			case memdx.OpSASLListMechs:
				_ = memdx.WritePacket(conn, &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque, Value: []byte("PLAIN")})
			case memdx.OpSASLAuth:
				_ = memdx.WritePacket(conn, &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque})
			case memdx.OpGet:
				wg.Add(1)
				req := req
				go func() {
					defer wg.Done()
					time.Sleep(delay(string(req.Key)))
					_ = memdx.WritePacket(conn, &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque, Value: req.Key})
				}()
			}
		}
	}()
}

func TestMultiplexedServiceCorrelatesOutOfOrderReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	delayedEchoServer(t, ln, func(key string) time.Duration {
		if key == "slow" {
			return 40 * time.Millisecond
		}
		return time.Millisecond
	})

	conn := dialRaw(t, ln)
	node := &fakeNode{}
	svc := NewMultiplexedService(nil, conn, NewHealthCounter(node, 3, time.Minute), 0, 0)

	var wg sync.WaitGroup
	results := make(map[string]Result)
	var mu sync.Mutex

	for _, key := range []string{"slow", "fast"} {
		wg.Add(1)
		key := key
		go func() {
			defer wg.Done()
			res := svc.Execute(context.Background(), &Operation{OpCode: memdx.OpGet, Key: []byte(key)})
			mu.Lock()
			results[key] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.NoError(t, results["slow"].Err)
	require.Equal(t, []byte("slow"), results["slow"].Value)
	require.NoError(t, results["fast"].Err)
	require.Equal(t, []byte("fast"), results["fast"].Value)
}

func TestMultiplexedServiceHighWaterMark(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	delayedEchoServer(t, ln, func(string) time.Duration { return 50 * time.Millisecond })

	conn := dialRaw(t, ln)
	node := &fakeNode{}
	svc := NewMultiplexedService(nil, conn, NewHealthCounter(node, 3, time.Minute), 1, 0)

	go svc.Execute(context.Background(), &Operation{OpCode: memdx.OpGet, Key: []byte("a")})
	time.Sleep(10 * time.Millisecond)

	res := svc.Execute(context.Background(), &Operation{OpCode: memdx.OpGet, Key: []byte("b")})
	require.ErrorIs(t, res.Err, ErrHighWaterMark)
	require.True(t, res.Retryable)
}

func TestMultiplexedServiceContextCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	delayedEchoServer(t, ln, func(string) time.Duration { return time.Hour })

	conn := dialRaw(t, ln)
	node := &fakeNode{}
	svc := NewMultiplexedService(nil, conn, NewHealthCounter(node, 3, time.Minute), 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := svc.Execute(ctx, &Operation{OpCode: memdx.OpGet, Key: []byte("never")})
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.True(t, res.Retryable)
}

func TestMultiplexedServiceCloseFailsPending(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	delayedEchoServer(t, ln, func(string) time.Duration { return time.Hour })

	conn := dialRaw(t, ln)
	node := &fakeNode{}
	svc := NewMultiplexedService(nil, conn, NewHealthCounter(node, 3, time.Minute), 0, 0)

	resCh := make(chan Result, 1)
	go func() {
		resCh <- svc.Execute(context.Background(), &Operation{OpCode: memdx.OpGet, Key: []byte("x")})
	}()
	time.Sleep(10 * time.Millisecond)

	svc.Close()

	res := <-resCh
	require.Error(t, res.Err)
	require.True(t, res.Retryable)
}
