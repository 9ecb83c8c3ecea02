package connpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/couchbase/gocbrouter/memdx"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts connections until ln is closed and answers HELLO, SASLList and
// SASLAuth(PLAIN) with success, enough to drive the pool's bring-up
// sequence end to end.
func fakeServer(t *testing.T, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				req, err := memdx.ReadPacket(conn)
				if err != nil {
					return
				}

				var resp *memdx.Packet
				switch req.Command {
				case memdx.OpHello:
					resp = &memdx.Packet{
						Magic: memdx.MagicRes, Command: req.Command,
						Status: memdx.StatusSuccess, Opaque: req.Opaque,
						Value: req.Value,
					}
				case memdx.OpSASLListMechs:
					resp = &memdx.Packet{
						Magic: memdx.MagicRes, Command: req.Command,
						Status: memdx.StatusSuccess, Opaque: req.Opaque,
						Value: []byte("PLAIN"),
					}
				case memdx.OpSASLAuth:
					resp = &memdx.Packet{
						Magic: memdx.MagicRes, Command: req.Command,
						Status: memdx.StatusSuccess, Opaque: req.Opaque,
					}
				default:
					resp = &memdx.Packet{
						Magic: memdx.MagicRes, Command: req.Command,
						Status: memdx.StatusUnknownCommand, Opaque: req.Opaque,
					}
				}

				if err := memdx.WritePacket(conn, resp); err != nil {
					return
				}
			}
		}()
	}
}

func TestPoolAcquireReleaseAndExhaustion(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go fakeServer(t, ln)

	ctx := context.Background()
	pool, err := New(ctx, Options{
		Endpoint:        ln.Addr().String(),
		ClientName:      "test-client",
		Username:        "Administrator",
		Password:        "password",
		ForceSaslPlain:  true,
		MinSize:         1,
		MaxSize:         2,
		WaitTimeout:     200 * time.Millisecond,
		IdleTimeout:     time.Minute,
		MaxDialAttempts: 1,
	})
	require.NoError(t, err)
	defer pool.Dispose()

	require.Equal(t, 1, pool.Size())

	c1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, c1.Authenticated())

	c2, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Size())

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrConnectionPoolExhausted)

	pool.Release(c1, true)
	pool.Release(c2, true)
}

func TestPoolDisposeClosesConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go fakeServer(t, ln)

	ctx := context.Background()
	pool, err := New(ctx, Options{
		Endpoint:        ln.Addr().String(),
		ClientName:      "test-client",
		Username:        "Administrator",
		Password:        "password",
		ForceSaslPlain:  true,
		MinSize:         1,
		MaxSize:         1,
		MaxDialAttempts: 1,
	})
	require.NoError(t, err)

	pool.Dispose()
	require.Equal(t, 0, pool.Size())

	_, err = pool.Acquire(ctx)
	require.Error(t, err)
}
