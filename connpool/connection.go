/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package connpool manages a bounded set of framed-binary connections (plain
// or TLS) to a single node: dial, SASL authentication, HELLO feature
// negotiation, keep-alive, and idle reclamation, per spec §4.3.
package connpool

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbrouter/memdx"
)

// Connection is one framed-binary socket to a node.
type Connection struct {
	conn      net.Conn
	encrypted bool

	reader *bufio.Reader
	writeMu sync.Mutex

	authenticated bool
	features      map[memdx.HelloFeature]bool
	errorMap      []byte

	idleSince atomic.Int64

	// inFlight is read/written only by the IO Service in multiplexed mode;
	// it is exported via accessors rather than a field so the pool doesn't
	// need to know which IO mode owns the connection.
	inFlightCount atomic.Int32
}

func newConnection(conn net.Conn, encrypted bool) *Connection {
	c := &Connection{
		conn:      conn,
		encrypted: encrypted,
		reader:    bufio.NewReader(conn),
		features:  make(map[memdx.HelloFeature]bool),
	}
	c.touch()
	return c
}

// WritePacket serializes and writes a single frame. The write path is
// always serialized by a mutex so that two operations against the same
// connection retain server-observed write order, per spec §5.
func (c *Connection) WritePacket(p *memdx.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return memdx.WritePacket(c.conn, p)
}

// ReadPacket reads one frame. Only the connection's single reader goroutine
// (the IO Service's pooled caller, or the multiplexed receiver) may call
// this.
func (c *Connection) ReadPacket() (*memdx.Packet, error) {
	return memdx.ReadPacket(c.reader)
}

// EnableFeature records a feature the server acknowledged during HELLO.
func (c *Connection) EnableFeature(f memdx.HelloFeature) {
	c.features[f] = true
}

// HasFeature reports whether the server acknowledged a feature.
func (c *Connection) HasFeature(f memdx.HelloFeature) bool {
	return c.features[f]
}

// SetErrorMap caches the server's GetErrorMap response body.
func (c *Connection) SetErrorMap(data []byte) {
	c.errorMap = data
}

func (c *Connection) ErrorMap() []byte {
	return c.errorMap
}

func (c *Connection) SetAuthenticated(v bool) {
	c.authenticated = v
}

func (c *Connection) Authenticated() bool {
	return c.authenticated
}

func (c *Connection) Encrypted() bool {
	return c.encrypted
}

// RemoteAddr returns the underlying socket's remote address, for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) touch() {
	c.idleSince.Store(time.Now().UnixNano())
}

// IdleFor reports how long this connection has been sitting unused.
func (c *Connection) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.idleSince.Load()))
}

// IncInFlight/DecInFlight track outstanding multiplexed operations so the
// IO Service can enforce its high-water-mark backpressure policy.
func (c *Connection) IncInFlight() int32 {
	return c.inFlightCount.Add(1)
}

func (c *Connection) DecInFlight() int32 {
	return c.inFlightCount.Add(-1)
}

func (c *Connection) InFlight() int32 {
	return c.inFlightCount.Load()
}

// Close tears down the socket. Safe to call more than once.
func (c *Connection) Close() error {
	return c.conn.Close()
}

var _ io.Closer = (*Connection)(nil)
