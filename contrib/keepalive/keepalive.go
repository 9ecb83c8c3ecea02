/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package keepalive sets TCP keep-alive parameters beyond what net.TCPConn's
// SetKeepAlive/SetKeepAlivePeriod expose (idle time, probe interval, probe
// count independently). It is the Go-native replacement for the native
// KeepAlive/keepalive.c setsockopt helper: golang.org/x/sys/unix gives the
// same three setsockopt calls without cgo or a P/Invoke boundary.
package keepalive

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Enable turns on TCP keep-alives on conn and tunes idle time, probe
// interval, and probe count, per the EnableTcpKeepAlives/TcpKeepAliveTime/
// TcpKeepAliveInterval configuration surface of spec §6.
func Enable(conn net.Conn, idle, interval time.Duration, probes int) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("keepalive: %T is not a *net.TCPConn", conn)
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("keepalive: getting raw conn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = setKeepAliveOpts(int(fd), idle, interval, probes)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func setKeepAliveOpts(fd int, idle, interval time.Duration, probes int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("keepalive: SO_KEEPALIVE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds())); err != nil {
		return fmt.Errorf("keepalive: TCP_KEEPIDLE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); err != nil {
		return fmt.Errorf("keepalive: TCP_KEEPINTVL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, probes); err != nil {
		return fmt.Errorf("keepalive: TCP_KEEPCNT: %w", err)
	}
	return nil
}
