package connpool

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/couchbase/gocbrouter/contrib/keepalive"
	"github.com/couchbase/gocbrouter/contrib/scramclient"
	"github.com/couchbase/gocbrouter/memdx"
)

var ErrAuthFailed = errors.New("connpool: authentication failed")

// mechanismPreference is the order HELLO/SASLList mechanisms are tried in,
// per spec §4.3: SCRAM-SHA-512 > SHA-256 > SHA-1 > PLAIN unless ForceSaslPlain.
func mechanismPreference(forcePlain bool) []string {
	if forcePlain {
		return []string{"PLAIN"}
	}
	return []string{"SCRAM-SHA512", "SCRAM-SHA256", "SCRAM-SHA1", "PLAIN"}
}

// dial opens the TCP (and optional TLS) socket and performs the connection
// bring-up sequence of spec §4.3: HELLO, optional GetErrorMap, SASLList,
// SASLAuth(/SASLStep), and optional SelectBucket.
func (p *ConnectionPool) dial(ctx context.Context) (*Connection, error) {
	dialer := net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", p.opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connpool: dial %s: %w", p.opts.Endpoint, err)
	}

	if p.opts.KeepAlive.Enabled {
		if err := keepalive.Enable(rawConn, p.opts.KeepAlive.Time, p.opts.KeepAlive.Interval, 3); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("connpool: enabling keepalive: %w", err)
		}
	}

	encrypted := false
	netConn := net.Conn(rawConn)
	if p.opts.TLSConfig != nil {
		host, _, _ := net.SplitHostPort(p.opts.Endpoint)
		cfg := p.opts.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		tlsConn := tls.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("connpool: TLS handshake: %w", err)
		}
		netConn = tlsConn
		encrypted = true
	}

	conn := newConnection(netConn, encrypted)

	if err := p.helloHandshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := p.authHandshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if p.opts.Bucket != "" && !p.opts.EnhancedAuth {
		if err := p.selectBucket(ctx, conn, p.opts.Bucket); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

func (p *ConnectionPool) roundTrip(ctx context.Context, conn *Connection, req *memdx.Packet) (*memdx.Packet, error) {
	if err := conn.WritePacket(req); err != nil {
		return nil, err
	}

	type result struct {
		pak *memdx.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pak, err := conn.ReadPacket()
		ch <- result{pak, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.pak, r.err
	}
}

func (p *ConnectionPool) helloHandshake(ctx context.Context, conn *Connection) error {
	value := make([]byte, len(memdx.DefaultHelloFeatures)*2)
	for i, f := range memdx.DefaultHelloFeatures {
		binary.BigEndian.PutUint16(value[i*2:], uint16(f))
	}

	resp, err := p.roundTrip(ctx, conn, &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpHello,
		Key:     []byte(p.opts.ClientName),
		Value:   value,
	})
	if err != nil {
		return fmt.Errorf("connpool: HELLO: %w", err)
	}
	if resp.Status != memdx.StatusSuccess {
		return fmt.Errorf("connpool: HELLO rejected: status 0x%x", resp.Status)
	}

	for i := 0; i+1 < len(resp.Value); i += 2 {
		conn.EnableFeature(memdx.HelloFeature(binary.BigEndian.Uint16(resp.Value[i:])))
	}

	if conn.HasFeature(memdx.FeatureXerror) {
		emResp, err := p.roundTrip(ctx, conn, &memdx.Packet{
			Magic:   memdx.MagicReq,
			Command: memdx.OpGetErrorMap,
			Value:   []byte{0x00, 0x02},
		})
		if err == nil && emResp.Status == memdx.StatusSuccess {
			conn.SetErrorMap(emResp.Value)
		}
	}

	return nil
}

func (p *ConnectionPool) listMechanisms(ctx context.Context, conn *Connection) ([]string, error) {
	resp, err := p.roundTrip(ctx, conn, &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpSASLListMechs,
	})
	if err != nil {
		return nil, fmt.Errorf("connpool: SASLList: %w", err)
	}
	if resp.Status != memdx.StatusSuccess {
		return nil, fmt.Errorf("connpool: SASLList rejected: status 0x%x", resp.Status)
	}
	return strings.Fields(string(resp.Value)), nil
}

func (p *ConnectionPool) chooseMechanism(serverMechs []string) (string, error) {
	serverSet := make(map[string]bool, len(serverMechs))
	for _, m := range serverMechs {
		serverSet[m] = true
	}

	for _, pref := range mechanismPreference(p.opts.ForceSaslPlain) {
		if serverSet[pref] {
			return pref, nil
		}
	}
	return "", errors.New("connpool: no common SASL mechanism")
}

func (p *ConnectionPool) authHandshake(ctx context.Context, conn *Connection) error {
	serverMechs, err := p.listMechanisms(ctx, conn)
	if err != nil {
		return err
	}

	mech, err := p.chooseMechanism(serverMechs)
	if err != nil {
		return err
	}

	if mech == "PLAIN" {
		return p.authPlain(ctx, conn)
	}
	return p.authSCRAM(ctx, conn, mech)
}

func (p *ConnectionPool) authPlain(ctx context.Context, conn *Connection) error {
	payload := []byte("\x00" + p.opts.Username + "\x00" + p.opts.Password)
	resp, err := p.roundTrip(ctx, conn, &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpSASLAuth,
		Key:     []byte("PLAIN"),
		Value:   payload,
	})
	if err != nil {
		return fmt.Errorf("connpool: SASLAuth PLAIN: %w", err)
	}
	if resp.Status != memdx.StatusSuccess {
		return fmt.Errorf("%w: status 0x%x", ErrAuthFailed, resp.Status)
	}
	conn.SetAuthenticated(true)
	return nil
}

func (p *ConnectionPool) authSCRAM(ctx context.Context, conn *Connection, mech string) error {
	client, err := scramclient.NewClient(mech, p.opts.Username, p.opts.Password)
	if err != nil {
		return err
	}

	resp, err := p.roundTrip(ctx, conn, &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpSASLAuth,
		Key:     []byte(mech),
		Value:   client.Start(),
	})
	if err != nil {
		return fmt.Errorf("connpool: SASLAuth %s: %w", mech, err)
	}
	if resp.Status != memdx.StatusAuthContinue {
		return fmt.Errorf("%w: unexpected status 0x%x from SASLAuth", ErrAuthFailed, resp.Status)
	}

	finalMsg, err := client.Step(resp.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	stepResp, err := p.roundTrip(ctx, conn, &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpSASLStep,
		Key:     []byte(mech),
		Value:   finalMsg,
	})
	if err != nil {
		return fmt.Errorf("connpool: SASLStep %s: %w", mech, err)
	}
	if stepResp.Status != memdx.StatusSuccess {
		return fmt.Errorf("%w: status 0x%x from SASLStep", ErrAuthFailed, stepResp.Status)
	}

	if err := client.VerifyServerSignature(stepResp.Value); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	conn.SetAuthenticated(true)
	return nil
}

func (p *ConnectionPool) selectBucket(ctx context.Context, conn *Connection, bucket string) error {
	resp, err := p.roundTrip(ctx, conn, &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpSelectBucket,
		Key:     []byte(bucket),
	})
	if err != nil {
		return fmt.Errorf("connpool: SelectBucket: %w", err)
	}
	if resp.Status != memdx.StatusSuccess {
		return fmt.Errorf("connpool: SelectBucket %q rejected: status 0x%x", bucket, resp.Status)
	}
	return nil
}
