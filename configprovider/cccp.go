package configprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/couchbase/gocbrouter/connpool"
	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/couchbase/gocbrouter/memdx"
)

// FetchCCCP retrieves the terse cluster config over the KV connection
// itself (Cluster Configuration Carrier Publication), per spec §4.5's
// highest-priority config source: no separate HTTP round trip, and the
// config travels over the same socket already used for data operations.
// host is the node's own advertised hostname, used for $HOST replacement
// the same way the HTTP fetchers do it.
func FetchCCCP(ctx context.Context, conn *connpool.Connection, host string) (*cbconfig.TerseConfigJson, error) {
	req := &memdx.Packet{
		Magic:   memdx.MagicReq,
		Command: memdx.OpGetClusterConfig,
		Opaque:  1,
	}

	if err := conn.WritePacket(req); err != nil {
		return nil, fmt.Errorf("configprovider: writing GetClusterConfig: %w", err)
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

	var pak *memdx.Packet
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("configprovider: reading GetClusterConfig: %w", r.err)
		}
		pak = r.pak
	}

	if pak.Status != memdx.StatusSuccess {
		return nil, fmt.Errorf("configprovider: GetClusterConfig returned status 0x%02x", uint16(pak.Status))
	}

	body := bytes.ReplaceAll(pak.Value, []byte("$HOST"), []byte(host))

	var config cbconfig.TerseConfigJson
	if err := json.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("configprovider: decoding GetClusterConfig body: %w", err)
	}

	return &config, nil
}
