package bucket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/couchbase/gocbrouter/ioservice"
	"github.com/couchbase/gocbrouter/memdx"
	"github.com/stretchr/testify/require"
)

func fakeKVNode(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
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
						resp = &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque}
					case memdx.OpSASLListMechs:
						resp = &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque, Value: []byte("PLAIN")}
					case memdx.OpSASLAuth:
						resp = &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque}
					case memdx.OpGet:
						resp = &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque, Value: req.Key}
					case memdx.OpSelectBucket:
						resp = &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusSuccess, Opaque: req.Opaque}
					default:
						resp = &memdx.Packet{Magic: memdx.MagicRes, Command: req.Command, Status: memdx.StatusUnknownCommand, Opaque: req.Opaque}
					}
					if err := memdx.WritePacket(conn, resp); err != nil {
						return
					}
				}
			}()
		}
	}()

	return ln
}

func portOf(addr string) int {
	_, portStr, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(portStr)
	return p
}

func TestBucketOpenAndExecute(t *testing.T) {
	kvLn := fakeKVNode(t)
	defer kvLn.Close()
	kvPort := portOf(kvLn.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/pools/default/b/default", func(w http.ResponseWriter, r *http.Request) {
		config := cbconfig.TerseConfigJson{
			Rev:      1,
			RevEpoch: 1,
			NodesExt: []cbconfig.TerseExtNodeJson{
				{Hostname: "127.0.0.1", Services: map[string]int{"kv": kvPort, "mgmt": 8091}},
			},
			VBucketServerMap: &cbconfig.VBucketServerMapJson{
				NumReplicas: 0,
				ServerList:  []string{"127.0.0.1:" + strconv.Itoa(kvPort)},
				VBucketMap:  [][]int{{0}, {0}},
			},
		}
		b, _ := json.Marshal(config)
		w.Write(b)
	})
	mux.HandleFunc("/pools/default/bs/default", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	seedHost := strings.TrimPrefix(server.URL, "http://")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Open(ctx, Options{
		SeedHost:        seedHost,
		BucketName:      "default",
		BucketType:      "couchbase",
		Username:        "Administrator",
		Password:        "password",
		MaxDialAttempts: 1,
		PollInterval:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()

	result, err := b.Execute(context.Background(), []byte("mykey"), &ioservice.Operation{
		OpCode: memdx.OpGet,
		Key:    []byte("mykey"),
	})
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.True(t, result.Success())
	require.Equal(t, []byte("mykey"), result.Value)
}
