package configprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveConfig(rev int32) []byte {
	config := sampleCouchbaseConfig()
	config.Rev = int(rev)
	b, _ := json.Marshal(config)
	return b
}

func TestProviderWatchFallsBackToPolling(t *testing.T) {
	var rev atomic.Int32
	rev.Store(1)

	mux := http.NewServeMux()
	mux.HandleFunc("/pools/default/b/default", func(w http.ResponseWriter, r *http.Request) {
		w.Write(serveConfig(rev.Load()))
	})
	mux.HandleFunc("/pools/default/bs/default", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{
		Host:   server.URL,
		Logger: zap.NewNop(),
	})

	provider := NewProvider(Options{
		Logger:       zap.NewNop(),
		Fetcher:      fetcher,
		BucketName:   "default",
		BucketType:   "couchbase",
		PollInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := provider.Watch(ctx)
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, uint64(1)<<32|1, first.Revision)

	rev.Store(2)

	var second *clusterview.Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			if snap.Revision == uint64(1)<<32|2 {
				second = snap
				return true
			}
			return false
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.NotNil(t, second)
}
