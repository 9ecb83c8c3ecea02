package httpdispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/stretchr/testify/require"
)

func viewWithQueryURIs(uris ...string) *clusterview.View {
	v := clusterview.NewView()
	v.Replace(&clusterview.Snapshot{
		Revision:    1,
		ServiceURIs: map[clusterview.Service][]string{clusterview.ServiceQuery: uris},
	})
	return v
}

func TestDispatcherRoundRobinsAcrossQueryURIs(t *testing.T) {
	var hits = map[string]int{}
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits["1"]++ }))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits["2"]++ }))
	defer srv2.Close()

	view := viewWithQueryURIs(hostport(srv1.URL), hostport(srv2.URL))
	d := New(Options{View: view})

	for i := 0; i < 10; i++ {
		resp, err := d.Do(context.Background(), clusterview.ServiceQuery, "GET", "/query", nil)
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Greater(t, hits["1"], 0)
	require.Greater(t, hits["2"], 0)
}

func TestDispatcherRetriesOnFailure(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	view := viewWithQueryURIs("127.0.0.1:1", hostport(good.URL))
	d := New(Options{View: view})

	resp, err := d.Do(context.Background(), clusterview.ServiceQuery, "GET", "/query", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestDispatcherRetiresURIAfterTwoFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	view := viewWithQueryURIs(hostport(bad.URL), hostport(good.URL))
	d := New(Options{View: view})

	// Two consecutive failures against bad trips the default threshold of
	// 2, per spec §4.6/§8 and scenario 4: force it to 5xx twice.
	for i := 0; i < 2; i++ {
		resp, err := d.doOnce(context.Background(), hostport(bad.URL), "GET", "/query", nil)
		require.NoError(t, err)
		resp.Body.Close()
		view.RecordURIFailure(clusterview.ServiceQuery, hostport(bad.URL), int64(i+1))
	}

	for i := 0; i < 10; i++ {
		target, err := d.pick(clusterview.ServiceQuery)
		require.NoError(t, err)
		require.Equal(t, hostport(good.URL), target.URI)
	}
}

func TestDispatcherNoURIsErrors(t *testing.T) {
	view := clusterview.NewView()
	d := New(Options{View: view})

	_, err := d.Do(context.Background(), clusterview.ServiceQuery, "GET", "/query", nil)
	require.Error(t, err)
}

func hostport(url string) string {
	return url[len("http://"):]
}
