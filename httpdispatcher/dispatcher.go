// Package httpdispatcher is the HTTP query-services side of the router:
// view/N1QL/FTS/analytics requests against the URI bags clusterview.View
// tracks, with per-service selection and failure accounting (spec §4.6).
package httpdispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbrouter/clusterview"
	"go.uber.org/zap"
)

// defaultQueryFailedThreshold matches spec §6's documented default for
// QueryFailedThreshold, used when Options.QueryFailedThreshold is unset.
const defaultQueryFailedThreshold = 2

// Options configures a Dispatcher.
type Options struct {
	Logger     *zap.Logger
	HttpClient *http.Client
	View       *clusterview.View
	Username   string
	Password   string

	// QueryFailedThreshold is the consecutive-failure count that retires a
	// URI from selection (spec §4.6, §8). Defaults to 2.
	QueryFailedThreshold int
}

// Dispatcher routes HTTP query-service requests over the current View's
// URI bags, generalizing contrib/cbconfig/fetcher.go's single-host request
// building (context-scoped requests, basic auth, explicit body close) to a
// multi-URI, failure-counting client.
type Dispatcher struct {
	logger               *zap.Logger
	httpClient           *http.Client
	view                 *clusterview.View
	username             string
	password             string
	queryFailedThreshold int

	roundRobinCounters map[clusterview.Service]*atomic.Uint64
}

// New builds a Dispatcher over view.
func New(opts Options) *Dispatcher {
	client := opts.HttpClient
	if client == nil {
		client = &http.Client{}
	}

	threshold := opts.QueryFailedThreshold
	if threshold <= 0 {
		threshold = defaultQueryFailedThreshold
	}

	d := &Dispatcher{
		logger:               opts.Logger,
		httpClient:           client,
		view:                 opts.View,
		username:             opts.Username,
		password:             opts.Password,
		queryFailedThreshold: threshold,
		roundRobinCounters: map[clusterview.Service]*atomic.Uint64{
			clusterview.ServiceQuery:     {},
			clusterview.ServiceAnalytics: {},
		},
	}

	return d
}

// FailureCountingURI is a candidate endpoint selection returned by the
// dispatcher's picker, paired with its tracked health so the caller can
// record the outcome back into the view.
type FailureCountingURI struct {
	Service clusterview.Service
	URI     string
	Health  *clusterview.URIHealth
}

// pick selects a URI for svc using the policy of spec §4.6: round-robin
// over the URIs below the failure threshold for Query/Analytics,
// random-among-healthy for Views/Search, and fail-open (clear the bag's
// failure counters and select from every URI) if every URI in the bag is
// currently unhealthy.
func (d *Dispatcher) pick(svc clusterview.Service) (*FailureCountingURI, error) {
	bag := d.view.GetServiceURI(svc)
	if len(bag) == 0 {
		return nil, fmt.Errorf("httpdispatcher: no URIs available for service %d", svc)
	}

	healthy := make([]*clusterview.URIHealth, 0, len(bag))
	for _, h := range bag {
		if h.Failures < d.queryFailedThreshold {
			healthy = append(healthy, h)
		}
	}

	// Fail-open: every URI has tripped the threshold, so try one anyway
	// rather than erroring out the whole request.
	if len(healthy) == 0 {
		d.view.ClearURIFailures(svc)
		healthy = bag
	}

	switch svc {
	case clusterview.ServiceQuery, clusterview.ServiceAnalytics:
		counter := d.roundRobinCounters[svc]
		idx := counter.Add(1) % uint64(len(healthy))
		h := healthy[idx]
		return &FailureCountingURI{Service: svc, URI: h.URI, Health: h}, nil
	default: // ServiceViews, ServiceSearch
		h := healthy[rand.Intn(len(healthy))]
		return &FailureCountingURI{Service: svc, URI: h.URI, Health: h}, nil
	}
}

// Do issues one HTTP request against a URI selected for svc, making up to
// len(bag) attempts in all on transport failure or a 5xx response, each
// with a fresh pick (Views/Search pick at random, so a retry may land on
// the same URI), and records the outcome into the view's failure counters.
func (d *Dispatcher) Do(ctx context.Context, svc clusterview.Service, method, path string, body []byte) (*http.Response, error) {
	var lastErr error

	bagSize := len(d.view.GetServiceURI(svc))
	if bagSize == 0 {
		bagSize = 1
	}

	for attempt := 0; attempt < bagSize; attempt++ {
		target, err := d.pick(svc)
		if err != nil {
			return nil, err
		}

		resp, err := d.doOnce(ctx, target.URI, method, path, body)
		if err != nil {
			d.view.RecordURIFailure(svc, target.URI, time.Now().UnixNano())
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			d.view.RecordURIFailure(svc, target.URI, time.Now().UnixNano())
			lastErr = fmt.Errorf("httpdispatcher: %s returned %d", target.URI, resp.StatusCode)
			_ = resp.Body.Close()
			continue
		}

		d.view.RecordURISuccess(svc, target.URI)
		return resp, nil
	}

	return nil, lastErr
}

func (d *Dispatcher) doOnce(ctx context.Context, uri, method, path string, body []byte) (*http.Response, error) {
	url := "http://" + uri + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	return d.httpClient.Do(req)
}
