package clusterview

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/couchbase/gocbrouter/keymapper"
)

// ErrNoAvailableNode is returned when the key mapper's primary is
// unusable and no live data node exists to fall back to (spec §4.1).
var ErrNoAvailableNode = errors.New("clusterview: no available data node")

// Service identifies which HTTP service a URI bag belongs to.
type Service int

const (
	ServiceViews Service = iota
	ServiceQuery
	ServiceSearch
	ServiceAnalytics
)

// URIHealth tracks per-URI failure accounting for a single HTTP service
// (spec §4.2, §4.6). It is intentionally a minimal value the clusterview
// package can carry without depending on httpdispatcher; httpdispatcher
// owns the selection policy over these values.
type URIHealth struct {
	URI         string
	Failures    int
	LastFailure int64 // unix nanos; 0 means never failed
}

// Snapshot is an immutable topology document ready to become a View: the
// parsed, normalized output of the Config Provider (spec §4.5).
type Snapshot struct {
	Revision  uint64
	Nodes     []*Node
	Partition *PartitionTable // nil for Memcached buckets
	Ketama    *keymapper.KetamaMapper // non-nil for Memcached buckets

	// ServiceURIs maps each HTTP service to the URIs published for it in
	// this topology document (host ordering preserved).
	ServiceURIs map[Service][]string
}

// View is the read-mostly routing table the Bucket Facade consults on
// every operation. Replace swaps to a new View atomically; readers never
// block a concurrent Replace for longer than a slice/map copy, and no
// reader holds the lock across a suspension point (spec §5).
type View struct {
	mu sync.RWMutex

	revision  uint64
	nodes     []*Node
	nodeByEP  map[string]*Node
	partition *PartitionTable
	ketama    *keymapper.KetamaMapper
	uriBags   map[Service]*uriBag

	disposeCh chan []*Node
}

type uriBag struct {
	uris  map[string]*URIHealth
	order []string // insertion order, so GetServiceURI rotates deterministically
}

// NewView creates an empty view at revision 0; Replace must be called with
// a real Snapshot before it is useful.
func NewView() *View {
	v := &View{
		nodeByEP:  make(map[string]*Node),
		uriBags:   make(map[Service]*uriBag),
		disposeCh: make(chan []*Node, 16),
	}
	go v.disposeLoop()
	return v
}

// disposeLoop runs the deferred node teardown described in spec §4.2:
// disposal happens off the Replace call path so in-flight operations see
// a consistent view at the moment of swap.
func (v *View) disposeLoop() {
	for retired := range v.disposeCh {
		for _, n := range retired {
			n.dispose()
		}
	}
}

// Revision returns the current topology revision.
func (v *View) Revision() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.revision
}

// GetNodeByEndpoint looks up a node by its "host:port" endpoint.
func (v *View) GetNodeByEndpoint(endpoint string) (*Node, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodeByEP[endpoint]
	return n, ok
}

// GetKeyMapper returns the mapper bound to the current partition table (or
// ketama ring). Returns nil if the view has not yet been populated.
func (v *View) GetKeyMapper() keymapper.Mapper {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.partition != nil {
		return v.partition.Mapper()
	}
	if v.ketama != nil {
		return v.ketama
	}
	return nil
}

// GetRandomDataNode implements the random-live-node fallback of spec
// §4.1/§8: used when a partition's primary is -1, out of range, or down.
func (v *View) GetRandomDataNode() (*Node, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var live []*Node
	for _, n := range v.nodes {
		if n.Caps.Data && !n.IsDown() {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoAvailableNode
	}
	return live[rand.Intn(len(live))], nil
}

// ResolveDataNode applies the fallback policy of spec §4.1: returns the
// node at nodeIndex unless it is negative, out of range, or down, in which
// case it falls back to a random live data node.
func (v *View) ResolveDataNode(nodeIndex int) (*Node, error) {
	v.mu.RLock()
	if nodeIndex >= 0 && nodeIndex < len(v.nodes) {
		n := v.nodes[nodeIndex]
		if !n.IsDown() {
			v.mu.RUnlock()
			return n, nil
		}
	}
	v.mu.RUnlock()

	return v.GetRandomDataNode()
}

// GetServiceURI returns the tracked URI health entries for a service, in
// the stable order they were published in (spec §4.6): callers that
// round-robin over this slice by index need that index to mean the same
// URI across calls, which a map iteration cannot guarantee.
func (v *View) GetServiceURI(svc Service) []*URIHealth {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bag, ok := v.uriBags[svc]
	if !ok {
		return nil
	}

	out := make([]*URIHealth, 0, len(bag.order))
	for _, uri := range bag.order {
		out = append(out, bag.uris[uri])
	}
	return out
}

// Replace installs a new Snapshot if it is newer than the current
// revision, per the reconfiguration algorithm of spec §4.2: endpoints
// present in both views reuse their existing Node (and its Resources);
// new endpoints get a fresh Node; endpoints absent from the new snapshot
// are disposed off the swap path. Returns true if the swap happened.
func (v *View) Replace(snap *Snapshot) bool {
	v.mu.Lock()

	if snap.Revision <= v.revision {
		v.mu.Unlock()
		return false
	}

	newNodeByEP := make(map[string]*Node, len(snap.Nodes))
	var retired []*Node

	for _, newNode := range snap.Nodes {
		if existing, ok := v.nodeByEP[newNode.Endpoint]; ok {
			existing.Host = newNode.Host
			existing.Ports = newNode.Ports
			existing.Caps = newNode.Caps
			existing.Revision = snap.Revision
			existing.MarkUp()
			newNodeByEP[newNode.Endpoint] = existing
		} else {
			newNodeByEP[newNode.Endpoint] = newNode
		}
	}

	for ep, oldNode := range v.nodeByEP {
		if _, stillPresent := newNodeByEP[ep]; !stillPresent {
			retired = append(retired, oldNode)
		}
	}

	newUriBags := make(map[Service]*uriBag, len(snap.ServiceURIs))
	for svc, uris := range snap.ServiceURIs {
		oldBag := v.uriBags[svc]
		nb := &uriBag{
			uris:  make(map[string]*URIHealth, len(uris)),
			order: append([]string(nil), uris...),
		}
		for _, uri := range uris {
			if oldBag != nil {
				if old, ok := oldBag.uris[uri]; ok {
					nb.uris[uri] = old
					continue
				}
			}
			nb.uris[uri] = &URIHealth{URI: uri}
		}
		newUriBags[svc] = nb
	}

	orderedNodes := make([]*Node, len(snap.Nodes))
	for i, sn := range snap.Nodes {
		orderedNodes[i] = newNodeByEP[sn.Endpoint]
	}

	v.revision = snap.Revision
	v.nodes = orderedNodes
	v.nodeByEP = newNodeByEP
	v.partition = snap.Partition
	v.ketama = snap.Ketama
	v.uriBags = newUriBags

	v.mu.Unlock()

	if len(retired) > 0 {
		v.disposeCh <- retired
	}

	return true
}

// RecordURIFailure and RecordURISuccess implement the failure-accounting
// half of spec §4.6; the selection policy itself lives in httpdispatcher,
// which reads GetServiceURI.
func (v *View) RecordURIFailure(svc Service, uri string, nowUnixNano int64) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bag, ok := v.uriBags[svc]
	if !ok {
		return
	}
	if h, ok := bag.uris[uri]; ok {
		h.Failures++
		h.LastFailure = nowUnixNano
	}
}

func (v *View) RecordURISuccess(svc Service, uri string) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bag, ok := v.uriBags[svc]
	if !ok {
		return
	}
	if h, ok := bag.uris[uri]; ok {
		h.Failures = 0
		h.LastFailure = 0
	}
}

// ClearURIFailures implements the fail-open reset of spec §4.6: clears
// every failure counter in a service's bag.
func (v *View) ClearURIFailures(svc Service) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bag, ok := v.uriBags[svc]
	if !ok {
		return
	}
	for _, h := range bag.uris {
		h.Failures = 0
		h.LastFailure = 0
	}
}

// Close stops the deferred-disposal goroutine and disposes the resources of
// every node in the current view. Only safe once the view is no longer
// being replaced.
func (v *View) Close() {
	close(v.disposeCh)

	v.mu.RLock()
	nodes := v.nodes
	v.mu.RUnlock()

	for _, n := range nodes {
		n.dispose()
	}
}
