/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package clusterview holds the cluster-state-aware routing table: the node
// roster, partition table, and HTTP service URI bags, and the atomic
// swap-on-reconfiguration algorithm described in spec §4.2.
package clusterview

import (
	"sync/atomic"
)

// ServicePorts are the per-service TCP ports a node advertises.
type ServicePorts struct {
	Data      int
	Views     int
	Query     int
	FTS       int
	Analytics int
	Mgmt      int
}

// Capabilities are the service capability bits a node was published with.
type Capabilities struct {
	Data      bool
	Views     bool
	Query     bool
	Index     bool
	Search    bool
	Analytics bool
	Mgmt      bool
}

// Resources is the set of per-node resources (connection pool, IO
// service) that a Node carries across reconfigurations. It is defined as
// an interface here, rather than importing connpool/ioservice directly, to
// avoid a cycle: the cluster view is the sole strong owner of a Node and
// its resources, per the design note in spec §9, but those resources are
// constructed and typed by the caller that builds the view (the bucket
// facade).
type Resources interface {
	// Dispose releases the resources deterministically. The view calls it
	// once per node: from its background disposal goroutine right after a
	// swap that retired the node, or from View.Close. It does not wait for
	// in-flight operations against the node to finish.
	Dispose()
}

// Node is one cluster member as seen by the router. Endpoint is immutable
// for the Node's lifetime; a reconfiguration that keeps an endpoint reuses
// the same Node value (and its Resources), per spec §4.2.
type Node struct {
	Endpoint string // host:data-port, immutable

	Host  string
	Ports ServicePorts
	Caps  Capabilities

	Revision uint64

	resources Resources

	// down is flipped by the IO Service's health counter (§4.4) and read
	// by the key mapper's fallback logic and the bucket facade. It is
	// accessed without the view's lock, so it is a plain atomic.
	down atomic.Bool
}

// NewNode constructs a Node with no attached resources; the caller attaches
// them with SetResources once its pool/IO service are constructed.
func NewNode(endpoint, host string, ports ServicePorts, caps Capabilities, revision uint64) *Node {
	return &Node{
		Endpoint: endpoint,
		Host:     host,
		Ports:    ports,
		Caps:     caps,
		Revision: revision,
	}
}

// SetResources attaches the per-node pool/IO service. Must be called at
// most once per Node.
func (n *Node) SetResources(r Resources) {
	n.resources = r
}

// GetResources returns the attached resources, or nil if none have been set
// yet (a Node freshly constructed during reconfiguration, before its
// resources are wired up).
func (n *Node) GetResources() Resources {
	return n.resources
}

// IsDown reports whether the IO Service's health counter has quarantined
// this node (spec §4.4).
func (n *Node) IsDown() bool {
	return n.down.Load()
}

// MarkDown quarantines the node; the caller is the IO Service's health
// counter, once its error threshold is breached.
func (n *Node) MarkDown() {
	n.down.Store(true)
}

// MarkUp clears quarantine. View.Replace calls it for every node a newer
// topology keeps; there is no background liveness probe, so a down node
// stays down until the next reconfiguration.
func (n *Node) MarkUp() {
	n.down.Store(false)
}

// dispose tears down a retired node's resources. Called only after the
// view has swapped to a new revision and only on nodes absent from it.
func (n *Node) dispose() {
	if n.resources != nil {
		n.resources.Dispose()
	}
}
