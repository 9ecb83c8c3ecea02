package ioservice

import (
	"sync"
	"time"
)

// DownMarker is the minimal interface the IO Service's health counter needs
// from a node: clusterview.Node satisfies it, but ioservice does not import
// clusterview to avoid a cycle (clusterview is the sole owner of Nodes;
// ioservice only ever reports into one via this interface).
type DownMarker interface {
	MarkDown()
}

// HealthCounter implements the per-node health tracking of spec §4.4: it
// counts transport errors within a rolling window and, on threshold
// breach, marks the node down.
type HealthCounter struct {
	mu sync.Mutex

	threshold     int
	checkInterval time.Duration

	windowStart time.Time
	errorCount  int

	node DownMarker
}

// NewHealthCounter builds a counter for one node.
func NewHealthCounter(node DownMarker, threshold int, checkInterval time.Duration) *HealthCounter {
	return &HealthCounter{
		threshold:     threshold,
		checkInterval: checkInterval,
		node:          node,
	}
}

// RecordError registers a transport error and marks the node down if the
// rolling-window threshold is breached.
func (h *HealthCounter) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if now.Sub(h.windowStart) > h.checkInterval {
		h.windowStart = now
		h.errorCount = 0
	}

	h.errorCount++
	if h.errorCount >= h.threshold {
		h.node.MarkDown()
	}
}

// RecordSuccess does not reset the counter outright — a single success
// does not exonerate a node mid-window, matching spec §4.4's "rolling
// window" framing rather than §4.2's reset-on-any-success URI policy
// (those are deliberately different: a KV node's quarantine is cleared
// only by a reconfiguration that keeps the node, not by one lucky reply).
func (h *HealthCounter) RecordSuccess() {}
