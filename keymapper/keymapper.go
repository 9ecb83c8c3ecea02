/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package keymapper translates a document key into a partition id and the
// node indices responsible for it, per spec §4.1. It is a pure function of
// (key, partition table) — it never consults liveness; the random-live-node
// fallback for an unresolved or down primary lives in
// clusterview.View.ResolveDataNode, which the bucket facade calls.
package keymapper

// Mapper maps a key to a partition id, its primary node index, and its
// replica node indices. A primary of -1 means "no current owner".
type Mapper interface {
	Map(key []byte) (partitionID int, nodeIndex int, replicaIndices []int)
	NumPartitions() int
}

// PartitionEntry is one row of a hash-partitioned PartitionTable.
type PartitionEntry struct {
	Primary  int
	Replicas []int
}
