package clusterview

import "github.com/couchbase/gocbrouter/keymapper"

// Partition is the value-type view of one row of a PartitionTable: the
// node indices responsible for the partition. primary == -1 is legal and
// means "no current owner" (spec §3).
type Partition struct {
	ID       int
	Primary  int
	Replicas []int
}

// PartitionTable is the server-published partition-to-owner map for a
// Couchbase bucket. It is swapped wholesale on reconfiguration and is
// owned solely by its ClusterView (spec §3).
type PartitionTable struct {
	NumPartitions int
	NumReplicas   int
	entries       []keymapper.PartitionEntry
	mapper        keymapper.Mapper
}

// NewPartitionTable builds a PartitionTable (and its CRC32 key mapper) from
// a server-published vbucket map: vbucketMap[i] is [primary, replica0, ...]
// for partition i, with -1 meaning "no owner".
func NewPartitionTable(vbucketMap [][]int, numReplicas int) *PartitionTable {
	entries := make([]keymapper.PartitionEntry, len(vbucketMap))
	for i, row := range vbucketMap {
		var primary int = -1
		var replicas []int
		if len(row) > 0 {
			primary = row[0]
		}
		if len(row) > 1 {
			replicas = append(replicas, row[1:]...)
		}
		entries[i] = keymapper.PartitionEntry{Primary: primary, Replicas: replicas}
	}

	return &PartitionTable{
		NumPartitions: len(vbucketMap),
		NumReplicas:   numReplicas,
		entries:       entries,
		mapper:        keymapper.NewCRC32Mapper(entries),
	}
}

// Mapper returns the key mapper bound to this partition table.
func (t *PartitionTable) Mapper() keymapper.Mapper {
	return t.mapper
}

// Partition returns the value-type partition entry for id.
func (t *PartitionTable) Partition(id int) Partition {
	e := t.entries[id]
	return Partition{ID: id, Primary: e.Primary, Replicas: e.Replicas}
}
