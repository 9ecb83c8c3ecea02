package keymapper

import "hash/crc32"

// CRC32Mapper implements the Couchbase-bucket key mapping algorithm: the
// partition id is the low bits of a CRC32 checksum of the key, masked to
// the partition count, which must be a power of two.
type CRC32Mapper struct {
	table      *crc32.Table
	partitions []PartitionEntry
}

// NewCRC32Mapper builds a mapper over the given partition table. len(partitions)
// must be a power of two in (0, 2^16].
func NewCRC32Mapper(partitions []PartitionEntry) *CRC32Mapper {
	return &CRC32Mapper{
		table:      crc32.MakeTable(crc32.IEEE),
		partitions: partitions,
	}
}

func (m *CRC32Mapper) NumPartitions() int {
	return len(m.partitions)
}

// Map implements Mapper. The checksum's upper 16 bits are taken before
// masking against the partition count, per spec §4.1.
func (m *CRC32Mapper) Map(key []byte) (int, int, []int) {
	sum := crc32.Checksum(key, m.table)
	upper16 := sum >> 16
	partitionID := int(upper16) & (len(m.partitions) - 1)

	entry := m.partitions[partitionID]
	return partitionID, entry.Primary, entry.Replicas
}
