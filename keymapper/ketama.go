package keymapper

import (
	"crypto/md5" //nolint:gosec // required by the ketama point-hash algorithm, not for security
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	ketamaPointsPerNode   = 160
	ketamaReplicasPerPoint = 40
)

type ketamaPoint struct {
	hash      uint32
	nodeIndex int
}

// KetamaMapper implements the consistent-hash mapping used for
// Memcached-style buckets: §4.1. There are no replicas in this scheme.
type KetamaMapper struct {
	ring []ketamaPoint
}

// NewKetamaMapper builds the hash ring over the given live node endpoints
// (as "host:port" strings, in node-index order).
func NewKetamaMapper(nodeEndpoints []string) *KetamaMapper {
	var ring []ketamaPoint

	for nodeIndex, endpoint := range nodeEndpoints {
		for replica := 0; replica < ketamaReplicasPerPoint; replica++ {
			input := fmt.Sprintf("%s-%d", endpoint, replica)
			sum := md5.Sum([]byte(input)) //nolint:gosec
			for point := 0; point < ketamaPointsPerNode/ketamaReplicasPerPoint; point++ {
				h := binary.LittleEndian.Uint32(sum[point*4 : point*4+4])
				ring = append(ring, ketamaPoint{hash: h, nodeIndex: nodeIndex})
			}
		}
	}

	sort.Slice(ring, func(i, j int) bool {
		return ring[i].hash < ring[j].hash
	})

	return &KetamaMapper{ring: ring}
}

// NumPartitions is meaningless for a ketama ring; memcached buckets have no
// partition table, so it returns the ring size for diagnostic purposes.
func (m *KetamaMapper) NumPartitions() int {
	return len(m.ring)
}

// Map implements Mapper. Memcached buckets have no partitions or replicas;
// partitionID is always 0 and replicaIndices is always empty.
func (m *KetamaMapper) Map(key []byte) (int, int, []int) {
	if len(m.ring) == 0 {
		return 0, -1, nil
	}

	sum := md5.Sum(key) //nolint:gosec
	h := binary.LittleEndian.Uint32(sum[0:4])

	idx := sort.Search(len(m.ring), func(i int) bool {
		return m.ring[i].hash >= h
	})
	if idx == len(m.ring) {
		idx = 0
	}

	return 0, m.ring[idx].nodeIndex, nil
}
