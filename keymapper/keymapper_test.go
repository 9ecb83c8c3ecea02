package keymapper

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC32MapperPartitionBounds(t *testing.T) {
	const numPartitions = 1024
	partitions := make([]PartitionEntry, numPartitions)
	for i := range partitions {
		partitions[i] = PartitionEntry{Primary: i % 4, Replicas: []int{(i + 1) % 4}}
	}

	mapper := NewCRC32Mapper(partitions)

	for i := 0; i < 10000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		pid, primary, replicas := mapper.Map(key)
		require.GreaterOrEqual(t, pid, 0)
		require.Less(t, pid, numPartitions)
		require.Equal(t, partitions[pid].Primary, primary)
		require.Equal(t, partitions[pid].Replicas, replicas)
	}
}

func TestCRC32MapperPreservesNegativePrimary(t *testing.T) {
	partitions := []PartitionEntry{
		{Primary: -1},
		{Primary: 0},
	}
	mapper := NewCRC32Mapper(partitions)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		pid, primary, _ := mapper.Map(key)
		require.Equal(t, partitions[pid].Primary, primary)
	}
}

func TestKetamaMapperStableUnderGrowth(t *testing.T) {
	rand.Seed(1)

	sixNodes := make([]string, 6)
	for i := range sixNodes {
		sixNodes[i] = fmt.Sprintf("node%d.local:11210", i)
	}
	sevenNodes := append(append([]string{}, sixNodes...), "node6.local:11210")

	before := NewKetamaMapper(sixNodes)
	after := NewKetamaMapper(sevenNodes)

	keys := make([][]byte, 10000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("foo-%d", i))
	}

	// The new node takes its share (about 1/7) of the keys; every other key
	// should stay on the node it was on before.
	same, kept := 0, 0
	for _, key := range keys {
		_, beforeIdx, _ := before.Map(key)
		_, afterIdx, _ := after.Map(key)
		if sevenNodes[afterIdx] == "node6.local:11210" {
			continue
		}
		kept++
		if sixNodes[beforeIdx] == sevenNodes[afterIdx] {
			same++
		}
	}

	ratio := float64(same) / float64(kept)
	require.GreaterOrEqual(t, ratio, 0.95)
}

func TestKetamaMapperEmptyRing(t *testing.T) {
	mapper := NewKetamaMapper(nil)
	_, nodeIdx, replicas := mapper.Map([]byte("foo"))
	require.Equal(t, -1, nodeIdx)
	require.Nil(t, replicas)
}
