package configprovider

import (
	"testing"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/stretchr/testify/require"
)

func sampleCouchbaseConfig() *cbconfig.TerseConfigJson {
	return &cbconfig.TerseConfigJson{
		Rev:      42,
		RevEpoch: 1,
		NodesExt: []cbconfig.TerseExtNodeJson{
			{Hostname: "node1", Services: map[string]int{"kv": 11210, "n1ql": 8093, "mgmt": 8091}},
			{Hostname: "node2", Services: map[string]int{"kv": 11210, "fts": 8094, "mgmt": 8091}},
		},
		VBucketServerMap: &cbconfig.VBucketServerMapJson{
			HashAlgorithm: "CRC",
			NumReplicas:   1,
			ServerList:    []string{"node1:11210", "node2:11210"},
			VBucketMap:    [][]int{{0, 1}, {1, 0}, {0, -1}},
		},
	}
}

func TestNormalizeCouchbaseBucket(t *testing.T) {
	snap, err := Normalize(sampleCouchbaseConfig(), "couchbase")
	require.NoError(t, err)

	require.Len(t, snap.Nodes, 2)
	require.Equal(t, "node1:11210", snap.Nodes[0].Endpoint)
	require.True(t, snap.Nodes[0].Caps.Data)
	require.True(t, snap.Nodes[0].Caps.Query)
	require.True(t, snap.Nodes[1].Caps.Search)

	require.NotNil(t, snap.Partition)
	require.Nil(t, snap.Ketama)
	require.Equal(t, 3, snap.Partition.NumPartitions)

	require.Equal(t, []string{"node1:8093"}, snap.ServiceURIs[clusterview.ServiceQuery])

	require.Equal(t, uint64(1)<<32|42, snap.Revision)
}

func TestNormalizeMemcachedBucket(t *testing.T) {
	config := sampleCouchbaseConfig()
	config.VBucketServerMap = nil

	snap, err := Normalize(config, "memcached")
	require.NoError(t, err)

	require.Nil(t, snap.Partition)
	require.NotNil(t, snap.Ketama)
}

func TestNormalizeMissingVbucketMapErrors(t *testing.T) {
	config := sampleCouchbaseConfig()
	config.VBucketServerMap = nil

	_, err := Normalize(config, "couchbase")
	require.Error(t, err)
}

func TestNormalizeNoNodesErrors(t *testing.T) {
	_, err := Normalize(&cbconfig.TerseConfigJson{}, "couchbase")
	require.Error(t, err)
}
