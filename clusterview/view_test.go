package clusterview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeResources struct {
	disposed *bool
}

func (f fakeResources) Dispose() {
	*f.disposed = true
}

func fourNodeSnapshot(revision uint64) *Snapshot {
	nodes := make([]*Node, 4)
	for i := range nodes {
		ep := nodeEndpoint(i)
		nodes[i] = NewNode(ep, ep, ServicePorts{Data: 11210}, Capabilities{Data: true}, revision)
	}

	vbmap := make([][]int, 1024)
	for i := range vbmap {
		vbmap[i] = []int{i % 4, (i + 1) % 4}
	}

	return &Snapshot{
		Revision:  revision,
		Nodes:     nodes,
		Partition: NewPartitionTable(vbmap, 1),
	}
}

func nodeEndpoint(i int) string {
	return "node" + string(rune('0'+i)) + ":11210"
}

func TestReplaceIgnoresStaleRevision(t *testing.T) {
	v := NewView()
	defer v.Close()

	require.True(t, v.Replace(fourNodeSnapshot(10)))
	require.False(t, v.Replace(fourNodeSnapshot(10)))
	require.False(t, v.Replace(fourNodeSnapshot(9)))
	require.Equal(t, uint64(10), v.Revision())
}

func TestReplaceReusesExistingNodeByEndpoint(t *testing.T) {
	v := NewView()
	defer v.Close()

	require.True(t, v.Replace(fourNodeSnapshot(1)))
	n0Before, ok := v.GetNodeByEndpoint(nodeEndpoint(0))
	require.True(t, ok)

	disposed := false
	n0Before.SetResources(fakeResources{&disposed})

	require.True(t, v.Replace(fourNodeSnapshot(2)))
	n0After, ok := v.GetNodeByEndpoint(nodeEndpoint(0))
	require.True(t, ok)

	require.Same(t, n0Before, n0After)
	require.False(t, disposed)
}

func TestReplaceDisposesRetiredNodes(t *testing.T) {
	v := NewView()
	defer v.Close()

	require.True(t, v.Replace(fourNodeSnapshot(1)))
	retiredNode, _ := v.GetNodeByEndpoint(nodeEndpoint(2))
	disposed := false
	retiredNode.SetResources(fakeResources{&disposed})

	snap := fourNodeSnapshot(2)
	// drop node 2 from the new snapshot
	snap.Nodes = append(snap.Nodes[:2], snap.Nodes[3:]...)
	require.True(t, v.Replace(snap))

	_, ok := v.GetNodeByEndpoint(nodeEndpoint(2))
	require.False(t, ok)

	require.Eventually(t, func() bool { return disposed }, time.Second, time.Millisecond)
}

func TestResolveDataNodeFallsBackOnDownOrOutOfRange(t *testing.T) {
	v := NewView()
	defer v.Close()

	require.True(t, v.Replace(fourNodeSnapshot(1)))

	n1, _ := v.GetNodeByEndpoint(nodeEndpoint(1))
	n1.MarkDown()

	resolved, err := v.ResolveDataNode(1)
	require.NoError(t, err)
	require.NotSame(t, n1, resolved)

	resolved, err = v.ResolveDataNode(-1)
	require.NoError(t, err)
	require.NotNil(t, resolved)

	resolved, err = v.ResolveDataNode(99)
	require.NoError(t, err)
	require.NotNil(t, resolved)
}

func TestResolveDataNodeNoAvailableNode(t *testing.T) {
	v := NewView()
	defer v.Close()

	snap := fourNodeSnapshot(1)
	for _, n := range snap.Nodes {
		n.Caps.Data = false
	}
	require.True(t, v.Replace(snap))

	_, err := v.ResolveDataNode(-1)
	require.ErrorIs(t, err, ErrNoAvailableNode)
}

func TestGetServiceURIReturnsStableOrder(t *testing.T) {
	v := NewView()
	defer v.Close()

	snap := fourNodeSnapshot(1)
	snap.ServiceURIs = map[Service][]string{
		ServiceQuery: {"http://a:8093", "http://b:8093", "http://c:8093"},
	}
	require.True(t, v.Replace(snap))

	var first []string
	for _, h := range v.GetServiceURI(ServiceQuery) {
		first = append(first, h.URI)
	}

	for i := 0; i < 20; i++ {
		var got []string
		for _, h := range v.GetServiceURI(ServiceQuery) {
			got = append(got, h.URI)
		}
		require.Equal(t, first, got)
	}

	require.Equal(t, []string{"http://a:8093", "http://b:8093", "http://c:8093"}, first)
}

func TestURIBagPreservesFailureCounters(t *testing.T) {
	v := NewView()
	defer v.Close()

	snap := fourNodeSnapshot(1)
	snap.ServiceURIs = map[Service][]string{
		ServiceQuery: {"http://a:8093", "http://b:8093"},
	}
	require.True(t, v.Replace(snap))

	v.RecordURIFailure(ServiceQuery, "http://a:8093", 123)
	v.RecordURIFailure(ServiceQuery, "http://a:8093", 124)

	snap2 := fourNodeSnapshot(2)
	snap2.ServiceURIs = map[Service][]string{
		ServiceQuery: {"http://a:8093", "http://c:8093"},
	}
	require.True(t, v.Replace(snap2))

	uris := v.GetServiceURI(ServiceQuery)
	byURI := make(map[string]*URIHealth)
	for _, u := range uris {
		byURI[u.URI] = u
	}

	require.Equal(t, 2, byURI["http://a:8093"].Failures)
	require.Equal(t, 0, byURI["http://c:8093"].Failures)
	require.NotContains(t, byURI, "http://b:8093")
}
