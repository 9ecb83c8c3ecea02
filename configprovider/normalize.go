// Package configprovider turns the raw topology documents a cluster
// publishes — over CCCP, HTTP streaming, or HTTP polling — into the
// clusterview.Snapshot the routing table swaps to, per spec §4.5.
package configprovider

import (
	"fmt"
	"strings"

	"github.com/couchbase/gocbrouter/clusterview"
	"github.com/couchbase/gocbrouter/contrib/cbconfig"
	"github.com/couchbase/gocbrouter/keymapper"
)

// Normalize converts one ns_server terse config document into a
// clusterview.Snapshot. bucketType selects the key-mapping scheme:
// "membase"/"couchbase" buckets get a CRC32 partition table, "memcached"
// buckets get a ketama ring over the data nodes.
func Normalize(config *cbconfig.TerseConfigJson, bucketType string) (*clusterview.Snapshot, error) {
	if len(config.NodesExt) == 0 {
		return nil, fmt.Errorf("configprovider: config has no nodes")
	}

	nodes := make([]*clusterview.Node, len(config.NodesExt))
	endpoints := make([]string, len(config.NodesExt))

	for i, ext := range config.NodesExt {
		host := ext.Hostname
		if host == "" && len(config.Nodes) > i {
			host = hostOnly(config.Nodes[i].Hostname)
		}

		ports := clusterview.ServicePorts{
			Data:      ext.Services["kv"],
			Views:     ext.Services["capi"],
			Query:     ext.Services["n1ql"],
			FTS:       ext.Services["fts"],
			Analytics: ext.Services["cbas"],
			Mgmt:      ext.Services["mgmt"],
		}

		caps := clusterview.Capabilities{
			Data:      ports.Data != 0,
			Views:     ports.Views != 0,
			Query:     ports.Query != 0,
			Search:    ports.FTS != 0,
			Analytics: ports.Analytics != 0,
			Mgmt:      ports.Mgmt != 0,
		}

		endpoint := fmt.Sprintf("%s:%d", host, ports.Data)
		if ports.Data == 0 {
			// Nodes without the data service (e.g. query/analytics-only
			// nodes) have no KV endpoint; key on mgmt instead so they
			// still get a stable Node identity for URI-bag purposes.
			endpoint = fmt.Sprintf("%s:%d", host, ports.Mgmt)
		}

		endpoints[i] = endpoint
		nodes[i] = clusterview.NewNode(endpoint, host, ports, caps, uint64(config.Rev))
	}

	snap := &clusterview.Snapshot{
		Revision:    revisionOf(config),
		Nodes:       nodes,
		ServiceURIs: buildServiceURIs(nodes),
	}

	switch bucketType {
	case "memcached":
		dataEndpoints := make([]string, 0, len(nodes))
		for i, n := range nodes {
			if n.Caps.Data {
				dataEndpoints = append(dataEndpoints, endpoints[i])
			}
		}
		snap.Ketama = keymapper.NewKetamaMapper(dataEndpoints)
	default:
		if config.VBucketServerMap == nil {
			return nil, fmt.Errorf("configprovider: couchbase bucket config missing vBucketServerMap")
		}
		snap.Partition = clusterview.NewPartitionTable(config.VBucketServerMap.VBucketMap, config.VBucketServerMap.NumReplicas)
	}

	return snap, nil
}

// revisionOf combines the epoch and rev counters ns_server publishes into
// the single monotonic revision clusterview.View.Replace compares against.
// RevEpoch increments far less often than Rev, so shifting it into the high
// bits preserves ordering across an epoch bump.
func revisionOf(config *cbconfig.TerseConfigJson) uint64 {
	return uint64(config.RevEpoch)<<32 | uint64(uint32(config.Rev))
}

func hostOnly(hostport string) string {
	if idx := strings.LastIndex(hostport, ":"); idx != -1 {
		return hostport[:idx]
	}
	return hostport
}

func buildServiceURIs(nodes []*clusterview.Node) map[clusterview.Service][]string {
	out := map[clusterview.Service][]string{
		clusterview.ServiceViews:     nil,
		clusterview.ServiceQuery:     nil,
		clusterview.ServiceSearch:    nil,
		clusterview.ServiceAnalytics: nil,
	}

	for _, n := range nodes {
		if n.Caps.Views {
			out[clusterview.ServiceViews] = append(out[clusterview.ServiceViews], fmt.Sprintf("%s:%d", n.Host, n.Ports.Views))
		}
		if n.Caps.Query {
			out[clusterview.ServiceQuery] = append(out[clusterview.ServiceQuery], fmt.Sprintf("%s:%d", n.Host, n.Ports.Query))
		}
		if n.Caps.Search {
			out[clusterview.ServiceSearch] = append(out[clusterview.ServiceSearch], fmt.Sprintf("%s:%d", n.Host, n.Ports.FTS))
		}
		if n.Caps.Analytics {
			out[clusterview.ServiceAnalytics] = append(out[clusterview.ServiceAnalytics], fmt.Sprintf("%s:%d", n.Host, n.Ports.Analytics))
		}
	}

	return out
}
