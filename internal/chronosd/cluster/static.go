package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/chronos-project/chronos/internal/config"
)

// ViewFromConfig derives a View from static configuration: cluster.node,
// cluster.joining, cluster.leaving, identity and GR settings. This is the
// default membership provider; EndpointsWatcher supersedes it when
// cluster.kubernetes.enabled is set.
func ViewFromConfig(cfg *config.Config) View {
	newCluster := cfg.EffectiveNodes()
	oldCluster := cfg.PreviousNodes()

	return View{
		ViewID:            computeViewID(newCluster),
		NewCluster:        newCluster,
		OldCluster:        oldCluster,
		LocalAddr:         cfg.Cluster.Localhost,
		LocalSite:         cfg.GR.LocalSiteName,
		ConfiguredSites:   configuredSites(cfg),
		ReplicationFactor: defaultReplicationFactor(len(newCluster)),
		RemoteSites:       cfg.GR.RemoteSites,
	}
}

func configuredSites(cfg *config.Config) []string {
	if cfg.GR.LocalSiteName == "" {
		return nil
	}
	sites := []string{cfg.GR.LocalSiteName}
	names := make([]string, 0, len(cfg.GR.RemoteSites))
	for name := range cfg.GR.RemoteSites {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(sites, names...)
}

// defaultReplicationFactor mirrors a conservative default of min(cluster
// size, 2): every timer is replicated to at least a backup when the
// cluster has more than one member.
func defaultReplicationFactor(clusterSize int) uint32 {
	if clusterSize <= 1 {
		return 1
	}
	return 2
}

// computeViewID derives a stable, opaque cluster view id from the sorted
// membership list, so the same membership always yields the same id and
// any membership change yields a different one.
func computeViewID(members []string) string {
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)
	h := xxhash.Sum64String(strings.Join(sorted, ","))
	return fmt.Sprintf("view-%016x", h)
}
