package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// EndpointsWatcher sources cluster membership from a headless Kubernetes
// Service's Endpoints, feeding joins/leaves into a Manager as pods scale.
// This is the production-shaped membership provider for Chronos running
// in Kubernetes; ViewFromConfig remains the default for static deployments.
type EndpointsWatcher struct {
	client    kubernetes.Interface
	namespace string
	service   string
	port      int
	localAddr string
	localSite string
	sites     []string
	rf        uint32
	remotes   map[string]string

	manager *Manager
	logger  *slog.Logger
}

// NewEndpointsWatcher constructs a watcher that polls the given headless
// Service's Endpoints and publishes membership changes into manager.
func NewEndpointsWatcher(client kubernetes.Interface, namespace, service string, port int, manager *Manager, logger *slog.Logger) *EndpointsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointsWatcher{
		client:    client,
		namespace: namespace,
		service:   service,
		port:      port,
		manager:   manager,
		logger:    logger,
	}
}

// Run polls the Service's Endpoints every interval until ctx is done,
// updating the Manager whenever membership changes.
func (w *EndpointsWatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *EndpointsWatcher) poll(ctx context.Context) {
	eps, err := w.client.CoreV1().Endpoints(w.namespace).Get(ctx, w.service, metav1.GetOptions{})
	if err != nil {
		w.logger.Warn("cluster: failed to fetch endpoints", "service", w.service, "err", err)
		return
	}

	members := addressesFromEndpoints(eps, w.port)
	sort.Strings(members)

	current := w.manager.Snapshot()
	newViewID := computeViewID(members)
	if newViewID == current.ViewID {
		return
	}

	w.logger.Info("cluster: membership changed", "old_view", current.ViewID, "new_view", newViewID, "members", len(members))
	w.manager.Update(View{
		ViewID:            newViewID,
		NewCluster:        members,
		OldCluster:        current.NewCluster,
		LocalAddr:         w.localAddr,
		LocalSite:         w.localSite,
		ConfiguredSites:   w.sites,
		ReplicationFactor: w.rf,
		RemoteSites:       w.remotes,
	})
}

func addressesFromEndpoints(eps *corev1.Endpoints, port int) []string {
	var out []string
	for _, subset := range eps.Subsets {
		for _, addr := range subset.Addresses {
			out = append(out, fmt.Sprintf("%s:%d", addr.IP, port))
		}
	}
	return out
}

// WithLocalIdentity sets the identity fields carried into every published
// View (local address/site, configured sites, replication factor, remote
// sites) since Endpoints only tells us the *member list*.
func (w *EndpointsWatcher) WithLocalIdentity(localAddr, localSite string, sites []string, rf uint32, remotes map[string]string) *EndpointsWatcher {
	w.localAddr = localAddr
	w.localSite = localSite
	w.sites = sites
	w.rf = rf
	w.remotes = remotes
	return w
}
