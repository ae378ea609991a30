package handler

import "errors"

// Sentinel errors surfaced by resync-serving and lookup operations (see
// the error handling table: ClusterViewMismatch, NodeNotInCluster).
var (
	ErrClusterViewMismatch = errors.New("handler: resync request cluster-view-id does not match current view")
	ErrNodeNotInCluster    = errors.New("handler: requesting node is not a member of the current cluster")
	ErrNotFound            = errors.New("handler: timer not found")
)
