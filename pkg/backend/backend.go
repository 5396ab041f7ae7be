// Package backend abstracts the container fabric that runs node and daemon
// containers for an instance.
package backend

import (
	"context"
	"time"

	"github.com/wisbric/chainowl/pkg/instance"
)

// Backend launches and kills the containers belonging to an instance. Each
// instance owns a disjoint set of named resources (containers named
// <instance_id>-<node_id> and a volume named <instance_id>), so lifecycle
// calls for different instances never conflict.
type Backend interface {
	// Launch starts every node and daemon container of the request, primes
	// each node, registers the resulting record in the store, and returns it.
	// Returns store.ErrAlreadyExists if the instance id is taken. On any
	// failure the allocated containers and volumes are destroyed before the
	// error is returned; no partial record is persisted.
	Launch(ctx context.Context, req *instance.CreateInstanceRequest) (*instance.Record, error)

	// Kill unregisters the record and best-effort removes every named
	// container and the per-instance volume. Returns nil if no record was
	// registered. Cleanup failures are logged, never surfaced: once the
	// store row is gone the instance is dead.
	Kill(ctx context.Context, instanceID string) (*instance.Record, error)

	// Ping reports whether the fabric is reachable.
	Ping(ctx context.Context) error
}

// newRecord assembles the instance record for a successful launch.
func newRecord(req *instance.CreateInstanceRequest, nodes map[string]instance.NodeEndpoint, daemons map[string]instance.DaemonEndpoint) *instance.Record {
	now := float64(time.Now().Unix())
	return &instance.Record{
		InstanceID:      req.InstanceID,
		ExternalID:      instance.NewExternalID(),
		CreatedAt:       now,
		ExpiresAt:       now + float64(req.Timeout),
		AnvilInstances:  nodes,
		DaemonInstances: daemons,
		Metadata:        map[string]any{},
	}
}

// resourceNames lists the container names and volume name owned by an
// instance, given its node and daemon ids.
func resourceNames(instanceID string, nodeIDs, daemonIDs []string) (containers []string, volume string) {
	for _, id := range nodeIDs {
		containers = append(containers, instanceID+"-"+id)
	}
	for _, id := range daemonIDs {
		containers = append(containers, instanceID+"-"+id)
	}
	return containers, instanceID
}

func nodeIDs(m map[string]instance.LaunchNodeSpec) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func daemonIDs(m map[string]instance.LaunchDaemonSpec) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func recordNodeIDs(m map[string]instance.NodeEndpoint) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func recordDaemonIDs(m map[string]instance.DaemonEndpoint) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}
