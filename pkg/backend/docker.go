package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/chainowl/pkg/anvil"
	"github.com/wisbric/chainowl/pkg/instance"
	"github.com/wisbric/chainowl/pkg/store"
)

// DockerBackend runs instances against a local Docker daemon. All containers
// attach to one shared fabric network; each instance mounts a volume named
// after the instance id at /data.
type DockerBackend struct {
	cli          *client.Client
	store        store.Store
	primer       *anvil.Primer
	logger       *slog.Logger
	network      string
	defaultImage string
}

var _ Backend = (*DockerBackend)(nil)

// NewDockerBackend connects to the Docker daemon using the standard
// environment configuration.
func NewDockerBackend(st store.Store, primer *anvil.Primer, logger *slog.Logger, networkName, defaultImage string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerBackend{
		cli:          cli,
		store:        st,
		primer:       primer,
		logger:       logger,
		network:      networkName,
		defaultImage: defaultImage,
	}, nil
}

// Launch starts the requested containers and registers the record. On any
// failure everything allocated for the instance id is torn down first.
func (b *DockerBackend) Launch(ctx context.Context, req *instance.CreateInstanceRequest) (*instance.Record, error) {
	existing, err := b.store.Get(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, store.ErrAlreadyExists
	}

	rec, err := b.launch(ctx, req)
	if err == nil {
		err = b.store.Register(ctx, rec)
	}
	if err != nil {
		b.tryDelete(context.WithoutCancel(ctx), req.InstanceID, nodeIDs(req.AnvilInstances), daemonIDs(req.DaemonInstances))
		return nil, err
	}
	return rec, nil
}

func (b *DockerBackend) launch(ctx context.Context, req *instance.CreateInstanceRequest) (*instance.Record, error) {
	if _, err := b.cli.VolumeCreate(ctx, volume.CreateOptions{Name: req.InstanceID}); err != nil {
		return nil, fmt.Errorf("creating volume %s: %w", req.InstanceID, err)
	}

	var (
		mu    sync.Mutex
		nodes = map[string]instance.NodeEndpoint{}
	)

	g, gctx := errgroup.WithContext(ctx)
	for nodeID, spec := range req.AnvilInstances {
		g.Go(func() error {
			ep, err := b.launchNode(gctx, req.InstanceID, nodeID, spec)
			if err != nil {
				return err
			}
			mu.Lock()
			nodes[nodeID] = *ep
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	daemons := map[string]instance.DaemonEndpoint{}
	for daemonID, spec := range req.DaemonInstances {
		if err := b.launchDaemon(ctx, req.InstanceID, daemonID, spec); err != nil {
			return nil, err
		}
		daemons[daemonID] = instance.DaemonEndpoint{ID: daemonID}
	}

	return newRecord(req, nodes, daemons), nil
}

func (b *DockerBackend) launchNode(ctx context.Context, instanceID, nodeID string, spec instance.LaunchNodeSpec) (*instance.NodeEndpoint, error) {
	name := instanceID + "-" + nodeID
	image := spec.Image
	if image == "" {
		image = b.defaultImage
	}

	created, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			Entrypoint: strslice.StrSlice{"sh", "-c"},
			Cmd:        strslice.StrSlice{instance.NodeCommand(spec)},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: instanceID, Target: "/data"},
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				b.network: {},
			},
		},
		nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", name, err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", name, err)
	}

	info, err := b.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", name, err)
	}
	endpoint, ok := info.NetworkSettings.Networks[b.network]
	if !ok || endpoint.IPAddress == "" {
		return nil, fmt.Errorf("container %s has no address on network %s", name, b.network)
	}

	ep := &instance.NodeEndpoint{
		ID:                  nodeID,
		IP:                  endpoint.IPAddress,
		Port:                instance.NodePort,
		ExtraAllowedMethods: spec.ExtraAllowedMethods,
	}

	b.logger.Info("node container started",
		"instance_id", instanceID,
		"node_id", nodeID,
		"ip", ep.IP,
	)

	if err := b.primer.Prime(ctx, fmt.Sprintf("http://%s:%d", ep.IP, ep.Port), spec); err != nil {
		return nil, fmt.Errorf("priming node %s: %w", name, err)
	}
	return ep, nil
}

func (b *DockerBackend) launchDaemon(ctx context.Context, instanceID, daemonID string, spec instance.LaunchDaemonSpec) error {
	name := instanceID + "-" + daemonID

	created, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   []string{"INSTANCE_ID=" + instanceID},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				b.network: {},
			},
		},
		nil, name)
	if err != nil {
		return fmt.Errorf("creating daemon container %s: %w", name, err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting daemon container %s: %w", name, err)
	}
	return nil
}

// Kill unregisters the record then best-effort removes the instance's
// containers and volume.
func (b *DockerBackend) Kill(ctx context.Context, instanceID string) (*instance.Record, error) {
	rec, err := b.store.Unregister(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	b.tryDelete(ctx, instanceID, recordNodeIDs(rec.AnvilInstances), recordDaemonIDs(rec.DaemonInstances))
	return rec, nil
}

func (b *DockerBackend) tryDelete(ctx context.Context, instanceID string, nodes, daemons []string) {
	containers, volumeName := resourceNames(instanceID, nodes, daemons)
	for _, name := range containers {
		b.tryDeleteContainer(ctx, name)
	}
	b.tryDeleteVolume(ctx, volumeName)
}

func (b *DockerBackend) tryDeleteContainer(ctx context.Context, name string) {
	info, err := b.cli.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return
	}
	if err != nil {
		b.logger.Error("failed to inspect container for deletion", "container", name, "error", err)
		return
	}

	b.logger.Info("deleting container", "container", name, "id", info.ID)

	if err := b.cli.ContainerKill(ctx, info.ID, "KILL"); err != nil && !errdefs.IsConflict(err) && !errdefs.IsNotFound(err) {
		// Conflict means the container is not running, which is fine.
		b.logger.Error("failed to kill container", "container", name, "error", err)
		return
	}
	if err := b.cli.ContainerRemove(ctx, info.ID, container.RemoveOptions{}); err != nil && !errdefs.IsNotFound(err) {
		b.logger.Error("failed to remove container", "container", name, "error", err)
	}
}

func (b *DockerBackend) tryDeleteVolume(ctx context.Context, name string) {
	if err := b.cli.VolumeRemove(ctx, name, false); err != nil && !errdefs.IsNotFound(err) {
		b.logger.Error("failed to remove volume", "volume", name, "error", err)
	}
}

// Ping checks connectivity to the Docker daemon.
func (b *DockerBackend) Ping(ctx context.Context) error {
	_, err := b.cli.Ping(ctx)
	return err
}
