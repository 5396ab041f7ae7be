package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/wisbric/chainowl/pkg/anvil"
	"github.com/wisbric/chainowl/pkg/instance"
	"github.com/wisbric/chainowl/pkg/store"
)

const instanceLabel = "chainowl/instance"

// KubernetesBackend runs instances as pods in a cluster namespace. Each node
// becomes a pod named <instance_id>-<node_id> reachable on its pod IP; the
// per-instance /data volume maps to an emptyDir scoped to the pod.
type KubernetesBackend struct {
	clientset    kubernetes.Interface
	store        store.Store
	primer       *anvil.Primer
	logger       *slog.Logger
	namespace    string
	defaultImage string
}

var _ Backend = (*KubernetesBackend)(nil)

// NewKubernetesBackend builds a backend from a kubeconfig path, or from the
// in-cluster service account when kubeconfig is "incluster" or empty.
func NewKubernetesBackend(st store.Store, primer *anvil.Primer, logger *slog.Logger, kubeconfig, namespace, defaultImage string) (*KubernetesBackend, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" || kubeconfig == "incluster" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return &KubernetesBackend{
		clientset:    clientset,
		store:        st,
		primer:       primer,
		logger:       logger,
		namespace:    namespace,
		defaultImage: defaultImage,
	}, nil
}

// Launch starts the requested pods and registers the record. On any failure
// everything labelled with the instance id is torn down first.
func (b *KubernetesBackend) Launch(ctx context.Context, req *instance.CreateInstanceRequest) (*instance.Record, error) {
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
		b.tryDelete(context.WithoutCancel(ctx), req.InstanceID)
		return nil, err
	}
	return rec, nil
}

func (b *KubernetesBackend) launch(ctx context.Context, req *instance.CreateInstanceRequest) (*instance.Record, error) {
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

func (b *KubernetesBackend) launchNode(ctx context.Context, instanceID, nodeID string, spec instance.LaunchNodeSpec) (*instance.NodeEndpoint, error) {
	name := instanceID + "-" + nodeID
	image := spec.Image
	if image == "" {
		image = b.defaultImage
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{instanceLabel: instanceID},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{
				{
					Name:    "node",
					Image:   image,
					Command: []string{"sh", "-c", instance.NodeCommand(spec)},
					Ports: []corev1.ContainerPort{
						{ContainerPort: instance.NodePort},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "data", MountPath: "/data"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "data",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}

	if _, err := b.clientset.CoreV1().Pods(b.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("creating pod %s: %w", name, err)
	}

	ip, err := b.waitPodIP(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("waiting for pod %s: %w", name, err)
	}

	ep := &instance.NodeEndpoint{
		ID:                  nodeID,
		IP:                  ip,
		Port:                instance.NodePort,
		ExtraAllowedMethods: spec.ExtraAllowedMethods,
	}

	b.logger.Info("node pod started",
		"instance_id", instanceID,
		"node_id", nodeID,
		"ip", ep.IP,
	)

	if err := b.primer.Prime(ctx, fmt.Sprintf("http://%s:%d", ep.IP, ep.Port), spec); err != nil {
		return nil, fmt.Errorf("priming node %s: %w", name, err)
	}
	return ep, nil
}

func (b *KubernetesBackend) launchDaemon(ctx context.Context, instanceID, daemonID string, spec instance.LaunchDaemonSpec) error {
	name := instanceID + "-" + daemonID

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{instanceLabel: instanceID},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyAlways,
			Containers: []corev1.Container{
				{
					Name:  "daemon",
					Image: spec.Image,
					Env: []corev1.EnvVar{
						{Name: "INSTANCE_ID", Value: instanceID},
					},
				},
			},
		},
	}

	if _, err := b.clientset.CoreV1().Pods(b.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("creating daemon pod %s: %w", name, err)
	}
	return nil
}

// waitPodIP polls until the pod is running with an assigned IP.
func (b *KubernetesBackend) waitPodIP(ctx context.Context, name string) (string, error) {
	var ip string
	err := wait.PollUntilContextTimeout(ctx, 500*time.Millisecond, 2*time.Minute, true,
		func(ctx context.Context) (bool, error) {
			pod, err := b.clientset.CoreV1().Pods(b.namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			if pod.Status.Phase == corev1.PodRunning && pod.Status.PodIP != "" {
				ip = pod.Status.PodIP
				return true, nil
			}
			return false, nil
		})
	return ip, err
}

// Kill unregisters the record then best-effort deletes the instance's pods.
func (b *KubernetesBackend) Kill(ctx context.Context, instanceID string) (*instance.Record, error) {
	rec, err := b.store.Unregister(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	b.tryDelete(ctx, instanceID)
	return rec, nil
}

func (b *KubernetesBackend) tryDelete(ctx context.Context, instanceID string) {
	err := b.clientset.CoreV1().Pods(b.namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{},
		metav1.ListOptions{LabelSelector: instanceLabel + "=" + instanceID},
	)
	if err != nil && !apierrors.IsNotFound(err) {
		b.logger.Error("failed to delete instance pods", "instance_id", instanceID, "error", err)
	}
}

// Ping checks API server reachability.
func (b *KubernetesBackend) Ping(ctx context.Context) error {
	_, err := b.clientset.Discovery().ServerVersion()
	return err
}
