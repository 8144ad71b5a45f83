package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"neon/api"
	"neon/pkg/config"
)

// DockerAPI is the part of the Docker client the engine talks to.
// *client.Client satisfies it.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

// ContainerRequest is everything CreateContainer needs. CPU and MemoryMB
// are ceilings; zero leaves the engine default.
type ContainerRequest struct {
	Image    string
	Name     string
	CPU      int
	MemoryMB int
	Env      map[string]string
	Labels   map[string]string
}

// ContainerManager drives the lifecycle of device containers. It keeps no
// per-node state: every call is handed the container handle.
type ContainerManager struct {
	dClient    DockerAPI
	network    string
	privileged bool
}

// NewContainerManager connects to the Docker engine and pings it. Failure
// to reach the engine is api.ErrEngineUnavailable.
func NewContainerManager(ctx context.Context, cfg config.Config) (*ContainerManager, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	dClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrEngineUnavailable, err)
	}
	if _, err = dClient.Ping(ctx); err != nil {
		dClient.Close()
		return nil, fmt.Errorf("%w: %v", api.ErrEngineUnavailable, err)
	}
	return newContainerManager(dClient, cfg.Network, cfg.Privileged), nil
}

func newContainerManager(d DockerAPI, network string, privileged bool) *ContainerManager {
	return &ContainerManager{
		dClient:    d,
		network:    network,
		privileged: privileged,
	}
}

func (cm *ContainerManager) Close() error {
	return cm.dClient.Close()
}

// CreateContainer pulls the image when it is missing, then creates (but
// does not start) the container. The pull can take minutes; no lock is held.
func (cm *ContainerManager) CreateContainer(ctx context.Context, req ContainerRequest) (string, error) {
	if err := cm.ensureImage(ctx, req.Image); err != nil {
		return "", err
	}

	// routers forward, so turn it on inside the namespace
	sysctls := map[string]string{
		"net.ipv4.ip_forward":          "1",
		"net.ipv6.conf.all.forwarding": "1",
	}
	hostConfig := &container.HostConfig{
		Privileged:  cm.privileged,
		NetworkMode: container.NetworkMode(cm.network),
		Sysctls:     sysctls,
	}
	if req.CPU > 0 {
		hostConfig.NanoCPUs = int64(req.CPU) * 1e9
	}
	if req.MemoryMB > 0 {
		hostConfig.Memory = int64(req.MemoryMB) * 1024 * 1024
	}

	resp, err := cm.dClient.ContainerCreate(ctx, &container.Config{
		Image:  req.Image,
		Env:    envList(req.Env),
		Labels: mergeLabels(req.Labels),
	}, hostConfig, nil, nil, req.Name)
	if err != nil {
		log.WithFields(log.Fields{"name": req.Name, "image": req.Image}).WithError(err).Error("create container")
		return "", classify(err, req.Name)
	}
	for _, w := range resp.Warnings {
		log.WithField("name", req.Name).Warn(w)
	}

	log.WithFields(log.Fields{"name": req.Name, "id": shortID(resp.ID)}).Info("created container")
	return resp.ID, nil
}

func (cm *ContainerManager) ensureImage(ctx context.Context, ref string) error {
	_, _, err := cm.dClient.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		log.WithField("image", ref).Debug("using existing image")
		return nil
	}
	if !errdefs.IsNotFound(err) {
		if isUnavailable(err) {
			return fmt.Errorf("%w: %v", api.ErrEngineUnavailable, err)
		}
		return fmt.Errorf("%w: inspect %s: %v", api.ErrImagePullFailed, ref, err)
	}

	log.WithField("image", ref).Info("pulling image")
	rc, err := cm.dClient.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if isUnavailable(err) {
			return fmt.Errorf("%w: %v", api.ErrEngineUnavailable, err)
		}
		return fmt.Errorf("%w: %s: %v", api.ErrImagePullFailed, ref, err)
	}
	defer rc.Close()

	// errors during the pull only show up in the progress stream
	if err = jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", api.ErrImagePullFailed, ref, err)
	}
	return nil
}

func (cm *ContainerManager) StartContainer(ctx context.Context, handle string) error {
	if err := cm.dClient.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		return classify(err, handle)
	}
	log.WithField("id", shortID(handle)).Info("started container")
	return nil
}

func (cm *ContainerManager) StopContainer(ctx context.Context, handle string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := cm.dClient.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs}); err != nil {
		return classify(err, handle)
	}
	log.WithField("id", shortID(handle)).Info("stopped container")
	return nil
}

func (cm *ContainerManager) RemoveContainer(ctx context.Context, handle string, force bool) error {
	if err := cm.dClient.ContainerRemove(ctx, handle, container.RemoveOptions{Force: force}); err != nil {
		return classify(err, handle)
	}
	log.WithField("id", shortID(handle)).Info("removed container")
	return nil
}

// Status reports not_found as a status rather than an error.
func (cm *ContainerManager) Status(ctx context.Context, handle string) (api.ContainerStatus, error) {
	info, err := cm.dClient.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return api.StatusNotFound, nil
		}
		return "", classify(err, handle)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return api.StatusNotFound, nil
	}
	return toStatus(info.State.Status), nil
}

// Address returns the management address on the given network, falling
// back to the first network that has one. ok is false before the container
// has joined any network.
func (cm *ContainerManager) Address(ctx context.Context, handle, network string) (string, bool, error) {
	info, err := cm.dClient.ContainerInspect(ctx, handle)
	if err != nil {
		return "", false, classify(err, handle)
	}
	if info.NetworkSettings == nil {
		return "", false, nil
	}
	networks := info.NetworkSettings.Networks
	if ep, found := networks[network]; found && ep != nil && ep.IPAddress != "" {
		return ep.IPAddress, true, nil
	}
	for _, name := range slices.Sorted(maps.Keys(networks)) {
		if ep := networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, true, nil
		}
	}
	return "", false, nil
}

// Pid returns the process id whose network namespace belongs to the container.
func (cm *ContainerManager) Pid(ctx context.Context, handle string) (int, error) {
	info, err := cm.dClient.ContainerInspect(ctx, handle)
	if err != nil {
		return 0, classify(err, handle)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running || info.State.Pid <= 0 {
		return 0, fmt.Errorf("container %s is not running", shortID(handle))
	}
	return info.State.Pid, nil
}

// WaitUntilReady polls until the container runs, then waits one more
// interval for the device to begin booting. Timeout, exit and a vanished
// container all report false.
func (cm *ContainerManager) WaitUntilReady(ctx context.Context, handle string, timeout, interval time.Duration) bool {
	if timeout <= 0 || interval <= 0 {
		log.WithFields(log.Fields{"timeout": timeout, "interval": interval}).Error("invalid readiness wait")
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithField("id", shortID(handle))
	for {
		status, err := cm.Status(waitCtx, handle)
		switch {
		case err != nil:
			logger.WithError(err).Debug("status check failed")
		case status == api.StatusRunning:
			select {
			case <-time.After(interval):
				return true
			case <-ctx.Done():
				return false
			}
		case status == api.StatusExited || status == api.StatusNotFound:
			logger.WithField("status", status).Error("container failed to start")
			return false
		}

		select {
		case <-waitCtx.Done():
			logger.WithField("timeout", timeout).Warn("container did not become ready")
			return false
		case <-ticker.C:
		}
	}
}

// ListManaged lists every container carrying the managed label, in any state.
func (cm *ContainerManager) ListManaged(ctx context.Context) ([]api.ManagedContainer, error) {
	list, err := cm.dClient.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", api.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, classify(err, "")
	}
	out := make([]api.ManagedContainer, 0, len(list))
	for _, c := range list {
		out = append(out, api.ManagedContainer{
			Handle: c.ID,
			Name:   containerName(c),
			Status: toStatus(c.State),
			Image:  c.Image,
		})
	}
	return out, nil
}

// Cleanup force-removes every container of a lab. A failed removal does
// not stop the others; all failures are returned together.
func (cm *ContainerManager) Cleanup(ctx context.Context, labID string) error {
	list, err := cm.dClient.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", api.LabelLabID+"="+labID)),
	})
	if err != nil {
		return classify(err, "")
	}

	var errs []error
	for _, c := range list {
		name := containerName(c)
		if err := cm.dClient.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithFields(log.Fields{"lab": labID, "name": name}).WithError(err).Error("remove container")
			errs = append(errs, fmt.Errorf("remove %s: %w", name, classify(err, c.ID)))
			continue
		}
		log.WithFields(log.Fields{"lab": labID, "name": name}).Info("removed container")
	}
	return errors.Join(errs...)
}

// mergeLabels lays the system labels over the caller's, so a caller can
// add labels but never replace neon.managed or neon.type.
func mergeLabels(caller map[string]string) map[string]string {
	labels := make(map[string]string, len(caller)+2)
	maps.Copy(labels, caller)
	for k, v := range api.SystemLabels() {
		if cv, found := labels[k]; found && cv != v {
			log.WithFields(log.Fields{"label": k, "value": cv}).Warn("ignoring caller value for system label")
		}
		labels[k] = v
	}
	return labels
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func toStatus(s string) api.ContainerStatus {
	switch s {
	case "running":
		return api.StatusRunning
	case "created":
		return api.StatusCreated
	case "restarting":
		return api.StatusRestarting
	case "paused":
		return api.StatusPaused
	case "exited", "dead", "removing":
		return api.StatusExited
	default:
		return api.StatusNotFound
	}
}

func classify(err error, handle string) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", api.ErrContainerNotFound, shortID(handle))
	case isUnavailable(err):
		return fmt.Errorf("%w: %v", api.ErrEngineUnavailable, err)
	default:
		return err
	}
}

func isUnavailable(err error) bool {
	return client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err)
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return shortID(c.ID)
	}
	return strings.TrimPrefix(c.Names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
