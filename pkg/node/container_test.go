package node

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"neon/api"
)

type fakeContainer struct {
	id       string
	name     string
	image    string
	state    string
	pid      int
	labels   map[string]string
	networks map[string]*network.EndpointSettings
}

// fakeDocker keeps just enough engine state for the engine tests.
type fakeDocker struct {
	mu         sync.Mutex
	images     map[string]bool
	pullBody   string
	pullErr    error
	pulls      []string
	containers map[string]*fakeContainer
	order      []string
	created    []*container.Config
	hosts      []*container.HostConfig
	removeErr  map[string]error
	removed    []string
	statuses   []string // consumed by inspect, one per call; last one sticks
	down       bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     map[string]bool{},
		containers: map[string]*fakeContainer{},
		removeErr:  map[string]error{},
	}
}

func (f *fakeDocker) add(c *fakeContainer) {
	f.containers[c.id] = c
	f.order = append(f.order, c.id)
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	if f.down {
		return types.Ping{}, client.ErrorConnectionFailed("unix:///var/run/docker.sock")
	}
	return types.Ping{}, nil
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	if f.down {
		return types.ImageInspect{}, nil, client.ErrorConnectionFailed("unix:///var/run/docker.sock")
	}
	if f.images[ref] {
		return types.ImageInspect{ID: ref}, nil, nil
	}
	return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.pulls = append(f.pulls, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.pullBody)), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig,
	net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	f.hosts = append(f.hosts, host)
	id := strings.Repeat("c", 60) + name
	f.add(&fakeContainer{id: id, name: name, image: cfg.Image, state: "created", labels: cfg.Labels})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	c.state = "running"
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	c.state = "exited"
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[id]; err != nil {
		return err
	}
	if _, ok := f.containers[id]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	if len(f.statuses) > 0 {
		c.state = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    c.id,
			Name:  "/" + c.name,
			State: &types.ContainerState{Status: c.state, Running: c.state == "running", Pid: c.pid},
		},
		NetworkSettings: &types.NetworkSettings{Networks: c.networks},
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	var out []types.Container
	for _, id := range f.order {
		c, ok := f.containers[id]
		if !ok {
			continue
		}
		match := true
		for _, l := range options.Filters.Get("label") {
			k, v, _ := strings.Cut(l, "=")
			if c.labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, types.Container{ID: c.id, Names: []string{"/" + c.name}, Image: c.image, State: c.state, Labels: c.labels})
		}
	}
	return out, nil
}

func (f *fakeDocker) Close() error { return nil }

func TestCreateContainerMergesLabels(t *testing.T) {
	d := newFakeDocker()
	d.images["frr:latest"] = true
	cm := newContainerManager(d, "bridge", true)

	handle, err := cm.CreateContainer(context.Background(), ContainerRequest{
		Image:    "frr:latest",
		Name:     "neon_lab_R1",
		CPU:      2,
		MemoryMB: 1024,
		Env:      map[string]string{"DEFAULT_USER": "admin", "A": "1"},
		Labels: map[string]string{
			api.LabelLabID:   "lab",
			api.LabelManaged: "false",
			api.LabelType:    "host",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle == "" {
		t.Fatalf("expected a handle")
	}
	if len(d.pulls) != 0 {
		t.Fatalf("expected no pull for a local image, got %v", d.pulls)
	}
	if len(d.created) != 1 {
		t.Fatalf("expected exactly one create call, got %d", len(d.created))
	}

	wantLabels := map[string]string{
		api.LabelLabID:   "lab",
		api.LabelManaged: "true",
		api.LabelType:    api.TypeNetworkDevice,
	}
	if diff := cmp.Diff(wantLabels, d.created[0].Labels); diff != "" {
		t.Fatalf("unexpected labels (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A=1", "DEFAULT_USER=admin"}, d.created[0].Env); diff != "" {
		t.Fatalf("unexpected env (-want +got):\n%s", diff)
	}

	host := d.hosts[0]
	if host.NanoCPUs != 2e9 || host.Memory != 1024*1024*1024 {
		t.Fatalf("expected 2 cpus and 1024MB, got %d nanocpus and %d bytes", host.NanoCPUs, host.Memory)
	}
	if !host.Privileged || host.NetworkMode != "bridge" {
		t.Fatalf("expected privileged container on bridge, got %+v", host)
	}
}

func TestCreateContainerPullsMissingImage(t *testing.T) {
	d := newFakeDocker()
	d.pullBody = `{"status":"Pulling from nokia/srlinux"}` + "\n" + `{"status":"Download complete"}` + "\n"
	cm := newContainerManager(d, "bridge", true)

	if _, err := cm.CreateContainer(context.Background(), ContainerRequest{Image: "ghcr.io/nokia/srlinux", Name: "n"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"ghcr.io/nokia/srlinux"}, d.pulls); diff != "" {
		t.Fatalf("unexpected pulls (-want +got):\n%s", diff)
	}
}

func TestCreateContainerPullFailures(t *testing.T) {
	cases := []struct {
		name string
		prep func(d *fakeDocker)
		want error
	}{
		{
			name: "pull request rejected",
			prep: func(d *fakeDocker) { d.pullErr = errdefs.NotFound(errors.New("manifest unknown")) },
			want: api.ErrImagePullFailed,
		},
		{
			name: "error inside the pull stream",
			prep: func(d *fakeDocker) { d.pullBody = `{"errorDetail":{"message":"denied"},"error":"denied"}` + "\n" },
			want: api.ErrImagePullFailed,
		},
		{
			name: "engine down",
			prep: func(d *fakeDocker) { d.down = true },
			want: api.ErrEngineUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDocker()
			tc.prep(d)
			cm := newContainerManager(d, "bridge", true)
			_, err := cm.CreateContainer(context.Background(), ContainerRequest{Image: "missing:1", Name: "n"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(d.created) != 0 {
				t.Fatalf("expected no container to be created")
			}
		})
	}
}

func TestLifecycleNotFound(t *testing.T) {
	cm := newContainerManager(newFakeDocker(), "bridge", true)
	ctx := context.Background()

	if err := cm.StartContainer(ctx, "gone"); !errors.Is(err, api.ErrContainerNotFound) {
		t.Fatalf("start: expected ErrContainerNotFound, got %v", err)
	}
	if err := cm.StopContainer(ctx, "gone", time.Second); !errors.Is(err, api.ErrContainerNotFound) {
		t.Fatalf("stop: expected ErrContainerNotFound, got %v", err)
	}
	if err := cm.RemoveContainer(ctx, "gone", true); !errors.Is(err, api.ErrContainerNotFound) {
		t.Fatalf("remove: expected ErrContainerNotFound, got %v", err)
	}
	status, err := cm.Status(ctx, "gone")
	if err != nil || status != api.StatusNotFound {
		t.Fatalf("expected not_found status without error, got %q, %v", status, err)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]api.ContainerStatus{
		"running":    api.StatusRunning,
		"created":    api.StatusCreated,
		"paused":     api.StatusPaused,
		"restarting": api.StatusRestarting,
		"exited":     api.StatusExited,
		"dead":       api.StatusExited,
	}
	for state, want := range cases {
		d := newFakeDocker()
		d.add(&fakeContainer{id: "c1", state: state})
		got, err := newContainerManager(d, "bridge", true).Status(context.Background(), "c1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("state %q: expected %q, got %q", state, want, got)
		}
	}
}

func TestAddress(t *testing.T) {
	d := newFakeDocker()
	d.add(&fakeContainer{id: "none", state: "running"})
	d.add(&fakeContainer{id: "pref", state: "running", networks: map[string]*network.EndpointSettings{
		"lab":    {IPAddress: "10.0.0.2"},
		"bridge": {IPAddress: "172.17.0.2"},
	}})
	d.add(&fakeContainer{id: "other", state: "running", networks: map[string]*network.EndpointSettings{
		"b": {IPAddress: ""},
		"c": {IPAddress: "10.9.0.3"},
	}})
	cm := newContainerManager(d, "bridge", true)
	ctx := context.Background()

	if _, ok, err := cm.Address(ctx, "none", "bridge"); ok || err != nil {
		t.Fatalf("expected absent address, got ok=%v err=%v", ok, err)
	}
	if addr, ok, _ := cm.Address(ctx, "pref", "bridge"); !ok || addr != "172.17.0.2" {
		t.Fatalf("expected preferred network address, got %q", addr)
	}
	if addr, ok, _ := cm.Address(ctx, "other", "bridge"); !ok || addr != "10.9.0.3" {
		t.Fatalf("expected fallback address, got %q", addr)
	}
	if _, _, err := cm.Address(ctx, "gone", "bridge"); !errors.Is(err, api.ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
}

func TestPid(t *testing.T) {
	d := newFakeDocker()
	d.add(&fakeContainer{id: "up", state: "running", pid: 4242})
	d.add(&fakeContainer{id: "new", state: "created"})
	cm := newContainerManager(d, "bridge", true)

	if pid, err := cm.Pid(context.Background(), "up"); err != nil || pid != 4242 {
		t.Fatalf("expected pid 4242, got %d, %v", pid, err)
	}
	if _, err := cm.Pid(context.Background(), "new"); err == nil {
		t.Fatalf("expected error for a container that is not running")
	}
}

func TestWaitUntilReady(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		missing  bool
		want     bool
	}{
		{name: "becomes running", statuses: []string{"created", "created", "running"}, want: true},
		{name: "exits", statuses: []string{"created", "exited"}, want: false},
		{name: "vanishes", missing: true, want: false},
		{name: "times out", statuses: []string{"created"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDocker()
			if !tc.missing {
				d.add(&fakeContainer{id: "c1", state: "created"})
			}
			d.statuses = tc.statuses
			cm := newContainerManager(d, "bridge", true)
			got := cm.WaitUntilReady(context.Background(), "c1", 100*time.Millisecond, 5*time.Millisecond)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestWaitUntilReadyBadDurations(t *testing.T) {
	d := newFakeDocker()
	d.add(&fakeContainer{id: "c1", state: "running"})
	cm := newContainerManager(d, "bridge", true)
	for _, tc := range []struct{ timeout, interval time.Duration }{
		{0, 0},
		{time.Second, 0},
		{0, time.Millisecond},
		{time.Second, -time.Millisecond},
	} {
		if cm.WaitUntilReady(context.Background(), "c1", tc.timeout, tc.interval) {
			t.Fatalf("timeout %s, interval %s: expected false", tc.timeout, tc.interval)
		}
	}
}

func TestListManaged(t *testing.T) {
	d := newFakeDocker()
	d.add(&fakeContainer{id: "a", name: "neon_l_R1", image: "frr", state: "running", labels: api.SystemLabels()})
	d.add(&fakeContainer{id: "b", name: "neon_l_R2", image: "frr", state: "exited", labels: api.SystemLabels()})
	d.add(&fakeContainer{id: "c", name: "postgres", image: "postgres", state: "running"})

	got, err := newContainerManager(d, "bridge", true).ListManaged(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []api.ManagedContainer{
		{Handle: "a", Name: "neon_l_R1", Status: api.StatusRunning, Image: "frr"},
		{Handle: "b", Name: "neon_l_R2", Status: api.StatusExited, Image: "frr"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected containers (-want +got):\n%s", diff)
	}
}

func TestCleanupContinuesAfterFailure(t *testing.T) {
	d := newFakeDocker()
	labLabels := map[string]string{api.LabelLabID: "lab-1"}
	d.add(&fakeContainer{id: "first", name: "R1", labels: labLabels})
	d.add(&fakeContainer{id: "middle", name: "R2", labels: labLabels})
	d.add(&fakeContainer{id: "last", name: "R3", labels: labLabels})
	d.add(&fakeContainer{id: "other", name: "X1", labels: map[string]string{api.LabelLabID: "lab-2"}})
	d.removeErr["middle"] = errors.New("device or resource busy")

	err := newContainerManager(d, "bridge", true).Cleanup(context.Background(), "lab-1")
	if err == nil || !strings.Contains(err.Error(), "R2") {
		t.Fatalf("expected an error naming R2, got %v", err)
	}
	if diff := cmp.Diff([]string{"first", "last"}, d.removed); diff != "" {
		t.Fatalf("unexpected removals (-want +got):\n%s", diff)
	}
	if _, ok := d.containers["other"]; !ok {
		t.Fatalf("container of another lab was removed")
	}
}
