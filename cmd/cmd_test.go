package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"neon/api"
	"neon/pkg"
	"neon/pkg/config"
	"neon/pkg/link"
	"neon/pkg/node"
)

// stubEngine runs every container and reports a fixed managed set.
type stubEngine struct {
	cleaned []string
}

func (s *stubEngine) CreateContainer(ctx context.Context, req node.ContainerRequest) (string, error) {
	return "id-" + req.Name, nil
}
func (s *stubEngine) StartContainer(ctx context.Context, handle string) error { return nil }
func (s *stubEngine) StopContainer(ctx context.Context, handle string, timeout time.Duration) error {
	return nil
}
func (s *stubEngine) RemoveContainer(ctx context.Context, handle string, force bool) error {
	return api.ErrContainerNotFound
}
func (s *stubEngine) Status(ctx context.Context, handle string) (api.ContainerStatus, error) {
	return api.StatusRunning, nil
}
func (s *stubEngine) Address(ctx context.Context, handle, network string) (string, bool, error) {
	return "172.17.0.2", true, nil
}
func (s *stubEngine) WaitUntilReady(ctx context.Context, handle string, timeout, interval time.Duration) bool {
	return true
}
func (s *stubEngine) ListManaged(ctx context.Context) ([]api.ManagedContainer, error) {
	return []api.ManagedContainer{
		{Handle: "abc", Name: "neon_x_R1", Status: api.StatusRunning, Image: "frr"},
		{Handle: "def", Name: "neon_x_R2", Status: api.StatusExited, Image: "frr"},
	}, nil
}
func (s *stubEngine) Cleanup(ctx context.Context, labID string) error {
	s.cleaned = append(s.cleaned, labID)
	return nil
}

type stubFabric struct{}

func (stubFabric) CreateVethLink(ctx context.Context, a, b link.Endpoint, imp api.Impairment) (link.Allocation, error) {
	return link.Allocation{HostA: "va", HostB: "vb"}, nil
}
func (stubFabric) DeleteLink(ctx context.Context, a link.Endpoint) error { return nil }
func (stubFabric) ListInterfaces(ctx context.Context, handle string) ([]string, error) {
	return []string{"eth0", "eth1"}, nil
}

func run(t *testing.T, engine *stubEngine, args ...string) (string, error) {
	t.Helper()
	var released bool
	build := func(ctx context.Context, cfg config.Config) (*pkg.Calculator, func(), error) {
		m, err := pkg.NewManager(engine, stubFabric{}, pkg.NewMemoryRecorder(), cfg)
		if err != nil {
			return nil, nil, err
		}
		return pkg.NewCalculator(m), func() { released = true }, nil
	}
	rootCmd, closeFn := NewRootCmd(build)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	closeFn()
	if err == nil && !released {
		t.Fatalf("expected the runtime to be released")
	}
	return out.String(), err
}

func TestShow(t *testing.T) {
	out, err := run(t, &stubEngine{}, "show")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "Total: 2, Running: 1, Stopped: 1\n") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestApplyPattern(t *testing.T) {
	out, err := run(t, &stubEngine{}, "apply", "--pattern", "ring", "--count", "3", "--image", "frr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(out, "Status: running") != 3 || strings.Count(out, "Status: created") != 3 {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestApplyFlagErrors(t *testing.T) {
	for _, args := range [][]string{
		{"apply"},
		{"apply", "--pattern", "ring"},
		{"apply", "--pattern", "ring", "--image", "frr", "-f", "topo.yaml"},
	} {
		if _, err := run(t, &stubEngine{}, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestDestroy(t *testing.T) {
	engine := &stubEngine{}
	lab := "8c6f0a52-2a8a-4c39-9d55-0f4c1f3e7b10"
	out, err := run(t, engine, "destroy", "--lab", lab)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(engine.cleaned) != 1 || engine.cleaned[0] != lab {
		t.Fatalf("expected cleanup of %s, got %v", lab, engine.cleaned)
	}
	if out != "Lab "+lab+" destroyed\n" {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err = run(t, engine, "destroy", "--lab", "nope"); err == nil {
		t.Fatalf("expected error for a bad lab id")
	}
}

func TestInterfaces(t *testing.T) {
	out, err := run(t, &stubEngine{}, "interfaces", "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "eth0\neth1\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	if _, err := run(t, &stubEngine{}, "--log-level", "loud", "show"); err == nil {
		t.Fatalf("expected error")
	}
}
