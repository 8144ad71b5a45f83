package api

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type NodeState string

const (
	NodeStopped  NodeState = "stopped"
	NodeStarting NodeState = "starting"
	NodeRunning  NodeState = "running"
	NodeError    NodeState = "error"
)

// ContainerStatus is the isolation engine's view of a container.
type ContainerStatus string

const (
	StatusRunning    ContainerStatus = "running"
	StatusExited     ContainerStatus = "exited"
	StatusCreated    ContainerStatus = "created"
	StatusRestarting ContainerStatus = "restarting"
	StatusPaused     ContainerStatus = "paused"
	StatusNotFound   ContainerStatus = "not_found"
)

const (
	DefaultCPU      = 1
	DefaultMemoryMB = 512
)

// docker's own container name rule
var nodeNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// LabContext is the read-only slice of a lab that the runtime may use.
type LabContext struct {
	ID uuid.UUID `yaml:"id"`
}

type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ImageRef points at a device image and carries its catalog defaults.
type ImageRef struct {
	URI             string       `yaml:"uri"`
	DefaultCPU      int          `yaml:"cpu"`
	DefaultMemoryMB int          `yaml:"memory"`
	Credentials     *Credentials `yaml:"credentials"`
}

// NodeSpec describes one device to deploy. CPU and MemoryMB are optional
// overrides; zero means "use the image default".
type NodeSpec struct {
	ID       uuid.UUID
	Name     string
	Lab      LabContext
	Image    ImageRef
	CPU      int
	MemoryMB int
	Env      map[string]string
	Labels   map[string]string
}

func (s NodeSpec) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("%w: node %q has no id", ErrInvalidSpec, s.Name)
	}
	if !nodeNameRe.MatchString(s.Name) {
		return fmt.Errorf("%w: invalid node name %q", ErrInvalidSpec, s.Name)
	}
	if s.Image.URI == "" {
		return fmt.Errorf("%w: node %s has no image", ErrInvalidSpec, s.Name)
	}
	if s.CPU < 0 || s.MemoryMB < 0 {
		return fmt.Errorf("%w: node %s has negative resources", ErrInvalidSpec, s.Name)
	}
	return nil
}

// ContainerName is the engine-side name, scoped by lab so two labs can
// reuse node names.
func (s NodeSpec) ContainerName() string {
	return fmt.Sprintf("neon_%s_%s", s.Lab.ID, s.Name)
}

// Node is the runtime view of a deployed (or not yet deployed) NodeSpec.
// Handle is empty until a container has been created.
type Node struct {
	ID          uuid.UUID
	Name        string
	LabID       uuid.UUID
	Handle      string
	State       NodeState
	MgmtAddress string
}

func (n Node) Deployed() bool {
	return n.Handle != ""
}

type ManagedContainer struct {
	Handle string
	Name   string
	Status ContainerStatus
	Image  string
}
