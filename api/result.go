package api

import "github.com/google/uuid"

// ResultStatus is what an operation reports back to the caller.
type ResultStatus string

const (
	ResultStarting    ResultStatus = "starting"
	ResultRunning     ResultStatus = "running"
	ResultPending     ResultStatus = "pending"
	ResultStopped     ResultStatus = "stopped"
	ResultDestroyed   ResultStatus = "destroyed"
	ResultNotDeployed ResultStatus = "not_deployed"
	ResultCreated     ResultStatus = "created"
	ResultError       ResultStatus = "error"
)

// NodeResult never replaces a state transition: the node has already moved
// when a result is returned.
type NodeResult struct {
	Status      ResultStatus
	NodeID      uuid.UUID
	Handle      string
	MgmtAddress string
	Message     string
	Err         error
}

type LinkResult struct {
	Status    ResultStatus
	LinkID    uuid.UUID
	HostVethA string
	HostVethB string
	Message   string
	Err       error
}

type Stats struct {
	Total      int
	Running    int
	Stopped    int
	Containers []ManagedContainer
}
