package relay

import "time"

type PodState uint8

const (
	PodAbsent PodState = iota + 1
	PodCreated
	PodRunning
	PodStopped
	PodFailed
)

func (s PodState) String() string {
	switch s {
	case PodAbsent:
		return "absent"
	case PodCreated:
		return "created"
	case PodRunning:
		return "running"
	case PodStopped:
		return "stopped"
	case PodFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Exists reports whether the runtime holds any resource for the pod.
func (s PodState) Exists() bool {
	return s != PodAbsent && s != 0
}

// Container states as reported by the runtime.
const (
	ContainerCreated    = "created"
	ContainerRunning    = "running"
	ContainerRestarting = "restarting"
	ContainerPaused     = "paused"
	ContainerExited     = "exited"
	ContainerDead       = "dead"
	ContainerRemoving   = "removing"
)

// ContainerStatus is the observed state of one pod container.
type ContainerStatus struct {
	Name     string
	Role     string
	Image    string
	State    string
	ExitCode int
	Status   string
}

// CleanExit reports whether an exited container stopped normally. Docker
// reports 137/143 for containers stopped with SIGKILL/SIGTERM.
func (c ContainerStatus) CleanExit() bool {
	switch c.ExitCode {
	case 0, 137, 143:
		return true
	default:
		return false
	}
}

// PodStatus is the observed state of a pod.
type PodStatus struct {
	Name       string
	State      PodState
	Containers []ContainerStatus
}

// AggregateState folds container states into a pod state. A register
// container that exited with 0 has done its job and is left out; while it
// runs the pod still counts as created.
func AggregateState(containers []ContainerStatus) PodState {
	if len(containers) == 0 {
		return PodAbsent
	}

	var total, running, created int
	for _, c := range containers {
		if c.Role == RoleRegister {
			switch {
			case c.State == ContainerExited && c.ExitCode == 0:
				continue
			case c.State == ContainerRunning:
				total++
				created++
				continue
			}
		}
		total++
		switch c.State {
		case ContainerRunning, ContainerRestarting:
			running++
		case ContainerCreated:
			created++
		case ContainerExited:
			if !c.CleanExit() {
				return PodFailed
			}
		case ContainerDead:
			return PodFailed
		}
	}

	switch {
	case total == 0:
		return PodStopped
	case running == total:
		return PodRunning
	case created == total:
		return PodCreated
	case running > 0:
		return PodFailed
	default:
		return PodStopped
	}
}

// Deployment is the persisted record of a created pod.
type Deployment struct {
	ID         string
	PodName    string
	Site       string
	Kind       Kind
	Version    string
	Image      Image
	Topology   Topology
	DeployedAt time.Time
}

// NetworkInfo is the observed state of a runtime network.
type NetworkInfo struct {
	ID       string
	Exists   bool
	Internal bool
	Labels   map[string]string
}
