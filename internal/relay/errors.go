package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSiteNotFound         = errors.New("site not found")
	ErrImageResolution      = errors.New("image resolution failed")
	ErrImageVersionMismatch = errors.New("image version mismatch")
	ErrTopologyBuild        = errors.New("topology build failed")
	ErrAlreadyExists        = errors.New("pod already exists")
	ErrNoExistingPod        = errors.New("no existing pod")
	ErrTimeout              = errors.New("timeout")
	ErrRuntime              = errors.New("container runtime error")
)

// Attempt records one resolution strategy and why it did not produce a result.
type Attempt struct {
	Strategy string
	Detail   string
}

type SiteNotFoundError struct {
	Attempts []Attempt
}

func (e *SiteNotFoundError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrSiteNotFound.Error()
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s)", a.Strategy, a.Detail))
	}
	return fmt.Sprintf("%s: tried %s. Use --site, set SITE, or create a .site file",
		ErrSiteNotFound, strings.Join(parts, ", "))
}

func (e *SiteNotFoundError) Is(target error) bool {
	return target == ErrSiteNotFound
}

// ImageResolutionError reports a failed build or pull.
type ImageResolutionError struct {
	Mode ImageMode
	Path string
	Err  error
}

func (e *ImageResolutionError) Error() string {
	return fmt.Sprintf("%s (mode %s, %s): %v", ErrImageResolution, e.Mode, e.Path, e.Err)
}

func (e *ImageResolutionError) Unwrap() error { return e.Err }

func (e *ImageResolutionError) Is(target error) bool {
	return target == ErrImageResolution
}

type VersionMismatchError struct {
	Image        string
	ImageVersion string
	SiteVersion  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: image %s has version %q but site runs %q (pass --allow-version-mismatch to override)",
		ErrImageVersionMismatch, e.Image, e.ImageVersion, e.SiteVersion)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrImageVersionMismatch
}

type TopologyReason uint8

const (
	ReasonUnreachableNetwork TopologyReason = iota + 1
	ReasonNoTargetHosts
	ReasonInvalidManifest
)

func (r TopologyReason) String() string {
	switch r {
	case ReasonUnreachableNetwork:
		return "unreachable-network"
	case ReasonNoTargetHosts:
		return "no-target-hosts"
	case ReasonInvalidManifest:
		return "invalid-manifest"
	default:
		return "unknown"
	}
}

type TopologyBuildError struct {
	Kind   Kind
	Reason TopologyReason
	Detail string
	Err    error
}

func (e *TopologyBuildError) Error() string {
	msg := fmt.Sprintf("%s for %s relay: %s", ErrTopologyBuild, e.Kind, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TopologyBuildError) Unwrap() error { return e.Err }

func (e *TopologyBuildError) Is(target error) bool {
	return target == ErrTopologyBuild
}

// TimeoutError reports a runtime operation that exceeded its bound. Pod is
// empty for operations that do not belong to a pod yet, such as the relay
// image pull.
type TimeoutError struct {
	Op    string
	Pod   string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	if e.Pod == "" {
		return fmt.Sprintf("%s: %s exceeded %s", ErrTimeout, e.Op, e.After)
	}
	return fmt.Sprintf("%s: %s of pod %q exceeded %s", ErrTimeout, e.Op, e.Pod, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RuntimeError wraps an opaque container runtime failure.
type RuntimeError struct {
	Op        string
	Target    string
	Transient bool
	Err       error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Target, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func (e *RuntimeError) Is(target error) bool {
	return target == ErrRuntime
}

// IsTransient reports whether err is a runtime failure worth retrying.
func IsTransient(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Transient
}

// Stage names the part of the engine that produced a failure.
type Stage uint8

const (
	StageSite Stage = iota + 1
	StageImage
	StageTopology
	StageRuntime
)

func (s Stage) String() string {
	switch s {
	case StageSite:
		return "site resolution"
	case StageImage:
		return "image resolution"
	case StageTopology:
		return "topology build"
	case StageRuntime:
		return "container runtime"
	default:
		return "unknown"
	}
}

// Resolution reports whether the stage is one of the resolution stages.
func (s Stage) Resolution() bool {
	return s == StageSite || s == StageImage || s == StageTopology
}

type StageError struct {
	Op    string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsResolutionFailure reports whether err came from a resolution stage.
func IsResolutionFailure(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Stage.Resolution()
}
