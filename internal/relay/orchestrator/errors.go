package orchestrator

import (
	"context"
	"errors"
	"strings"
	"syscall"

	"github.com/containerd/errdefs"

	"relayctl/internal/relay"
)

func runtimeErr(op, target string, err error) error {
	var re *relay.RuntimeError
	if errors.As(err, &re) {
		return err
	}
	return &relay.RuntimeError{Op: op, Target: target, Transient: Transient(err), Err: err}
}

// Transient reports whether a runtime failure is worth one retry: the daemon
// was unavailable or a resource was temporarily exhausted.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errdefs.IsUnavailable(err) || errors.Is(err, syscall.EAGAIN) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "resource temporarily unavailable")
}
