package cmdutil

import (
	"errors"

	"relayctl/internal/relay"
)

const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitResolution = 2
)

// ExitCode maps a command error to the process exit status: 2 when site,
// image or topology resolution failed, 1 for any other failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case relay.IsResolutionFailure(err),
		errors.Is(err, relay.ErrSiteNotFound),
		errors.Is(err, relay.ErrImageResolution),
		errors.Is(err, relay.ErrImageVersionMismatch),
		errors.Is(err, relay.ErrTopologyBuild):
		return ExitResolution
	default:
		return ExitFailure
	}
}
