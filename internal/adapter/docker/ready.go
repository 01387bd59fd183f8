package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

const readyInterval = time.Second

// WaitReady pings the daemon until it answers. A daemon that stays
// unreachable until ctx is done is reported as unavailable.
func WaitReady(ctx context.Context, cli *client.Client) error {
	log := slog.With("component", "docker")
	ticker := time.NewTicker(readyInterval)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := cli.Ping(ctx)
		if err == nil {
			if waiting {
				log.Debug("daemon reachable")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			log.Error("ping failed", "err", err)
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		if !waiting {
			waiting = true
			log.Debug("waiting for docker daemon")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to docker daemon: %w", errors.Join(errdefs.ErrUnavailable, err))
		case <-ticker.C:
		}
	}
}
