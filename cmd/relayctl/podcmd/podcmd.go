// Package podcmd implements the relay pod lifecycle commands.
package podcmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/cmd/relayctl/ui"
	"relayctl/internal/relay"
	"relayctl/pkg/telemetry"
)

// Env carries what every pod command needs from the root command.
type Env struct {
	Options   *cmdutil.Options
	NewEngine cmdutil.Factory
}

// Commands returns up, down, restart, kill, ps and logs.
func Commands(env Env) []*cobra.Command {
	return []*cobra.Command{
		upCmd(env),
		downCmd(env),
		restartCmd(env),
		killCmd(env),
		psCmd(env),
		logsCmd(env),
	}
}

// run wires an engine, with step progress on stderr when progress is set,
// and hands it to fn.
func (env Env) run(cmd *cobra.Command, progress bool, fn func(ctx context.Context, e *cmdutil.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var p *ui.Progress
	if progress {
		p = ui.NewProgress()
		defer p.Close()
	}
	e, err := env.NewEngine(ctx, *env.Options, p.Tracer(telemetry.TracerName))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			slog.Debug("close engine", "err", cerr)
		}
	}()
	return fn(ctx, e)
}

func kindFlag(cmd *cobra.Command, kind *string) {
	cmd.Flags().StringVarP(kind, "kind", "k", relay.KindIsolatedSNMP.String(), "Relay kind: isolated-snmp or standard-host")
}

func identify(ctx context.Context, e *cmdutil.Engine, env Env, kindName string) (relay.PodRef, error) {
	kind, err := relay.ParseKind(kindName)
	if err != nil {
		return relay.PodRef{}, err
	}
	return e.Identify(ctx, kind, env.Options.Site)
}

func printf(cmd *cobra.Command, format string, a ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, a...)
}
