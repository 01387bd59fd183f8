package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/cmd/relayctl/podcmd"
	"relayctl/cmd/relayctl/ui"
	"relayctl/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(cmdutil.ExitFailure)
	}

	root := newRootCmd(cmdutil.NewEngine)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ui.ErrorMsg("error: %v", err))
		os.Exit(cmdutil.ExitCode(err))
	}
}

func newRootCmd(factory cmdutil.Factory) *cobra.Command {
	var (
		opts          cmdutil.Options
		noInteraction bool
	)

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Run relay pods against a monitoring site for integration tests",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if opts.Debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction || opts.Debug)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.Site, "site", "", "Site name (default: $SITE, a .site file, or the only local site)")
	root.PersistentFlags().StringVar(&opts.URL, "url", "", "Web URL of the site (default from config, http://localhost)")
	root.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Plain output without spinners or colors")

	root.AddCommand(podcmd.Commands(podcmd.Env{Options: &opts, NewEngine: factory})...)
	return root
}
