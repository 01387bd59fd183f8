package podcmd

import (
	"context"

	"github.com/spf13/cobra"

	"relayctl/cmd/relayctl/cmdutil"
	"relayctl/cmd/relayctl/ui"
	"relayctl/internal/relay"
	"relayctl/internal/relay/image"
	"relayctl/internal/relay/lifecycle"
)

func upCmd(env Env) *cobra.Command {
	var (
		kindName      string
		imageMode     string
		imageVersion  string
		allowMismatch bool
		reconfigure   bool
		hosts         []string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create and start the relay pod for the current site",
		Long: `Bring up the relay pod of the selected kind.

An existing pod is started as it is. A missing pod is created: the site,
the relay image and the pod topology are resolved first, and the pod is
only created when all of them succeed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := relay.ParseKind(kindName)
			if err != nil {
				return err
			}
			mode, err := relay.ParseImageMode(imageMode)
			if err != nil {
				return err
			}
			req := lifecycle.UpRequest{
				Kind: kind,
				Site: env.Options.Site,
				Image: image.Request{
					Mode:          mode,
					Version:       imageVersion,
					AllowMismatch: allowMismatch,
				},
				Targets:     hosts,
				Reconfigure: reconfigure,
			}

			return env.run(cmd, true, func(ctx context.Context, e *cmdutil.Engine) error {
				res, err := e.Up(ctx, req)
				if err != nil {
					return err
				}
				switch res.Outcome {
				case lifecycle.OutcomeAlreadyUp:
					printf(cmd, "%s\n", ui.InfoMsg("%s is already running", ui.Bold(res.Pod.Name())))
				case lifecycle.OutcomeStarted:
					printf(cmd, "%s\n", ui.SuccessMsg("started %s", ui.Bold(res.Pod.Name())))
				default:
					printf(cmd, "%s\n", ui.SuccessMsg("created %s", ui.Bold(res.Pod.Name())))
					printf(cmd, "%s", ui.KeyValues("  ",
						ui.KV("Site", res.Site.Name+" ("+res.Site.Kind.String()+", via "+res.Site.Provenance.String()+")"),
						ui.KV("Version", res.Site.Version),
						ui.KV("Image", res.Image.Ref),
						ui.KV("Origin", res.Image.Origin.String()),
					))
				}
				return nil
			})
		},
	}

	kindFlag(cmd, &kindName)
	cmd.Flags().StringVar(&imageMode, "image", relay.ImageModeAuto.String(), "Image source: auto, build or pull")
	cmd.Flags().StringVar(&imageVersion, "image-version", "", "Relay image version (default: the site version)")
	cmd.Flags().BoolVar(&allowMismatch, "allow-version-mismatch", false, "Run an image whose version differs from the site")
	cmd.Flags().BoolVar(&reconfigure, "reconfigure", false, "Replace an existing pod with a freshly resolved one")
	cmd.Flags().StringArrayVar(&hosts, "host", nil, "Host monitored by a standard-host relay (repeatable; default: hosts of the site)")
	return cmd
}
