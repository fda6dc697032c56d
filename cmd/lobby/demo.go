package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/lobbysync/internal/app"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
)

func newDemoCmd(opts *rootOptions) *cobra.Command {
	var guestName string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a host and a guest in one process and start the game on both",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.cleanup()

			hostCfg := e.cfg
			hostCfg.Transport.Port = 0
			guestCfg := e.cfg
			guestCfg.Session.UserID = ""
			guestCfg.Session.DisplayName = guestName

			host, releaseHost, err := e.participant(ctx, hostCfg)
			if err != nil {
				return err
			}
			defer releaseHost()
			guest, releaseGuest, err := e.participant(ctx, guestCfg)
			if err != nil {
				return err
			}
			// The guest leaves before the host so its exit is not a host loss.
			defer releaseGuest()

			for _, p := range []*app.Participant{host, guest} {
				if err := p.Bootstrap(ctx); err != nil {
					return err
				}
			}
			sess, err := host.Host(ctx)
			if err != nil {
				return fmt.Errorf("hosting: %w", err)
			}
			logSession(e.logger.Named("host"), sess)
			joined, err := guest.Join(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("joining: %w", err)
			}
			logSession(e.logger.Named("guest"), joined)

			if err := host.StartGame(ctx, false); err != nil {
				return fmt.Errorf("starting game: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "game started in %q\n", joined.Metadata[lobby.MetaName])
			fmt.Fprintf(out, "  host  %s loaded: %t\n", e.cfg.Scenes.Game, host.Engine.IsLoaded(e.cfg.Scenes.Game))
			fmt.Fprintf(out, "  guest %s loaded: %t\n", e.cfg.Scenes.Game, guest.Engine.IsLoaded(e.cfg.Scenes.Game))
			return nil
		},
	}
	cmd.Flags().StringVar(&guestName, "guest-name", "Guest", "display name of the in-process guest")
	return cmd
}
