package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/server"
)

func newJoinCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join SESSION_ID",
		Short: "Join a session and follow the host's scene changes until the session ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := loadEnv(ctx, opts)
			if err != nil {
				return err
			}
			defer e.cleanup()

			p, release, err := e.participant(ctx, e.cfg)
			if err != nil {
				return err
			}
			defer release()

			if err := p.Bootstrap(ctx); err != nil {
				return err
			}
			// Watch before joining so a host loss right after the join is seen.
			watch := p.Sessions.Watch(notify.DefaultBuffer)
			defer p.Sessions.Unwatch(watch)

			sess, err := p.Join(ctx, lobby.SessionID(args[0]))
			if err != nil {
				return fmt.Errorf("joining %s: %w", args[0], err)
			}
			logSession(e.logger, sess)
			fmt.Fprintf(cmd.OutOrStdout(), "joined %q; waiting for the host\n", sess.Metadata[lobby.MetaName])

			// A clean end of the session cancels runCtx so the lifecycle returns.
			runCtx, endRun := context.WithCancel(ctx)
			defer endRun()
			lc := server.NewLifecycle(e.logger)
			lc.Add("session", &server.FuncService{
				StartFn: func(ctx context.Context) error {
					defer endRun()
					for {
						select {
						case <-ctx.Done():
							return nil
						case ch, ok := <-watch.C():
							if !ok {
								return nil
							}
							if ch.To == lobby.StateIdle {
								if ch.Err != nil {
									return fmt.Errorf("session ended: %w", ch.Err)
								}
								return nil
							}
						}
					}
				},
			})
			return lc.Run(runCtx)
		},
	}
}
