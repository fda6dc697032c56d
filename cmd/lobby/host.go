package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
	"github.com/cory-johannsen/lobbysync/internal/notify"
	"github.com/cory-johannsen/lobbysync/internal/server"
	"github.com/cory-johannsen/lobbysync/internal/transport/grpclink"
)

type hostOptions struct {
	visibility string
	capacity   int
	guests     int
	wait       time.Duration
}

func newHostCmd(opts *rootOptions) *cobra.Command {
	hopts := &hostOptions{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a session, wait for guests, then start the game on every participant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd, opts, hopts)
		},
	}
	cmd.Flags().StringVar(&hopts.visibility, "visibility", "", "session visibility (default from config)")
	cmd.Flags().IntVar(&hopts.capacity, "capacity", 0, "member limit (default from config)")
	cmd.Flags().IntVar(&hopts.guests, "guests", 1, "guests to wait for before starting the game; 0 starts immediately")
	cmd.Flags().DurationVar(&hopts.wait, "wait", 5*time.Minute, "how long to wait for guests")
	return cmd
}

func runHost(cmd *cobra.Command, opts *rootOptions, hopts *hostOptions) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.cleanup()

	cfg := e.cfg
	if hopts.visibility != "" {
		cfg.Session.DefaultVisibility = hopts.visibility
	}
	if hopts.capacity > 0 {
		cfg.Session.DefaultCapacity = hopts.capacity
	}
	vis, err := lobby.ParseVisibility(cfg.Session.DefaultVisibility)
	if err != nil {
		return err
	}

	p, release, err := e.participant(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	if err := p.Bootstrap(ctx); err != nil {
		return err
	}
	sess, err := p.HostWith(ctx, vis, cfg.Session.DefaultCapacity)
	if err != nil {
		return fmt.Errorf("hosting: %w", err)
	}
	logSession(e.logger, sess)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "hosting %q\n  session: %s\n  address: %s\n",
		sess.Metadata[lobby.MetaName], sess.ID, sess.Metadata[lobby.MetaHostAddress])

	lc := server.NewLifecycle(e.logger)
	lc.Add("game", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			if err := waitForGuests(ctx, p.Link, hopts.guests, hopts.wait); err != nil {
				return err
			}
			if err := p.StartGame(ctx, false); err != nil {
				return fmt.Errorf("starting game: %w", err)
			}
			fmt.Fprintln(out, "game started; press Ctrl-C to end the session")
			<-ctx.Done()
			return nil
		},
	})
	return lc.Run(ctx)
}

// waitForGuests waits until the connection set holds n guests besides the
// host's own loop.
func waitForGuests(ctx context.Context, link *grpclink.Link, n int, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	events := link.Events().Subscribe(notify.DefaultBuffer)
	defer link.Events().Unsubscribe(events)
	for {
		if len(link.ConnectionSet())-1 >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			// Not wrapped: a deadline here is a failure, not a shutdown.
			return fmt.Errorf("waiting for %d guests: %v", n, ctx.Err())
		case <-events.C():
		}
	}
}

func logSession(logger *zap.Logger, sess lobby.Session) {
	logger.Info("session established",
		zap.String("session_id", string(sess.ID)),
		zap.Stringer("role", sess.Role),
	)
}
