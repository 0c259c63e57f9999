package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/uspagent/internal/admin"
	"github.com/danmuck/uspagent/internal/agent"
	"github.com/danmuck/uspagent/internal/config"
	"github.com/danmuck/uspagent/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	remoteRebootCause = "RemoteReboot"
	// rebootGrace lets the OperateResp for Device.Reboot() leave first.
	rebootGrace = time.Second
)

var errReboot = errors.New("reboot requested")

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logging.SetLevel(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve runs agent generations until ctx ends. Device.Reboot() ends the
// current generation and starts the next with a RemoteReboot boot cause.
func serve(ctx context.Context, cfg config.AgentConfig) error {
	for {
		err := runOnce(ctx, cfg)
		if !errors.Is(err, errReboot) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Info().Str("endpoint", cfg.EndpointID).Msg("agent rebooting")
		cfg.Agent.BootCause = remoteRebootCause
	}
}

func runOnce(ctx context.Context, cfg config.AgentConfig) error {
	rebootc := make(chan struct{}, 1)
	reboot := func(context.Context) error {
		select {
		case rebootc <- struct{}{}:
		default:
		}
		return nil
	}

	dm, err := openBackend(ctx, cfg, reboot)
	if err != nil {
		return err
	}
	defer func() {
		if err := dm.Close(); err != nil {
			log.Warn().Err(err).Msg("datamodel close failed")
		}
	}()

	a := agent.New(cfg.Agent, dm.Backend)
	if err := attachBindings(a, cfg.Transports); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	if cfg.Admin.Addr != "" {
		srv := admin.New(cfg.Admin, a, nil)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-rebootc:
		case <-gctx.Done():
			return nil
		}
		t := time.NewTimer(rebootGrace)
		defer t.Stop()
		select {
		case <-t.C:
			return errReboot
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}
