package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/swbus/internal/actor"
	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/config"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errNodeStopped = errors.New("bus node stopped unexpectedly")

var (
	diagnosticsAddr string
	echoActor       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bus node until interrupted",
	Long: `Run the bus node described by --config until SIGINT or SIGTERM.

SIGHUP re-reads the file and applies neighbor changes without dropping
sessions that did not change.

Examples:
  busd run -c rack1.toml
  busd run -c dpu0.toml --diagnostics 127.0.0.1:7481 --echo`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		return runDaemon(ctx, configPath, hup)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&diagnosticsAddr, "diagnostics", "", "diagnostics HTTP address (overrides diagnostics_addr)")
	runCmd.Flags().BoolVar(&echoActor, "echo", false, "host an echo actor at <identity>.echo")
}

// runDaemon runs one node from path until ctx ends. Every value received on
// reload re-applies the neighbor list from the file.
func runDaemon(ctx context.Context, path string, reload <-chan os.Signal) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if diagnosticsAddr != "" {
		cfg.DiagnosticsAddr = diagnosticsAddr
	}
	node, err := bus.New(cfg.Bus)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("identity", node.Identity().String()).Str("config", path).Msg("busd.run node started")

	rt := actor.NewRuntime(node)
	if echoActor {
		if err := spawnEcho(rt, node.Identity()); err != nil {
			_ = node.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.DiagnosticsAddr != "" {
		srv := server.New(node, cfg.CorsOrigins)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.DiagnosticsAddr) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-node.Done():
				if ctx.Err() != nil {
					return nil
				}
				return errNodeStopped
			case <-reload:
				if err := reloadTopology(node, path); err != nil {
					log.Error().Err(err).Str("config", path).Msg("busd.run reload rejected")
				}
			}
		}
	})

	err = g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Bus.RequestTimeout)
	defer cancel()
	if serr := rt.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("busd.run actor shutdown incomplete")
	}
	if cerr := node.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info().Msg("busd.run stopped")
	return err
}

// reloadTopology re-reads path and applies its neighbor list. Identity and
// listener changes need a restart and are refused.
func reloadTopology(node *bus.Node, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Bus.Identity != node.Identity() {
		return fmt.Errorf("identity changed from %s to %s; restart required", node.Identity(), cfg.Bus.Identity)
	}
	if err := node.UpdateTopology(cfg.Bus.Neighbors); err != nil {
		return err
	}
	log.Info().Int("neighbors", len(cfg.Bus.Neighbors)).Msg("busd.reload topology applied")
	return nil
}

func spawnEcho(rt *actor.Runtime, identity protocol.Address) error {
	addr, err := identity.Child("echo")
	if err != nil {
		return err
	}
	_, err = rt.Spawn(addr, actor.HandlerFunc(func(c *actor.Context, env *protocol.Envelope) error {
		if env.Kind != protocol.KindRequest {
			return nil
		}
		return c.Reply(env.Payload)
	}), actor.WithAutoPing())
	return err
}
