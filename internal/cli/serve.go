package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"posecapture/internal/cue"
	"posecapture/internal/events"
	"posecapture/internal/grpcserver"
	"posecapture/internal/server"
	"posecapture/internal/web"
)

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the capture control API",
		Long: `Start an HTTP server for creating and driving capture sessions, with live
events over server-sent events and websockets, plus a gRPC health service.

Examples:
  # Control API on the configured address
  posecapture serve

  # Override listen addresses
  posecapture serve --addr :8081 --grpc-addr :9091`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			return root.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address, empty disables (overrides config)")
	return cmd
}

func (r *Root) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := web.NewHub(r.log)
	var health *grpcserver.Server
	if r.cfg.Server.GRPCAddr != "" {
		health = grpcserver.New(r.cfg.Server.GRPCAddr, r.log)
	}

	st, err := r.buildStack(ctx, cue.Silent{}, hub, healthObserver(health))
	if err != nil {
		return err
	}
	defer st.Close()

	r.log.Info("starting server",
		"addr", r.cfg.Server.Addr,
		"grpc_addr", r.cfg.Server.GRPCAddr,
		"profile", st.profile.Name,
	)

	srv := server.NewServer(server.Options{
		Addr:      r.cfg.Server.Addr,
		Registry:  st.registry,
		Profile:   st.profile,
		Store:     st.store,
		Bus:       st.bus,
		WebSocket: hub,
		RateLimit: r.cfg.Server.RateLimit,
		Burst:     r.cfg.Server.Burst,
		Log:       r.log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return srv.Start(gctx) })
	if health != nil {
		g.Go(func() error { return health.Start(gctx) })
	}
	return g.Wait()
}

func healthObserver(h *grpcserver.Server) events.Observer {
	if h == nil {
		return nil
	}
	return h
}
