package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"mineland.ai/internal/config"
	"mineland.ai/internal/transport/rpc"
)

func newServeCmd(rf *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one episode over JSON-RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rf.config, rf.env)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.RPCAddr = addr
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides rpc_addr)")
	return cmd
}

func serve(cfg config.Config) error {
	logger := newLogger("rpc")
	ctx, cancel := signalContext()
	defer cancel()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ln, err := net.Listen("tcp", cfg.RPCAddr)
	if err != nil {
		return err
	}
	return serveOn(ctx, st, ln, cfg.RPCHMACSecret, logger)
}

// serveOn serves until ctx ends, then stops taking calls, waits for
// in-flight ones and ends the remote session before returning. Recorders
// in st are still open for the whole of it.
func serveOn(ctx context.Context, st *stack, ln net.Listener, secret string, logger *log.Logger) error {
	s, err := rpc.NewServer(rpc.Config{Env: st.env, HMACSecret: secret, Logger: logger})
	if err != nil {
		_ = ln.Close()
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx2); err != nil {
			logger.Printf("shutdown: %v", err)
		}
		if st.env.Started() {
			if _, err := st.env.Close(ctx2); err != nil {
				logger.Printf("close: %v", err)
			}
		}
	}()

	logger.Printf("listening on %s", ln.Addr())
	err = srv.Serve(ln)
	cancel()
	<-done
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
