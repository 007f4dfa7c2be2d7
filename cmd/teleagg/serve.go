package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	srv "github.com/mohammad-safakhou/teleagg/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server and maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, cancel := runtime.SignalContext(context.Background(), "api", log.New(os.Stdout, "[API] ", log.LstdFlags))
			defer cancel()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()
			dispatcher, results, err := newDispatcher(cfg, rdb, log.New(log.Writer(), "[TASKS] ", log.LstdFlags))
			if err != nil {
				return err
			}
			return srv.Run(ctx, cfg, srv.Backends{Store: st, Redis: rdb, Tasks: dispatcher, Results: results})
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	return serve
}
