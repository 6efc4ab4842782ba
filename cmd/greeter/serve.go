package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"greeter/internal/chain"
	"greeter/internal/config"
	"greeter/internal/idempotency"
	"greeter/internal/server"
	"greeter/internal/session"
)

const (
	defaultInitialGreeting = "Hello, Blockchain World!"
	// First account of a default Ganache workspace.
	defaultDevAccount = "0x627306090abaB3A6e1400e9345bC60c78a8BEf57"
)

var (
	servePort int
	serveFake bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser front-end and the JSON API",
	Long: `Serve the greeting page and the /api/v1 endpoints.

The session is created when the user presses Connect. With --fake the contract
is emulated in memory, which is handy for working on the page without a node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Service.HTTPPort = servePort
		}

		var connector session.Connector
		if serveFake {
			connector = fakeConnector(cfg)
			logger.Warn("serving an in-memory contract; nothing is sent to a node")
		} else {
			eth, err := newConnector(cfg, logger)
			if err != nil {
				return err
			}
			connector = eth
		}

		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("idempotency store error: %w", err)
		}
		defer closeStore()

		holder := session.NewHolder(connector, logger.Named("session"))
		srv, err := server.NewServer(cfg, holder, store, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3000, "HTTP port (overrides API_HTTP_PORT)")
	serveCmd.Flags().BoolVar(&serveFake, "fake", false, "Emulate the contract in memory instead of dialing a node")
}

// openStore picks Postgres when a DSN is configured and the JSON file store otherwise.
func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Service.PostgresDSN != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("idempotency file store", zap.String("path", cfg.Service.IdempotencyStorePath))
	return fs, func() {}, nil
}

func fakeConnector(cfg *config.AppConfig) session.Connector {
	account := common.HexToAddress(defaultDevAccount)
	greeting := defaultInitialGreeting
	if d := cfg.Deployment; d != nil {
		if common.IsHexAddress(d.DeployerAddress) {
			account = common.HexToAddress(d.DeployerAddress)
		}
		if d.InitialGreeting != "" {
			greeting = d.InitialGreeting
		}
	}
	return session.StaticConnector{Session: &session.Session{
		Account:  account,
		Contract: chain.NewFake(account, greeting),
		Endpoint: "memory",
	}}
}
