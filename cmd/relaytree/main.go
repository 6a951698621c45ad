package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaytree/internal/backend"
	"github.com/agentworkforce/relaytree/internal/config"
	"github.com/agentworkforce/relaytree/internal/httpapi"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	cfgFile string
	cfg     config.Config
	logger  *logrus.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "relaytree",
		Short:         "Team collection backend and client tools",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.config/relaytree/config.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newTokenCmd(a))
	root.AddCommand(newCollectionCmd(a))
	root.AddCommand(newRequestCmd(a))
	return root
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collection backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("state-dsn", "", "state backend DSN (file path, memory://, postgres://, sqlite://)")
	cmd.Flags().String("event-bus-dsn", "memory://", "event bus DSN (memory://, redis://)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret; empty disables auth")
	cmd.Flags().Int("rate-limit-max", 0, "requests per window per workspace and agent; 0 disables")
	cmd.Flags().Duration("rate-limit-window", time.Minute, "rate limit window")
	cmd.Flags().Int64("max-body-bytes", 1<<20, "request body limit")
	return cmd
}

// buildServer wires the store and HTTP handler described by cfg. The
// returned store must be closed by the caller.
func buildServer(cfg config.Config, logger *logrus.Logger) (*httpapi.Server, *backend.Store, error) {
	stateBackend, err := backend.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("state backend: %w", err)
	}
	bus, err := backend.BuildEventBusFromDSN(cfg.EventBusDSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("event bus: %w", err)
	}
	store, err := backend.NewStoreWithOptions(backend.StoreOptions{
		StateBackend: stateBackend,
		EventBus:     bus,
		Logger:       logger,
		PageSize:     cfg.PageSize,
	})
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	return server, store, nil
}

func (a *app) serve(ctx context.Context) error {
	handler, store, err := buildServer(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := &http.Server{Addr: a.cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("relaytree listening on %s", a.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	a.logger.Infof("relaytree shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		agent  string
		scopes []string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("jwt secret is required (--jwt-secret or RELAYTREE_JWT_SECRET)")
			}
			token, err := httpapi.IssueToken(a.cfg.JWTSecret, a.cfg.Workspace, agent, scopes, ttl, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("jwt-secret", "", "HS256 secret")
	cmd.Flags().StringP("workspace", "w", "", "workspace id")
	cmd.Flags().StringVar(&agent, "agent", "cli", "agent name claim")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"tree:read", "tree:write"}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
