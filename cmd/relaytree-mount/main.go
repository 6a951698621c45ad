package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaytree/internal/config"
	"github.com/agentworkforce/relaytree/internal/mountfs"
	"github.com/agentworkforce/relaytree/internal/remote"
	"github.com/agentworkforce/relaytree/internal/render"
	"github.com/agentworkforce/relaytree/internal/replica"
	"github.com/agentworkforce/relaytree/internal/selection"
	"github.com/agentworkforce/relaytree/internal/tree"
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
		Use:          "relaytree-mount",
		Short:        "Keep a local replica of a workspace's collections",
		SilenceUsage: true,
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
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.config/relaytree/config.yaml)")
	flags.String("log-level", "info", "log level")
	flags.String("base-url", "http://127.0.0.1:8080", "backend base URL")
	flags.String("token", "", "bearer token")
	flags.StringP("workspace", "w", "", "workspace id")
	flags.String("selection-file", "", "file holding the selected workspace id; overrides --workspace")
	flags.Int("page-size", 10, "listing page size")
	flags.Duration("timeout", 15*time.Second, "per-request timeout")
	flags.Duration("reconnect-delay", time.Second, "wait before reopening a dropped subscription")
	flags.Float64("reconnect-jitter", 0.2, "reconnect delay jitter ratio (0.0-1.0)")

	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newMountCmd(a))
	root.AddCommand(newSelectCmd(a))
	return root
}

func (a *app) newReplica() (*replica.Replica, error) {
	client := remote.NewClient(a.cfg.BaseURL, a.cfg.Token, &http.Client{Timeout: a.cfg.Timeout})
	source, err := replica.NewRemoteSource(client, nil)
	if err != nil {
		return nil, err
	}
	return replica.New(source, replica.Options{
		PageSize:        a.cfg.PageSize,
		Logger:          a.logger,
		ReconnectDelay:  a.cfg.ReconnectDelay,
		ReconnectJitter: a.cfg.ReconnectJitter,
		OnEventError: func(topic remote.Topic, err error) {
			a.logger.WithField("topic", string(topic)).Warnf("dropping event: %v", err)
		},
	})
}

// follow attaches r to the configured workspace, or keeps it following the
// selection file until ctx ends.
func (a *app) follow(ctx context.Context, r *replica.Replica) error {
	change := func(ctx context.Context, workspaceID string) error {
		err := r.ChangeWorkspace(ctx, workspaceID)
		if err == nil {
			a.logger.Infof("following workspace %q", workspaceID)
		}
		return err
	}
	if a.cfg.SelectionFile != "" {
		watcher, err := selection.NewWatcher(a.cfg.SelectionFile, change, a.logger)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Errorf("selection watcher stopped: %v", err)
			}
		}()
		return nil
	}
	if a.cfg.Workspace == "" {
		return errors.New("workspace is required (--workspace, --selection-file or RELAYTREE_WORKSPACE)")
	}
	return change(ctx, a.cfg.Workspace)
}

func newWatchCmd(a *app) *cobra.Command {
	var depth int
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the collection tree whenever it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			r, err := a.newReplica()
			if err != nil {
				return err
			}
			defer r.DisposeSubscriptions()
			if err := a.follow(ctx, r); err != nil {
				return err
			}
			styles := render.DefaultStyles()
			if plain {
				styles = render.PlainStyles()
			}
			return watchTree(ctx, r, cmd.OutOrStdout(), styles, depth, a.logger)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "expand collections down to this depth automatically")
	cmd.Flags().BoolVar(&plain, "plain", false, "disable colors")
	return cmd
}

// watchTree redraws on every forest or loading change and expands
// collections shallower than depth as they appear.
func watchTree(ctx context.Context, r *replica.Replica, out io.Writer, styles render.Styles, depth int, logger *logrus.Logger) error {
	forestCh, cancelForest := r.WatchForest()
	defer cancelForest()
	loadingCh, cancelLoading := r.WatchLoading()
	defer cancelLoading()

	forest, loading := r.Forest(), r.Loading()
	draw := func() {
		fmt.Fprint(out, "\033[H\033[2J")
		fmt.Fprint(out, render.Tree(forest, loading, styles))
	}
	draw()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-forestCh:
			if !ok {
				return nil
			}
			forest = f
			for _, id := range collapsedWithin(forest, depth) {
				go func(id string) {
					if err := r.ExpandCollection(ctx, id); err != nil && ctx.Err() == nil {
						logger.Warnf("expand %s: %v", id, err)
					}
				}(id)
			}
		case l, ok := <-loadingCh:
			if !ok {
				return nil
			}
			loading = l
		}
		draw()
	}
}

// collapsedWithin lists unexpanded collections above depth.
func collapsedWithin(forest tree.Forest, depth int) []string {
	var out []string
	var visit func(nodes []*tree.CollectionNode, level int)
	visit = func(nodes []*tree.CollectionNode, level int) {
		if level >= depth {
			return
		}
		for _, node := range nodes {
			if !node.Expanded() {
				out = append(out, node.ID)
				continue
			}
			visit(node.Children, level+1)
		}
	}
	visit(forest, 0)
	return out
}

func newMountCmd(a *app) *cobra.Command {
	var opts mountfs.MountOptions
	cmd := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Expose the replica as a read-only filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := a.cfg.MountPoint
			if len(args) == 1 {
				mountpoint = args[0]
			}
			if mountpoint == "" {
				return errors.New("mount point is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			r, err := a.newReplica()
			if err != nil {
				return err
			}
			defer r.DisposeSubscriptions()
			if err := a.follow(ctx, r); err != nil {
				return err
			}
			view, err := mountfs.NewView(r, a.cfg.Timeout, a.logger)
			if err != nil {
				return err
			}
			server, err := mountfs.Mount(mountpoint, view, opts)
			if err != nil {
				return fmt.Errorf("mount %s: %w", mountpoint, err)
			}
			a.logger.Infof("mounted at %s", mountpoint)
			go func() {
				<-ctx.Done()
				if err := server.Unmount(); err != nil {
					a.logger.Errorf("unmount %s: %v", mountpoint, err)
				}
			}()
			server.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Debug, "fuse-debug", false, "log FUSE traffic")
	cmd.Flags().BoolVar(&opts.AllowOther, "allow-other", false, "let other users read the mount")
	cmd.Flags().DurationVar(&opts.CacheTTL, "cache-ttl", time.Second, "kernel entry and attribute cache lifetime")
	return cmd
}

func newSelectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select WORKSPACE_ID",
		Short: "Write the workspace id to the selection file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.SelectionFile == "" {
				return errors.New("selection file is required (--selection-file or RELAYTREE_SELECTION_FILE)")
			}
			if err := selection.Write(a.cfg.SelectionFile, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "selected %s\n", args[0])
			return nil
		},
	}
}
