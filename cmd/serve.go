package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworld/agentworld/internal/config"
	"github.com/agentworld/agentworld/internal/gateway"
	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/runtime"
	"github.com/agentworld/agentworld/internal/skills"
	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/store/memstore"
	"github.com/agentworld/agentworld/internal/store/sqlitestore"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Verbose = cfg.Verbose || verbose

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := providers.FromEnv()
	if len(reg.Names()) == 0 {
		slog.Warn("no LLM providers configured, agents cannot respond")
	} else {
		slog.Info("providers ready", "names", reg.Names())
	}

	sk := buildSkillRegistry(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(runtime.Options{Store: st, Providers: reg, Skills: sk})
	defer rt.Close()

	srv := gateway.NewServer(cfg, rt, sk)

	g, ctx := errgroup.WithContext(ctx)
	if sk != nil {
		g.Go(func() error {
			// A dead watcher degrades hot reload, not the server.
			if err := sk.Watch(ctx); err != nil {
				slog.Warn("skill watcher stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		slog.Info("using in-memory storage, state is lost on exit")
		return memstore.New(), nil
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		st, err := sqlitestore.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		slog.Info("database ready", "path", cfg.Storage.Path)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func buildSkillRegistry(cfg *config.Config) *skills.Registry {
	roots := skills.DefaultRoots()
	for _, p := range cfg.Skills.ProjectRoots {
		roots = append(roots, skills.Root{Path: p, Scope: skills.ScopeProject})
	}
	if len(roots) == 0 {
		return nil
	}
	sk := skills.NewRegistry(roots)
	if res, err := sk.Sync(); err != nil {
		slog.Warn("initial skill sync failed", "error", err)
	} else {
		slog.Info("skills synced", "added", res.Added, "updated", res.Updated, "removed", res.Removed)
	}
	return sk
}
