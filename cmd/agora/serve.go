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

	"github.com/spf13/cobra"

	"agora/internal/director"
	"agora/internal/domain"
)

type serveOptions struct {
	addr   string
	dbPath string
	demo   bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "http listen address override")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "bootstrap a demo group on startup")
	return cmd
}

func runServe(parent context.Context, root *rootOptions, opts *serveOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := firstNonEmpty(opts.addr, cfg.Server.Addr, ":8091")
	store, err := openStore(ctx, firstNonEmpty(opts.dbPath, cfg.Server.DBPath))
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	eng, err := newEngine(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	eng.Start(ctx)
	defer eng.Close()

	if opts.demo {
		if group, err := bootstrapDemo(ctx, eng.director); err != nil {
			logger.Error("demo bootstrap failed", "err", err)
		} else {
			logger.Info("demo group ready", "group_id", group.ID, "user", "you")
		}
	}

	a := &api{cfg: cfg, director: eng.director, hub: eng.hub, jobs: store, logger: logger.With("component", "http")}
	server := &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("agora started", "addr", addr, "queue", firstNonEmpty(cfg.Queue.Backend, "sqlite"),
		"provider", firstNonEmpty(cfg.Model.Provider, "scripted"), "scenes", len(eng.catalog.Entries()))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

type demoAgent struct {
	id      string
	name    string
	persona string
	traits  domain.Traits
}

var demoAgents = []demoAgent{
	{
		id:      "mira",
		name:    "Mira",
		persona: "A warm community gardener who asks people about their day and remembers details.",
		traits:  domain.Traits{Sociability: 0.9, Assertiveness: 0.4, Curiosity: 0.7, Volatility: 0.2},
	},
	{
		id:      "dex",
		name:    "Dex",
		persona: "A sarcastic line cook with strong opinions about food and music.",
		traits:  domain.Traits{Sociability: 0.6, Assertiveness: 0.9, Curiosity: 0.4, Volatility: 0.7},
	},
	{
		id:      "juno",
		name:    "Juno",
		persona: "A quiet grad student who notices patterns and asks sharp follow-up questions.",
		traits:  domain.Traits{Sociability: 0.4, Assertiveness: 0.3, Curiosity: 0.95, Volatility: 0.3},
	},
}

// bootstrapDemo creates a group with one human and three agents and
// opens the conversation.
func bootstrapDemo(ctx context.Context, dir *director.Director) (domain.Group, error) {
	group, err := dir.CreateGroup(ctx, "demo porch")
	if err != nil {
		return domain.Group{}, err
	}
	if _, err := dir.AddMember(ctx, domain.GroupMember{
		GroupID: group.ID, MemberID: "you", Kind: domain.AuthorUser, DisplayName: "You",
	}); err != nil {
		return domain.Group{}, err
	}
	for _, a := range demoAgents {
		if _, err := dir.AddMember(ctx, domain.GroupMember{
			GroupID:     group.ID,
			MemberID:    a.id,
			Kind:        domain.AuthorAgent,
			DisplayName: a.name,
			Persona:     a.persona,
			Traits:      a.traits,
		}); err != nil {
			return domain.Group{}, err
		}
	}
	if err := dir.SetRelationship(ctx, domain.Relationship{AgentID: "mira", UserID: "you", Affinity: 0.6, Familiarity: 0.5}); err != nil {
		return domain.Group{}, err
	}
	if err := dir.SetRelationship(ctx, domain.Relationship{AgentID: "dex", UserID: "you", Affinity: -0.1, Familiarity: 0.3}); err != nil {
		return domain.Group{}, err
	}
	if _, err := dir.PostMessage(ctx, group.ID, "you", "hello everyone, new here! what's this group about?"); err != nil {
		return domain.Group{}, err
	}
	return group, nil
}
