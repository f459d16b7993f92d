package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agora/internal/domain"
	"agora/internal/scene"
)

func newCatalogCommand(root *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the scene catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "catalog file (default: scene.catalog_path or the built-in catalog)")

	resolve := func() (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := root.load()
		if err != nil {
			return "", err
		}
		return cfg.Scene.CatalogPath, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scenes with their triggers and steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			catalog, err := scene.LoadCatalog(p)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), catalog)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the catalog for schema errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := resolve()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			catalog, err := scene.LoadCatalog(p)
			if err != nil {
				fmt.Fprintln(out, color.RedString("catalog invalid:"))
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(out, "  %s %s\n", color.RedString("x"), line)
				}
				return fmt.Errorf("catalog %s failed validation", catalogName(p))
			}
			fmt.Fprintf(out, "%s %s: %d scenes\n", color.GreenString("ok"), catalogName(p), len(catalog.Entries()))
			return nil
		},
	})
	return cmd
}

func printCatalog(w io.Writer, catalog *scene.Catalog) {
	bold := color.New(color.Bold).SprintFunc()
	for _, e := range catalog.Entries() {
		fmt.Fprintf(w, "%s %s\n", bold(e.Code), color.HiBlackString("(%s, %s)", e.Category, e.Duration))
		switch e.TriggerType {
		case domain.TriggerTension:
			fmt.Fprintf(w, "  trigger  %s escalation >= %d\n", color.YellowString("tension"), e.TriggerEscalation)
		default:
			fmt.Fprintf(w, "  trigger  %s %s\n", color.CyanString("keyword"), strings.Join(e.TriggerKeywords, ", "))
		}
		fmt.Fprintf(w, "  cast     %s (%d-%d agents)\n", strings.Join(e.ParticipantRoles, ", "), e.MinAIs, e.MaxAIs)
		for i, step := range e.InterventionSequence {
			marker := ""
			if step.ResolvesTension {
				marker = color.GreenString(" [resolves]")
			}
			fmt.Fprintf(w, "  %d. %s: %s%s\n", i+1, color.MagentaString(strings.Join(step.Roles, "+")), step.Objective, marker)
		}
		fmt.Fprintln(w)
	}
}

func catalogName(path string) string {
	if path == "" {
		return "built-in catalog"
	}
	return path
}
