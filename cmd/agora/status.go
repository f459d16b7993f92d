package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agora/internal/domain"
)

func newStatusCommand(root *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print groups and job counts from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), firstNonEmpty(dbPath, cfg.Server.DBPath))
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()

			groups, err := store.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, color.CyanString("Groups"))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tMEMBERS\tUPDATED")
			for _, g := range groups {
				members, err := store.ListMembers(cmd.Context(), g.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", g.ID, g.Name, groupStatus(g.Status), len(members),
					g.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			counts, err := store.CountJobsByStatus(cmd.Context())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(counts))
			for st := range counts {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			fmt.Fprintln(out)
			fmt.Fprintln(out, color.CyanString("Jobs"))
			for _, st := range statuses {
				fmt.Fprintf(out, "  %-10s %d\n", st, counts[domain.JobStatus(st)])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path override")
	return cmd
}

func groupStatus(s domain.GroupStatus) string {
	switch s {
	case domain.GroupStatusActive:
		return color.GreenString(string(s))
	case domain.GroupStatusHalted:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}
