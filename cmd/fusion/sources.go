package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/sources"
)

func newSourcesCmd(load func() *config.Config) *cobra.Command {
	var (
		category string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			catalog, err := sources.Load(cfg.Sources.Path)
			if err != nil {
				return err
			}
			list := filterSources(catalog.List(), category)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			printSources(os.Stdout, list)
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "only list sources in this category")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func filterSources(list []sources.Source, category string) []sources.Source {
	if category == "" {
		return list
	}
	out := make([]sources.Source, 0, len(list))
	for _, s := range list {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out
}

func printSources(w io.Writer, list []sources.Source) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPARSABLE\tESCALATE")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\n", s.ID, s.Name, s.Category, s.IsParsable(), s.Escalate)
	}
	tw.Flush()
}
