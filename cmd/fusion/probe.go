package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/probe"
	"github.com/use-agent/fusion/sources"
)

func newProbeCmd(load func() *config.Config) *cobra.Command {
	var (
		category    string
		ids         []string
		concurrency int
		timeout     time.Duration
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check which sources serve a parsable result page over plain HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			catalog, err := sources.Load(cfg.Sources.Path)
			if err != nil {
				return err
			}

			list := catalog.List()
			if len(ids) > 0 {
				list = catalog.ForOpen(ids)
			}
			list = filterSources(list, category)
			if len(list) == 0 {
				return fmt.Errorf("no sources match")
			}

			p := probe.New(probe.NewClient(cfg.Browser.DefaultProxy, timeout), concurrency)
			results := p.ProbeAll(cmd.Context(), list)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			printProbe(os.Stdout, results)
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "", "only probe sources in this category")
	cmd.Flags().StringSliceVarP(&ids, "sources", "s", nil, "only probe these source ids")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "sources probed at once")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "per-request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printProbe(w io.Writer, results []probe.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tCATEGORY\tPARSABLE\tKEYWORD\tBYTES\tLINKS\tERROR")
	parsable := 0
	for _, r := range results {
		if r.Parsable {
			parsable++
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%d\t%d\t%s\n", r.Source, r.Category, r.Parsable, r.Keyword, r.Bytes, r.Links, r.Error)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d/%d parsable\n", parsable, len(results))
}
