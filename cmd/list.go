package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/signalnine/sweep/internal/result"
	"github.com/signalnine/sweep/internal/search"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the search space, pipeline units, tracking target and past results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			space, err := cfg.SearchSpace()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Study: %s (%d trials, %s, %s sampler)\n",
				cfg.Study.Name, cfg.Study.Trials, cfg.Study.Direction, cfg.Study.Sampler)
			fmt.Fprintln(out, "\nSearch space:")
			for _, p := range space {
				fmt.Fprintf(out, "  - %s\n", describeParam(p))
			}

			base, err := cfg.Baseline()
			if err != nil {
				return err
			}
			grid, err := cfg.GridUnits()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nPipeline (experiment %s):\n", cfg.Pipeline.Experiment)
			fmt.Fprintf(out, "  baseline: %s [%s]\n", base.Name, base.Config)
			for _, u := range grid {
				fmt.Fprintf(out, "  grid:     %s [%s]\n", u.Name, u.Config)
			}

			fmt.Fprintf(out, "\nTracking: %s (%s)\n", trackingTarget(cfg.TrackingOptions()), cfg.Tracking.Backend)
			return listResults(out, cfg.Results.Dir)
		},
	}
}

func listResults(w io.Writer, dir string) error {
	dirs, err := result.ListRunDirs(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nResults in %s:\n", dir)
	if len(dirs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range dirs {
		fmt.Fprintf(w, "  - %s\n", d)
	}
	return nil
}

func describeParam(p search.Param) string {
	var desc string
	switch p.Kind {
	case search.KindInt:
		desc = fmt.Sprintf("%s int [%d, %d]", p.Name, p.Int.Min, p.Int.Max)
	case search.KindFloat:
		desc = fmt.Sprintf("%s float [%g, %g]", p.Name, p.Float.Min, p.Float.Max)
	default:
		vals := make([]string, len(p.Values))
		for i, v := range p.Values {
			vals[i] = search.FormatValue(v)
		}
		desc = fmt.Sprintf("%s categorical {%s}", p.Name, strings.Join(vals, ", "))
	}
	if p.Abbrev != "" {
		desc += " (abbrev " + p.Abbrev + ")"
	}
	return desc
}
