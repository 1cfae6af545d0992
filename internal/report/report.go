package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/sweep/internal/result"
)

// Summary aggregates the trials of one results run.
type Summary struct {
	Study      string              `json:"study"`
	Direction  string              `json:"direction"`
	Trials     int                 `json:"trials"`
	Degraded   int                 `json:"degraded"`
	MeanScore  float64             `json:"mean_objective"`
	Best       *result.TrialMeta   `json:"best,omitempty"`
	ByOutcome  map[string]int      `json:"by_outcome"`
	TrialMetas []*result.TrialMeta `json:"trial_metas"`
}

// Generate reads the results in runDir and writes a summary report. It uses
// study.json when present and otherwise falls back to the per-trial
// meta.json files, as written for pipeline runs.
func Generate(runDir, format string, w io.Writer) error {
	rec, best, err := load(runDir)
	if err != nil {
		return err
	}
	s := summarize(rec, best)

	switch format {
	case "markdown":
		return writeMarkdown(s, w)
	case "json":
		return writeJSON(s, w)
	default:
		return writeTable(s, w)
	}
}

// load returns the record for runDir and its best trial. Trial indexes in
// meta.json files are not unique across separate pipeline invocations, so
// the best trial is returned by identity rather than looked up by index.
func load(runDir string) (*result.StudyRecord, *result.TrialMeta, error) {
	rec, err := result.ReadStudy(runDir)
	if err == nil {
		best, _ := rec.Best()
		return rec, best, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	metas, err := collectMetas(runDir)
	if err != nil {
		return nil, nil, err
	}
	if len(metas) == 0 {
		return nil, nil, fmt.Errorf("no results in %s", runDir)
	}
	rec = &result.StudyRecord{Name: metas[0].Study, Direction: "maximize", Trials: metas, BestTrial: -1}
	best := metas[0]
	for _, m := range metas[1:] {
		if m.Objective > best.Objective {
			best = m
		}
	}
	rec.BestTrial = best.Trial
	return rec, best, nil
}

func collectMetas(runDir string) ([]*result.TrialMeta, error) {
	var metas []*result.TrialMeta
	err := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Name() == "meta.json" {
			meta, err := result.ReadTrialMeta(path)
			if err != nil {
				return nil
			}
			metas = append(metas, meta)
		}
		return nil
	})
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Trial != metas[j].Trial {
			return metas[i].Trial < metas[j].Trial
		}
		return metas[i].RunName < metas[j].RunName
	})
	return metas, err
}

func summarize(rec *result.StudyRecord, best *result.TrialMeta) *Summary {
	s := &Summary{
		Best:       best,
		Study:      rec.Name,
		Direction:  rec.Direction,
		Trials:     len(rec.Trials),
		ByOutcome:  map[string]int{},
		TrialMetas: rec.Trials,
	}
	var total float64
	for _, m := range rec.Trials {
		total += m.Objective
		s.ByOutcome[string(m.Outcome)]++
		if m.Degraded {
			s.Degraded++
		}
	}
	if s.Trials > 0 {
		s.MeanScore = total / float64(s.Trials)
	}
	return s
}

func isBest(s *Summary, m *result.TrialMeta) bool {
	return s.Best != nil && m == s.Best
}

func writeTable(s *Summary, w io.Writer) error {
	fmt.Fprintf(w, "Study: %s (%s)  trials: %d  degraded: %d  mean objective: %.4f\n\n",
		s.Study, s.Direction, s.Trials, s.Degraded, s.MeanScore)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tRUN\tPARAMS\tOBJECTIVE\tOUTCOME\tDURATION\t")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, m := range s.TrialMetas {
		marker := ""
		if isBest(s, m) {
			marker = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.4f%s\t%s\t%.0fs\t\n",
			m.Trial, m.RunName, m.Config, m.Objective, marker, m.Outcome, m.DurationS)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if s.Best != nil {
		fmt.Fprintf(w, "\nBest value: %.4f\nBest params: %s\n", s.Best.Objective, s.Best.Config)
	}
	return nil
}

func writeMarkdown(s *Summary, w io.Writer) error {
	fmt.Fprintf(w, "## %s\n\n", s.Study)
	fmt.Fprintln(w, "| Trial | Run | Params | Objective | Outcome | Duration |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|")
	for _, m := range s.TrialMetas {
		obj := fmt.Sprintf("%.4f", m.Objective)
		if isBest(s, m) {
			obj = "**" + obj + "**"
		}
		fmt.Fprintf(w, "| %d | %s | %s | %s | %s | %.0fs |\n",
			m.Trial, m.RunName, m.Config, obj, m.Outcome, m.DurationS)
	}
	return nil
}

func writeJSON(s *Summary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
