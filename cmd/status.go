package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/gamebench/internal/model"
	"github.com/sells-group/gamebench/internal/store"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatYAML  outputFormat = "yaml"
	formatJSON  outputFormat = "json"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatTable, formatYAML, formatJSON:
		return f, nil
	}
	return "", eris.Errorf("unknown output format %q (want table, yaml or json)", s)
}

// statusReport is what `gamebench status` prints.
type statusReport struct {
	Evolution  *model.EvolutionState     `json:"evolution" yaml:"evolution"`
	Pools      []poolReport              `json:"pools" yaml:"pools"`
	Summaries  []model.BenchmarkSummary  `json:"recent_summaries" yaml:"recent_summaries"`
	Promotions []model.PromotionSnapshot `json:"promotions" yaml:"promotions"`
}

type poolReport struct {
	Name    string          `json:"name" yaml:"name"`
	LastRun *model.BatchRun `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

var (
	statusOutput string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pools, evolution state and recent summaries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := parseFormat(statusOutput)
		if err != nil {
			return err
		}
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		report, err := buildStatusReport(ctx, st, cfg.PoolNames(), statusLimit)
		if err != nil {
			return err
		}
		return renderStatus(os.Stdout, report, format)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format: table, yaml or json")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent summaries to show")
	rootCmd.AddCommand(statusCmd)
}

func buildStatusReport(ctx context.Context, st store.Store, pools []string, limit int) (statusReport, error) {
	var r statusReport

	evo, err := st.LoadEvolutionState(ctx)
	if err != nil {
		return r, eris.Wrap(err, "status: load evolution state")
	}
	if evo == nil {
		evo = model.NewEvolutionState(false)
	}
	r.Evolution = evo

	for _, name := range pools {
		pr := poolReport{Name: name}
		runs, err := st.ListBatchRuns(ctx, name, 1)
		if err != nil {
			return r, eris.Wrapf(err, "status: list batch runs for %s", name)
		}
		if len(runs) > 0 {
			pr.LastRun = &runs[0]
		}
		r.Pools = append(r.Pools, pr)
	}

	if r.Summaries, err = st.ListSummaries(ctx, "", limit); err != nil {
		return r, eris.Wrap(err, "status: list summaries")
	}
	if r.Promotions, err = st.ListPromotions(ctx, 5); err != nil {
		return r, eris.Wrap(err, "status: list promotions")
	}
	return r, nil
}

func renderStatus(w io.Writer, r statusReport, format outputFormat) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case formatYAML:
		return encodeYAML(w, r)
	}

	evo := r.Evolution
	fmt.Fprintf(w, "Generation %d  status=%s  auto_deploy=%t  fitness=%.4f\n", evo.Generation, evo.Status, evo.AutoDeploy, evo.Fitness)
	fmt.Fprintf(w, "Weights: %s\n\n", formatWeights(evo.Weights))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tLAST RUN\tSTATUS\tFETCHED\tACCEPTED\tREJECTED\tFAILED\tMALFORMED")
	for _, p := range r.Pools {
		if p.LastRun == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t-\n", p.Name)
			continue
		}
		run := p.LastRun
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			p.Name, run.StartedAt.Format(time.RFC3339), run.Status,
			run.Fetched, run.Accepted, run.Rejected, run.Failed, run.Malformed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Summaries) > 0 {
		fmt.Fprintln(w)
		if err := writeSummaryTable(w, r.Summaries); err != nil {
			return err
		}
	}
	for _, p := range r.Promotions {
		fmt.Fprintf(w, "\nPromoted generation %d at %s: accuracy %.3f vs %.3f (p=%.4f, n=%d)\n",
			p.Generation, p.PromotedAt.Format(time.RFC3339), p.Accuracy, p.BaselineAccuracy, p.PValue, p.SampleSize)
	}
	return nil
}

func renderSummary(w io.Writer, s model.BenchmarkSummary, output string) error {
	format, err := parseFormat(output)
	if err != nil {
		return err
	}
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case formatYAML:
		return encodeYAML(w, s)
	}
	return writeSummaryTable(w, []model.BenchmarkSummary{s})
}

func writeSummaryTable(w io.Writer, summaries []model.BenchmarkSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tN\tCHALLENGER\tBASELINE\tDIFF\tZ\tP\tSIG\tCOMPUTED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.3f [%.3f, %.3f]\t%.3f [%.3f, %.3f]\t%+.3f\t%.2f\t%.4f\t%t\t%s\n",
			s.Pool, s.Total,
			s.ChallengerAccuracy, s.ChallengerCI.Lower, s.ChallengerCI.Upper,
			s.BaselineAccuracy, s.BaselineCI.Lower, s.BaselineCI.Upper,
			s.Improvement, s.ZScore, s.PValue, s.Significant,
			s.ComputedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// encodeYAML goes through JSON so the model's json tags name the fields.
func encodeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func formatWeights(w model.Weights) string {
	parts := make([]string, 0, len(w))
	for _, name := range w.Names() {
		parts = append(parts, fmt.Sprintf("%s=%.3f", name, w[name]))
	}
	return strings.Join(parts, " ")
}
