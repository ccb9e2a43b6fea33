package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/fibreflow/internal/batch"
	"github.com/zulandar/fibreflow/internal/config"
	"github.com/zulandar/fibreflow/internal/importer"
	"github.com/zulandar/fibreflow/internal/metrics"
	"github.com/zulandar/fibreflow/internal/sow"
	"github.com/zulandar/fibreflow/internal/store"
	"github.com/zulandar/fibreflow/internal/tracker"
	"gorm.io/gorm"
)

func newImportCmd() *cobra.Command {
	var (
		configPath string
		project    string
		step       string
		fromLine   int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a SOW file for a project",
		Long: `Parses, validates and upserts a poles, drops or fibre SOW file (.csv or .xlsx).

The import runs in the foreground and its job is tracked like an upload.
Rows that fail validation are reported and skipped. The command exits
non-zero when the file cannot be read or any batch fails to persist.
Use --from-line to re-submit the unprocessed tail of a file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, configPath, project, step, args[0], fromLine, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to FibreFlow config file")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id (required)")
	cmd.Flags().StringVarP(&step, "step", "s", "", "SOW step: poles, drops or fibre (required)")
	cmd.Flags().IntVar(&fromLine, "from-line", 0, "skip data rows before this source line")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job snapshot as JSON")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("step")
	return cmd
}

func runImport(cmd *cobra.Command, configPath, project, step, path string, fromLine int, asJSON bool) error {
	kind, err := sow.ParseKind(step)
	if err != nil {
		return err
	}
	if fromLine < 0 {
		return fmt.Errorf("--from-line must be >= 0, got %d", fromLine)
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	im, tr := newImporter(cfg, gormDB, nil, logrus.StandardLogger())
	summary, runErr := im.Run(ctx, importer.Request{
		ProjectID: project,
		Kind:      kind,
		Path:      path,
		FromLine:  fromLine,
	})
	if summary == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if asJSON {
		job, err := tr.Get(context.WithoutCancel(ctx), summary.JobID)
		if err != nil {
			return err
		}
		if err := writeJSON(out, tracker.SnapshotOf(job)); err != nil {
			return err
		}
	} else {
		printSummary(out, summary)
	}

	var perr *batch.PersistenceError
	if errors.As(runErr, &perr) {
		return fmt.Errorf("%d of %d batches failed; re-run with --from-line to retry the tail", len(perr.Failed), perr.Total)
	}
	return runErr
}

// newImporter wires the pipeline against gormDB.
func newImporter(cfg *config.Config, gormDB *gorm.DB, m *metrics.Metrics, log logrus.FieldLogger) (*importer.Importer, *tracker.Tracker) {
	tr := tracker.New(gormDB)
	tr.MaxIssues = cfg.Import.MaxErrorMessages
	im := importer.New(importer.Deps{
		Store:           store.New(gormDB),
		Tracker:         tr,
		Metrics:         m,
		Log:             log,
		BatchSize:       cfg.Import.BatchSize,
		DefaultMaxDrops: cfg.Import.DefaultMaxDrops,
	})
	return im, tr
}

func printSummary(out io.Writer, s *importer.Summary) {
	c := s.Counts
	fmt.Fprintf(out, "Job %d: %s %s for project %s\n", s.JobID, s.Kind, s.Status, s.ProjectID)
	fmt.Fprintf(out, "  rows:      %d total, %d valid, %d invalid\n", c.Total, c.Valid, c.Invalid)
	fmt.Fprintf(out, "  skipped:   %d duplicate in file, %d orphan\n", c.Duplicate, c.Orphan)
	fmt.Fprintf(out, "  existing:  %d overwritten\n", c.Existing)
	fmt.Fprintf(out, "  persisted: %d (%d failed)\n", c.Persisted, c.Failed)

	for _, b := range s.Batches {
		if b.Status == batch.StatusCommitted {
			continue
		}
		line := fmt.Sprintf("  batch %d (%s): %s", b.Seq, b.Range(), b.Status)
		if b.Err != nil {
			line += ": " + b.Err.Error()
		}
		fmt.Fprintln(out, line)
	}

	if len(s.Issues) > 0 {
		fmt.Fprintf(out, "Issues (%d):\n", len(s.Issues))
		fmt.Fprintf(out, "  %s\n", strings.Join(s.Issues, "\n  "))
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
