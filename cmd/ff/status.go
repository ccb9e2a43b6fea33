package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/fibreflow/internal/sow"
	"github.com/zulandar/fibreflow/internal/tracker"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		project    string
		step       string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show import job status",
		Long:  "Shows one import job by id, or the latest job for --project and --step.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, project, step, args, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to FibreFlow config file")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&step, "step", "s", "", "SOW step: poles, drops or fibre")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job snapshot as JSON")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath, project, step string, args []string, asJSON bool) error {
	var (
		id   uint
		kind sow.Kind
		err  error
	)
	if len(args) == 1 {
		if id, err = parseJobID(args[0]); err != nil {
			return err
		}
	} else {
		if project == "" || step == "" {
			return fmt.Errorf("status needs a job id or both --project and --step")
		}
		if kind, err = sow.ParseKind(step); err != nil {
			return err
		}
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	tr := tracker.New(gormDB)
	ctx := context.Background()

	out := cmd.OutOrStdout()
	if id == 0 {
		job, err := tr.GetStatus(ctx, project, string(kind))
		if errors.Is(err, tracker.ErrNotFound) {
			fmt.Fprintf(out, "No %s imports for project %s\n", kind, project)
			return nil
		}
		if err != nil {
			return err
		}
		id = job.ID
	}

	// Get preloads the batch ledger.
	job, err := tr.Get(ctx, id)
	if err != nil {
		return err
	}
	snap := tracker.SnapshotOf(job)
	if asJSON {
		return writeJSON(out, snap)
	}
	printSnapshot(out, snap)
	return nil
}

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		project    string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent import jobs for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configPath, project, limit, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to FibreFlow config file")
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum jobs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print snapshots as JSON")
	cmd.MarkFlagRequired("project")
	return cmd
}

func runHistory(cmd *cobra.Command, configPath, project string, limit int, asJSON bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	jobs, err := tracker.New(gormDB).GetHistory(context.Background(), project, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	snaps := tracker.Snapshots(jobs)
	if asJSON {
		return writeJSON(out, snaps)
	}
	if len(snaps) == 0 {
		fmt.Fprintf(out, "No imports for project %s\n", project)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTEP\tSTATUS\tPROGRESS\tROWS\tPERSISTED\tERRORS\tFILE\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d%%\t%d\t%d\t%d\t%s\t%s\n",
			s.ID, s.Step, s.Status, s.Progress, s.Counts.Total, s.Counts.Persisted,
			s.ErrorCount, s.FileName, s.CreatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func newCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running import job",
		Long:  "Marks an import job cancelled. A job already saving stops before its next batch; committed batches are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to FibreFlow config file")
	return cmd
}

func runCancel(cmd *cobra.Command, configPath, arg string) error {
	id, err := parseJobID(arg)
	if err != nil {
		return err
	}
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := tracker.New(gormDB).Cancel(context.Background(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %d cancelled\n", id)
	return nil
}

func parseJobID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return uint(n), nil
}

func printSnapshot(out io.Writer, s tracker.Snapshot) {
	fmt.Fprintf(out, "Job %d  %s/%s  %s\n", s.ID, s.ProjectID, s.Step, s.FileName)
	fmt.Fprintf(out, "  status:    %s (%d%%, %d processed)\n", s.Status, s.Progress, s.Processed)
	c := s.Counts
	fmt.Fprintf(out, "  rows:      %d total, %d valid, %d invalid, %d duplicate, %d orphan\n",
		c.Total, c.Valid, c.Invalid, c.Duplicate, c.Orphan)
	fmt.Fprintf(out, "  persisted: %d (%d failed)\n", c.Persisted, c.Failed)
	if s.ErrorMessage != "" {
		fmt.Fprintf(out, "  error:     %s\n", s.ErrorMessage)
	}
	if len(s.Batches) > 0 {
		fmt.Fprintln(out, "  batches:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, b := range s.Batches {
			fmt.Fprintf(w, "    %d\tlines %d-%d\t%d rows\t%s\t%s\n", b.Seq, b.FirstLine, b.LastLine, b.Rows, b.Status, b.Error)
		}
		w.Flush()
	}
	if len(s.Issues) > 0 {
		fmt.Fprintf(out, "  issues (%d shown of %d):\n", len(s.Issues), s.ErrorCount)
		for _, is := range s.Issues {
			fmt.Fprintf(out, "    %s\n", is)
		}
	}
}
