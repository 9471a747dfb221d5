package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/price-backfill/internal/apperror"
	"github.com/ahmethakanbesel/price-backfill/internal/backfill"
	"github.com/ahmethakanbesel/price-backfill/internal/joblog"
	"github.com/ahmethakanbesel/price-backfill/internal/source"
)

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create, inspect and control backfill jobs",
	}
	cmd.AddCommand(
		c.createFullCmd(),
		c.createRangeCmd(),
		c.listCmd(),
		c.statsCmd(),
		c.getCmd(),
		c.logsCmd(),
		c.runCmd(),
		c.controlCmd("pause", "Pause a running job at the next unit boundary", func(m *backfill.Manager) func(context.Context, string) error { return m.PauseJob }),
		c.controlCmd("resume", "Queue a paused job to continue from its checkpoint", func(m *backfill.Manager) func(context.Context, string) error { return m.ResumeJob }),
		c.controlCmd("cancel", "Cancel a pending, running or paused job", func(m *backfill.Manager) func(context.Context, string) error { return m.CancelJob }),
		c.controlCmd("delete", "Delete a finished job and its logs", func(m *backfill.Manager) func(context.Context, string) error { return m.DeleteJob }),
	)
	return cmd
}

// withApp opens the service graph for the duration of fn.
func (c *cli) withApp(fn func(a *app) error) error {
	a, err := newApp(c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (c *cli) createFullCmd() *cobra.Command {
	var (
		src, types, user string
		days             int
	)
	cmd := &cobra.Command{
		Use:   "create-full",
		Short: "Create a job importing the last N days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(func(a *app) error {
				id, err := resolveSource(cmd.Context(), a.sources, src)
				if err != nil {
					return err
				}
				jobID, err := a.manager.CreateFullHistoricalJob(cmd.Context(), id,
					backfill.FullHistoricalConfig{Days: days, Types: parseTypes(types)}, user)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), jobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&src, "source", "", "source id or name")
	cmd.Flags().IntVar(&days, "days", backfill.MaxDays, "number of days ending today")
	cmd.Flags().StringVar(&types, "types", "all", `"all" or comma-separated external codes`)
	cmd.Flags().StringVar(&user, "user", "cli", "recorded as createdBy")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func (c *cli) createRangeCmd() *cobra.Command {
	var src, types, user, from, to string
	cmd := &cobra.Command{
		Use:   "create-range",
		Short: "Create a job importing an inclusive date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(func(a *app) error {
				id, err := resolveSource(cmd.Context(), a.sources, src)
				if err != nil {
					return err
				}
				jobID, err := a.manager.CreateDateRangeJob(cmd.Context(), id,
					backfill.DateRangeConfig{StartDate: from, EndDate: to, Types: parseTypes(types)}, user)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), jobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&src, "source", "", "source id or name")
	cmd.Flags().StringVar(&from, "from", "", "start date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "end date, YYYY-MM-DD")
	cmd.Flags().StringVar(&types, "types", "all", `"all" or comma-separated external codes`)
	cmd.Flags().StringVar(&user, "user", "cli", "recorded as createdBy")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var (
		status, jobType, src string
		limit, offset        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(func(a *app) error {
				req := backfill.ListJobsRequest{
					Status:  backfill.Status(status),
					JobType: backfill.JobType(jobType),
					Limit:   limit,
					Offset:  offset,
				}
				if src != "" {
					id, err := resolveSource(cmd.Context(), a.sources, src)
					if err != nil {
						return err
					}
					req.SourceID = id
				}
				jobs, total, err := a.manager.ListJobs(cmd.Context(), req)
				if err != nil {
					return err
				}
				renderJobs(cmd.OutOrStdout(), jobs, total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().StringVar(&src, "source", "", "filter by source id or name")
	cmd.Flags().IntVar(&limit, "limit", backfill.DefaultListLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(func(a *app) error {
				stats, err := a.manager.GetJobStats(cmd.Context())
				if err != nil {
					return err
				}
				renderStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				j, err := a.manager.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(j)
			})
		},
	}
}

func (c *cli) logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the newest log entries of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				entries, err := a.manager.JobLogs(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				renderLogs(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries")
	return cmd
}

// runCmd executes a job in the foreground instead of waiting for a worker.
func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a pending job in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				if err := a.executor.Execute(cmd.Context(), args[0]); err != nil {
					return err
				}
				j, err := a.manager.GetJob(context.WithoutCancel(cmd.Context()), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d processed, %d succeeded, %d failed, %d skipped, %d records\n",
					j.ID, j.Status, j.ItemsProcessed, j.ItemsSucceeded, j.ItemsFailed, j.ItemsSkipped, j.RecordsInserted)
				return nil
			})
		},
	}
}

func (c *cli) controlCmd(name, short string, op func(*backfill.Manager) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *app) error {
				if err := op(a.manager)(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], name)
				return nil
			})
		},
	}
}

// resolveSource accepts a numeric id or a source name.
func resolveSource(ctx context.Context, repo source.Repository, v string) (int64, error) {
	if id, err := strconv.ParseInt(v, 10, 64); err == nil {
		return id, nil
	}
	src, err := repo.GetSourceByName(ctx, v)
	if errors.Is(err, source.ErrNotFound) {
		return 0, apperror.Wrap(err, apperror.NotFound, "source %q not found", v)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve source: %w", err)
	}
	return src.ID, nil
}

func parseTypes(v string) backfill.Types {
	if strings.TrimSpace(v) == "" || strings.EqualFold(strings.TrimSpace(v), "all") {
		return backfill.AllTypes()
	}
	var codes []string
	for _, c := range strings.Split(v, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	return backfill.TypeCodes(codes...)
}

func renderJobs(w io.Writer, jobs []backfill.Job, total int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Type", "Source", "Status", "Progress", "Processed", "Failed", "Records", "Created"})
	for _, j := range jobs {
		t.AppendRow(table.Row{
			j.ID,
			j.JobType,
			j.SourceID,
			j.Status,
			fmt.Sprintf("%d%%", j.ProgressPercent),
			fmt.Sprintf("%d/%d", j.ItemsProcessed, j.TotalItems),
			j.ItemsFailed,
			j.RecordsInserted,
			j.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()
}

func renderStats(w io.Writer, s *backfill.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Status", "Jobs"})
	for _, st := range slices.Concat(backfill.ActiveStatuses, backfill.TerminalStatuses) {
		t.AppendRow(table.Row{st, s.ByStatus[st]})
	}
	t.AppendFooter(table.Row{"Total", s.TotalJobs})
	t.Render()
	_, _ = fmt.Fprintf(w, "records inserted: %d\n", s.TotalRecordsInserted)
}

func renderLogs(w io.Writer, entries []joblog.Entry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Level", "Message", "Details"})
	for _, e := range entries {
		details := ""
		if len(e.Details) > 0 {
			b, _ := json.Marshal(e.Details)
			details = string(b)
		}
		t.AppendRow(table.Row{e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Message, details})
	}
	t.Render()
}
