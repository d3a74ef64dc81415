package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/stackmetrics/chexport/internal/checkpoint"
	"github.com/stackmetrics/chexport/internal/config"
	"github.com/stackmetrics/chexport/internal/exitcodes"
	"github.com/stackmetrics/chexport/internal/logging"
	"github.com/stackmetrics/chexport/internal/orchestrator"
	"github.com/stackmetrics/chexport/internal/producer"
	"github.com/stackmetrics/chexport/internal/progress"
	"github.com/stackmetrics/chexport/internal/ranges"
	"github.com/stackmetrics/chexport/internal/sink"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "chexport",
		Usage:   "Stream ClickHouse analytics data to batch export destinations",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			return logging.Configure(c.String("log-format"), c.String("verbosity"))
		},
		After: func(c *cli.Context) error {
			logging.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Export one interval to a destination",
				Action: runExport,
				Flags: append(exportFlags(),
					&cli.StringFlag{
						Name:  "run-id",
						Usage: "Explicit run ID (default: derived from schedule and interval end)",
					},
					&cli.TimestampFlag{
						Name:     "start",
						Layout:   time.RFC3339,
						Required: true,
						Usage:    "Interval start (inclusive, RFC3339)",
					},
					&cli.TimestampFlag{
						Name:     "end",
						Layout:   time.RFC3339,
						Required: true,
						Usage:    "Interval end (exclusive, RFC3339)",
					},
				),
			},
			{
				Name:   "backfill",
				Usage:  "Export a historical span as a series of runs",
				Action: runBackfill,
				Flags: append(exportFlags(),
					&cli.TimestampFlag{
						Name:   "start",
						Layout: time.RFC3339,
						Usage:  "Backfill start (omit to start from the earliest data)",
					},
					&cli.TimestampFlag{
						Name:   "end",
						Layout: time.RFC3339,
						Usage:  "Backfill end (omit to end at scheduling time)",
					},
					&cli.DurationFlag{
						Name:  "step",
						Value: 24 * time.Hour,
						Usage: "Interval covered by each run",
					},
					&cli.StringFlag{
						Name:  "timezone",
						Value: "UTC",
						Usage: "Zone whose wall clock aligns the interval grid",
					},
				),
			},
			{
				Name:   "status",
				Usage:  "Show recent runs and their outcomes",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "backfill",
						Usage: "Only show runs belonging to one backfill",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum runs to list",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:  "destinations",
				Usage: "List available destination types",
				Action: func(c *cli.Context) error {
					for _, name := range sink.Available() {
						fmt.Println(name)
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

// exportFlags are shared by run and backfill.
func exportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "model",
			Required: true,
			Usage:    "Data model to export: events, persons or sessions",
		},
		&cli.Int64Flag{
			Name:     "team-id",
			Required: true,
			Usage:    "Team whose rows to export",
		},
		&cli.StringFlag{
			Name:     "destination",
			Aliases:  []string{"d"},
			Required: true,
			Usage:    "Destination name from the config file",
		},
		&cli.StringSliceFlag{
			Name:  "field",
			Usage: "Column to project (repeatable; default: model's standard columns)",
		},
		&cli.StringSliceFlag{
			Name:  "include-event",
			Usage: "Only export this event name (repeatable, events model only)",
		},
		&cli.StringSliceFlag{
			Name:  "exclude-event",
			Usage: "Skip this event name (repeatable, events model only)",
		},
		&cli.StringSliceFlag{
			Name:  "filter",
			Usage: "Property filter as key=value exact match (repeatable)",
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, warning, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if warning != "" {
		logging.Warn("%s", warning)
	}
	if cfg.ClickHouse.Password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "ClickHouse password for %s: ", cfg.ClickHouse.User)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		cfg.ClickHouse.Password = string(pw)
	}
	return cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM so an interrupted run records a
// final heartbeat instead of dying mid-batch.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Saving progress...")
		cancel()
	}()
	return ctx, cancel
}

func parseFilters(raw []string) ([]producer.PropertyFilter, error) {
	filters := make([]producer.PropertyFilter, 0, len(raw))
	for _, f := range raw {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q, expected key=value", f)
		}
		filters = append(filters, producer.PropertyFilter{
			Key:      key,
			Operator: "exact",
			Type:     "string",
			Value:    value,
		})
	}
	return filters, nil
}

func specFromFlags(c *cli.Context) (orchestrator.RunSpec, error) {
	filters, err := parseFilters(c.StringSlice("filter"))
	if err != nil {
		return orchestrator.RunSpec{}, err
	}
	return orchestrator.RunSpec{
		Model:         c.String("model"),
		TeamID:        c.Int64("team-id"),
		Destination:   c.String("destination"),
		Fields:        c.StringSlice("field"),
		Filters:       filters,
		IncludeEvents: c.StringSlice("include-event"),
		ExcludeEvents: c.StringSlice("exclude-event"),
	}, nil
}

func runExport(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	spec, err := specFromFlags(c)
	if err != nil {
		return err
	}
	start := c.Timestamp("start")
	end := c.Timestamp("end")
	if !end.After(*start) {
		return fmt.Errorf("end must be after start")
	}
	spec.IntervalStart = start.UTC()
	spec.IntervalEnd = end.UTC()

	spec.RunID = c.String("run-id")
	if spec.RunID == "" {
		spec.RunID = ranges.RunID(scheduleID(spec), ranges.BackfillRange{Start: start, End: end})
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	run, err := orch.ExecuteRun(ctx, spec)
	if err != nil {
		return err
	}
	logging.Info("Exported %d records to %s", run.RecordsCompleted, spec.Destination)
	return nil
}

func runBackfill(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	spec, err := specFromFlags(c)
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(c.String("timezone"))
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}
	sched := ranges.Schedule{Location: loc, Frequency: c.Duration("step")}

	start := c.Timestamp("start")
	end := c.Timestamp("end")
	if start != nil {
		aligned := sched.AlignBound(start.In(loc))
		start = &aligned
	}
	if end == nil {
		now := time.Now().In(loc)
		end = &now
	}
	if start != nil && !end.After(*start) {
		return fmt.Errorf("end must be after start")
	}

	// Materialize the schedulable intervals up front so the progress bar
	// knows its total.
	var intervals []ranges.BackfillRange
	iter := ranges.SplitBackfill(start, end, sched.Frequency)
	for {
		r, ok := iter.Next()
		if !ok {
			break
		}
		intervals = append(intervals, r)
	}
	if len(intervals) == 0 {
		logging.Info("Nothing to backfill")
		return nil
	}

	backfillID := uuid.NewString()
	spec.BackfillID = backfillID
	spec.IsBackfill = true
	spec.BackfillStart = start
	spec.BackfillEnd = end
	logging.Info("Backfill %s: %d runs of %s each", backfillID, len(intervals), sched.Frequency)

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	tracker := progress.New(len(intervals))
	reporter := progress.NewJSONReporter(os.Stderr, 5*time.Second)
	defer reporter.Close()

	started := time.Now()
	schedID := scheduleID(spec)
	var failed int
	var firstErr error
	for _, interval := range intervals {
		runSpec := spec
		runSpec.RunID = ranges.RunID(schedID, interval)
		runSpec.IntervalStart = derefOr(interval.Start, time.Time{}).UTC()
		runSpec.IntervalEnd = derefOr(interval.End, time.Now()).UTC()

		tracker.StartRun(runSpec.RunID)
		run, err := orch.ExecuteRun(ctx, runSpec)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			logging.Error("Run %s failed: %v", runSpec.RunID, err)
			if ctx.Err() != nil {
				break
			}
		}
		var records int64
		if run != nil {
			records = run.RecordsCompleted
		}
		tracker.RunDone(records)
		reporter.Report(progress.Update{
			Phase:        "backfill",
			RunsComplete: int(tracker.RunsDone()),
			RunsTotal:    len(intervals),
			RunsFailed:   failed,
			Records:      tracker.Records(),
			ProgressPct:  float64(tracker.RunsDone()) / float64(len(intervals)) * 100,
			CurrentRun:   runSpec.RunID,
		})
	}
	tracker.Finish()
	reporter.ReportImmediate(progress.Update{
		Phase:        "done",
		RunsComplete: int(tracker.RunsDone()),
		RunsTotal:    len(intervals),
		RunsFailed:   failed,
		Records:      tracker.Records(),
		ProgressPct:  100,
	})

	if n := orch.NotifyBackfillDone(backfillID, len(intervals)-failed, failed, tracker.Records(), time.Since(started)); n != nil {
		logging.Warn("Slack notification failed: %v", n)
	}
	if firstErr != nil {
		return fmt.Errorf("backfill %s: %d of %d runs failed: %w", backfillID, failed, len(intervals), firstErr)
	}
	return nil
}

var (
	statusStyles = map[string]lipgloss.Style{
		checkpoint.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		checkpoint.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		checkpoint.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		checkpoint.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func showStatus(c *cli.Context) error {
	cfg, _, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	state, err := checkpoint.New(cfg.Export.DataDir)
	if err != nil {
		return err
	}
	defer state.Close()

	runs, err := state.ListRuns(c.String("backfill"), c.Int("limit"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-42s %-10s %-10s %-12s %8s  %s",
		"Run", "Model", "Status", "Records", "Attempts", "Interval")))
	for _, r := range runs {
		style, ok := statusStyles[r.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		interval := ""
		if r.IntervalStart != nil && r.IntervalEnd != nil {
			interval = fmt.Sprintf("%s .. %s",
				r.IntervalStart.Format("2006-01-02 15:04"),
				r.IntervalEnd.Format("2006-01-02 15:04"))
		}
		fmt.Printf("%-42s %-10s %-10s %-12d %8d  %s\n",
			r.ID, r.Model, style.Render(r.Status), r.RecordsCompleted, r.Attempt, interval)
	}
	return nil
}

func scheduleID(spec orchestrator.RunSpec) string {
	return fmt.Sprintf("%s-%d-%s", spec.Model, spec.TeamID, spec.Destination)
}

func derefOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
