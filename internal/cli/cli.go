package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/faqeel/sparkify-pipeline/internal/config"
	internal_http "github.com/faqeel/sparkify-pipeline/internal/http"
	"github.com/faqeel/sparkify-pipeline/internal/log"
	"github.com/faqeel/sparkify-pipeline/internal/objectstore"
	internal_storage "github.com/faqeel/sparkify-pipeline/internal/storage"
	"github.com/faqeel/sparkify-pipeline/internal/tracing"
	internal_warehouse "github.com/faqeel/sparkify-pipeline/internal/warehouse"
	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/service"
	"github.com/faqeel/sparkify-pipeline/pkg/sparkify"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is reported on spans and by the version command.
var Version = "0.1.0"

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Config file path or URL (defaults to $SPARKIFY_CONFIG)")
	rootCmd.PersistentFlags().String("db", "", "Run-state database connection string (overrides DATABASE_URL)")
	rootCmd.SilenceUsage = true

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for a logical date",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			logicalDate, err := internal_http.ParseLogicalDate(date)
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				run, err := a.runs.Trigger(ctx, a.graph, logicalDate)
				if run.ID != 0 {
					printRun(cmd.OutOrStdout(), run)
				}
				return err
			})
		},
	}
	runCmd.Flags().String("date", "", "Logical date, RFC3339 or YYYY-MM-DD (defaults to the current hour)")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Trigger runs on the pipeline schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				sched, err := service.NewScheduler(a.runs, a.graph)
				if err != nil {
					return err
				}
				return sched.Run(ctx, a.cfg.PollInterval)
			})
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP status and trigger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.HTTPAddr
				}
				return internal_http.StartServer(ctx, addr, a.runs, a.graph)
			})
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (defaults to HTTP_ADDR)")

	initWarehouseCmd := &cobra.Command{
		Use:   "init-warehouse",
		Short: "Create the staging and star-schema tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			wh, err := internal_warehouse.Open(ctx, cfg.Warehouse)
			if err != nil {
				return err
			}
			defer wh.Close()
			if err := sparkify.CreateTables(ctx, wh); err != nil {
				log.GetLogger().Errorf("Failed to create tables: %v", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d tables\n", len(sparkify.Schema))
			return nil
		},
	}

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the pipeline tasks and their upstream dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Building the graph never touches the warehouse.
			g, err := sparkify.New(cfg.Pipeline, sparkify.Dependencies{
				Warehouse: memory.New(),
				Secrets:   cfg.Resolver(),
			})
			if err != nil {
				return err
			}
			printGraph(cmd.OutOrStdout(), g)
			return nil
		},
	}

	runsCmd := &cobra.Command{Use: "runs", Short: "Inspect and update recorded runs"}
	runsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all runs",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, false, func(ctx context.Context, a *app) error {
					runs, err := a.runs.ListRuns()
					if err != nil {
						log.GetLogger().Errorf("Failed to list runs: %v", err)
						return errors.Wrap(err, "failed to list runs")
					}
					printRuns(cmd.OutOrStdout(), runs)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show [id]",
			Short: "Show a run with its task runs and execution log",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withApp(cmd, false, func(ctx context.Context, a *app) error {
					run, err := a.runs.GetRun(id)
					if err != nil {
						return errors.Wrapf(err, "failed to get run %d", id)
					}
					logs, err := a.runs.ExecutionLogs(id)
					if err != nil {
						return errors.Wrapf(err, "failed to get execution logs of run %d", id)
					}
					printRun(cmd.OutOrStdout(), run)
					printLogs(cmd.OutOrStdout(), logs)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "update [id] [status]",
			Short: "Update a run's status",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				status := argValue(args[1])
				return withApp(cmd, false, func(ctx context.Context, a *app) error {
					if err := a.runs.UpdateRunStatus(id, status); err != nil {
						log.GetLogger().Errorf("Failed to update run status: %v", err)
						return errors.Wrap(err, "failed to update run status")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Updated the status of run %d to '%s'\n", id, strings.ToUpper(status))
					return nil
				})
			},
		},
	)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}

	rootCmd.AddCommand(runCmd, scheduleCmd, serveCmd, initWarehouseCmd, graphCmd, runsCmd, versionCmd)
}

// app holds what the run-state commands share.
type app struct {
	cfg   config.Config
	store *internal_storage.PostgresStore
	runs  *service.RunService
	graph *graph.Graph
}

// withApp loads configuration, opens the run-state store and, when
// pipeline is set, the warehouse, object store and tracing. fn runs with a
// context cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, pipeline bool, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.GetLogger().Debugf("Opening run-state store")
	store, err := internal_storage.InitStore(cfg.DatabaseURL)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		return err
	}
	defer store.Close()

	a := &app{cfg: cfg, store: store}
	opts := []service.Option{
		service.WithWorkers(cfg.Workers),
		service.WithVars(cfg.Vars),
		service.WithNotifier(NewLogNotifier(log.GetLogger())),
	}

	if pipeline {
		if cfg.Tracing.Enabled {
			shutdown, err := tracing.Init("sparkify", Version, cfg.Tracing.Output)
			if err != nil {
				return errors.Wrap(err, "failed to initialize tracing")
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					log.GetLogger().Errorf("Failed to flush traces: %v", err)
				}
			}()
		}
		wh, err := internal_warehouse.Open(ctx, cfg.Warehouse)
		if err != nil {
			log.GetLogger().Errorf("Failed to open warehouse: %v", err)
			return err
		}
		defer wh.Close()
		g, err := buildGraph(ctx, cfg, wh)
		if err != nil {
			return err
		}
		a.graph = g
	}

	a.runs = service.NewRunService(store, log.ForGraph(sparkify.GraphName), opts...)
	return fn(ctx, a)
}

func buildGraph(ctx context.Context, cfg config.Config, wh warehouse.Warehouse) (*graph.Graph, error) {
	deps := sparkify.Dependencies{Warehouse: wh, Secrets: cfg.Resolver()}
	if cfg.ObjectStore.Enabled() {
		lister, err := objectstore.NewLister(cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		if bucket := cfg.Vars[sparkify.BucketVar]; bucket != "" {
			if err := lister.CheckBucket(ctx, bucket); err != nil {
				return nil, err
			}
		}
		deps.Objects = lister
	}
	return sparkify.New(cfg.Pipeline, deps)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	location, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd.Context(), location)
	if err != nil {
		log.GetLogger().Errorf("Failed to load config: %v", err)
		return config.Config{}, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabaseURL = db
	}
	log.Configure(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// argValue accepts both "value" and "key=value".
func argValue(arg string) string {
	if i := strings.IndexByte(arg, '='); i >= 0 {
		return arg[i+1:]
	}
	return arg
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(argValue(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid run id %q", arg)
	}
	return id, nil
}

func printRuns(w io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found.\n")
		return
	}
	fmt.Fprintf(w, "Runs:\n")
	for _, r := range runs {
		fmt.Fprintf(w, "- ID: %d, Graph: %s, Logical date: %s, Status: %s, Created: %s\n",
			r.ID, r.GraphName, r.LogicalDate.Format(time.RFC3339), r.Status, r.CreatedAt.Format(time.RFC3339))
	}
}

func printRun(w io.Writer, r models.Run) {
	fmt.Fprintf(w, "Run %d (%s) of %s for %s: %s\n",
		r.ID, r.RunKey, r.GraphName, r.LogicalDate.Format(time.RFC3339), r.Status)
	for _, t := range r.Tasks {
		line := fmt.Sprintf("  %-30s %-16s attempts=%d/%d", t.ID, t.Status, t.Attempts, t.Retries+1)
		if t.ErrorMsg != "" {
			line += " error=" + t.ErrorMsg
		}
		fmt.Fprintln(w, line)
	}
}

func printLogs(w io.Writer, logs []models.ExecutionLog) {
	if len(logs) == 0 {
		return
	}
	fmt.Fprintf(w, "Execution log:\n")
	for _, l := range logs {
		fmt.Fprintf(w, "  %s %s try=%d %s %s\n",
			l.LoggedAt.Format(time.RFC3339), l.TaskID, l.Attempt, l.Status, l.Message)
	}
}

func printGraph(w io.Writer, g *graph.Graph) {
	s := g.Settings()
	fmt.Fprintf(w, "Graph %s (owner=%s, schedule=%s, retries=%d, retry_delay=%s, catchup=%t)\n",
		g.Name(), s.Owner, s.Schedule, s.Retries, s.RetryDelay, s.Catchup)
	for _, name := range g.TopologicalOrder() {
		up := g.Upstream(name)
		if len(up) == 0 {
			fmt.Fprintf(w, "  %s\n", name)
			continue
		}
		fmt.Fprintf(w, "  %s <- %s\n", name, strings.Join(up, ", "))
	}
}

// LogNotifier reports retries through the logger. Email delivery is not
// wired; email_on_retry only raises the log level.
type LogNotifier struct {
	logger logrus.FieldLogger
}

func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyRetry(ctx context.Context, run models.Run, task string, attempt int, err error) {
	n.logger.WithFields(logrus.Fields{
		"graph":   run.GraphName,
		"run_id":  run.ID,
		"task":    task,
		"attempt": attempt,
	}).Warnf("Task %s will be retried: %v", task, err)
}
