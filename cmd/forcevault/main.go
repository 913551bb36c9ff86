// forcevault backs up and restores cloud CRM tenants through the bulk APIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thediveo/enumflag/v2"

	"github.com/forcevault/forcevault/internal/config"
	"github.com/forcevault/forcevault/internal/extract"
	"github.com/forcevault/forcevault/internal/history"
	"github.com/forcevault/forcevault/internal/incremental"
	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/orchestrator"
	"github.com/forcevault/forcevault/internal/relationships"
	"github.com/forcevault/forcevault/internal/restore"
	"github.com/forcevault/forcevault/internal/salesforce"
	"github.com/forcevault/forcevault/internal/sink"
)

// Exit codes: 0 all objects completed, 2 partial failure, 3 cancelled,
// 4 fatal configuration or connection error.
const (
	exitOK        = 0
	exitPartial   = 2
	exitCancelled = 3
	exitFatal     = 4
)

type OperationOpts enumflag.Flag

const (
	Insert OperationOpts = iota
	Upsert
	Update
)

var OperationOptsIds = map[OperationOpts][]string{
	Insert: {"insert"},
	Upsert: {"upsert"},
	Update: {"update"},
}

func (o OperationOpts) ingest() salesforce.IngestOperation {
	switch o {
	case Upsert:
		return salesforce.OperationUpsert
	case Update:
		return salesforce.OperationUpdate
	default:
		return salesforce.OperationInsert
	}
}

var (
	configPath string
	debug      bool
	quiet      bool

	cfg *config.Config

	// backup flags
	objects        []string
	recordLimit    int
	incrementalRun bool
	customWhere    string
	includeRelated bool
	priorityOnly   bool

	// restore flags
	operation       OperationOpts
	restoreObjects  []string
	dryRun          bool
	stopOnError     bool
	preserveIds     bool
	externalIDField string

	// history flags
	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:           "forcevault",
	Short:         "Tenant backup and restore through the bulk APIs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			log.SetLevel(log.DebugLevel)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up selected objects to the configured sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runBackup(ctx)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore backed-up objects into the target tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runRestore(ctx)
	},
}

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "List the tenant's queryable objects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runObjects(ctx)
	},
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the tenant's API limit consumption",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runLimits(ctx)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent backup runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runHistory(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "forcevault.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress the progress bar")

	backupCmd.Flags().StringSliceVar(&objects, "objects", nil, "Objects to back up (default: config, then all queryable)")
	backupCmd.Flags().IntVar(&recordLimit, "limit", 0, "Record limit per object (0 = unlimited)")
	backupCmd.Flags().BoolVar(&incrementalRun, "incremental", false, "Extract only records modified since the last completed backup")
	backupCmd.Flags().StringVar(&customWhere, "where", "", "Custom WHERE fragment merged into every object query")
	backupCmd.Flags().BoolVar(&includeRelated, "include-related", false, "Also back up related child records (limited backups only)")
	backupCmd.Flags().BoolVar(&priorityOnly, "priority-only", false, "Restrict related records to the priority objects")

	restoreCmd.Flags().VarP(
		enumflag.New(&operation, "operation", OperationOptsIds, enumflag.EnumCaseInsensitive),
		"operation", "o", "Write mode: insert, upsert, or update")
	restoreCmd.Flags().StringSliceVar(&restoreObjects, "objects", nil, "Objects to restore (required)")
	restoreCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview the restore without writing")
	restoreCmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Abort on the first failed object")
	restoreCmd.Flags().BoolVar(&preserveIds, "preserve-ids", false, "Assume record ids are preserved across tenants")
	restoreCmd.Flags().StringVar(&externalIDField, "external-id-field", "", "External id field for upsert")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to list")

	rootCmd.AddCommand(backupCmd, restoreCmd, objectsCmd, limitsCmd, historyCmd)
}

// signalContext cancels on SIGINT or SIGTERM. In-flight extract jobs are
// aborted best-effort; partial outputs stay on disk.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("❌ Command failed")
		os.Exit(exitFatal)
	}
}

func newClient(auth config.AuthConfig) *salesforce.Client {
	return salesforce.NewClient(auth, cfg.APIVersion, time.Duration(cfg.HTTPTimeoutSeconds)*time.Second)
}

func openHistory() (history.Store, error) {
	if cfg.HistoryDSN != "" {
		return history.OpenDB(cfg.HistoryDSN)
	}
	return history.OpenFile(cfg.OutputRoot)
}

func buildSink() sink.Sink {
	if cfg.Database != nil {
		return sink.NewTableSink(cfg.Database.DSN(), cfg.Database.RecreateTables)
	}
	return sink.NewFileSink(cfg.OutputRoot, cfg.Compress)
}

func runBackup(ctx context.Context) error {
	client := newClient(cfg.Auth)
	if err := client.Authenticate(ctx); err != nil {
		log.WithError(err).Error("❌ Authentication failed")
		os.Exit(exitFatal)
	}

	describer := salesforce.NewDescribeCache(client)
	engine := extract.NewEngine(client, describer)
	analyzer := relationships.NewAnalyzer(describer, client)

	hist, err := openHistory()
	if err != nil {
		log.WithError(err).Error("❌ Failed to open backup history")
		os.Exit(exitFatal)
	}
	defer hist.Close()

	dataSink := buildSink()
	strategy := incremental.NewStrategy(dataSink, hist, cfg.HistoryUser(), incrementalRun || cfg.Incremental)

	tasks, err := selectTasks(ctx, describer)
	if err != nil {
		log.WithError(err).Error("❌ Object selection failed")
		os.Exit(exitFatal)
	}

	var progress orchestrator.ProgressSink
	if quiet {
		progress = orchestrator.LogProgress{}
	} else {
		progress = orchestrator.NewTerminalProgress(int64(len(tasks)))
	}

	orch, err := orchestrator.New(engine, describer, strategy, analyzer, hist, orchestrator.Options{
		Parallelism:           cfg.Parallelism,
		OutputRoot:            cfg.OutputRoot,
		Sink:                  dataSink,
		RecordLimit:           pickInt(recordLimit, cfg.RecordLimit),
		Incremental:           incrementalRun || cfg.Incremental,
		CustomWhere:           pickString(customWhere, cfg.CustomWhere),
		IncludeRelated:        includeRelated || cfg.IncludeRelated,
		RelationshipDepth:     cfg.RelationshipDepth,
		PriorityOnly:          priorityOnly || cfg.PriorityOnly,
		PreserveRelationships: cfg.PreserveRelationships,
		Username:              cfg.HistoryUser(),
		Progress:              progress,
	})
	if err != nil {
		log.WithError(err).Error("❌ Invalid backup options")
		os.Exit(exitFatal)
	}

	run, err := orch.Run(ctx, tasks)
	if err != nil {
		log.WithError(err).Error("❌ Backup failed to start")
		os.Exit(exitFatal)
	}

	printRunSummary(run)

	if code := backupExitCode(run); code != exitOK {
		os.Exit(code)
	}
	return nil
}

// backupExitCode maps a run outcome to the process exit code. Skipped
// objects count as partial failure: the backup set is incomplete even
// when every other object succeeded.
func backupExitCode(run *models.BackupRun) int {
	switch {
	case run.Status == models.RunStatusCancelled:
		return exitCancelled
	case run.CountByStatus(models.TaskStatusFailed) > 0,
		run.CountByStatus(models.TaskStatusSkipped) > 0:
		return exitPartial
	}
	return exitOK
}

// selectTasks expands the object selection: explicit flags win, then the
// config list, then every queryable object in the tenant.
func selectTasks(ctx context.Context, describer *salesforce.DescribeCache) ([]*models.ObjectTask, error) {
	names := objects
	if len(names) == 0 {
		names = cfg.Objects
	}
	if len(names) == 0 {
		global, err := describer.DescribeGlobal(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range global {
			if obj.Queryable {
				names = append(names, obj.Name)
			}
		}
		sort.Strings(names)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no queryable objects found")
	}

	tasks := make([]*models.ObjectTask, 0, len(names))
	for _, name := range names {
		tasks = append(tasks, &models.ObjectTask{
			ObjectName: name,
			Status:     models.TaskStatusPending,
		})
	}
	return tasks, nil
}

func printRunSummary(run *models.BackupRun) {
	completed := run.CountByStatus(models.TaskStatusCompleted)
	failed := run.CountByStatus(models.TaskStatusFailed)
	skipped := run.CountByStatus(models.TaskStatusSkipped)

	fmt.Printf("\nRun %s (%s) %s\n", run.ID, run.Kind, run.Status)
	fmt.Printf("  completed: %d  failed: %d  skipped: %d\n", completed, failed, skipped)
	fmt.Printf("  duration:  %s\n", run.EndTime.Sub(run.StartTime).Round(time.Millisecond))

	for i := range run.Results {
		r := &run.Results[i]
		if r.Status == models.TaskStatusCompleted {
			continue
		}
		line := fmt.Sprintf("  %-8s %s: %s", r.Status, r.ObjectName, r.ErrorMsg)
		if r.Hint != "" {
			line += " (" + r.Hint + ")"
		}
		fmt.Println(line)
	}
}

func runRestore(ctx context.Context) error {
	if len(restoreObjects) == 0 {
		log.Error("❌ --objects is required for restore")
		os.Exit(exitFatal)
	}

	auth := cfg.Auth
	if cfg.TargetAuth != nil {
		auth = *cfg.TargetAuth
	}
	client := newClient(auth)
	if err := client.Authenticate(ctx); err != nil {
		log.WithError(err).Error("❌ Target authentication failed")
		os.Exit(exitFatal)
	}

	describer := salesforce.NewDescribeCache(client)
	analyzer := relationships.NewAnalyzer(describer, client)

	opts := restore.Options{
		Operation:             operation.ingest(),
		BatchSize:             cfg.Restore.BatchSize,
		StopOnError:           stopOnError || cfg.Restore.StopOnError,
		ValidateBeforeRestore: cfg.Restore.ValidateBeforeRestore,
		PreserveIds:           preserveIds || cfg.Restore.PreserveIds,
		DryRun:                dryRun || cfg.Restore.DryRun,
		ExternalIDField:       pickString(externalIDField, cfg.Restore.ExternalIDField),
		DeferUnresolved:       cfg.Restore.DeferUnresolved,
		Transform:             cfg.Restore.Transform,
		OutputRoot:            cfg.OutputRoot,
	}

	source := restore.NewCSVSource(cfg.OutputRoot)
	engine, err := restore.NewEngine(client, describer, analyzer, source, opts)
	if err != nil {
		log.WithError(err).Error("❌ Invalid restore options")
		os.Exit(exitFatal)
	}

	result, err := engine.Restore(ctx, restoreObjects)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("🛑 Restore cancelled")
			os.Exit(exitCancelled)
		}
		log.WithError(err).Error("❌ Restore failed")
		os.Exit(exitFatal)
	}

	printRestoreSummary(result)

	for i := range result.Results {
		if result.Results[i].Failed > 0 || result.Results[i].Error != "" {
			os.Exit(exitPartial)
		}
	}
	return nil
}

func printRestoreSummary(result *restore.RunResult) {
	if result.DryRun {
		fmt.Printf("\nDry run %s — restore order:\n", result.RunID)
		for _, est := range result.Estimates {
			fmt.Printf("  %-30s rows: %-8d api calls: %d\n", est.Object, est.Rows, est.APICalls)
			if len(est.DeferredFields) > 0 {
				fmt.Printf("    deferred lookups: %v\n", est.DeferredFields)
			}
		}
		return
	}

	fmt.Printf("\nRestore %s\n", result.RunID)
	for i := range result.Results {
		r := &result.Results[i]
		fmt.Printf("  %-30s submitted: %-8d succeeded: %-8d failed: %-6d dropped: %-6d deferred: %d\n",
			r.Object, r.Submitted, r.Succeeded, r.Failed, r.Dropped, r.Deferred)
		if r.Error != "" {
			fmt.Printf("    error: %s\n", r.Error)
		}
	}
	if result.ErrorLog != "" {
		fmt.Printf("  failed rows logged to %s\n", result.ErrorLog)
	}
}

func runObjects(ctx context.Context) error {
	client := newClient(cfg.Auth)
	if err := client.Authenticate(ctx); err != nil {
		log.WithError(err).Error("❌ Authentication failed")
		os.Exit(exitFatal)
	}

	describer := salesforce.NewDescribeCache(client)
	global, err := describer.DescribeGlobal(ctx)
	if err != nil {
		return err
	}

	sort.Slice(global, func(i, j int) bool { return global[i].Name < global[j].Name })
	for _, obj := range global {
		marker := " "
		if !obj.Queryable {
			marker = "-"
		}
		fmt.Printf("%s %-40s %s\n", marker, obj.Name, obj.Label)
	}
	fmt.Printf("\n%d objects (- marks not queryable)\n", len(global))
	return nil
}

func runLimits(ctx context.Context) error {
	client := newClient(cfg.Auth)
	if err := client.Authenticate(ctx); err != nil {
		log.WithError(err).Error("❌ Authentication failed")
		os.Exit(exitFatal)
	}

	limits, err := client.GetLimits(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := limits[name]
		fmt.Printf("%-45s %d / %d\n", name, l.Used(), l.Max)
	}
	return nil
}

func runHistory(ctx context.Context) error {
	hist, err := openHistory()
	if err != nil {
		log.WithError(err).Error("❌ Failed to open backup history")
		os.Exit(exitFatal)
	}
	defer hist.Close()

	runs, err := hist.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no backup runs recorded")
		return nil
	}

	for i := range runs {
		run := &runs[i]
		fmt.Printf("%s  %-11s %-9s %-4s objects: %d\n",
			run.StartTime.Format(time.RFC3339), run.Status, run.Kind, run.TargetKind, len(run.Results))
	}
	return nil
}

func pickInt(flag, conf int) int {
	if flag != 0 {
		return flag
	}
	return conf
}

func pickString(flag, conf string) string {
	if flag != "" {
		return flag
	}
	return conf
}
