package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/internal/config"
	"github.com/crewkit/crewkit/internal/crew"
)

var (
	runBudget     int64
	runMaxWorkers int
	runMaxRework  int
	runModel      string
	runBedrock    bool
	runNoReview   bool
	runDebugLog   string
	runSignalDir  string
	runRolesFile  string
)

var runCmd = &cobra.Command{
	Use:   "run <work order>",
	Short: "Run a work order with a crew of role-specialized workers",
	Long: `Run a work order end to end.

The work order is decomposed into dependent subtasks, each bound to a
role (coder, reviewer, researcher, tester, or custom roles from config).
Workers execute in parallel under per-role caps and a shared token
budget; completed work is reviewed and sent back for rework when the
reviewer requests changes. The run ends with a synthesized report.

External control while running (with --signal-dir):
  touch <dir>/stop    wind the run down, let in-flight tasks finish
  touch <dir>/pause   suspend new dispatch until the file is removed`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkOrder,
}

func init() {
	runCmd.Flags().Int64Var(&runBudget, "budget", 0, "Total token budget (0 uses config)")
	runCmd.Flags().IntVar(&runMaxWorkers, "max-workers", 0, "Global ceiling on concurrent workers (0 uses config)")
	runCmd.Flags().IntVar(&runMaxRework, "max-rework", -1, "Rework attempts per task before it fails (-1 uses config)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Override the default completion model")
	runCmd.Flags().BoolVar(&runBedrock, "bedrock", false, "Route completion calls through AWS Bedrock")
	runCmd.Flags().BoolVar(&runNoReview, "no-review", false, "Disable the automatic review cycle")
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Write a debug log to this path")
	runCmd.Flags().StringVar(&runSignalDir, "signal-dir", "", "Watch this directory for stop/pause signal files")
	runCmd.Flags().StringVar(&runRolesFile, "roles", "", "Load additional role definitions from a YAML file")
}

func runWorkOrder(cmd *cobra.Command, args []string) error {
	workOrder := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg)

	roleConfigs := cfg.Roles
	if runRolesFile != "" {
		extra, err := config.LoadRolesFile(runRolesFile)
		if err != nil {
			return err
		}
		roleConfigs = append(roleConfigs, extra...)
	}
	roles, err := config.BuildRegistry(roleConfigs)
	if err != nil {
		return fmt.Errorf("build roles: %w", err)
	}

	client, err := completion.NewClient(completion.ClientConfig{
		Model:         cfg.Anthropic.Model,
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
	})
	if err != nil {
		return err
	}
	svc := completion.NewResilient(client, completion.DefaultRetryConfig())

	logger, err := crew.NewDebugLogger(cfg.Crew.DebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	var signals *crew.SignalWatcher
	if cfg.Crew.SignalDir != "" {
		signals, err = crew.NewSignalWatcher(cfg.Crew.SignalDir, logger)
		if err != nil {
			return fmt.Errorf("watch signal directory: %w", err)
		}
		defer signals.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt received, winding down...")
		cancel()
	}()

	emitter := crew.NewEventEmitter(128)
	coordinator := crew.NewCoordinator(crew.CoordinatorConfig{
		Config:  cfg,
		Roles:   roles,
		Service: svc,
		Emitter: emitter,
		Logger:  logger,
		Signals: signals,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderEvents(emitter.Events())
	}()

	report, err := coordinator.Run(ctx, workOrder)
	emitter.Close()
	wg.Wait()
	if err != nil {
		return err
	}

	printReport(report)
	if !report.Succeeded() {
		os.Exit(1)
	}
	return nil
}

// applyFlags layers CLI flags over the loaded config.
func applyFlags(cfg *config.Config) {
	if runBudget > 0 {
		cfg.Budget.Total = runBudget
	}
	if runMaxWorkers > 0 {
		cfg.Crew.MaxWorkers = runMaxWorkers
	}
	if runMaxRework >= 0 {
		cfg.Crew.MaxRework = runMaxRework
	}
	if runModel != "" {
		cfg.Anthropic.Model = runModel
	}
	if runBedrock {
		cfg.Anthropic.UseBedrock = true
	}
	if runNoReview {
		cfg.Crew.AutoReview = false
	}
	if runDebugLog != "" {
		cfg.Crew.DebugLog = runDebugLog
	}
	if runSignalDir != "" {
		cfg.Crew.SignalDir = runSignalDir
	}
}
