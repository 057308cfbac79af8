// Command capitalkernel is the operator CLI for the kernel: it owns run
// lifecycle transitions, database schema application, and audit log
// emission/verification. It never drives a trading loop itself — that is
// the orchestrator's job, embedded in whatever long-running process wires
// it to a market-data feed and a broker adapter.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"capitalkernel/internal/armstate"
	"capitalkernel/internal/audit"
	"capitalkernel/internal/backtest"
	"capitalkernel/internal/config"
	"capitalkernel/internal/core"
	"capitalkernel/internal/errkind"
	"capitalkernel/internal/lifecycle"
	"capitalkernel/internal/store"
	"capitalkernel/pkg/logging"
	"capitalkernel/pkg/telemetry"
)

// Build-time metadata, set via -ldflags, matching the teacher's live_server
// version/buildTime convention.
var (
	version = "dev"
	gitHash = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	tel, telErr := telemetry.Setup("capitalkernel")
	if telErr == nil {
		defer tel.Shutdown(context.Background())
	}

	var err error
	switch args[0] {
	case "run":
		err = runGroup(args[1:])
	case "db":
		err = dbGroup(args[1:])
	case "audit":
		err = auditGroup(args[1:])
	case "-version", "--version":
		fmt.Printf("capitalkernel version %s (git %s)\n", version, gitHash)
		return 0
	default:
		usage()
		return 2
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
	return errkind.ExitCode(err)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  capitalkernel run start --engine NAME --mode BACKTEST|PAPER|LIVE --config PATH --run-id ID
  capitalkernel run arm --run-id ID --config PATH [--confirm "ARM LIVE XXXX N.NN"] [--account-last4 XXXX]
  capitalkernel run begin --run-id ID --config PATH
  capitalkernel run stop --run-id ID --config PATH
  capitalkernel run halt --run-id ID --config PATH
  capitalkernel run heartbeat --run-id ID --config PATH
  capitalkernel db migrate --config PATH [--yes]
  capitalkernel audit emit --run-id ID --config PATH --topic TOPIC --event-type TYPE --payload JSON
  capitalkernel audit verify --run-id ID --config PATH`)
}

func runGroup(args []string) error {
	if len(args) == 0 {
		usage()
		return errkind.New(errkind.ValidationError, "missing run subcommand", nil)
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "arm":
		return runArm(args[1:])
	case "begin":
		return runTransition(args[1:], "begin", core.RunRunning)
	case "stop":
		return runTransition(args[1:], "stop", core.RunStopped)
	case "halt":
		return runTransition(args[1:], "halt", core.RunHalted)
	case "heartbeat":
		return runHeartbeat(args[1:])
	default:
		usage()
		return errkind.New(errkind.ValidationError, "unknown run subcommand:"+args[0], nil)
	}
}

func openStoreAndLogger(cfgPath string) (*config.Config, store.Store, *logging.ZapLogger, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, nil, errkind.New(errkind.ValidationError, "config load failed", err)
	}
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, nil, nil, errkind.New(errkind.Unreachable, "logger init failed", err)
	}

	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort != 0 {
		telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort, logger).Start()
	}

	st, err := openStore(cfg.App.DatabaseURL)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, err
	}
	return cfg, st, logger, nil
}

// openStore selects the backend by URL scheme: "postgres://"/"postgresql://"
// for the live deployment, anything else is treated as a SQLite file path
// for local/backtest use. Neither Store implementation needs a third
// variant, so a scheme check is sufficient without a config flag of its own.
func openStore(databaseURL string) (store.Store, error) {
	ctx := context.Background()
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		st, err := store.NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := store.NewSQLiteStore(databaseURL)
	if err != nil {
		return nil, errkind.New(errkind.Unreachable, "sqlite-open-failed", err)
	}
	return st, nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("run start", flag.ContinueOnError)
	engine := fs.String("engine", "", "engine id, must match the config's app.engine_id")
	mode := fs.String("mode", "", "BACKTEST, PAPER, or LIVE, must match the config's app.mode")
	cfgPath := fs.String("config", "", "path to the engine config file")
	runID := fs.String("run-id", "", "unique id for the new run")
	if err := fs.Parse(args); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *engine == "" || *mode == "" || *cfgPath == "" || *runID == "" {
		return errkind.New(errkind.ValidationError, "run start requires --engine --mode --config --run-id", nil)
	}

	cfg, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	if *engine != cfg.App.EngineID {
		return errkind.New(errkind.ValidationError, "--engine does not match config app.engine_id", nil)
	}
	if *mode != cfg.App.Mode {
		return errkind.New(errkind.ValidationError, "--mode does not match config app.mode", nil)
	}
	eng, ok := cfg.Engines[cfg.App.EngineID]
	if !ok {
		return errkind.New(errkind.ValidationError, "engine not present in config", nil)
	}

	ctx := context.Background()
	if err := st.UpsertEngine(ctx, cfg.App.EngineID, eng.DisplayName, eng.AllocationCapMicros); err != nil {
		return err
	}

	rawConfig, err := os.ReadFile(*cfgPath)
	if err != nil {
		return errkind.New(errkind.ValidationError, "config file unreadable", err)
	}
	configHash := core.DeterministicHash(string(rawConfig))
	hostFingerprint, err := os.Hostname()
	if err != nil {
		hostFingerprint = "unknown"
	}

	newRun := core.Run{
		RunID: *runID, EngineID: cfg.App.EngineID, Mode: core.RunMode(*mode), Status: core.RunCreated,
		ConfigHash: configHash, GitHash: gitHash, HostFingerprint: hostFingerprint,
	}
	if err := st.CreateRun(ctx, newRun); err != nil {
		return err
	}

	if cfg.App.RunDir != "" {
		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return errkind.New(errkind.Unreachable, "config not marshalable", err)
		}
		manifest := backtest.Manifest{
			GitHash: gitHash, ConfigHash: configHash, HostFingerprint: hostFingerprint,
			ConfigJSON: configJSON, DataVersions: map[string]string{},
		}
		runDir := filepath.Join(cfg.App.RunDir, *runID)
		if err := backtest.WriteArtifacts(runDir, backtest.Result{Manifest: manifest}); err != nil {
			return errkind.New(errkind.Unreachable, "run directory scaffold failed", err)
		}
	}

	logger.Info("run created", "run_id", *runID, "engine_id", cfg.App.EngineID, "mode", *mode, "config_hash", configHash)
	return nil
}

func runArm(args []string) error {
	fs := flag.NewFlagSet("run arm", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run to arm")
	cfgPath := fs.String("config", "", "path to the engine config file")
	confirm := fs.String("confirm", "", `required for LIVE: "ARM LIVE <account_last4> <daily_loss_limit>"`)
	accountLast4 := fs.String("account-last4", "", "last 4 digits of the broker account, required for LIVE")
	if err := fs.Parse(args); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *runID == "" || *cfgPath == "" {
		return errkind.New(errkind.ValidationError, "run arm requires --run-id --config", nil)
	}

	cfg, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	rawConfig, err := os.ReadFile(*cfgPath)
	if err != nil {
		return errkind.New(errkind.ValidationError, "config file unreadable", err)
	}
	configHash := core.DeterministicHash(string(rawConfig))

	dailyLossLimit := core.Money(cfg.Risk.DailyLossLimitMicros)

	now := time.Now().UTC()
	req := lifecycle.ArmRequest{
		RunID:               *runID,
		EffectiveConfigHash: configHash,
		SecretsScanClean:    true, // LoadConfig already ran scanForLiteralSecrets; reaching here means it passed
		DailyLossLimit:      dailyLossLimit,
		MaxDrawdown:         cfg.Risk.MaxDrawdown,
		FreshnessBound:      time.Duration(cfg.Reconcile.FreshnessBoundSeconds) * time.Second,
		LiveConfirmation:    *confirm,
		AccountLast4:        *accountLast4,
	}
	ctx := context.Background()
	if err := lifecycle.ArmPreflight(ctx, st, req, now); err != nil {
		return err
	}
	if err := armstate.Arm(ctx, st, now); err != nil {
		return err
	}

	logger.Info("run armed", "run_id", *runID)
	return nil
}

func runTransition(args []string, verb string, to core.RunStatus) error {
	fs := flag.NewFlagSet("run "+verb, flag.ContinueOnError)
	runID := fs.String("run-id", "", "run to transition")
	cfgPath := fs.String("config", "", "path to the engine config file")
	if err := fs.Parse(args); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *runID == "" || *cfgPath == "" {
		return errkind.New(errkind.ValidationError, "run "+verb+" requires --run-id --config", nil)
	}

	_, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	ctx := context.Background()
	now := time.Now().UTC()
	switch to {
	case core.RunRunning:
		err = lifecycle.Begin(ctx, st, *runID, now)
	case core.RunStopped:
		err = lifecycle.Stop(ctx, st, *runID, now)
	case core.RunHalted:
		err = lifecycle.Halt(ctx, st, *runID, now)
	}
	if err != nil {
		return err
	}

	logger.Info("run transitioned", "run_id", *runID, "to", string(to))
	return nil
}

func runHeartbeat(args []string) error {
	fs := flag.NewFlagSet("run heartbeat", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run to stamp")
	cfgPath := fs.String("config", "", "path to the engine config file")
	if err := fs.Parse(args); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *runID == "" || *cfgPath == "" {
		return errkind.New(errkind.ValidationError, "run heartbeat requires --run-id --config", nil)
	}

	_, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	if err := armstate.Heartbeat(context.Background(), st, *runID, time.Now().UTC()); err != nil {
		return err
	}
	logger.Info("run heartbeat stamped", "run_id", *runID)
	return nil
}

func dbGroup(args []string) error {
	if len(args) == 0 || args[0] != "migrate" {
		usage()
		return errkind.New(errkind.ValidationError, "db requires the migrate subcommand", nil)
	}

	fs := flag.NewFlagSet("db migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to the engine config file")
	yes := fs.Bool("yes", false, "proceed even if a LIVE run is ARMED or RUNNING")
	if err := fs.Parse(args[1:]); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *cfgPath == "" {
		return errkind.New(errkind.ValidationError, "db migrate requires --config", nil)
	}

	_, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	ctx := context.Background()
	live, err := st.LiveRunsArmedOrRunning(ctx)
	if err != nil {
		return err
	}
	if len(live) > 0 && !*yes {
		return errkind.New(errkind.PreconditionFailed, "live-run-active:"+strconv.Itoa(len(live))+"-runs; rerun with --yes", nil)
	}

	// NewPostgresStore/NewSQLiteStore already applied the schema on
	// connect (see DESIGN.md); opening the store above is the migration.
	logger.Info("schema up to date", "live_runs_armed_or_running", len(live))
	return nil
}

func auditGroup(args []string) error {
	if len(args) == 0 {
		usage()
		return errkind.New(errkind.ValidationError, "audit requires a subcommand", nil)
	}
	switch args[0] {
	case "emit":
		return auditEmit(args[1:])
	case "verify":
		return auditVerify(args[1:])
	default:
		usage()
		return errkind.New(errkind.ValidationError, "unknown audit subcommand:"+args[0], nil)
	}
}

func auditEmit(args []string) error {
	fs := flag.NewFlagSet("audit emit", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run the event belongs to")
	cfgPath := fs.String("config", "", "path to the engine config file")
	topic := fs.String("topic", "", "event topic, e.g. \"gateway\"")
	eventType := fs.String("event-type", "", "event type, e.g. \"intent_submitted\"")
	payload := fs.String("payload", "{}", "JSON-encoded event payload")
	if err := fs.Parse(args); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *runID == "" || *cfgPath == "" || *topic == "" || *eventType == "" {
		return errkind.New(errkind.ValidationError, "audit emit requires --run-id --config --topic --event-type", nil)
	}

	var decoded interface{}
	if err := json.Unmarshal([]byte(*payload), &decoded); err != nil {
		return errkind.New(errkind.ValidationError, "--payload is not valid JSON", err)
	}

	cfg, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	auditPath := filepath.Join(cfg.App.RunDir, *runID, "audit.jsonl")
	ctx := context.Background()
	w, err := audit.NewWriter(ctx, st, *runID, auditPath, logger)
	if err != nil {
		return err
	}

	ev, err := w.Emit(ctx, *topic, *eventType, decoded, time.Now().UTC())
	if err != nil {
		return err
	}
	logger.Info("audit event emitted", "event_id", ev.EventID, "hash_self", ev.HashSelf)
	return nil
}

func auditVerify(args []string) error {
	fs := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run to verify")
	cfgPath := fs.String("config", "", "path to the engine config file")
	if err := fs.Parse(args); err != nil {
		return errkind.New(errkind.ValidationError, "flag parse failed", err)
	}
	if *runID == "" || *cfgPath == "" {
		return errkind.New(errkind.ValidationError, "audit verify requires --run-id --config", nil)
	}

	_, st, logger, err := openStoreAndLogger(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	result, err := audit.Verify(context.Background(), st, *runID)
	if err != nil {
		return err
	}
	if !result.OK {
		return errkind.New(errkind.Corruption, "audit chain broken at index "+strconv.Itoa(result.BreakIndex)+": "+result.BreakReason, nil)
	}

	logger.Info("audit chain verified clean", "run_id", *runID)
	return nil
}
