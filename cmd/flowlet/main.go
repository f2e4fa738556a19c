package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowlet/flowlet/internal/engine"
	"github.com/flowlet/flowlet/internal/logging"
	"github.com/flowlet/flowlet/internal/registry"
	"github.com/flowlet/flowlet/internal/scheduler"
	"github.com/flowlet/flowlet/internal/validation"
	"github.com/flowlet/flowlet/pkg/mcpserver"
)

const usage = `flowlet - declarative workflow interpreter for coding agents

Usage:
  flowlet validate -file <workflow.yaml>
  flowlet run -file <workflow.yaml> -workflow <name> [-input '{"k":"v"}']
  flowlet schedule -file <workflow.yaml> -workflow <name> -cron <expr> [-input '{"k":"v"}']
  flowlet serve [-file <workflow.yaml>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "schedule":
		err = cmdSchedule(cfg, logger, os.Args[2:])
	case "serve":
		err = cmdServe(cfg, logger, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("file", "", "workflow definition file")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("validate: -file is required")
	}

	source, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	_, res := validation.Parse(source)
	if !res.Success {
		for _, msg := range res.Messages() {
			fmt.Fprintln(os.Stderr, msg)
		}
		return fmt.Errorf("%s: %d validation errors", *file, len(res.Errors))
	}
	fmt.Println("ok")
	return nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("file", "", "workflow definition file")
	workflow := fs.String("workflow", "", "workflow name to run")
	input := fs.String("input", "", "workflow input as JSON")
	_ = fs.Parse(args)
	if *file == "" || *workflow == "" {
		return fmt.Errorf("run: -file and -workflow are required")
	}

	runner, err := buildRunner(cfg, logger, *file)
	if err != nil {
		return err
	}
	in, err := parseInput(*input)
	if err != nil {
		return err
	}

	// Without a model host only code steps can run; agent steps fail with a
	// configuration error, which is the honest answer for a bare CLI run.
	host := &engine.HostContext{Logger: logger}

	res, err := runner.Execute(context.Background(), *workflow, in, host)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(res.Output, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	logger.Info("run finished",
		slog.String("run_id", res.RunID),
		slog.Duration("duration", res.Duration))
	return nil
}

func cmdSchedule(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	file := fs.String("file", "", "workflow definition file")
	workflow := fs.String("workflow", "", "workflow name to run")
	cronExpr := fs.String("cron", "", "cron expression (5-field)")
	input := fs.String("input", "", "workflow input as JSON")
	_ = fs.Parse(args)
	if *file == "" || *workflow == "" || *cronExpr == "" {
		return fmt.Errorf("schedule: -file, -workflow and -cron are required")
	}

	runner, err := buildRunner(cfg, logger, *file)
	if err != nil {
		return err
	}
	in, err := parseInput(*input)
	if err != nil {
		return err
	}

	host := &engine.HostContext{Logger: logger}
	sched := scheduler.New(runnerAdapter{runner: runner, host: host}, logger)
	if err := sched.Add(*workflow, *cronExpr, *workflow, in); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sched.Stop()
	return nil
}

func cmdServe(cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	file := fs.String("file", "", "optional workflow definition file")
	_ = fs.Parse(args)

	opts := engineOptions(cfg, logger)

	var runner *engine.Runner
	if *file != "" {
		var err error
		runner, err = buildRunner(cfg, logger, *file)
		if err != nil {
			return err
		}
	}

	reg, err := registry.NewLibSQLRegistry(cfg.DBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reg.Migrate(ctx); err != nil {
		return err
	}

	service := mcpserver.NewService(mcpserver.ServiceDeps{
		Runner:   runner,
		Registry: reg,
		Options:  opts,
		Host:     &engine.HostContext{Logger: logger},
		Logger:   logger,
	})

	srv := mcpserver.NewFlowServer(mcpserver.FlowServerDeps{Service: service, Logger: logger})
	logger.Info("mcp server listening on stdio", slog.String("db_path", cfg.DBPath))
	return srv.Serve(ctx)
}

func buildRunner(cfg Config, logger *slog.Logger, file string) (*engine.Runner, error) {
	source, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return engine.NewFromSource(source, engineOptions(cfg, logger))
}

func engineOptions(cfg Config, logger *slog.Logger) engine.Options {
	return engine.Options{
		Model:                    cfg.Model,
		AllowUnsafeCodeExecution: cfg.AllowUnsafe,
		UnsafeConditionEngine:    cfg.ConditionEngine,
		Logger:                   logger,
	}
}

func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("invalid -input JSON: %w", err)
	}
	return in, nil
}

// runnerAdapter satisfies scheduler.WorkflowRunner with a fixed host.
type runnerAdapter struct {
	runner *engine.Runner
	host   *engine.HostContext
}

func (a runnerAdapter) Run(ctx context.Context, workflowID string, input map[string]any) (any, error) {
	return a.runner.Run(ctx, workflowID, input, a.host)
}
