// Command censusctl drives the rounder census workflow from the shell: build a
// roster, count new patients, designate and distribute them, then inspect or
// export the result.
package main

import (
	"censuscore/internal/core"
	"censuscore/internal/logging"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var exitFunc = os.Exit

type storeOptions struct {
	Driver      string `long:"driver" env:"CENSUSCORE_STORAGE_DRIVER" default:"sqlite" choice:"memory" choice:"sqlite" choice:"postgres" description:"Storage backend"`
	SQLitePath  string `long:"sqlite-path" env:"CENSUSCORE_SQLITE_PATH" default:"censuscore.db" description:"Path to the sqlite database file"`
	PostgresDSN string `long:"postgres-dsn" env:"CENSUSCORE_POSTGRES_DSN" description:"PostgreSQL connection string"`
}

type options struct {
	Store   storeOptions   `group:"Storage" namespace:"store"`
	Log     logging.Config `group:"Logging" namespace:"log" env-namespace:"CENSUSCORE_LOG"`
	Metrics string         `long:"metrics-textfile" env:"CENSUSCORE_METRICS_TEXTFILE" description:"Write Prometheus metrics to this file after each command"`
}

// app carries the state shared by every subcommand for one invocation.
type app struct {
	opts   options
	stdout io.Writer
	logger *zap.Logger
	svc    *core.Service
}

func main() {
	exitFunc(cli(os.Args[1:], os.Stdout, os.Stderr))
}

func cli(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout}
	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "censusctl"
	if err := a.register(parser); err != nil {
		_, _ = fmt.Fprintf(stderr, "censusctl: %v\n", err)
		return 1
	}
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		return a.run(cmd, args)
	}

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				_, _ = fmt.Fprintln(stdout, flagsErr.Message)
				return 0
			}
			_, _ = fmt.Fprintf(stderr, "censusctl: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "censusctl: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) register(parser *flags.Parser) error {
	commands := []struct {
		name, short, long string
		data              flags.Commander
	}{
		{"roster", "Build a distribution from a roster", "Build a new distribution from a YAML roster file, or carry the current roster forward.", &rosterCmd{app: a}},
		{"current", "Show the current distribution", "Print a one-line summary of the most recently built distribution.", &currentCmd{app: a}},
		{"count", "Create patients", "Record how many new patients arrived for a distribution.", &countCmd{app: a}},
		{"designate", "Designate and distribute patients", "Flag patients as CCU or COVID and assign every patient to the least loaded provider.", &designateCmd{app: a}},
		{"reset", "Undo a designation", "Restore starting census and clear designations so patients can be designated again.", &resetCmd{app: a}},
		{"show", "Show a distribution", "Print a distribution's providers and patients.", &showCmd{app: a}},
		{"export", "Export a designated distribution", "Write CSV and JSON assignment sheets to blob storage.", &exportCmd{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			return err
		}
	}
	return nil
}

// run opens storage and observability for one command and tears them down after.
func (a *app) run(cmd flags.Commander, args []string) error {
	logger, err := logging.New(a.opts.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	defer func() { _ = logger.Sync() }()

	store, err := core.OpenStorage(core.StorageConfig{
		Driver:      core.StorageDriver(a.opts.Store.Driver),
		SQLitePath:  a.opts.Store.SQLitePath,
		PostgresDSN: a.opts.Store.PostgresDSN,
	}, core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer func() {
			if cerr := closer.Close(); cerr != nil {
				logger.Warn("close storage", zap.Error(cerr))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	a.svc = core.NewService(store,
		core.WithLogger(logger),
		core.WithAuditRecorder(core.NewLoggingAuditRecorder(logger)),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(reg)),
	)

	runErr := cmd.Execute(args)
	if a.opts.Metrics != "" {
		if err := prometheus.WriteToTextfile(a.opts.Metrics, reg); err != nil {
			logger.Warn("write metrics textfile", zap.String("path", a.opts.Metrics), zap.Error(err))
		}
	}
	return runErr
}

// resolve returns the distribution named by id, or the current one.
func (a *app) resolve(ctx context.Context, id string) (core.Distribution, error) {
	if id == "" {
		return a.svc.CurrentDistribution(ctx)
	}
	return a.svc.GetDistribution(ctx, id)
}
