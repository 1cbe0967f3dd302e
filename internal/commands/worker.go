package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/danmuck/migratectl/internal/checkpoint"
	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/control"
	"github.com/danmuck/migratectl/internal/engine"
	"github.com/danmuck/migratectl/internal/server"
	"github.com/danmuck/migratectl/internal/tools"
	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"
)

// workerFlags are the per-run overrides shared by spawn and serve.
type workerFlags struct {
	entry   string
	primary string
	scratch string
	metrics string
	wasi    bool
}

func (w *workerFlags) register(f *flag.FlagSet) {
	f.StringVar(&w.entry, "entry", "", "guest export to call (default from config)")
	f.StringVar(&w.primary, "primary", "", "primary snapshot file (default from config)")
	f.StringVar(&w.scratch, "scratch", "", "scratch snapshot file (default from config)")
	f.StringVar(&w.metrics, "metrics-textfile", "", "write metrics here on exit (default from config)")
	f.BoolVar(&w.wasi, "wasi", true, "link WASI preview1 for the guest (default from config)")
}

// apply overlays the flags given on the command line onto cfg.
func (w *workerFlags) apply(f *flag.FlagSet, cfg *config.Config) {
	if flagSet(f, "entry") {
		cfg.Entry = w.entry
	}
	if flagSet(f, "primary") {
		cfg.PrimaryPath = w.primary
	}
	if flagSet(f, "scratch") {
		cfg.ScratchPath = w.scratch
	}
	if flagSet(f, "metrics-textfile") {
		cfg.MetricsTextfile = w.metrics
	}
	if flagSet(f, "wasi") {
		cfg.WASI = w.wasi
	}
}

// serveArgs renders cfg back into serve flags for a detached worker.
func serveArgs(cfg config.Config, module, ipc string) []string {
	return []string{
		"-log-level", cfg.LogLevel,
		"serve",
		"-entry", cfg.Entry,
		"-primary", cfg.PrimaryPath,
		"-scratch", cfg.ScratchPath,
		"-metrics-textfile", cfg.MetricsTextfile,
		"-wasi=" + strconv.FormatBool(cfg.WASI),
		module, ipc,
	}
}

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	workerFlags
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run a request server in the foreground"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags] <module> <ipc file> - load the guest, wait for activation,
run it and exit with its status (0 completed, 70 faulted, 75 migrated).
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	s.register(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := *loadedConfig(args)
	s.apply(f, &cfg)
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("serve: invalid config")
		return subcommands.ExitUsageError
	}

	srv := server.New(server.Config{
		ModulePath:  f.Arg(0),
		ControlPath: f.Arg(1),
		Snapshots: checkpoint.Paths{
			Primary: cfg.PrimaryPath,
			Scratch: cfg.ScratchPath,
		},
		Entry:           cfg.Entry,
		MetricsTextfile: cfg.MetricsTextfile,
	}, engine.NewWasmtime(engine.WasmtimeOptions{WASI: cfg.WASI}))

	out := srv.Run()
	event := log.Info()
	if out.Err != nil {
		event = log.Error().Err(out.Err).Str("fault", string(out.Fault))
	}
	event.
		Str("instance", srv.ID()).
		Str("status", string(out.Status)).
		Int("exit", out.ExitCode()).
		Msg("serve: finished")
	return subcommands.ExitStatus(out.ExitCode())
}

// Spawn implements subcommands.Command for the "spawn" command.
type Spawn struct {
	workerFlags
	wait    bool
	timeout time.Duration
	logFile string
}

// Name implements subcommands.Command.Name.
func (*Spawn) Name() string {
	return "spawn"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Spawn) Synopsis() string {
	return "create the control block and start a detached request server"
}

// Usage implements subcommands.Command.Usage.
func (*Spawn) Usage() string {
	return `spawn [flags] <module> <ipc file> - create the ipc file, start a detached
serve worker and print its pid.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Spawn) SetFlags(f *flag.FlagSet) {
	s.register(f)
	f.BoolVar(&s.wait, "wait", true, "wait until the worker is parked on the activation gate")
	f.DurationVar(&s.timeout, "timeout", 0, "how long -wait may take (default from config)")
	f.StringVar(&s.logFile, "log", "", "append worker output to this file (default from config)")
}

// Execute implements subcommands.Command.Execute.
func (s *Spawn) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	module, ipc := f.Arg(0), f.Arg(1)
	cfg := *loadedConfig(args)
	s.apply(f, &cfg)
	if flagSet(f, "wait") {
		cfg.Spawn.Wait = s.wait
	}
	if flagSet(f, "timeout") {
		cfg.Spawn.WaitTimeout = s.timeout
	}
	if flagSet(f, "log") {
		cfg.Spawn.LogFile = s.logFile
	}
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("spawn: invalid config")
		return subcommands.ExitUsageError
	}

	if err := control.Create(ipc, control.BlockSize); err != nil {
		log.Error().Err(err).Str("ipc", ipc).Msg("spawn: create control block")
		return subcommands.ExitFailure
	}
	exe, err := os.Executable()
	if err != nil {
		log.Error().Err(err).Msg("spawn: resolve executable")
		return subcommands.ExitFailure
	}
	p, err := tools.StartDetached(cfg.Spawn.LogFile, exe, serveArgs(cfg, module, ipc)...)
	if err != nil {
		log.Error().Err(err).Msg("spawn: start worker")
		return subcommands.ExitFailure
	}
	fmt.Fprintf(stdout, "Child PID = %d\n", p.PID)

	if !cfg.Spawn.Wait {
		return subcommands.ExitSuccess
	}
	if err := waitForWorker(ctx, ipc, p, cfg.Spawn.WaitTimeout); err != nil {
		log.Error().Err(err).Int("pid", p.PID).Msg("spawn: worker not ready")
		return subcommands.ExitFailure
	}
	log.Info().Int("pid", p.PID).Str("ipc", ipc).Msg("spawn: worker waiting for activation")
	return subcommands.ExitSuccess
}

// waitForWorker polls the control block until p owns it and has published
// the waiting phase. It gives up early if p exits.
func waitForWorker(ctx context.Context, ipc string, p *tools.Process, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = timeout

	op := func() error {
		if exited, code := p.Exited(); exited {
			return backoff.Permanent(fmt.Errorf("worker %d exited with status %d", p.PID, code))
		}
		blk, err := control.Open(ipc)
		if err != nil {
			return err
		}
		defer blk.Close()
		st, err := blk.Status()
		if err != nil {
			return err
		}
		if st.Owner != p.PID {
			return fmt.Errorf("control block owned by pid %d", st.Owner)
		}
		if phase, _ := server.PhaseFromCode(st.Phase); phase != server.PhaseWaiting {
			return fmt.Errorf("worker in phase %q", phase)
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
