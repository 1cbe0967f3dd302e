package commands

import (
	"context"
	"flag"
	"fmt"

	"github.com/danmuck/migratectl/internal/checkpoint"
	"github.com/danmuck/migratectl/internal/control"
	"github.com/danmuck/migratectl/internal/server"
	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"
)

// openLive opens a block whose server has not yet terminated.
func openLive(path string) (*control.Block, error) {
	b, err := control.Open(path)
	if err != nil {
		return nil, err
	}
	if phase, _ := server.PhaseFromCode(b.Phase()); phase == server.PhaseTerminated {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %s already terminated", control.ErrNotInitialized, path)
	}
	return b, nil
}

// Activate implements subcommands.Command for the "activate" command.
type Activate struct{}

// Name implements subcommands.Command.Name.
func (*Activate) Name() string {
	return "activate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Activate) Synopsis() string {
	return "release a request server parked on the activation gate"
}

// Usage implements subcommands.Command.Usage.
func (*Activate) Usage() string {
	return `activate <ipc file> - post the activation gate once.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Activate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Activate) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	b, err := openLive(path)
	if err != nil {
		log.Error().Err(err).Str("ipc", path).Msg("activate: open control block")
		return subcommands.ExitFailure
	}
	defer b.Close()
	if err := b.SignalActivation(); err != nil {
		log.Error().Err(err).Str("ipc", path).Msg("activate: signal")
		return subcommands.ExitFailure
	}
	log.Info().Str("ipc", path).Msg("activate: posted")
	return subcommands.ExitSuccess
}

// Migrate implements subcommands.Command for the "migrate" command.
type Migrate struct {
	clear bool
}

// Name implements subcommands.Command.Name.
func (*Migrate) Name() string {
	return "migrate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Migrate) Synopsis() string {
	return "ask the running guest to checkpoint at its next poll"
}

// Usage implements subcommands.Command.Usage.
func (*Migrate) Usage() string {
	return `migrate [-clear] <ipc file> - set or clear the migration flag.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Migrate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.clear, "clear", false, "clear the migration flag instead of setting it")
}

// Execute implements subcommands.Command.Execute.
func (m *Migrate) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)

	b, err := openLive(path)
	if err != nil {
		log.Error().Err(err).Str("ipc", path).Msg("migrate: open control block")
		return subcommands.ExitFailure
	}
	defer b.Close()
	if err := b.SetMigrationFlag(!m.clear); err != nil {
		log.Error().Err(err).Str("ipc", path).Msg("migrate: set flag")
		return subcommands.ExitFailure
	}
	log.Info().Str("ipc", path).Bool("requested", !m.clear).Msg("migrate: flag written")
	return subcommands.ExitSuccess
}

// Status implements subcommands.Command for the "status" command.
type Status struct{}

// Name implements subcommands.Command.Name.
func (*Status) Name() string {
	return "status"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Status) Synopsis() string {
	return "print control block state and snapshot files"
}

// Usage implements subcommands.Command.Usage.
func (*Status) Usage() string {
	return `status <ipc file> - print the control block and snapshot state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Status) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Status) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)
	cfg := loadedConfig(args)

	// Map, not Open: status also describes blocks nobody initialized.
	b, err := control.Map(path)
	if err != nil {
		log.Error().Err(err).Str("ipc", path).Msg("status: map control block")
		return subcommands.ExitFailure
	}
	defer b.Close()
	st, err := b.Status()
	if err != nil {
		log.Error().Err(err).Str("ipc", path).Msg("status: read")
		return subcommands.ExitFailure
	}

	phase, ok := server.PhaseFromCode(st.Phase)
	if !ok {
		phase = "none"
	}
	fmt.Fprintf(stdout, "ipc:                 %s\n", st.Path)
	fmt.Fprintf(stdout, "initialized:         %t\n", st.Initialized)
	if st.Initialized {
		fmt.Fprintf(stdout, "owner pid:           %d\n", st.Owner)
		fmt.Fprintf(stdout, "phase:               %s\n", phase)
		fmt.Fprintf(stdout, "pending activations: %d\n", st.PendingActivations)
		fmt.Fprintf(stdout, "migration requested: %t\n", st.MigrationRequested)
	}

	store := checkpoint.NewStore(checkpoint.Paths{Primary: cfg.PrimaryPath, Scratch: cfg.ScratchPath})
	files, err := store.Inspect()
	if err != nil {
		log.Error().Err(err).Msg("status: inspect snapshots")
		return subcommands.ExitFailure
	}
	for _, fi := range files {
		if fi.Present {
			fmt.Fprintf(stdout, "snapshot %-10s %s (%d/%d bytes)\n", fi.Region.Name+":", fi.Path, fi.Size, fi.Region.Size)
		} else {
			fmt.Fprintf(stdout, "snapshot %-10s %s (absent)\n", fi.Region.Name+":", fi.Path)
		}
	}
	return subcommands.ExitSuccess
}
