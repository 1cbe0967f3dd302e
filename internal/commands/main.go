package commands

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/logging"
	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"
)

// stdout receives command output meant for the operator.
var stdout io.Writer = os.Stdout

// Main parses global flags from args, loads the config and runs the named
// subcommand. It returns the process exit status.
func Main(args []string) int {
	fs := flag.NewFlagSet("migratectl", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a migratectl TOML config")
	logLevel := fs.String("log-level", "", "log level override: trace|debug|info|warn|error|off")

	cdr := subcommands.NewCommander(fs, "migratectl")
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(cdr.CommandsCommand(), "")
	cdr.Register(new(Spawn), "worker")
	cdr.Register(new(Serve), "worker")
	cdr.Register(new(Activate), "control")
	cdr.Register(new(Migrate), "control")
	cdr.Register(new(Status), "control")

	if err := fs.Parse(args); err != nil {
		return int(subcommands.ExitUsageError)
	}

	logging.ConfigureRuntime()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("migratectl config")
		return int(subcommands.ExitFailure)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if !logging.SetLevel(level) {
		log.Warn().Str("level", level).Msg("migratectl unknown log level ignored")
	}
	cfg.LogLevel = level

	return int(cdr.Execute(context.Background(), &cfg))
}

func loadedConfig(args []interface{}) *config.Config {
	if len(args) > 0 {
		if cfg, ok := args[0].(*config.Config); ok {
			return cfg
		}
	}
	cfg := config.DefaultConfig()
	return &cfg
}

// flagSet reports whether name was given on the command line.
func flagSet(f *flag.FlagSet, name string) bool {
	found := false
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}
