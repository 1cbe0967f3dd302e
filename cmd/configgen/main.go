package main

import (
	"flag"
	"os"

	"github.com/danmuck/migratectl/internal/config"
	"github.com/danmuck/migratectl/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "migratectl.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *validate {
		if _, err := config.Load(*input); err != nil {
			log.Error().Err(err).Msg("configgen validate")
			os.Exit(1)
		}
		log.Info().Str("path", *input).Msg("validated migratectl config")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Error().Err(err).Msg("configgen write")
		os.Exit(1)
	}
	log.Info().Str("path", *output).Msg("wrote migratectl config template")
}
