// Package commands implements the migratectl subcommands. Every command
// receives the loaded *config.Config as its first execute argument.
package commands
