package server

import (
	"github.com/danmuck/migratectl/internal/checkpoint"
	"github.com/danmuck/migratectl/internal/control"
	"github.com/danmuck/migratectl/internal/engine"
	"github.com/danmuck/migratectl/internal/observability"
	"github.com/rs/zerolog"
)

// capabilities are the host functions one guest instance may call.
type capabilities struct {
	block *control.Block
	store *checkpoint.Store
	log   zerolog.Logger

	// err is the first host-side failure; the run cannot continue past it.
	err      error
	polls    int
	restores int
}

var _ engine.Capabilities = (*capabilities)(nil)

func (c *capabilities) PollMigration() (bool, error) {
	v, err := c.block.PollMigrationFlag()
	if err != nil {
		c.fail(err)
		return false, err
	}
	c.polls++
	observability.RecordMigrationPoll(v)
	if v {
		c.log.Info().Int("polls", c.polls).Msg("server.PollMigration migration requested")
	}
	return v, nil
}

func (c *capabilities) RestoreMemory(mem engine.Memories) error {
	c.restores++
	err := c.store.RestoreAll(mem, func(r checkpoint.Region, n int) {
		observability.RecordRestore(r.Name, n)
		c.log.Info().Str("region", r.Name).Int("bytes", n).Msg("server.RestoreMemory restored")
	})
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *capabilities) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.log.Error().Err(err).Msg("server capability failed")
}
