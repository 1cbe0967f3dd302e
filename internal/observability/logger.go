package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a child of the process logger tagged with the
// component name and, when set, the instance id.
func ComponentLogger(component, instance string) zerolog.Logger {
	ctx := log.Logger.With().Str("component", component)
	if instance != "" {
		ctx = ctx.Str("instance", instance)
	}
	return ctx.Logger()
}
