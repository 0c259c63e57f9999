// Package observability carries the agent's prometheus metrics and the
// gin middleware the admin server logs and measures requests with.
package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns the global logger tagged with a component field.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
