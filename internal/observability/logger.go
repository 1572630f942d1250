package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NodeLogger scopes the global logger to one peer instance.
func NodeLogger(name, store, instance string) zerolog.Logger {
	return log.Logger.With().
		Str("peer", name).
		Str("store", store).
		Str("instance", instance).
		Logger()
}
