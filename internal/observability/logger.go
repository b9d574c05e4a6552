package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger derives a component logger from the process logger configured
// by internal/logging.
func InitLogger(app string) zerolog.Logger {
	return log.Logger.With().Timestamp().Str("app", app).Logger()
}
