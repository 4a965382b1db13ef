package observability

import (
	"github.com/danmuck/procbus/internal/logging"
	"github.com/danmuck/procbus/internal/route"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures runtime logging once and tags the global logger with
// the process identity.
func InitLogger(app string, process route.ProcessName) zerolog.Logger {
	logging.ConfigureRuntime()
	logger := log.Logger.With().Str("app", app).Str("process", process.String()).Logger()
	log.Logger = logger
	return logger
}
