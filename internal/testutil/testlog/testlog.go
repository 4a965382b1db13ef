// Package testlog configures the test logging profile and brackets each test
// with start and finish lines.
package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/procbus/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	started := time.Now()
	log.Debug().Str("test", t.Name()).Msg("testlog start")
	t.Cleanup(func() {
		log.Debug().
			Str("test", t.Name()).
			Bool("failed", t.Failed()).
			Dur("elapsed", time.Since(started)).
			Msg("testlog finish")
	})
}
