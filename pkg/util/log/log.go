// Package log holds the single go-kit logger shared by every flowbridge
// component, initialized once from the server config's log level/format,
// grounded on the teacher's cmd/tempo/pkg/util/log.Logger +
// log.InitLogger(&config.Server) call-site pattern (cmd/tempo/main.go).
package log

import (
	"github.com/go-kit/log"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/server"
)

// Logger is the process-wide logger. It logs nowhere useful until
// InitLogger runs; callers that need output before that point (flag
// parsing failures, etc.) get a safe no-op sink instead of a nil panic.
var Logger log.Logger = log.NewNopLogger()

// InitLogger builds Logger from cfg's log level and format and wires it
// back into cfg.Log so the dskit server package logs through it too.
func InitLogger(cfg *server.Config) {
	l, err := dslog.NewPrometheusLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	Logger = l
	cfg.Log = l
}
