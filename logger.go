package ponyproxy

import (
	"go.uber.org/zap"

	"github.com/edgegrid/ponyproxy/internal/logging"
)

// sessionLogger narrows base, or the default logger, to level.
func sessionLogger(base *zap.Logger, level TraceLevel) *zap.Logger {
	min, on := level.zapLevel()
	if !on {
		return zap.NewNop()
	}
	if base == nil {
		cfg := logging.DefaultConfig()
		cfg.Level = min.String()
		l, err := logging.New(cfg)
		if err != nil {
			return zap.NewNop()
		}
		return l.Named("ponyproxy")
	}
	return base.WithOptions(zap.IncreaseLevel(min)).Named("ponyproxy")
}
