package emberkv

import "go.uber.org/zap"

// NewProductionLogger builds a zap.Logger suitable for passing as
// Options.Logger: JSON output, info level, caller and stacktrace
// disabled for the hot commit path.
func NewProductionLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	return cfg.Build()
}
