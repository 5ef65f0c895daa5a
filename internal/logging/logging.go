// Package logging builds the zap.Logger shared by cmd/server and cmd/worker,
// matching the teacher's cmd/server/main.go buildLogger convention: a
// development (console) encoder under --log-level=debug, production JSON
// encoding otherwise.
package logging

import "go.uber.org/zap"

// Build returns a configured *zap.Logger for level ∈ {debug, info, warn, error}.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
