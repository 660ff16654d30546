package main

import (
	"github.com/aldas/go-j1939decode/annex"
	"github.com/aldas/go-j1939decode/internal/config"
	"go.uber.org/zap"
)

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	zc.DisableStacktrace = true
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// annexLog routes database and decoder diagnostics to logger
func annexLog(logger *zap.Logger) annex.LogFunc {
	annexLogger := logger.Named("annex")
	return func(msg string) {
		annexLogger.Warn(msg)
	}
}
