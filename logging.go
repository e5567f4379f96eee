// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LoggingOptions configures the logger every Replica/Client carries.
// Grounded on mosaicnetworks-babble's src/config/config.go Logger()
// construction.
type LoggingOptions struct {
	Level logrus.Level
	// FaultLogPath, if set, additionally routes Warn+ records (primary
	// equivocation, view changes, fork-* alarms — the events that protect
	// the hash chain's integrity) to a rotated file via lfshook+lumberjack.
	FaultLogPath string
}

// NewLogger builds a *logrus.Logger the way babble's Config.Logger does:
// a prefixed text formatter for human-readable terminal output, plus an
// optional rotating file hook for fault-relevant records.
func NewLogger(opts LoggingOptions) *logrus.Logger {
	logger := logrus.New()
	logger.Level = opts.Level
	logger.Formatter = &prefixed.TextFormatter{}

	if opts.FaultLogPath != "" {
		writer := &lumberjack.Logger{
			Filename:   opts.FaultLogPath,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		logger.Hooks.Add(lfshook.NewHook(lfshook.WriterMap{
			logrus.WarnLevel:  writer,
			logrus.ErrorLevel: writer,
			logrus.FatalLevel: writer,
		}, &prefixed.TextFormatter{DisableColors: true}))
	}

	return logger
}
