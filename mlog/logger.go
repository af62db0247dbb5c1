/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of fwdcache.
 *
 * fwdcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * fwdcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	// Level, See also zapcore.ParseLevel.
	Level string `yaml:"level"`

	// File that logger will be writen into.
	// Default is stderr.
	File string `yaml:"file"`

	// Production enables json output.
	Production bool `yaml:"production"`

	// Rotation of File. Ignored when File is empty.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

var (
	stderr = zapcore.Lock(os.Stderr)

	lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	l   = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), stderr, lvl))
	s   = l.Sugar()
)

// NewLogger builds a logger from lc. The returned level can be changed at
// runtime with SetLevel.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	al := zap.NewAtomicLevelAt(lvl)

	var out zapcore.WriteSyncer
	if lf := lc.File; len(lf) > 0 {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   lf,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			LocalTime:  true,
			Compress:   true,
		})
	} else {
		out = stderr
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, out, al), zap.AddCaller()).
		WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core { return &levelCore{Core: c, al: al} })), nil
}

// L is a global logger.
func L() *zap.Logger {
	return l
}

// S is a global logger.
func S() *zap.SugaredLogger {
	return s
}

// levelCore exposes the AtomicLevel of a logger built by NewLogger.
type levelCore struct {
	zapcore.Core
	al zap.AtomicLevel
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), al: c.al}
}

func (c *levelCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

// SetLevel changes the level of a logger built by NewLogger. It returns
// an error if lg was not built by NewLogger or level is invalid.
func SetLevel(lg *zap.Logger, level string) error {
	lc, ok := lg.Core().(*levelCore)
	if !ok {
		return fmt.Errorf("logger does not support level changes")
	}
	zl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	lc.al.SetLevel(zl)
	return nil
}
