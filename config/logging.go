// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from cfg. Output goes to LogFile as
// JSON lines when set, otherwise to stderr in console form. The returned
// closer releases the log file and is never nil.
func NewLogger(cfg Config) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.LogLevel)
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, configFileMode)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("config: open log file: %w", err)
		}
		out, closer = f, f
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
