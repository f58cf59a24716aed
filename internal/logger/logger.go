// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

var logLevel slog.Level

// New constructs a slog.Logger writing to w with the given level and format.
// Format must be one of "text" or "json".
func New(level, format string, w io.Writer) *slog.Logger {
	logLevel = parseLogLevel(level)
	return slog.New(handlerForFormat(format, logLevel, w))
}

func LogLevel() slog.Level {
	return logLevel
}

func handlerForFormat(format string, logLevel slog.Level, w io.Writer) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		})

	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.SourceKey {
					if src, ok := a.Value.Any().(*slog.Source); ok {
						src.File = shortPath(src.File)
					}
				}
				return a
			},
		})

	default:
		panic(fmt.Sprintf("invalid format: %s", format))
	}
}

// shortPath trims an absolute source path to its last two directories plus
// the filename
func shortPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) > 2 {
		return filepath.Join(parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1])
	}
	return filepath.Join(parts...)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
