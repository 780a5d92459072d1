package utils

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// InitLogger configures the process-wide logger: JSON lines to stderr and to
// a size-rotated file.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	writers := []io.Writer{os.Stderr}
	if file != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger().Level(lvl)
}

// SetLogLevel adjusts the level of the current logger. Unknown levels fall
// back to info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
}

// SetLoggerForTest replaces the package logger. Tests only.
func SetLoggerForTest(l zerolog.Logger) {
	logger = l
}

// Debug logs at debug level with alternating key/value pairs.
func Debug(msg string, kv ...interface{}) {
	emit(logger.Debug(), msg, kv)
}

// Info logs at info level with alternating key/value pairs.
func Info(msg string, kv ...interface{}) {
	emit(logger.Info(), msg, kv)
}

// Warn logs at warn level with alternating key/value pairs.
func Warn(msg string, kv ...interface{}) {
	emit(logger.Warn(), msg, kv)
}

// Error logs at error level with alternating key/value pairs.
func Error(msg string, kv ...interface{}) {
	emit(logger.Error(), msg, kv)
}

func emit(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}
