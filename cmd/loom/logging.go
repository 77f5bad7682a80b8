package main

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// rotated log files
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
	logFileMaxAgeDays = 28
)

type logSettings struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

func settingsFromViper(v *viper.Viper) logSettings {
	s := logSettings{
		Level:      v.GetString("log-level"),
		Format:     v.GetString("log-format"),
		File:       v.GetString("log-file"),
		WithCaller: v.GetBool("with-caller"),
	}
	// --verbose never lowers an explicit trace level
	if v.GetBool("verbose") && s.Level != zerolog.TraceLevel.String() {
		s.Level = zerolog.DebugLevel.String()
	}
	return s
}

// setupLogging replaces the global logger. Text output goes through a
// console writer, the log file always gets uncolored console lines.
func setupLogging(s logSettings, stderr io.Writer) error {
	level := zerolog.InfoLevel
	if s.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(s.Level)
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
	}

	var out io.Writer
	switch s.Format {
	case "text", "":
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
	case "json":
		out = stderr
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}

	if s.File != "" {
		out = zerolog.MultiLevelWriter(out, zerolog.ConsoleWriter{
			Out: &lumberjack.Logger{
				Filename:   s.File,
				MaxSize:    logFileMaxSizeMB,
				MaxBackups: logFileMaxBackups,
				MaxAge:     logFileMaxAgeDays,
			},
			NoColor: true,
		})
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}
