package logger

import (
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the encoding, verbosity and destination of the process logger.
type Options struct {
	JSON  bool
	Debug bool
	// Level overrides Debug when set (debug, info, warn, error).
	Level string
	// Output is stderr or a file path. A leading ~ is expanded.
	Output string
}

// New builds the process logger. Messages are keyed as "step" so a run reads
// as a sequence of pipeline steps in both encodings.
func New(opts Options) (*zap.Logger, error) {
	level, err := opts.level()
	if err != nil {
		return nil, err
	}

	encoding := "console"
	if opts.JSON {
		encoding = "json"
	}

	output, err := opts.output()
	if err != nil {
		return nil, err
	}

	cfg := zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(level),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "step",

			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.RFC3339TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,

			NameKey: "component",
		},
	}

	return cfg.Build()
}

func (o Options) level() (zapcore.Level, error) {
	if strings.TrimSpace(o.Level) == "" {
		if o.Debug {
			return zapcore.DebugLevel, nil
		}
		return zapcore.InfoLevel, nil
	}

	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(o.Level)))
	if err != nil {
		return level, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

func (o Options) output() (string, error) {
	out := strings.TrimSpace(o.Output)
	if out == "" || out == "stderr" || out == "stdout" {
		if out == "" {
			out = "stderr"
		}
		return out, nil
	}

	return homedir.Expand(out)
}

// TruncateForLog shortens the provided string to the specified limit, appending an ellipsis when truncated.
func TruncateForLog(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
